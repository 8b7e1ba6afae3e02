package sizeclass

import "testing"

func TestSmallClassesCoverRange(t *testing.T) {
	if len(Small) == 0 {
		t.Fatal("expected a non-empty small size class table")
	}
	for i := 1; i < len(Small); i++ {
		if Small[i].ItemSize <= Small[i-1].ItemSize {
			t.Fatalf("size classes must be strictly increasing: %d then %d", Small[i-1].ItemSize, Small[i].ItemSize)
		}
		if Small[i].Slots == 0 || Small[i].Slots > MaxSlotsPerSlab {
			t.Fatalf("class %d has invalid slot count %d", i, Small[i].Slots)
		}
	}
}

func TestClassForSize(t *testing.T) {
	c, ok := ClassForSize(50)
	if !ok {
		t.Fatal("expected a class for size 50")
	}
	if c.ItemSize < 50 {
		t.Fatalf("class item size %d smaller than requested 50", c.ItemSize)
	}
	// The class chosen must be the smallest that fits.
	if c.Index > 0 && Small[c.Index-1].ItemSize >= 50 {
		t.Fatalf("ClassForSize did not return the smallest fitting class")
	}
}

func TestClassForSizeRejectsOutOfRange(t *testing.T) {
	if _, ok := ClassForSize(0); ok {
		t.Fatal("size 0 must not match a class")
	}
	if _, ok := ClassForSize(MaxSmallSize + 1); ok {
		t.Fatal("sizes beyond MaxSmallSize must not match a small class")
	}
}

func TestSlotIndexMatchesDivision(t *testing.T) {
	for _, c := range Small {
		bound := c.NeedPages * PageSize
		// Sample the start, middle and end of every slot rather than every
		// byte (already exhaustively checked once at init time).
		for slot := uint64(0); slot < c.Slots; slot++ {
			offset := slot * c.ItemSize
			if got := c.SlotIndex(offset); got != slot {
				t.Fatalf("item size %d: offset %d: got slot %d, want %d", c.ItemSize, offset, got, slot)
			}
			last := offset + c.ItemSize - 1
			if last < bound {
				if got := c.SlotIndex(last); got != slot {
					t.Fatalf("item size %d: last byte of slot %d (offset %d): got slot %d", c.ItemSize, slot, last, got)
				}
			}
		}
	}
}

func TestLargePages(t *testing.T) {
	if got := LargePages(1); got != 1 {
		t.Fatalf("LargePages(1) = %d, want 1", got)
	}
	if got := LargePages(PageSize); got != 1 {
		t.Fatalf("LargePages(PageSize) = %d, want 1", got)
	}
	if got := LargePages(PageSize + 1); got != 2 {
		t.Fatalf("LargePages(PageSize+1) = %d, want 2", got)
	}
}

func TestIsSmall(t *testing.T) {
	if !IsSmall(1) || !IsSmall(MaxSmallSize) {
		t.Fatal("boundary sizes should be small")
	}
	if IsSmall(0) || IsSmall(MaxSmallSize+1) {
		t.Fatal("zero and oversize must not be small")
	}
}
