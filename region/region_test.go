package region

import (
	"testing"

	"github.com/shenjiangwei/coreheap/sizeclass"
)

func TestSimulatedAcquireReleaseBytes(t *testing.T) {
	p := NewSimulated(0)
	base, ok := p.Acquire(1)
	if !ok {
		t.Fatal("Acquire(1) failed")
	}

	buf := p.Bytes(base, sizeclass.HugePageSize)
	if len(buf) != sizeclass.HugePageSize {
		t.Fatalf("Bytes length = %d, want %d", len(buf), sizeclass.HugePageSize)
	}
	buf[0] = 0xAB
	again := p.Bytes(base, 1)
	if again[0] != 0xAB {
		t.Fatal("expected writes through Bytes to be visible to subsequent callers")
	}

	p.Release(base, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected Bytes on a released region to panic")
		}
	}()
	p.Bytes(base, 1)
}

func TestSimulatedCapacity(t *testing.T) {
	p := NewSimulated(sizeclass.HugePageSize)
	if _, ok := p.Acquire(1); !ok {
		t.Fatal("Acquire(1) should fit within the cap")
	}
	if _, ok := p.Acquire(1); ok {
		t.Fatal("Acquire(1) beyond the cap should fail")
	}
}
