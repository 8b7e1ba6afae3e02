// Command heapstress drives the core allocator through a concurrent
// mixed alloc/destroy/realloc workload and reports per-iteration
// throughput, live allocations, finalizers run and tcache stats:
// goroutines fan out over a shared, mutex-guarded bookkeeping map of live
// allocations and hammer tcache.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/region"
	"github.com/shenjiangwei/coreheap/sizeclass"
	"github.com/shenjiangwei/coreheap/tcache"
)

const (
	minBlockSize = 16
	maxBlockSize = 64 * 1024
)

// iterationResult mirrors the teacher's TestResult: per-iteration
// throughput and a snapshot of the core's running stats.
type iterationResult struct {
	iteration     int
	ops           int
	liveAtEnd     int
	finalizersRun int
	duration      time.Duration
	stats         tcache.Stats
}

func runIteration(tc *tcache.TCache, iteration, goroutines, opsPerGoroutine int) iterationResult {
	allocated := make(map[extent.Addr]uint64) // addr -> requested size
	var mu sync.Mutex
	var wg sync.WaitGroup
	var finalizersRun int64

	start := time.Now()
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		g := g
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(g)))
			for i := 0; i < opsPerGoroutine; i++ {
				switch {
				case rng.Float64() < 0.55:
					size := uint64(rng.Intn(maxBlockSize-minBlockSize+1) + minBlockSize)
					appendable := rng.Float64() < 0.3
					containsPointers := rng.Float64() < 0.5

					var ptr extent.Addr
					var ok bool
					if appendable {
						ptr, ok = tc.AllocAppendable(size, containsPointers, false, func(extent.Addr, uint64) {
							atomic.AddInt64(&finalizersRun, 1)
						})
					} else {
						ptr, ok = tc.Alloc(size, containsPointers, false)
					}
					if ok {
						mu.Lock()
						allocated[ptr] = size
						mu.Unlock()
					}

				case rng.Float64() < 0.85:
					mu.Lock()
					addr, ok := pickRandom(allocated, rng)
					if ok {
						delete(allocated, addr)
					}
					mu.Unlock()
					if ok {
						tc.Destroy(addr)
					}

				default:
					mu.Lock()
					addr, ok := pickRandom(allocated, rng)
					mu.Unlock()
					if !ok {
						continue
					}
					newSize := uint64(rng.Intn(maxBlockSize-minBlockSize+1) + minBlockSize)
					newPtr, ok := tc.Realloc(addr, newSize, false)
					if ok {
						mu.Lock()
						delete(allocated, addr)
						allocated[newPtr] = newSize
						mu.Unlock()
					}
				}
			}
		}()
	}
	wg.Wait()
	duration := time.Since(start)

	mu.Lock()
	live := len(allocated)
	mu.Unlock()

	return iterationResult{
		iteration:     iteration,
		ops:           goroutines * opsPerGoroutine,
		liveAtEnd:     live,
		finalizersRun: int(atomic.LoadInt64(&finalizersRun)),
		duration:      duration,
		stats:         tc.Stats(),
	}
}

func pickRandom(m map[extent.Addr]uint64, rng *rand.Rand) (extent.Addr, bool) {
	if len(m) == 0 {
		return 0, false
	}
	keys := make([]extent.Addr, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys[rng.Intn(len(keys))], true
}

func main() {
	iterations := flag.Int("iterations", 3, "number of stress iterations")
	goroutines := flag.Int("goroutines", 10, "concurrent workers per iteration")
	opsPerGoroutine := flag.Int("ops", 20000, "operations per worker per iteration")
	hugePagesCap := flag.Uint64("huge-pages", 4096, "simulated huge-page budget (0 = unbounded)")
	flag.Parse()

	var provider region.Provider = region.NewSimulated(*hugePagesCap * sizeclass.HugePageSize)
	tc := tcache.New(provider, nil)

	fmt.Printf("heapstress: %d iterations, %d goroutines, %d ops/goroutine\n", *iterations, *goroutines, *opsPerGoroutine)
	fmt.Println()

	var results []iterationResult
	for i := 0; i < *iterations; i++ {
		r := runIteration(tc, i+1, *goroutines, *opsPerGoroutine)
		results = append(results, r)

		fmt.Printf("iteration %d: %d ops in %v (%.0f ops/sec)\n", r.iteration, r.ops, r.duration, float64(r.ops)/r.duration.Seconds())
		fmt.Printf("  live allocations at end: %d\n", r.liveAtEnd)
		fmt.Printf("  finalizers run:          %d\n", r.finalizersRun)
		fmt.Printf("  cumulative stats:        %+v\n", r.stats)
		fmt.Println()
	}

	var avgOpsPerSec float64
	for _, r := range results {
		avgOpsPerSec += float64(r.ops) / r.duration.Seconds()
	}
	avgOpsPerSec /= float64(len(results))
	fmt.Printf("average throughput: %.0f ops/sec\n", avgOpsPerSec)
}
