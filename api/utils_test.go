package api

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextTimestampStrictlyIncreasing(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})
	atomic.StoreInt64(&lastTimestamp, 0)

	prev := nextTimestamp()
	for i := 0; i < 1000; i++ {
		next := nextTimestamp()
		if next <= prev {
			t.Fatalf("timestamp went backwards: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestNextTimestampAdvancesPastLast(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})

	future := time.Now().Add(time.Second).UnixNano()
	atomic.StoreInt64(&lastTimestamp, future)

	if got := nextTimestamp(); got != future+1 {
		t.Fatalf("expected %d, got %d", future+1, got)
	}
}

func TestNextTimestampConcurrentUnique(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	results := make([][]int64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]int64, perWorker)
			for i := range out {
				out[i] = nextTimestamp()
			}
			results[w] = out
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, workers*perWorker)
	for _, out := range results {
		for _, ts := range out {
			if _, dup := seen[ts]; dup {
				t.Fatalf("duplicate timestamp %d", ts)
			}
			seen[ts] = struct{}{}
		}
	}
}
