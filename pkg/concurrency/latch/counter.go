package latch

import (
	"runtime"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// striped is a cache-line striped counter in the style of a LongAdder. Each
// goroutine updates the cell selected by its goroutine ID, so concurrent
// increments from many goroutines rarely contend on the same cache line. Sum
// folds all cells and is only coherent with respect to updates that happened
// before it, which is all the commit latch needs.
type striped struct {
	cells []cell
	mask  int64
}

// cell pads its value out to a full cache line to avoid false sharing
// between adjacent stripes.
type cell struct {
	_ [7]int64
	v atomic.Int64
}

func newStriped() *striped {
	n := 1
	for n < runtime.NumCPU() {
		n <<= 1
	}
	return &striped{cells: make([]cell, n), mask: int64(n - 1)}
}

// Add adds delta to the stripe owned by the calling goroutine.
func (s *striped) Add(delta int64) {
	s.cells[goid.Get()&s.mask].v.Add(delta)
}

// Sum folds all stripes into a single total.
func (s *striped) Sum() int64 {
	var total int64
	for i := range s.cells {
		total += s.cells[i].v.Load()
	}
	return total
}
