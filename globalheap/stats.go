package globalheap

import "sync/atomic"

// Stats is a snapshot of the allocator's lifetime counters, the Go
// analogue of runtime/mstats.go's MemStats (narrowed to what this
// allocator tracks).
type Stats struct {
	Mallocs      uint64
	Frees        uint64
	LargeAllocs  uint64
	MeshesApplied uint64
	MeshAttempts  uint64
}

type statCounters struct {
	mallocs      atomic.Uint64
	frees        atomic.Uint64
	largeAllocs  atomic.Uint64
	meshesApplied atomic.Uint64
	meshAttempts  atomic.Uint64
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Mallocs:       c.mallocs.Load(),
		Frees:         c.frees.Load(),
		LargeAllocs:   c.largeAllocs.Load(),
		MeshesApplied: c.meshesApplied.Load(),
		MeshAttempts:  c.meshAttempts.Load(),
	}
}
