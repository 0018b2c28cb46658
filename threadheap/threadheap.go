// Package threadheap implements the allocator's fast path: a per-owner
// array of (shuffle-vector, attached miniheap) pairs indexed by size
// class, the direct analogue of mcache.go's per-P small object cache.
package threadheap

import (
	"github.com/meshalloc/meshalloc/miniheap"
	"github.com/meshalloc/meshalloc/shufflevec"
	"github.com/meshalloc/meshalloc/sizeclass"
	"github.com/meshalloc/meshalloc/span"
)

// Request is returned by Alloc when no attached miniheap of the needed
// size class can serve the call; the caller (GlobalHeap) must supply one
// via ReplaceMiniHeap.
type Request struct {
	Index     int
	SizeClass uint16
}

// ThreadHeap is the per-owner fast-path cache: one shuffle vector and one
// attached miniheap per size class, plus the PRNG used to fill vectors.
//
// A ThreadHeap must never be accessed by more than one goroutine at a
// time; see the GlobalHeap's sync.Pool-based checkout discipline for how
// this module enforces that without OS thread identity.
type ThreadHeap[R shufflevec.Rand, H any] struct {
	rng       R
	vectors   [sizeclass.Count]shufflevec.Vector
	miniHeaps [sizeclass.Count]*miniheap.MiniHeap[H]
}

// New constructs an empty ThreadHeap seeded with rng.
func New[R shufflevec.Rand, H any](rng R) *ThreadHeap[R, H] {
	return &ThreadHeap[R, H]{rng: rng}
}

// Alloc serves size from an attached miniheap's shuffle vector. If no
// miniheap is attached for the matching size class, or its vector is
// empty, it returns a Request describing the miniheap the caller must
// supply via ReplaceMiniHeap before retrying.
func (t *ThreadHeap[R, H]) Alloc(size uintptr, pageSize uintptr) ([]byte, *Request, error) {
	idx, ok := sizeclass.Index(size)
	if !ok {
		return nil, nil, ErrOversize
	}

	if mh := t.miniHeaps[idx]; mh != nil {
		if offset, ok := t.vectors[idx].Pop(); ok {
			return mh.Alloc(offset, pageSize), nil, nil
		}
	}

	return nil, &Request{Index: idx, SizeClass: sizeclass.Size(idx)}, nil
}

// ReplaceMiniHeap installs mh as the attached miniheap for req's size
// class, fills that class's shuffle vector from mh's free slots, and
// returns whatever miniheap was previously attached there, if any — the
// caller must return it to the GlobalHeap's extras pool.
func (t *ThreadHeap[R, H]) ReplaceMiniHeap(req *Request, mh *miniheap.MiniHeap[H]) *miniheap.MiniHeap[H] {
	t.vectors[req.Index].Fill(t.rng, mh.FreeIter())
	prev := t.miniHeaps[req.Index]
	t.miniHeaps[req.Index] = mh
	return prev
}

// MiniHeapAt returns the miniheap currently attached for size class idx,
// or nil.
func (t *ThreadHeap[R, H]) MiniHeapAt(idx int) *miniheap.MiniHeap[H] {
	return t.miniHeaps[idx]
}

// DropHeaps deallocates every attached miniheap's span through alloc. Used
// during GlobalHeap teardown.
func (t *ThreadHeap[R, H]) DropHeaps(alloc span.Allocator[H]) error {
	for i, mh := range t.miniHeaps {
		if mh == nil {
			continue
		}
		if err := alloc.DeallocateSpan(mh.Span()); err != nil {
			return err
		}
		t.miniHeaps[i] = nil
	}
	return nil
}
