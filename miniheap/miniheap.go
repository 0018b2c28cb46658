// Package miniheap implements the quantum of per-size-class management: one
// span subdivided into equal-sized slots, plus the bitmap tracking which
// are live and the overlay bookkeeping meshing needs.
//
// This is the Go analogue of mspan in mheap.go, narrowed to exactly the
// fields this allocator's design needs: no GC sweep state, no span-list
// linkage, since nothing here is managed by a tracing collector.
package miniheap

import (
	"github.com/meshalloc/meshalloc/mask"
	"github.com/meshalloc/meshalloc/span"
)

// MaxOverlap is the maximum number of other spans that can be meshed into
// a single miniheap's logical address range.
const MaxOverlap = 3

// MiniHeap is a span subdivided into SizeClass()-sized slots.
type MiniHeap[H any] struct {
	sp             *span.Span[H]
	sizeClass      uint16
	maxAllocations uint8
	allocMask      mask.Mask
	virtualSpans   [MaxOverlap]uintptr
	virtualSpanN   int
}

// New constructs a MiniHeap over sp, subdividing it into sizeClass-sized
// slots. pageSize must match the SpanAllocator that produced sp.
func New[H any](sp *span.Span[H], pageSize uintptr, sizeClass uint16) *MiniHeap[H] {
	max := (uintptr(sp.Pages()) * pageSize) / uintptr(sizeClass)
	if max > mask.MaxAllocationsPerSpan {
		max = mask.MaxAllocationsPerSpan
	}

	return &MiniHeap[H]{
		sp:             sp,
		sizeClass:      sizeClass,
		maxAllocations: uint8(max),
	}
}

// SizeClass returns the slot size in bytes.
func (mh *MiniHeap[H]) SizeClass() uint16 {
	return mh.sizeClass
}

// MaxAllocations returns the number of slots this miniheap can serve.
func (mh *MiniHeap[H]) MaxAllocations() uint8 {
	return mh.maxAllocations
}

// Span returns the backing span.
func (mh *MiniHeap[H]) Span() *span.Span[H] {
	return mh.sp
}

// Mask exposes the live-slot bitmap, chiefly so the meshing driver can
// test two miniheaps for disjointness.
func (mh *MiniHeap[H]) Mask() *mask.Mask {
	return &mh.allocMask
}

// Alloc returns the slice for slot offset and marks it used. offset must
// have come from FreeIter or have just been freed.
func (mh *MiniHeap[H]) Alloc(offset uint8, pageSize uintptr) []byte {
	mh.allocMask.Used(offset)
	data := mh.sp.Data(pageSize)
	start := uintptr(offset) * uintptr(mh.sizeClass)
	return data[start : start+uintptr(mh.sizeClass)]
}

// Dealloc clears offset's bit.
func (mh *MiniHeap[H]) Dealloc(offset uint8) {
	mh.allocMask.Free(offset)
}

// FreeIter returns an iterator over this miniheap's free slot offsets.
func (mh *MiniHeap[H]) FreeIter() *mask.FreeIter {
	return mh.allocMask.FreeIter(mh.maxAllocations)
}

// AddOverlay records that the span based at victimBase has been meshed
// into this miniheap's logical range. It reports false once MaxOverlap
// overlays are already recorded, in which case the caller should skip the
// merge rather than lose the ability to resolve frees through the
// overlay.
func (mh *MiniHeap[H]) AddOverlay(victimBase uintptr) bool {
	if mh.virtualSpanN >= MaxOverlap {
		return false
	}
	mh.virtualSpans[mh.virtualSpanN] = victimBase
	mh.virtualSpanN++
	return true
}

// Overlays returns the bases of spans meshed into this miniheap.
func (mh *MiniHeap[H]) Overlays() []uintptr {
	return mh.virtualSpans[:mh.virtualSpanN]
}
