package globalheap

import (
	"sync"
	"unsafe"

	"github.com/meshalloc/meshalloc/miniheap"
	"github.com/meshalloc/meshalloc/span"
)

// pageEntry resolves one page-aligned address back to the object that owns
// it: either a miniheap (small/medium allocations) together with the base
// of whichever virtual range (the miniheap's own span, or one of its
// meshed-in overlays) contains that page, or a large span allocated
// directly from the SpanAllocator.
//
// A miniheap's own pages and every overlay it has absorbed resolve to the
// same *miniheap.MiniHeap, each tagged with the rangeBase needed to turn an
// address back into a slot offset — meshing aliases physical pages but
// never moves a virtual range, so a pointer inside an overlay must have its
// offset computed against that overlay's base, not the keeper's.
type pageEntry[H any] struct {
	mini      *miniheap.MiniHeap[H]
	rangeBase uintptr
	large     *span.Span[H]
}

// pageIndex is the global pointer-to-owner lookup: a mutex-protected map
// keyed by page-aligned address, standing in for a single-reserved-arena-
// plus-parallel-array design, since spans here come from independent mmap
// calls rather than one arena.
type pageIndex[H any] struct {
	mu       sync.RWMutex
	byPage   map[uintptr]pageEntry[H]
	pageSize uintptr
}

func newPageIndex[H any](pageSize uintptr) *pageIndex[H] {
	return &pageIndex[H]{
		byPage:   make(map[uintptr]pageEntry[H]),
		pageSize: pageSize,
	}
}

func (p *pageIndex[H]) pageBase(addr uintptr) uintptr {
	return addr &^ (p.pageSize - 1)
}

func (p *pageIndex[H]) registerRange(base uintptr, pages uint16, entry pageEntry[H]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint16(0); i < pages; i++ {
		p.byPage[base+uintptr(i)*p.pageSize] = entry
	}
}

func (p *pageIndex[H]) unregisterRange(base uintptr, pages uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint16(0); i < pages; i++ {
		delete(p.byPage, base+uintptr(i)*p.pageSize)
	}
}

func (p *pageIndex[H]) lookup(addr uintptr) (pageEntry[H], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.byPage[p.pageBase(addr)]
	return entry, ok
}

// registerMiniHeap indexes every page of mh's own span.
func (p *pageIndex[H]) registerMiniHeap(mh *miniheap.MiniHeap[H]) {
	base := uintptr(mh.Span().BasePointer())
	p.registerRange(base, mh.Span().Pages(), pageEntry[H]{mini: mh, rangeBase: base})
}

// registerOverlay indexes the victim's page range as an additional way to
// reach the same keeper miniheap, tagged with the victim's own base so
// offsets computed through the overlay land on the right slot.
func (p *pageIndex[H]) registerOverlay(keeper *miniheap.MiniHeap[H], victim *span.Span[H]) {
	base := uintptr(victim.BasePointer())
	p.registerRange(base, victim.Pages(), pageEntry[H]{mini: keeper, rangeBase: base})
}

func (p *pageIndex[H]) registerLargeSpan(sp *span.Span[H]) {
	base := uintptr(sp.BasePointer())
	p.registerRange(base, sp.Pages(), pageEntry[H]{large: sp})
}

func (p *pageIndex[H]) unregisterLargeSpan(sp *span.Span[H]) {
	p.unregisterRange(uintptr(sp.BasePointer()), sp.Pages())
}

func (p *pageIndex[H]) unregisterMiniHeap(mh *miniheap.MiniHeap[H]) {
	p.unregisterRange(uintptr(mh.Span().BasePointer()), mh.Span().Pages())
	for _, overlayBase := range mh.Overlays() {
		p.unregisterRange(overlayBase, mh.Span().Pages())
	}
}

func slotOffset[H any](ptr unsafe.Pointer, entry pageEntry[H]) uint8 {
	return uint8((uintptr(ptr) - entry.rangeBase) / uintptr(entry.mini.SizeClass()))
}
