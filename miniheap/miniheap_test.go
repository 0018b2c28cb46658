package miniheap

import (
	"testing"
	"unsafe"

	"github.com/meshalloc/meshalloc/span"
)

func newTestSpan(pages uint16, pageSize uintptr) *span.Span[int] {
	buf := make([]byte, uintptr(pages)*pageSize)
	return span.New[int](unsafe.Pointer(&buf[0]), 0, pages)
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	const pageSize = 4096
	sp := newTestSpan(1, pageSize)
	mh := New[int](sp, pageSize, 64)

	if mh.MaxAllocations() == 0 {
		t.Fatalf("expected a non-zero slot count")
	}

	data := mh.Alloc(0, pageSize)
	if len(data) != 64 {
		t.Fatalf("Alloc returned %d bytes, want 64", len(data))
	}
	if !mh.Mask().IsUsed(0) {
		t.Fatalf("slot 0 should be marked used after Alloc")
	}

	mh.Dealloc(0)
	if mh.Mask().IsUsed(0) {
		t.Fatalf("slot 0 should be free after Dealloc")
	}
}

func TestMaxAllocationsCappedAtMaskLimit(t *testing.T) {
	const pageSize = 4096
	// One page of 16-byte slots would be 256 slots, above the 254 cap.
	sp := newTestSpan(1, pageSize)
	mh := New[int](sp, pageSize, 16)

	if mh.MaxAllocations() != 254 {
		t.Fatalf("MaxAllocations = %d, want 254", mh.MaxAllocations())
	}
}

func TestFreeIterExcludesUsedSlots(t *testing.T) {
	const pageSize = 4096
	sp := newTestSpan(1, pageSize)
	mh := New[int](sp, pageSize, 1024)

	mh.Alloc(0, pageSize)
	mh.Alloc(2, pageSize)

	it := mh.FreeIter()
	offset, ok := it.Next()
	if !ok || offset != 1 {
		t.Fatalf("first free offset = (%d, %v), want (1, true)", offset, ok)
	}
}

func TestAddOverlayRespectsMaxOverlap(t *testing.T) {
	const pageSize = 4096
	sp := newTestSpan(1, pageSize)
	mh := New[int](sp, pageSize, 64)

	for i := 0; i < MaxOverlap; i++ {
		if !mh.AddOverlay(uintptr(0x1000 * (i + 1))) {
			t.Fatalf("AddOverlay %d should have succeeded", i)
		}
	}
	if mh.AddOverlay(0xffff) {
		t.Fatalf("AddOverlay beyond MaxOverlap should fail")
	}
	if len(mh.Overlays()) != MaxOverlap {
		t.Fatalf("Overlays() has %d entries, want %d", len(mh.Overlays()), MaxOverlap)
	}
}
