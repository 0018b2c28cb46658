package sizeclass

import "testing"

func TestIndexCoversEveryByteUpToMax(t *testing.T) {
	for size := uintptr(1); size <= Max; size++ {
		idx, ok := Index(size)
		if !ok {
			t.Fatalf("size %d: expected a size class, got none", size)
		}
		if idx < 0 || idx >= Count {
			t.Fatalf("size %d: index %d out of range", size, idx)
		}
		if uintptr(Size(idx)) < size {
			t.Fatalf("size %d: chosen class %d is smaller than the request", size, Size(idx))
		}
	}
}

func TestIndexZeroIsClassZero(t *testing.T) {
	idx, ok := Index(0)
	if !ok || idx != 0 {
		t.Fatalf("Index(0) = (%d, %v), want (0, true)", idx, ok)
	}
}

func TestIndexRejectsOversizeRequests(t *testing.T) {
	if _, ok := Index(Max + 1); ok {
		t.Fatalf("Index(Max+1) should report no size class")
	}
}

func TestIndexPicksTheSmallestFittingClass(t *testing.T) {
	for want, size := range Sizes {
		idx, ok := Index(uintptr(size))
		if !ok {
			t.Fatalf("size %d: expected a size class", size)
		}
		if idx != want {
			t.Fatalf("Index(%d) = %d, want %d", size, idx, want)
		}
	}
}

func TestSizesAreSortedAscending(t *testing.T) {
	for i := 1; i < Count; i++ {
		if Sizes[i] <= Sizes[i-1] {
			t.Fatalf("Sizes not strictly ascending at index %d: %d <= %d", i, Sizes[i], Sizes[i-1])
		}
	}
}
