package shufflevec

import (
	"testing"

	"github.com/meshalloc/meshalloc/internal/rng"
	"github.com/meshalloc/meshalloc/mask"
)

// stubRand is a deterministic, non-random Rand for tests that need
// reproducible behavior rather than statistical coverage.
type stubRand struct{ calls []int }

func (s *stubRand) IntN(n int) int {
	if n <= 0 {
		panic("IntN called with n <= 0")
	}
	return 0
}

func TestPushPopRoundTrip(t *testing.T) {
	var v Vector
	r := &stubRand{}

	if _, ok := v.Push(r, 7); !ok {
		t.Fatalf("Push failed unexpectedly")
	}
	if v.Len() != 1 {
		t.Fatalf("Len = %d, want 1", v.Len())
	}

	offset, ok := v.Pop()
	if !ok || offset != 7 {
		t.Fatalf("Pop = (%d, %v), want (7, true)", offset, ok)
	}
	if !v.IsEmpty() {
		t.Fatalf("vector should be empty after popping its only element")
	}
}

func TestPopOnEmptyVector(t *testing.T) {
	var v Vector
	if _, ok := v.Pop(); ok {
		t.Fatalf("Pop on empty vector should report ok=false")
	}
}

func TestPushRejectsWhenFull(t *testing.T) {
	var v Vector
	r := &stubRand{}
	for i := 0; i < mask.MaxAllocationsPerSpan; i++ {
		if _, ok := v.Push(r, uint8(i)); !ok {
			t.Fatalf("Push %d should have succeeded", i)
		}
	}
	if _, ok := v.Push(r, 250); ok {
		t.Fatalf("Push into a full vector should fail")
	}
}

func TestFillDrainsFreeIterAndPreservesSet(t *testing.T) {
	var m mask.Mask
	m.Used(1)
	m.Used(3)

	var v Vector
	r := &stubRand{}
	v.Fill(r, m.FreeIter(8))

	if v.Len() != 6 {
		t.Fatalf("Len = %d, want 6 (8 offsets minus the 2 used)", v.Len())
	}

	seen := make(map[uint8]bool)
	for {
		offset, ok := v.Pop()
		if !ok {
			break
		}
		if offset == 1 || offset == 3 {
			t.Fatalf("Fill included used offset %d", offset)
		}
		seen[offset] = true
	}
	if len(seen) != 6 {
		t.Fatalf("popped %d distinct offsets, want 6", len(seen))
	}
}

func TestFillCapsAtVectorCapacity(t *testing.T) {
	var m mask.Mask // entirely free
	var v Vector
	r := &stubRand{}
	v.Fill(r, m.FreeIter(mask.MaxAllocationsPerSpan))
	if v.Len() != mask.MaxAllocationsPerSpan {
		t.Fatalf("Len = %d, want %d", v.Len(), mask.MaxAllocationsPerSpan)
	}
}

// TestFillPermutationIsUniform checks that the resulting permutation is
// uniform (chi-square over many trials) against a real RNG rather than
// stubRand, which always returns 0 and so would pass even a completely
// broken shuffle. It tracks which offset is popped first (the top slot,
// index k-1) across many independent fills of a small, fully-free mask: a
// uniform Fisher-Yates should spread that slot roughly evenly across all k
// offsets.
func TestFillPermutationIsUniform(t *testing.T) {
	const k = 5
	const trials = 200000

	r := rng.NewMWC64(13, 29)
	firstSlotCounts := make([]int, k)

	for i := 0; i < trials; i++ {
		var m mask.Mask
		var v Vector
		v.Fill(r, m.FreeIter(k))
		if v.Len() != k {
			t.Fatalf("Len = %d, want %d", v.Len(), k)
		}
		first, ok := v.Pop()
		for j := 1; j < k; j++ {
			_, _ = v.Pop()
		}
		if !ok {
			t.Fatalf("Pop failed on a freshly filled vector")
		}
		firstSlotCounts[first]++
	}

	expected := float64(trials) / float64(k)
	chiSquare := 0.0
	for _, c := range firstSlotCounts {
		diff := float64(c) - expected
		chiSquare += diff * diff / expected
	}

	const chiSquareCritical = 40.0
	if chiSquare > chiSquareCritical {
		t.Fatalf("Fill permutation over %d trials: chi-square %.2f exceeds %.2f, counts=%v",
			trials, chiSquare, chiSquareCritical, firstSlotCounts)
	}
}
