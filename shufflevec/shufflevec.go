// Package shufflevec implements the bounded randomized stack of free slot
// offsets that sits in front of each miniheap in a ThreadHeap: the hot
// per-size-class cache that hands out allocation offsets without touching
// the allocation mask on every pop.
//
// The randomized insertion order here is what gives the meshing algorithm
// its working assumption: objects of the same size class land in
// essentially random slot order, so two sparsely-occupied miniheaps of the
// same class have a reasonable chance of holding disjoint live sets.
package shufflevec

import "github.com/meshalloc/meshalloc/mask"

// Rand is the randomness capability required to fill and push into a
// Vector. It is satisfied by internal/rng.MWC64 as well as by
// math/rand/v2.Rand, so callers may swap in either.
type Rand interface {
	IntN(n int) int
}

// Vector is a bounded stack of up to mask.MaxAllocationsPerSpan offsets.
// The zero value is an empty vector.
type Vector struct {
	data [mask.MaxAllocationsPerSpan]uint8
	n    uint8
}

// Len returns the number of offsets currently held.
func (v *Vector) Len() int {
	return int(v.n)
}

// IsEmpty reports whether the vector holds no offsets.
func (v *Vector) IsEmpty() bool {
	return v.n == 0
}

// Pop removes and returns the most recently pushed offset, LIFO against
// the vector's current (randomized) order.
func (v *Vector) Pop() (uint8, bool) {
	if v.n == 0 {
		return 0, false
	}
	v.n--
	return v.data[v.n], true
}

// Push inserts x, then swaps it with a uniformly random prior element so
// the vector's order does not reveal push order. If the vector is already
// at capacity, Push leaves it unchanged and returns (x, false) — the
// rejected element.
func (v *Vector) Push(rng Rand, x uint8) (uint8, bool) {
	if int(v.n) == len(v.data) {
		return x, false
	}

	v.data[v.n] = x

	if v.n != 0 {
		i := int(v.n)
		j := rng.IntN(int(v.n))
		v.data[i], v.data[j] = v.data[j], v.data[i]
	}

	v.n++
	return 0, true
}

// Fill drains up to len(v.data) offsets from it, then performs an in-place
// Fisher-Yates shuffle over exactly the filled prefix. Any offsets
// previously held are discarded.
func (v *Vector) Fill(rng Rand, it *mask.FreeIter) {
	var count uint8
	for count < uint8(len(v.data)) {
		offset, ok := it.Next()
		if !ok {
			break
		}
		v.data[count] = offset
		count++
	}

	for i := int(count) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		v.data[i], v.data[j] = v.data[j], v.data[i]
	}

	v.n = count
}
