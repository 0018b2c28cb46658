// Package span defines the page-granularity backing-store primitive that
// makes meshing possible: a contiguous run of system pages, identified by a
// base address and an opaque allocator handle, that can be remapped onto
// another span's physical pages.
//
// This plays the role mheap.go's mspan plays, stripped down to exactly
// what meshing needs: no GC sweep generation, no span-list linkage, no
// background scavenging, just the page run, its handle, and whether it
// has been merged away.
package span

import "unsafe"

// State records whether a span still owns its own backing pages.
type State uint8

const (
	// Normal is a span with its own unique backing pages.
	Normal State = iota
	// Merged means this span's virtual range has been remapped onto
	// another span's backing store; reads and writes through it are
	// visible through that other span.
	Merged
)

func (s State) String() string {
	if s == Merged {
		return "merged"
	}
	return "normal"
}

// Span is a contiguous run of Pages() system pages backed by handle H (a
// file descriptor, for the system allocator in package sysspan).
//
// A Span must be released through the SpanAllocator that produced it; no
// reference into a Span may be dereferenced after DeallocateSpan.
type Span[H any] struct {
	base   unsafe.Pointer
	pages  uint16
	handle H
	state  State
}

// New wraps an existing mapping. Callers (SpanAllocator implementations)
// are responsible for base being a valid, writable mapping of pages system
// pages.
func New[H any](base unsafe.Pointer, handle H, pages uint16) *Span[H] {
	return &Span[H]{base: base, handle: handle, pages: pages, state: Normal}
}

// BasePointer returns the span's base address.
func (s *Span[H]) BasePointer() unsafe.Pointer {
	return s.base
}

// Pages returns the number of system pages this span spans.
func (s *Span[H]) Pages() uint16 {
	return s.pages
}

// Handle returns the allocator-specific handle (e.g. a file descriptor).
func (s *Span[H]) Handle() H {
	return s.handle
}

// State returns whether this span is Normal or Merged.
func (s *Span[H]) State() State {
	return s.state
}

// Data returns the span's backing memory as a byte slice. pageSize must be
// the same page size the owning SpanAllocator reports.
func (s *Span[H]) Data(pageSize uintptr) []byte {
	if s.base == nil {
		return nil
	}
	return unsafe.Slice((*byte)(s.base), uintptr(s.pages)*pageSize)
}

// MarkMerged records that this span (the victim of a merge) now aliases
// keeperHandle's backing store. Only SpanAllocator implementations should
// call this, after the underlying remap has actually succeeded.
func (s *Span[H]) MarkMerged(keeperHandle H) {
	s.state = Merged
	s.handle = keeperHandle
}

// Allocator is the page-granularity backing-store contract every tier
// above it (MiniHeap, SpanVec, GlobalHeap) is built on.
type Allocator[H any] interface {
	// PageSize reports the system page size in bytes. It is invariant
	// for the lifetime of the allocator.
	PageSize() uintptr

	// AllocateSpan yields a Normal span of exactly pages pages,
	// zero-initialized, with a unique writable mapping.
	AllocateSpan(pages uint16) (*Span[H], error)

	// DeallocateSpan releases span's pages. No reference into span may
	// be dereferenced after this call returns.
	DeallocateSpan(span *Span[H]) error

	// MergeSpans remaps victim's virtual range onto keeper's backing
	// store. Both spans must have equal page counts, be Normal, and
	// have disjoint live slots at the moment of the call. On success
	// victim.State() becomes Merged and victim.Handle() aliases
	// keeper.Handle(); on failure both spans are left unchanged and the
	// error is expected to be swallowed by the meshing driver.
	MergeSpans(keeper, victim *Span[H]) error
}
