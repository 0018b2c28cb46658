// Package meshalloc implements a meshing, size-classed memory allocator:
// a ThreadHeap/GlobalHeap/SpanAllocator pipeline (packages threadheap,
// globalheap, sysspan) that reclaims fragmented physical pages by
// remapping same-size-class spans with disjoint live-object sets onto the
// same backing store, without moving any live object.
//
// This file is the facade every embedding application calls through;
// everything else under this module is an implementation detail package.
package meshalloc

import (
	"context"
	"errors"
	"unsafe"

	"github.com/meshalloc/meshalloc/globalheap"
	"github.com/meshalloc/meshalloc/sysspan"
	"github.com/rs/zerolog"
)

// Stats is a snapshot of the allocator's lifetime counters.
type Stats = globalheap.Stats

// ErrInvalidAlignment is returned when align is not a power of two, or
// exceeds maxAlign.
var ErrInvalidAlignment = errors.New("meshalloc: align must be a power of two no larger than 16")

// Allocator is the top-level facade. The zero value is not usable;
// construct with New.
type Allocator struct {
	gh *globalheap.GlobalHeap[int]
}

// Option configures an Allocator at construction time.
type Option func(*allocatorOptions)

type allocatorOptions struct {
	log zerolog.Logger
	cfg Config
}

// WithLogger overrides the logger this Allocator's components use for
// diagnostics. Defaults to the package-wide logger set via SetLogger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *allocatorOptions) { o.log = log }
}

// WithConfig overrides the meshing configuration. Defaults to
// DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *allocatorOptions) { o.cfg = cfg }
}

// New constructs an Allocator backed by anonymous memory-mapped spans. It
// does not start the background meshing driver; call Start for that.
func New(opts ...Option) *Allocator {
	o := &allocatorOptions{log: defaultLogger, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}

	spanAlloc := sysspan.New(sysspan.WithLogger(o.log))
	gh := globalheap.New[int](spanAlloc,
		globalheap.WithLogger[int](o.log),
		globalheap.WithConfig[int](o.cfg.toGlobalHeapConfig()),
	)

	return &Allocator{gh: gh}
}

// Start launches the background meshing driver. It runs until ctx is done
// or Close is called.
func (a *Allocator) Start(ctx context.Context) {
	a.gh.StartMeshing(ctx)
}

// maxAlign is the strongest alignment Alloc guarantees: the
// align_of(max_align_t) a size-classed allocator can offer without a
// class-aware carve-out. Size classes above 16 bytes are not all powers of
// two (48, 80, 96, 112, ... are 16-byte multiples but not themselves
// aligned to their own size), so bumping reqSize up to a larger align
// would not reliably land the served slot on that alignment.
const maxAlign = 16

func checkAlign(align uintptr) (uintptr, error) {
	if align == 0 {
		return 1, nil
	}
	if align&(align-1) != 0 || align > maxAlign {
		return 0, ErrInvalidAlignment
	}
	return align, nil
}

// Alloc returns size bytes aligned to at least align, which must be a
// power of two no larger than maxAlign (16, align_of(max_align_t), the
// strongest alignment a size-classed slot layout can promise). Every size
// class from 16 through maxAlign bytes is itself a multiple of every
// smaller power of two, so bumping reqSize up to align lands the served
// slot on that alignment; requests for a larger align are rejected rather
// than silently under-aligned, since size classes above maxAlign are not
// all powers of two (48, 96, 112, ...).
func (a *Allocator) Alloc(size, align uintptr) (unsafe.Pointer, error) {
	align, err := checkAlign(align)
	if err != nil {
		return nil, err
	}

	reqSize := size
	if align > reqSize {
		reqSize = align
	}

	data, err := a.gh.Alloc(reqSize)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return unsafe.Pointer(&data[0]), nil
}

// AllocZeroed is equivalent to Alloc: every span backing an allocation
// comes from a freshly mapped memfd page, which the kernel hands back
// zeroed, so there is never a separate zeroing pass to perform.
func (a *Allocator) AllocZeroed(size, align uintptr) (unsafe.Pointer, error) {
	return a.Alloc(size, align)
}

// Free releases the allocation at ptr. size and align must match the
// values originally passed to Alloc.
func (a *Allocator) Free(ptr unsafe.Pointer, size, align uintptr) error {
	if ptr == nil {
		return nil
	}
	align, err := checkAlign(align)
	if err != nil {
		return err
	}
	reqSize := size
	if align > reqSize {
		reqSize = align
	}
	return a.gh.Dealloc(ptr, reqSize)
}

// Grow reallocates the allocation at ptr to newSize, copying the
// overlapping prefix and freeing the old allocation. Meshable slots are
// fixed-size, so growth is never in-place.
func (a *Allocator) Grow(ptr unsafe.Pointer, oldSize, newSize, align uintptr) (unsafe.Pointer, error) {
	newPtr, err := a.Alloc(newSize, align)
	if err != nil {
		return nil, err
	}

	if ptr != nil && oldSize > 0 && newPtr != nil {
		copySize := oldSize
		if newSize < copySize {
			copySize = newSize
		}
		src := unsafe.Slice((*byte)(ptr), copySize)
		dst := unsafe.Slice((*byte)(newPtr), copySize)
		copy(dst, src)
	}

	if ptr != nil {
		if err := a.Free(ptr, oldSize, align); err != nil {
			return nil, err
		}
	}

	return newPtr, nil
}

// Shrink is Grow's mirror for a smaller newSize.
func (a *Allocator) Shrink(ptr unsafe.Pointer, oldSize, newSize, align uintptr) (unsafe.Pointer, error) {
	return a.Grow(ptr, oldSize, newSize, align)
}

// Stats returns a snapshot of lifetime allocator counters.
func (a *Allocator) Stats() globalheap.Stats {
	return a.gh.Stats()
}

// Close stops the meshing driver and releases every span this allocator
// owns.
func (a *Allocator) Close() error {
	return a.gh.Close()
}
