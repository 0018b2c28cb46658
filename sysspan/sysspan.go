// Package sysspan implements span.Allocator[int] over anonymous
// memory-backed files: memfd_create for the backing object, ftruncate to
// size it, mmap(MAP_SHARED) to map it, and a MAP_FIXED remap of one span's
// address range onto another's file descriptor to perform a mesh merge.
//
// This is the direct descendant of the sysAlloc/sysFree/sysMap family
// (mem_bsd.go; mheap.go calls through to it), generalized from "grow the
// heap's single reserved arena" to "hand back an independent mapping per
// span," because meshing needs two distinct virtual ranges that can later
// be made to alias the same physical pages.
package sysspan

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/meshalloc/meshalloc/span"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrMergeRefused is returned when MergeSpans' preconditions (equal page
// counts, both Normal) are not met.
var ErrMergeRefused = errors.New("sysspan: merge preconditions not met")

// ErrMergeMoved is returned when the kernel honored the remap but placed
// it at a different address than requested. MAP_FIXED should prevent
// this, but it is treated as a merge failure rather than trusting the
// kernel unconditionally.
var ErrMergeMoved = errors.New("sysspan: remap landed at an unexpected address")

const memfdName = "meshalloc-span"

// Allocator is the OS-backed SpanAllocator. The zero value is not usable;
// construct with New.
type Allocator struct {
	pageSize uintptr
	log      zerolog.Logger
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLogger attaches a logger used for best-effort diagnostics (span
// allocation failures, merge refusals). Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Allocator) { a.log = log }
}

// New constructs a SystemSpanAllocator for the current process.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		pageSize: uintptr(unix.Getpagesize()),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PageSize implements span.Allocator[int].
func (a *Allocator) PageSize() uintptr {
	return a.pageSize
}

// AllocateSpan implements span.Allocator[int].
func (a *Allocator) AllocateSpan(pages uint16) (*span.Span[int], error) {
	if pages == 0 {
		return span.New[int](nil, -1, 0), nil
	}

	size := int(a.pageSize) * int(pages)

	fd, err := unix.MemfdCreate(memfdName, unix.MFD_CLOEXEC)
	if err != nil {
		a.log.Warn().Err(err).Int("pages", int(pages)).Msg("memfd_create failed")
		return nil, fmt.Errorf("sysspan: memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		a.log.Warn().Err(err).Int("size", size).Msg("ftruncate failed")
		return nil, fmt.Errorf("sysspan: ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		a.log.Warn().Err(err).Int("size", size).Msg("mmap failed")
		return nil, fmt.Errorf("sysspan: mmap: %w", err)
	}

	return span.New[int](unsafe.Pointer(&data[0]), fd, pages), nil
}

// DeallocateSpan implements span.Allocator[int].
func (a *Allocator) DeallocateSpan(sp *span.Span[int]) error {
	if sp.Pages() == 0 {
		return nil
	}

	if err := unix.Munmap(sp.Data(a.pageSize)); err != nil {
		return fmt.Errorf("sysspan: munmap: %w", err)
	}

	// A span whose state is Merged aliases another span's fd, which
	// that other span owns; closing it here would be a use-after-close
	// for the keeper.
	if sp.State() == span.Normal && sp.Handle() != -1 {
		if err := unix.Close(sp.Handle()); err != nil {
			return fmt.Errorf("sysspan: close: %w", err)
		}
	}

	return nil
}

// MergeSpans implements span.Allocator[int]. See mergeFixed for the raw
// MAP_FIXED remap this depends on.
func (a *Allocator) MergeSpans(keeper, victim *span.Span[int]) error {
	if keeper.State() != span.Normal || victim.State() != span.Normal {
		return ErrMergeRefused
	}
	if keeper.Pages() != victim.Pages() {
		return ErrMergeRefused
	}

	size := int(a.pageSize) * int(victim.Pages())
	addr := uintptr(victim.BasePointer())

	got, err := mergeFixed(addr, size, keeper.Handle())
	if err != nil {
		a.log.Debug().Err(err).Msg("mesh merge remap refused")
		return fmt.Errorf("sysspan: remap: %w", err)
	}
	if got != addr {
		a.log.Debug().Msg("mesh merge remap moved address, treating as no-op")
		return ErrMergeMoved
	}

	if victim.Handle() != -1 {
		if err := unix.Close(victim.Handle()); err != nil {
			return fmt.Errorf("sysspan: close victim fd: %w", err)
		}
	}

	victim.MarkMerged(keeper.Handle())
	return nil
}
