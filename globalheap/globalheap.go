// Package globalheap implements the allocator's slow path and its meshing
// driver: the per-size-class "extras" pools that hold miniheaps no
// ThreadHeap currently has attached, the large-allocation registry, the
// global pointer-to-owner index, and the background pass that meshes
// disjoint miniheaps together.
//
// This is the analogue of mcentral.go (per-size-class central free lists)
// and mheap.go (the top-level heap that owns every span) combined, the way
// mcache calls up into mcentral and finally mheap when the fast path runs
// dry.
package globalheap

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/meshalloc/meshalloc/internal/rng"
	"github.com/meshalloc/meshalloc/mask"
	"github.com/meshalloc/meshalloc/miniheap"
	"github.com/meshalloc/meshalloc/sizeclass"
	"github.com/meshalloc/meshalloc/span"
	"github.com/meshalloc/meshalloc/threadheap"
	"github.com/rs/zerolog"
)

// perThreadRand is the concrete PRNG every ThreadHeap this package creates
// is built on. ThreadHeap is generic over its randomness source so other
// implementations can be substituted in tests, but GlobalHeap only ever
// instantiates this one concrete pairing.
type perThreadRand = *rng.MWC64

// extrasPool is a mutex-protected bag of miniheaps of one size class that
// no ThreadHeap currently has attached — the direct analogue of
// mcentral.go's nonempty span list. Backed by a span.Vec so the bag's own
// storage comes from the SpanAllocator rather than the Go heap, keeping
// this registry free of any bootstrapping dependence on the allocator it
// is itself part of. The *miniheap.MiniHeap[H] elements themselves stay
// reachable for the garbage collector through pageIndex.byPage (every
// miniheap pushed here was registered there first), so storing their
// pointers in GC-invisible Vec memory is safe.
type extrasPool[H any] struct {
	mu    sync.Mutex
	heaps *span.Vec[*miniheap.MiniHeap[H], H]
}

func (e *extrasPool[H]) push(mh *miniheap.MiniHeap[H]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.heaps.Push(mh)
	return err
}

// GlobalHeap is the slow path and meshing owner sitting behind every
// ThreadHeap. The zero value is not usable; construct with New.
type GlobalHeap[H any] struct {
	spanAlloc span.Allocator[H]
	log       zerolog.Logger
	cfg       Config

	pool sync.Pool

	threadHeapsMu sync.Mutex
	threadHeaps   []*threadheap.ThreadHeap[perThreadRand, H]

	extras [sizeclass.Count]extrasPool[H]

	// largeSpans is the registry of spans handed out for allocations
	// exceeding the largest size class, backed by a span.Vec for the same
	// reason extrasPool is. Its *span.Span[H] elements stay reachable
	// through pageIndex.byPage (registerLargeSpan runs right after every
	// push), so keeping them in the Vec's GC-invisible backing memory is
	// safe.
	largeSpansMu sync.Mutex
	largeSpans   *span.Vec[*span.Span[H], H]

	// mergedVictimsMu guards mergedVictims: the spans of miniheaps that
	// have been meshed away. Their backing file descriptor is now owned
	// by their keeper (sysspan.MergeSpans already closed the victim's own
	// fd), but their own virtual address range is still mapped and must
	// still be munmapped on teardown, see Close. Unlike extras and
	// largeSpans, nothing else registers a merged victim's *span.Span[H]
	// in pageIndex (registerOverlay only ever points a victim's page
	// range back at its keeper's *MiniHeap, never at the victim span
	// itself), so this one stays a plain, GC-visible Go slice on purpose:
	// it is the only remaining strong reference keeping each victim
	// *span.Span[H] alive until Close reaches it, and a Vec's backing
	// memory is not scanned by the garbage collector.
	mergedVictimsMu sync.Mutex
	mergedVictims   []*span.Span[H]

	index *pageIndex[H]

	stats statCounters

	meshCancel context.CancelFunc
	meshDone   chan struct{}
}

// Option configures a GlobalHeap at construction time.
type Option[H any] func(*GlobalHeap[H])

// WithLogger attaches a logger used for meshing diagnostics. Defaults to a
// no-op logger.
func WithLogger[H any](log zerolog.Logger) Option[H] {
	return func(g *GlobalHeap[H]) { g.log = log }
}

// WithConfig overrides the default meshing configuration.
func WithConfig[H any](cfg Config) Option[H] {
	return func(g *GlobalHeap[H]) { g.cfg = cfg }
}

// mustNewVec constructs a zero-capacity span.Vec, which defers its first
// real span allocation to the first Push. Allocating zero pages never
// calls into the OS (span.Allocator.AllocateSpan(0) is a no-op in every
// implementation this package uses), so the only error NewVec could
// return here is ErrOversizeRequest, which zero capacity can never
// trigger; a failure at this call site would mean a SpanAllocator broke
// its own contract, an invariant violation this package aborts on rather
// than threading an error return through every GlobalHeap constructor.
func mustNewVec[T any, H any](alloc span.Allocator[H]) *span.Vec[T, H] {
	v, err := span.NewVec[T, H](alloc, 0)
	if err != nil {
		panic("globalheap: zero-capacity span.Vec construction failed: " + err.Error())
	}
	return v
}

// New constructs a GlobalHeap backed by spanAlloc.
func New[H any](spanAlloc span.Allocator[H], opts ...Option[H]) *GlobalHeap[H] {
	g := &GlobalHeap[H]{
		spanAlloc:  spanAlloc,
		log:        zerolog.Nop(),
		cfg:        DefaultConfig(),
		index:      newPageIndex[H](spanAlloc.PageSize()),
		largeSpans: mustNewVec[*span.Span[H], H](spanAlloc),
	}
	for i := range g.extras {
		g.extras[i].heaps = mustNewVec[*miniheap.MiniHeap[H], H](spanAlloc)
	}
	for _, opt := range opts {
		opt(g)
	}

	g.pool.New = func() any {
		seed1, seed2 := rng.Seed()
		th := threadheap.New[perThreadRand, H](rng.NewMWC64(seed1, seed2))

		g.threadHeapsMu.Lock()
		g.threadHeaps = append(g.threadHeaps, th)
		g.threadHeapsMu.Unlock()

		return th
	}

	return g
}

func pagesFor(bytes, pageSize uintptr) uint16 {
	pages := (bytes + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	if pages > 0xffff {
		pages = 0xffff
	}
	return uint16(pages)
}

// Alloc serves size bytes, routing through a pooled ThreadHeap for
// small/medium requests falling within a size class and straight to the
// SpanAllocator for anything larger.
func (g *GlobalHeap[H]) Alloc(size uintptr) ([]byte, error) {
	pageSize := g.spanAlloc.PageSize()

	if size > sizeclass.Max {
		pages := pagesFor(size, pageSize)
		if uintptr(pages)*pageSize < size {
			return nil, ErrOversize
		}
		sp, err := g.spanAlloc.AllocateSpan(pages)
		if err != nil {
			return nil, err
		}

		g.largeSpansMu.Lock()
		_, err = g.largeSpans.Push(sp)
		g.largeSpansMu.Unlock()
		if err != nil {
			_ = g.spanAlloc.DeallocateSpan(sp)
			return nil, err
		}
		g.index.registerLargeSpan(sp)

		g.stats.mallocs.Add(1)
		g.stats.largeAllocs.Add(1)
		return sp.Data(pageSize)[:size], nil
	}

	th := g.pool.Get().(*threadheap.ThreadHeap[perThreadRand, H])
	defer g.pool.Put(th)

	data, req, err := th.Alloc(size, pageSize)
	if err != nil {
		return nil, err
	}
	if req == nil {
		g.stats.mallocs.Add(1)
		return data, nil
	}

	mh, err := g.newMiniHeap(req.SizeClass)
	if err != nil {
		return nil, err
	}
	g.index.registerMiniHeap(mh)

	if displaced := th.ReplaceMiniHeap(req, mh); displaced != nil {
		if err := g.extras[req.Index].push(displaced); err != nil {
			return nil, err
		}
	}

	data, req2, err := th.Alloc(size, pageSize)
	if err != nil {
		return nil, err
	}
	if req2 != nil {
		return nil, errRetryFailed
	}

	g.stats.mallocs.Add(1)
	return data, nil
}

// newMiniHeap allocates a span sized for one shufflevec's worth of
// sizeClass-byte slots (mask.MaxAllocationsPerSpan of them, pages
// permitting) and wraps it in a MiniHeap.
func (g *GlobalHeap[H]) newMiniHeap(sizeClass uint16) (*miniheap.MiniHeap[H], error) {
	pageSize := g.spanAlloc.PageSize()
	bytes := uintptr(sizeClass) * uintptr(mask.MaxAllocationsPerSpan)
	pages := pagesFor(bytes, pageSize)

	sp, err := g.spanAlloc.AllocateSpan(pages)
	if err != nil {
		return nil, err
	}
	return miniheap.New(sp, pageSize, sizeClass), nil
}

// Dealloc releases the allocation at ptr. size must match the size
// originally requested from Alloc.
func (g *GlobalHeap[H]) Dealloc(ptr unsafe.Pointer, size uintptr) error {
	if size > sizeclass.Max {
		return g.deallocLarge(ptr)
	}

	entry, ok := g.index.lookup(uintptr(ptr))
	if !ok || entry.mini == nil {
		return ErrNotOwned
	}

	entry.mini.Dealloc(slotOffset(ptr, entry))
	g.stats.frees.Add(1)
	return nil
}

func (g *GlobalHeap[H]) deallocLarge(ptr unsafe.Pointer) error {
	entry, ok := g.index.lookup(uintptr(ptr))
	if !ok || entry.large == nil {
		return ErrNotOwned
	}

	g.largeSpansMu.Lock()
	for i, sp := range g.largeSpans.AsSlice() {
		if sp == entry.large {
			g.largeSpans.RemoveSwap(i)
			break
		}
	}
	g.largeSpansMu.Unlock()

	g.index.unregisterLargeSpan(entry.large)
	if err := g.spanAlloc.DeallocateSpan(entry.large); err != nil {
		return err
	}
	g.stats.frees.Add(1)
	return nil
}

// Stats returns a snapshot of the allocator's lifetime counters.
func (g *GlobalHeap[H]) Stats() Stats {
	return g.stats.snapshot()
}

// StartMeshing launches the background meshing driver, which runs one pass
// every cfg.MeshInterval until ctx is done or StopMeshing is called. It is
// a no-op if the configuration disables meshing.
func (g *GlobalHeap[H]) StartMeshing(ctx context.Context) {
	if !g.cfg.MeshEnabled || g.meshCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g.meshCancel = cancel
	g.meshDone = make(chan struct{})

	go func() {
		defer close(g.meshDone)
		ticker := time.NewTicker(g.cfg.MeshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.runMeshPass()
			}
		}
	}()
}

// StopMeshing halts the background meshing driver and waits for the
// in-flight pass, if any, to finish.
func (g *GlobalHeap[H]) StopMeshing() {
	if g.meshCancel == nil {
		return
	}
	g.meshCancel()
	<-g.meshDone
	g.meshCancel = nil
}

// Close stops meshing and deallocates every span this heap owns, in a
// deterministic order: per-thread heaps first, extras second, large spans
// third. Walking the explicitly tracked
// threadHeaps slice (rather than draining the sync.Pool) guarantees every
// span is released exactly once even if the runtime has already evicted
// pooled ThreadHeaps during a GC.
func (g *GlobalHeap[H]) Close() error {
	g.StopMeshing()

	g.threadHeapsMu.Lock()
	threadHeaps := g.threadHeaps
	g.threadHeaps = nil
	g.threadHeapsMu.Unlock()

	for _, th := range threadHeaps {
		for idx := 0; idx < sizeclass.Count; idx++ {
			if mh := th.MiniHeapAt(idx); mh != nil {
				g.index.unregisterMiniHeap(mh)
			}
		}
		if err := th.DropHeaps(g.spanAlloc); err != nil {
			return err
		}
	}

	for idx := range g.extras {
		e := &g.extras[idx]
		e.mu.Lock()
		heaps := e.heaps
		e.heaps = nil
		e.mu.Unlock()

		for _, mh := range heaps.AsSlice() {
			g.index.unregisterMiniHeap(mh)
			if err := g.spanAlloc.DeallocateSpan(mh.Span()); err != nil {
				return err
			}
		}
		if err := heaps.Close(); err != nil {
			return err
		}
	}

	g.largeSpansMu.Lock()
	largeSpans := g.largeSpans
	g.largeSpans = nil
	g.largeSpansMu.Unlock()

	for _, sp := range largeSpans.AsSlice() {
		g.index.unregisterLargeSpan(sp)
		if err := g.spanAlloc.DeallocateSpan(sp); err != nil {
			return err
		}
	}
	if err := largeSpans.Close(); err != nil {
		return err
	}

	g.mergedVictimsMu.Lock()
	mergedVictims := g.mergedVictims
	g.mergedVictims = nil
	g.mergedVictimsMu.Unlock()

	for _, sp := range mergedVictims {
		// Page-index entries for this span were already removed when its
		// keeper's miniheap was unregistered above; only the virtual
		// mapping itself remains to be released.
		if err := g.spanAlloc.DeallocateSpan(sp); err != nil {
			return err
		}
	}

	return nil
}
