package globalheap

import (
	"sort"

	"github.com/meshalloc/meshalloc/miniheap"
	"github.com/meshalloc/meshalloc/sizeclass"
	"github.com/meshalloc/meshalloc/span"
)

// runMeshPass walks every size class's extras pool once, spending at most
// cfg.MaxPairsPerPass successful merges across the whole pass. The budget
// is shared by all size classes and spent in ascending class order, so
// lower classes may use all of it before higher classes are visited.
func (g *GlobalHeap[H]) runMeshPass() {
	budget := g.cfg.MaxPairsPerPass
	for idx := 0; idx < sizeclass.Count && budget > 0; idx++ {
		budget -= g.meshClassPass(idx, budget)
	}
}

func (g *GlobalHeap[H]) trackMergedVictim(sp *span.Span[H]) {
	g.mergedVictimsMu.Lock()
	g.mergedVictims = append(g.mergedVictims, sp)
	g.mergedVictimsMu.Unlock()
}

// meshClassPass attempts to mesh disjoint miniheaps within size class idx,
// spending no more than budget merges, and returns how many it applied.
//
// A miniheap already in Merged state is excluded from candidacy entirely:
// it aliases its keeper's backing store, so offering it as either a keeper
// or a second victim would double-alias the same physical pages and break
// the no-overlapping-live-slots invariant every mesh must preserve.
func (g *GlobalHeap[H]) meshClassPass(idx int, budget int) int {
	e := &g.extras[idx]

	e.mu.Lock()
	heaps := e.heaps.AsSlice()
	candidates := make([]*miniheap.MiniHeap[H], 0, len(heaps))
	for _, mh := range heaps {
		if mh.Span().State() == span.Normal {
			candidates = append(candidates, mh)
		}
	}
	e.mu.Unlock()

	if len(candidates) > g.cfg.SamplePerClass {
		candidates = candidates[:g.cfg.SamplePerClass]
	}
	if len(candidates) < 2 {
		return 0
	}

	// Prefer pairing the most-full candidates first: fuller miniheaps
	// reclaim more physical pages per merge and are statistically more
	// likely to have forced their live slots into a small, easily
	// disjoint-checked prefix.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Mask().Popcount() > candidates[j].Mask().Popcount()
	})

	merged := 0
	consumed := make(map[*miniheap.MiniHeap[H]]bool, len(candidates))

	for i := 0; i < len(candidates) && merged < budget; i++ {
		keeper := candidates[i]
		if consumed[keeper] {
			continue
		}

		// Once a keeper has absorbed MaxOverlap victims it cannot take
		// another: skip it as a keeper entirely rather than merging
		// first and discovering there is nowhere to record the
		// overlay. The merge must never be attempted unless the
		// overlay slot it needs is known to exist.
		if len(keeper.Overlays()) >= miniheap.MaxOverlap {
			continue
		}

		for j := i + 1; j < len(candidates) && merged < budget; j++ {
			victim := candidates[j]
			if consumed[victim] {
				continue
			}

			// Sibling merges earlier in this pass may have filled the
			// keeper's overlay slots; stop before attempting another.
			if len(keeper.Overlays()) >= miniheap.MaxOverlap {
				break
			}

			g.stats.meshAttempts.Add(1)

			if !keeper.Mask().DisjointWith(victim.Mask(), keeper.MaxAllocations()) {
				continue
			}

			if err := g.spanAlloc.MergeSpans(keeper.Span(), victim.Span()); err != nil {
				g.log.Debug().Err(err).Msg("mesh merge refused")
				continue
			}

			if !keeper.AddOverlay(uintptr(victim.Span().BasePointer())) {
				// The capacity check above makes this unreachable;
				// if it ever fails, stop offering this keeper for
				// the rest of the pass.
				break
			}

			g.index.registerOverlay(keeper, victim.Span())
			g.trackMergedVictim(victim.Span())
			consumed[victim] = true
			merged++
			g.stats.meshesApplied.Add(1)
		}
	}

	if len(consumed) == 0 {
		return merged
	}

	e.mu.Lock()
	i := 0
	for i < e.heaps.Len() {
		if consumed[e.heaps.AsSlice()[i]] {
			e.heaps.RemoveSwap(i)
			continue
		}
		i++
	}
	e.mu.Unlock()

	return merged
}
