package globalheap

import "errors"

// ErrOversize is returned by Alloc when the requested size would need more
// pages than fit in a uint16 page count.
var ErrOversize = errors.New("globalheap: requested size exceeds the maximum span size")

// ErrNotOwned is returned by Dealloc when ptr does not fall within any page
// this GlobalHeap currently tracks — a double-free or a foreign pointer.
var ErrNotOwned = errors.New("globalheap: pointer not owned by this heap")

// errRetryFailed is an internal invariant violation: ReplaceMiniHeap must
// always leave the shuffle vector non-empty, so a second Alloc attempt that
// still reports no attached miniheap means the bookkeeping is broken.
var errRetryFailed = errors.New("globalheap: retry after replace_mini_heap did not succeed")
