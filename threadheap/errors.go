package threadheap

import "errors"

// ErrOversize is returned by Alloc when size exceeds every size class;
// the caller is expected to route such requests to the GlobalHeap's large
// allocation path instead of calling ThreadHeap.Alloc at all, so seeing
// this error indicates a caller bug.
var ErrOversize = errors.New("threadheap: size exceeds largest size class")
