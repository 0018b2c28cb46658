//go:build linux && (amd64 || arm64)

package sysspan

import "golang.org/x/sys/unix"

// mergeFixed issues a MAP_FIXED|MAP_SHARED mmap of fd's pages onto the
// existing address range starting at addr, aliasing it onto fd's backing
// pages. x/sys/unix's high-level Mmap wrapper always lets the kernel
// choose the address, so the merge path needs the raw syscall to pin the
// target address the way system_span_alloc.rs's libc::mmap(addr, ...,
// MAP_FIXED, ...) does.
func mergeFixed(addr uintptr, length int, fd int) (uintptr, error) {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return got, nil
}
