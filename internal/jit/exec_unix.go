//go:build linux || darwin

package jit

import "golang.org/x/sys/unix"

// mapExecutable copies machine code into a fresh anonymous mapping and
// flips it read+execute. The code is never left writable and executable at
// the same time.
func mapExecutable(code []byte) ([]byte, error) {
	size := (len(code) + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return mem, nil
}

func unmapExecutable(mem []byte) error {
	return unix.Munmap(mem)
}
