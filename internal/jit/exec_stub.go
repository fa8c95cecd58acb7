//go:build !linux && !darwin

package jit

import "fmt"

func mapExecutable(code []byte) ([]byte, error) {
	return nil, fmt.Errorf("executable memory is not supported on this platform")
}

func unmapExecutable(mem []byte) error {
	return nil
}
