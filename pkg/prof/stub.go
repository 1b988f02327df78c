//go:build !profile

package prof

import (
	"io"
	"net/http"
)

// Profiling errors; never returned without the "profile" tag.
var (
	ErrCPUProfileActive error
	ErrInvalidProfile   error
)

// Enabled reports whether the binary was built with the "profile" tag.
const Enabled = false

// Register does nothing without the "profile" tag.
func Register(_ *http.ServeMux) {}

// StartCPU returns a no-op stop function without the "profile" tag.
func StartCPU(_ string) (func(), error) {
	return func() {}, nil
}

// CPUActive always returns false without the "profile" tag.
func CPUActive() bool {
	return false
}

// WriteTo does nothing without the "profile" tag.
func WriteTo(_ Profile, _ io.Writer, _ int) error {
	return nil
}

// Write does nothing without the "profile" tag.
func Write(_ Profile, _ string) error {
	return nil
}

// SetContention does nothing without the "profile" tag.
func SetContention(_ int) {}
