//go:build !opencl

package compute

import (
	"clgol/internal/diag"
)

type stubBackend struct{}

// New returns a backend that reports no platforms. Rebuild with -tags opencl
// for the OpenCL runtime.
func New() Backend {
	return stubBackend{}
}

func (stubBackend) Platforms(int) ([]PlatformInfo, error) {
	return nil, unavailable()
}

func (stubBackend) Devices(int, int) ([]DeviceInfo, error) {
	return nil, unavailable()
}

func (stubBackend) Open(int, int) (Device, error) {
	return nil, unavailable()
}

func unavailable() error {
	return &diag.StatusError{
		Op:     "OpenCL support is not enabled; rebuild with -tags opencl",
		Status: diag.PlatformNotFoundKHR,
	}
}
