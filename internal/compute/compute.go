// Package compute abstracts the heterogeneous compute runtime used by the
// pipeline. The OpenCL implementation is compiled in with the "opencl" build
// tag; without it New returns a backend that reports no platforms.
package compute

import (
	"strings"
)

// AccessMode is the kernel-side access mode of a device buffer.
type AccessMode int

const (
	ReadWrite AccessMode = iota
	WriteOnly
	ReadOnly
)

func (m AccessMode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"
	case WriteOnly:
		return "write-only"
	case ReadOnly:
		return "read-only"
	}
	return "unknown"
}

// DeviceType is a bit set of device classes.
type DeviceType uint

const (
	TypeDefault     DeviceType = 1 << 0
	TypeCPU         DeviceType = 1 << 1
	TypeGPU         DeviceType = 1 << 2
	TypeAccelerator DeviceType = 1 << 3
)

func (t DeviceType) String() string {
	var parts []string
	if t&TypeDefault != 0 {
		parts = append(parts, "DEFAULT")
	}
	if t&TypeCPU != 0 {
		parts = append(parts, "CPU")
	}
	if t&TypeGPU != 0 {
		parts = append(parts, "GPU")
	}
	if t&TypeAccelerator != 0 {
		parts = append(parts, "ACCELERATOR")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// PlatformInfo describes one platform.
type PlatformInfo struct {
	Index      int
	Name       string
	Vendor     string
	Profile    string
	Version    string
	Extensions string
}

// DeviceInfo describes one device of a platform.
type DeviceInfo struct {
	Index                 int
	Name                  string
	Vendor                string
	Version               string
	DriverVersion         string
	Type                  DeviceType
	ComputeUnits          int
	MaxWorkGroupSize      int
	MaxWorkItemDimensions int
	MaxWorkItemSizes      []int
	MaxClockFrequency     int
}

// Backend enumerates platforms and devices and opens a device for use.
type Backend interface {
	// Platforms returns at most max platforms.
	Platforms(max int) ([]PlatformInfo, error)
	// Devices returns at most max devices of the given platform.
	Devices(platform, max int) ([]DeviceInfo, error)
	// Open creates a context and command queue on the selected device.
	Open(platform, device int) (Device, error)
}

// Device is an opened device together with its context and in-order queue.
type Device interface {
	Info() DeviceInfo
	CreateProgram(source string) (Program, error)
	CreateProgramWithBinary(binary []byte) (Program, error)
	CreateBuffer(mode AccessMode, size int) (Buffer, error)
	WriteBuffer(buf Buffer, blocking bool, data []byte) error
	ReadBuffer(buf Buffer, blocking bool, dst []byte) error
	// Dispatch enqueues k over the global domain. A nil local lets the
	// runtime choose the work-group size.
	Dispatch(k Kernel, offset, global, local []int) error
	Flush() error
	Finish() error
	Release()
}

// Program is a program object created on a device.
type Program interface {
	// Build compiles the program. A compiler failure is returned as a
	// *BuildError carrying the build log.
	Build(options string) error
	CreateKernel(name string) (Kernel, error)
	// Binary returns the device binary of a built program.
	Binary() ([]byte, error)
	Release()
}

// Kernel is one entry point of a built program.
type Kernel interface {
	Name() string
	// SetArg binds value to the argument at index. Buffers are passed as
	// Buffer; scalars as int32, uint32 or float32.
	SetArg(index int, value any) error
	WorkGroupSize() (int, error)
	PreferredWorkGroupSizeMultiple() (int, error)
	Release()
}

// Buffer is a device memory object of fixed size.
type Buffer interface {
	Size() int
	Mode() AccessMode
	Release()
}

// BuildError reports a failed program build.
type BuildError struct {
	Log string
}

func (e *BuildError) Error() string {
	if e.Log == "" {
		return "build failed"
	}
	return "build failed: " + e.Log
}
