//go:build opencl

package compute

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
	"golang.org/x/xerrors"

	"clgol/internal/diag"
)

// ErrBinaryUnsupported is returned by the OpenCL backend for program binary
// import and export, which the binding does not expose.
var ErrBinaryUnsupported = xerrors.New("program binaries are not exposed by the OpenCL binding")

type openCLBackend struct{}

// New returns the OpenCL backend.
func New() Backend {
	return openCLBackend{}
}

func (openCLBackend) platforms() ([]*cl.Platform, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms; install OpenCL drivers and verify with `clinfo`"
			return nil, xerrors.Errorf("%s: %w", msg, diag.NewStatusError("clGetPlatformIDs", diag.PlatformNotFoundKHR))
		}
		return nil, xerrors.Errorf("%s: %w", msg, statusError("clGetPlatformIDs", err))
	}
	return platforms, nil
}

func (b openCLBackend) devices(platform int) ([]*cl.Device, error) {
	platforms, err := b.platforms()
	if err != nil {
		return nil, err
	}
	if platform < 0 || platform >= len(platforms) {
		return nil, diag.NewStatusError("clGetPlatformIDs", diag.InvalidPlatform)
	}
	devices, err := platforms[platform].GetDevices(cl.DeviceTypeAll)
	if err != nil {
		return nil, statusError("clGetDeviceIDs", err)
	}
	return devices, nil
}

func (b openCLBackend) Platforms(max int) ([]PlatformInfo, error) {
	platforms, err := b.platforms()
	if err != nil {
		return nil, err
	}
	if len(platforms) > max {
		platforms = platforms[:max]
	}
	out := make([]PlatformInfo, len(platforms))
	for i, p := range platforms {
		out[i] = PlatformInfo{
			Index:      i,
			Name:       p.Name(),
			Vendor:     p.Vendor(),
			Profile:    p.Profile(),
			Version:    p.Version(),
			Extensions: p.Extensions(),
		}
	}
	return out, nil
}

func (b openCLBackend) Devices(platform, max int) ([]DeviceInfo, error) {
	devices, err := b.devices(platform)
	if err != nil {
		return nil, err
	}
	if len(devices) > max {
		devices = devices[:max]
	}
	out := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		out[i] = deviceInfo(i, d)
	}
	return out, nil
}

func deviceInfo(index int, d *cl.Device) DeviceInfo {
	return DeviceInfo{
		Index:                 index,
		Name:                  d.Name(),
		Vendor:                d.Vendor(),
		Version:               d.Version(),
		DriverVersion:         d.DriverVersion(),
		Type:                  DeviceType(d.Type()),
		ComputeUnits:          d.MaxComputeUnits(),
		MaxWorkGroupSize:      d.MaxWorkGroupSize(),
		MaxWorkItemDimensions: d.MaxWorkItemDimensions(),
		MaxWorkItemSizes:      d.MaxWorkItemSizes(),
		MaxClockFrequency:     d.MaxClockFrequency(),
	}
}

func (b openCLBackend) Open(platform, device int) (Device, error) {
	devices, err := b.devices(platform)
	if err != nil {
		return nil, err
	}
	if device < 0 || device >= len(devices) {
		return nil, diag.NewStatusError("clGetDeviceIDs", diag.DeviceNotFound)
	}
	d := devices[device]
	context, err := cl.CreateContext([]*cl.Device{d})
	if err != nil {
		return nil, xerrors.Errorf("creating OpenCL context: %w", statusError("clCreateContext", err))
	}
	queue, err := context.CreateCommandQueue(d, 0)
	if err != nil {
		context.Release()
		return nil, xerrors.Errorf("creating OpenCL command queue: %w", statusError("clCreateCommandQueue", err))
	}
	return &openCLDevice{
		info:    deviceInfo(device, d),
		device:  d,
		context: context,
		queue:   queue,
	}, nil
}

type openCLDevice struct {
	info    DeviceInfo
	device  *cl.Device
	context *cl.Context
	queue   *cl.CommandQueue
}

func (d *openCLDevice) Info() DeviceInfo { return d.info }

func (d *openCLDevice) CreateProgram(source string) (Program, error) {
	program, err := d.context.CreateProgramWithSource([]string{source})
	if err != nil {
		return nil, statusError("clCreateProgramWithSource", err)
	}
	return &openCLProgram{program: program, device: d.device}, nil
}

func (d *openCLDevice) CreateProgramWithBinary([]byte) (Program, error) {
	return nil, &diag.StatusError{Op: "clCreateProgramWithBinary", Status: diag.InvalidBinary, Err: ErrBinaryUnsupported}
}

func (d *openCLDevice) CreateBuffer(mode AccessMode, size int) (Buffer, error) {
	var flags cl.MemFlag
	switch mode {
	case WriteOnly:
		flags = cl.MemWriteOnly
	case ReadOnly:
		flags = cl.MemReadOnly
	default:
		flags = cl.MemReadWrite
	}
	mem, err := d.context.CreateEmptyBuffer(flags, size)
	if err != nil {
		return nil, statusError("clCreateBuffer", err)
	}
	return &openCLBuffer{mem: mem, size: size, mode: mode}, nil
}

func (d *openCLDevice) WriteBuffer(buf Buffer, blocking bool, data []byte) error {
	mem, err := memObject(buf)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	ev, err := d.queue.EnqueueWriteBuffer(mem, blocking, 0, len(data), unsafe.Pointer(&data[0]), nil)
	if err != nil {
		return statusError("clEnqueueWriteBuffer", err)
	}
	if ev != nil {
		ev.Release()
	}
	return nil
}

func (d *openCLDevice) ReadBuffer(buf Buffer, blocking bool, dst []byte) error {
	mem, err := memObject(buf)
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	ev, err := d.queue.EnqueueReadBuffer(mem, blocking, 0, len(dst), unsafe.Pointer(&dst[0]), nil)
	if err != nil {
		return statusError("clEnqueueReadBuffer", err)
	}
	if ev != nil {
		ev.Release()
	}
	return nil
}

func (d *openCLDevice) Dispatch(k Kernel, offset, global, local []int) error {
	kernel, ok := k.(*openCLKernel)
	if !ok || kernel.kernel == nil {
		return diag.NewStatusError("clEnqueueNDRangeKernel", diag.InvalidKernel)
	}
	ev, err := d.queue.EnqueueNDRangeKernel(kernel.kernel, offset, global, local, nil)
	if err != nil {
		return statusError("clEnqueueNDRangeKernel", err)
	}
	if ev != nil {
		ev.Release()
	}
	return nil
}

func (d *openCLDevice) Flush() error {
	if err := d.queue.Flush(); err != nil {
		return statusError("clFlush", err)
	}
	return nil
}

func (d *openCLDevice) Finish() error {
	if err := d.queue.Finish(); err != nil {
		return statusError("clFinish", err)
	}
	return nil
}

func (d *openCLDevice) Release() {
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.context != nil {
		d.context.Release()
		d.context = nil
	}
}

type openCLProgram struct {
	program *cl.Program
	device  *cl.Device
}

func (p *openCLProgram) Build(options string) error {
	if err := p.program.BuildProgram([]*cl.Device{p.device}, options); err != nil {
		if buildErr, ok := err.(cl.BuildError); ok {
			return &BuildError{Log: string(buildErr)}
		}
		return statusError("clBuildProgram", err)
	}
	return nil
}

func (p *openCLProgram) CreateKernel(name string) (Kernel, error) {
	kernel, err := p.program.CreateKernel(name)
	if err != nil {
		return nil, statusError("clCreateKernel", err)
	}
	return &openCLKernel{kernel: kernel, name: name, device: p.device}, nil
}

func (p *openCLProgram) Binary() ([]byte, error) {
	return nil, &diag.StatusError{Op: "clGetProgramInfo", Status: diag.InvalidOperation, Err: ErrBinaryUnsupported}
}

func (p *openCLProgram) Release() {
	if p.program != nil {
		p.program.Release()
		p.program = nil
	}
}

type openCLKernel struct {
	kernel *cl.Kernel
	name   string
	device *cl.Device
}

func (k *openCLKernel) Name() string { return k.name }

func (k *openCLKernel) SetArg(index int, value any) error {
	if buf, ok := value.(Buffer); ok {
		mem, err := memObject(buf)
		if err != nil {
			return err
		}
		value = mem
	}
	if err := k.kernel.SetArg(index, value); err != nil {
		return statusError(fmt.Sprintf("clSetKernelArg(%d)", index), err)
	}
	return nil
}

func (k *openCLKernel) WorkGroupSize() (int, error) {
	n, err := k.kernel.WorkGroupSize(k.device)
	if err != nil {
		return 0, statusError("clGetKernelWorkGroupInfo", err)
	}
	return n, nil
}

func (k *openCLKernel) PreferredWorkGroupSizeMultiple() (int, error) {
	n, err := k.kernel.PreferredWorkGroupSizeMultiple(k.device)
	if err != nil {
		return 0, statusError("clGetKernelWorkGroupInfo", err)
	}
	return n, nil
}

func (k *openCLKernel) Release() {
	if k.kernel != nil {
		k.kernel.Release()
		k.kernel = nil
	}
}

type openCLBuffer struct {
	mem  *cl.MemObject
	size int
	mode AccessMode
}

func (b *openCLBuffer) Size() int        { return b.size }
func (b *openCLBuffer) Mode() AccessMode { return b.mode }

func (b *openCLBuffer) Release() {
	if b.mem != nil {
		b.mem.Release()
		b.mem = nil
	}
}

func memObject(buf Buffer) (*cl.MemObject, error) {
	b, ok := buf.(*openCLBuffer)
	if !ok || b == nil || b.mem == nil {
		return nil, diag.NewStatusError("mem object", diag.InvalidMemObject)
	}
	return b.mem, nil
}

var clStatus = map[error]diag.Status{
	cl.ErrDeviceNotFound:               diag.DeviceNotFound,
	cl.ErrDeviceNotAvailable:           diag.DeviceNotAvailable,
	cl.ErrCompilerNotAvailable:         diag.CompilerNotAvailable,
	cl.ErrMemObjectAllocationFailure:   diag.MemObjectAllocationFailure,
	cl.ErrOutOfResources:               diag.OutOfResources,
	cl.ErrOutOfHostMemory:              diag.OutOfHostMemory,
	cl.ErrProfilingInfoNotAvailable:    diag.ProfilingInfoNotAvailable,
	cl.ErrMemCopyOverlap:               diag.MemCopyOverlap,
	cl.ErrImageFormatMismatch:          diag.ImageFormatMismatch,
	cl.ErrImageFormatNotSupported:      diag.ImageFormatNotSupported,
	cl.ErrBuildProgramFailure:          diag.BuildProgramFailure,
	cl.ErrMapFailure:                   diag.MapFailure,
	cl.ErrInvalidValue:                 diag.InvalidValue,
	cl.ErrInvalidDeviceType:            diag.InvalidDeviceType,
	cl.ErrInvalidPlatform:              diag.InvalidPlatform,
	cl.ErrInvalidDevice:                diag.InvalidDevice,
	cl.ErrInvalidContext:               diag.InvalidContext,
	cl.ErrInvalidQueueProperties:       diag.InvalidQueueProperties,
	cl.ErrInvalidCommandQueue:          diag.InvalidCommandQueue,
	cl.ErrInvalidHostPtr:               diag.InvalidHostPtr,
	cl.ErrInvalidMemObject:             diag.InvalidMemObject,
	cl.ErrInvalidImageFormatDescriptor: diag.InvalidImageFormatDescriptor,
	cl.ErrInvalidImageSize:             diag.InvalidImageSize,
	cl.ErrInvalidSampler:               diag.InvalidSampler,
	cl.ErrInvalidBinary:                diag.InvalidBinary,
	cl.ErrInvalidBuildOptions:          diag.InvalidBuildOptions,
	cl.ErrInvalidProgram:               diag.InvalidProgram,
	cl.ErrInvalidProgramExecutable:     diag.InvalidProgramExecutable,
	cl.ErrInvalidKernelName:            diag.InvalidKernelName,
	cl.ErrInvalidKernelDefinition:      diag.InvalidKernelDefinition,
	cl.ErrInvalidKernel:                diag.InvalidKernel,
	cl.ErrInvalidArgIndex:              diag.InvalidArgIndex,
	cl.ErrInvalidArgValue:              diag.InvalidArgValue,
	cl.ErrInvalidArgSize:               diag.InvalidArgSize,
	cl.ErrInvalidKernelArgs:            diag.InvalidKernelArgs,
	cl.ErrInvalidWorkDimension:         diag.InvalidWorkDimension,
	cl.ErrInvalidWorkGroupSize:         diag.InvalidWorkGroupSize,
	cl.ErrInvalidWorkItemSize:          diag.InvalidWorkItemSize,
	cl.ErrInvalidGlobalOffset:          diag.InvalidGlobalOffset,
	cl.ErrInvalidEventWaitList:         diag.InvalidEventWaitList,
	cl.ErrInvalidEvent:                 diag.InvalidEvent,
	cl.ErrInvalidOperation:             diag.InvalidOperation,
	cl.ErrInvalidGLObject:              diag.InvalidGLObject,
	cl.ErrInvalidBufferSize:            diag.InvalidBufferSize,
	cl.ErrInvalidMipLevel:              diag.InvalidMipLevel,
}

// statusError converts an error returned by the binding into a
// *diag.StatusError so the code survives wrapping.
func statusError(op string, err error) error {
	status := diag.InvalidOperation
	var other cl.ErrOther
	if s, ok := clStatus[err]; ok {
		status = s
	} else if errors.As(err, &other) {
		status = diag.Status(other)
	}
	return &diag.StatusError{Op: op, Status: status, Err: err}
}
