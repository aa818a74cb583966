// Package computetest provides a scriptable in-memory compute backend for
// tests. Every device call is recorded and any operation can be made to
// fail with a chosen status.
package computetest

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"clgol/internal/compute"
	"clgol/internal/diag"
)

// Op identifies a device operation for failure injection and call counting.
type Op string

const (
	OpCreateProgram Op = "create_program"
	OpCreateBinary  Op = "create_program_with_binary"
	OpBuild         Op = "build"
	OpCreateKernel  Op = "create_kernel"
	OpBinary        Op = "binary"
	OpCreateBuffer  Op = "create_buffer"
	OpWrite         Op = "write"
	OpRead          Op = "read"
	OpSetArg        Op = "set_arg"
	OpDispatch      Op = "dispatch"
	OpFlush         Op = "flush"
	OpFinish        Op = "finish"
	OpWorkGroup     Op = "work_group"
)

// Platform is one fake platform with its devices.
type Platform struct {
	Info    compute.PlatformInfo
	Devices []compute.DeviceInfo
}

// Backend is a fake compute.Backend.
type Backend struct {
	mu        sync.Mutex
	platforms []Platform
	opened    []*Device

	// EnumErr, when set, is returned by Platforms and Devices.
	EnumErr error
	// OpenErr, when set, is returned by Open.
	OpenErr error
	// Setup is applied to every device before Open returns it.
	Setup func(*Device)
}

// NewBackend returns a backend exposing the given platforms.
func NewBackend(platforms ...Platform) *Backend {
	return &Backend{platforms: platforms}
}

// SingleGPU returns a backend with one platform holding one GPU device.
func SingleGPU(name string) *Backend {
	return NewBackend(Platform{
		Info: compute.PlatformInfo{
			Name:       "Fake Platform",
			Vendor:     "clgol",
			Profile:    "FULL_PROFILE",
			Version:    "OpenCL 1.2 fake",
			Extensions: "cl_khr_byte_addressable_store",
		},
		Devices: []compute.DeviceInfo{{
			Name:                  name,
			Vendor:                "clgol",
			Version:               "OpenCL 1.2",
			DriverVersion:         "1.0",
			Type:                  compute.TypeGPU,
			ComputeUnits:          8,
			MaxWorkGroupSize:      256,
			MaxWorkItemDimensions: 3,
			MaxWorkItemSizes:      []int{256, 256, 64},
			MaxClockFrequency:     1000,
		}},
	})
}

func (b *Backend) Platforms(max int) ([]compute.PlatformInfo, error) {
	if b.EnumErr != nil {
		return nil, b.EnumErr
	}
	out := make([]compute.PlatformInfo, 0, len(b.platforms))
	for i, p := range b.platforms {
		if i >= max {
			break
		}
		info := p.Info
		info.Index = i
		out = append(out, info)
	}
	return out, nil
}

func (b *Backend) Devices(platform, max int) ([]compute.DeviceInfo, error) {
	if b.EnumErr != nil {
		return nil, b.EnumErr
	}
	if platform < 0 || platform >= len(b.platforms) {
		return nil, diag.NewStatusError("clGetDeviceIDs", diag.InvalidPlatform)
	}
	devices := b.platforms[platform].Devices
	out := make([]compute.DeviceInfo, 0, len(devices))
	for i, d := range devices {
		if i >= max {
			break
		}
		d.Index = i
		out = append(out, d)
	}
	return out, nil
}

func (b *Backend) Open(platform, device int) (compute.Device, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	devices, err := b.Devices(platform, math.MaxInt)
	if err != nil {
		return nil, err
	}
	if device < 0 || device >= len(devices) {
		return nil, diag.NewStatusError("clGetDeviceIDs", diag.DeviceNotFound)
	}
	d := NewDevice(devices[device])
	if b.Setup != nil {
		b.Setup(d)
	}
	b.mu.Lock()
	b.opened = append(b.opened, d)
	b.mu.Unlock()
	return d, nil
}

// Opened returns every device handed out by Open.
func (b *Backend) Opened() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Device(nil), b.opened...)
}

// Last returns the most recently opened device, or nil.
func (b *Backend) Last() *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.opened) == 0 {
		return nil
	}
	return b.opened[len(b.opened)-1]
}

// Call is one recorded device call.
type Call struct {
	Op       Op
	Buffer   *Buffer
	Blocking bool
	Bytes    int
	Index    int
	Value    any
	Global   []int
	Local    []int
}

type failRule struct {
	nth  int // 0 fails every call
	code diag.Status
}

// Device is a fake compute.Device.
type Device struct {
	mu       sync.Mutex
	info     compute.DeviceInfo
	calls    []Call
	counts   map[Op]int
	failures map[Op]failRule

	Buffers  []*Buffer
	Programs []*Program
	Released int

	// WorkGroupSize and PreferredMultiple are reported by every kernel.
	WorkGroupSize     int
	PreferredMultiple int
	// OnDispatch, when set, runs for every successful dispatch.
	OnDispatch func(k *Kernel, global []int)
}

// NewDevice returns a fake device described by info.
func NewDevice(info compute.DeviceInfo) *Device {
	return &Device{
		info:              info,
		counts:            make(map[Op]int),
		failures:          make(map[Op]failRule),
		WorkGroupSize:     256,
		PreferredMultiple: 32,
	}
}

// Fail makes every call of op fail with code.
func (d *Device) Fail(op Op, code diag.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = failRule{code: code}
}

// FailNth makes only the nth (1-based) call of op fail with code.
func (d *Device) FailNth(op Op, n int, code diag.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = failRule{nth: n, code: code}
}

// Heal removes any failure injected for op.
func (d *Device) Heal(op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, op)
}

// Count returns how many times op was called, failed calls included.
func (d *Device) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[op]
}

// Calls returns the recorded calls of op in order.
func (d *Device) Calls(op Op) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Call
	for _, c := range d.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the call log and counters. Injected failures are kept.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
	d.counts = make(map[Op]int)
}

func (d *Device) record(c Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[c.Op]++
	d.calls = append(d.calls, c)
	if rule, ok := d.failures[c.Op]; ok && (rule.nth == 0 || rule.nth == d.counts[c.Op]) {
		return diag.NewStatusError(string(c.Op), rule.code)
	}
	return nil
}

func (d *Device) Info() compute.DeviceInfo { return d.info }

func (d *Device) CreateProgram(source string) (compute.Program, error) {
	if err := d.record(Call{Op: OpCreateProgram, Bytes: len(source)}); err != nil {
		return nil, err
	}
	p := &Program{device: d, Source: source}
	d.mu.Lock()
	d.Programs = append(d.Programs, p)
	d.mu.Unlock()
	return p, nil
}

var binaryMagic = []byte("FAKEBIN\x00")

func (d *Device) CreateProgramWithBinary(binary []byte) (compute.Program, error) {
	if err := d.record(Call{Op: OpCreateBinary, Bytes: len(binary)}); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(binary, binaryMagic) {
		return nil, diag.NewStatusError("clCreateProgramWithBinary", diag.InvalidBinary)
	}
	p := &Program{device: d, Source: string(binary[len(binaryMagic):]), FromBinary: true}
	d.mu.Lock()
	d.Programs = append(d.Programs, p)
	d.mu.Unlock()
	return p, nil
}

func (d *Device) CreateBuffer(mode compute.AccessMode, size int) (compute.Buffer, error) {
	if err := d.record(Call{Op: OpCreateBuffer, Bytes: size}); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, diag.NewStatusError("clCreateBuffer", diag.InvalidBufferSize)
	}
	b := &Buffer{Data: make([]byte, size), mode: mode}
	d.mu.Lock()
	d.Buffers = append(d.Buffers, b)
	d.mu.Unlock()
	return b, nil
}

func (d *Device) WriteBuffer(buf compute.Buffer, blocking bool, data []byte) error {
	b, _ := buf.(*Buffer)
	if err := d.record(Call{Op: OpWrite, Buffer: b, Blocking: blocking, Bytes: len(data)}); err != nil {
		return err
	}
	if b == nil || b.Released > 0 {
		return diag.NewStatusError("clEnqueueWriteBuffer", diag.InvalidMemObject)
	}
	if len(data) > len(b.Data) {
		return diag.NewStatusError("clEnqueueWriteBuffer", diag.InvalidValue)
	}
	copy(b.Data, data)
	b.Writes++
	return nil
}

func (d *Device) ReadBuffer(buf compute.Buffer, blocking bool, dst []byte) error {
	b, _ := buf.(*Buffer)
	if err := d.record(Call{Op: OpRead, Buffer: b, Blocking: blocking, Bytes: len(dst)}); err != nil {
		return err
	}
	if b == nil || b.Released > 0 {
		return diag.NewStatusError("clEnqueueReadBuffer", diag.InvalidMemObject)
	}
	if len(dst) > len(b.Data) {
		return diag.NewStatusError("clEnqueueReadBuffer", diag.InvalidValue)
	}
	copy(dst, b.Data)
	return nil
}

func (d *Device) Dispatch(k compute.Kernel, offset, global, local []int) error {
	kernel, _ := k.(*Kernel)
	call := Call{
		Op:     OpDispatch,
		Global: append([]int(nil), global...),
		Local:  append([]int(nil), local...),
	}
	if err := d.record(call); err != nil {
		return err
	}
	if kernel == nil || kernel.Released > 0 {
		return diag.NewStatusError("clEnqueueNDRangeKernel", diag.InvalidKernel)
	}
	if d.OnDispatch != nil {
		d.OnDispatch(kernel, global)
	}
	return nil
}

func (d *Device) Flush() error  { return d.record(Call{Op: OpFlush}) }
func (d *Device) Finish() error { return d.record(Call{Op: OpFinish}) }

func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Released++
}

// Program is a fake compute.Program. Sources containing "#error" or with
// unbalanced braces fail to build.
type Program struct {
	device     *Device
	Source     string
	FromBinary bool
	Options    string
	Built      bool
	Released   int
	Kernels    []*Kernel
}

var kernelDecl = regexp.MustCompile(`(?:__)?kernel\s+void\s+(\w+)\s*\(`)

func (p *Program) Build(options string) error {
	if err := p.device.record(Call{Op: OpBuild, Value: options}); err != nil {
		return err
	}
	p.Options = options
	if line, ok := syntaxError(p.Source); ok {
		return &compute.BuildError{Log: line}
	}
	p.Built = true
	return nil
}

func syntaxError(src string) (string, bool) {
	for i, line := range strings.Split(src, "\n") {
		if strings.Contains(line, "#error") {
			return "<source>:" + strconv.Itoa(i+1) + ":2: error: " + strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "#error")), true
		}
	}
	if strings.Count(src, "{") != strings.Count(src, "}") {
		return "<source>: error: expected '}'", true
	}
	return "", false
}

func (p *Program) CreateKernel(name string) (compute.Kernel, error) {
	if err := p.device.record(Call{Op: OpCreateKernel, Value: name}); err != nil {
		return nil, err
	}
	if !p.Built {
		return nil, diag.NewStatusError("clCreateKernel", diag.InvalidProgramExecutable)
	}
	for _, m := range kernelDecl.FindAllStringSubmatch(p.Source, -1) {
		if m[1] == name {
			k := &Kernel{device: p.device, name: name, args: make(map[int]any)}
			p.Kernels = append(p.Kernels, k)
			return k, nil
		}
	}
	return nil, diag.NewStatusError("clCreateKernel", diag.InvalidKernelName)
}

func (p *Program) Binary() ([]byte, error) {
	if err := p.device.record(Call{Op: OpBinary}); err != nil {
		return nil, err
	}
	if !p.Built {
		return nil, diag.NewStatusError("clGetProgramInfo", diag.InvalidProgramExecutable)
	}
	return append(append([]byte(nil), binaryMagic...), p.Source...), nil
}

func (p *Program) Release() { p.Released++ }

// Kernel is a fake compute.Kernel that remembers its bound arguments.
type Kernel struct {
	device   *Device
	name     string
	args     map[int]any
	Released int
}

func (k *Kernel) Name() string { return k.name }

func (k *Kernel) SetArg(index int, value any) error {
	if err := k.device.record(Call{Op: OpSetArg, Index: index, Value: value}); err != nil {
		return err
	}
	if index < 0 {
		return diag.NewStatusError("clSetKernelArg", diag.InvalidArgIndex)
	}
	k.args[index] = value
	return nil
}

// Arg returns the value bound at index.
func (k *Kernel) Arg(index int) any { return k.args[index] }

func (k *Kernel) WorkGroupSize() (int, error) {
	if err := k.device.record(Call{Op: OpWorkGroup}); err != nil {
		return 0, err
	}
	return k.device.WorkGroupSize, nil
}

func (k *Kernel) PreferredWorkGroupSizeMultiple() (int, error) {
	if err := k.device.record(Call{Op: OpWorkGroup}); err != nil {
		return 0, err
	}
	return k.device.PreferredMultiple, nil
}

func (k *Kernel) Release() { k.Released++ }

// Buffer is a fake compute.Buffer backed by host memory.
type Buffer struct {
	Data     []byte
	mode     compute.AccessMode
	Writes   int
	Released int
}

func (b *Buffer) Size() int { return len(b.Data) }

func (b *Buffer) Mode() compute.AccessMode { return b.mode }

func (b *Buffer) Release() { b.Released++ }
