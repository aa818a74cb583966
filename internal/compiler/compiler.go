// Package compiler turns kernel source or a saved binary into a built
// program and extracts its single entry point.
package compiler

import (
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"clgol/internal/compute"
	"clgol/internal/diag"
	"clgol/internal/logging"
	"clgol/internal/metrics"
)

const (
	// EntryPoint is the kernel every program must define.
	EntryPoint = "main_kernel"
	// MaxSourceSize bounds how much of a source file is read.
	MaxSourceSize = 65535
)

// SourceKind says how Request.Source is interpreted.
type SourceKind int

const (
	// FromFile reads program text from the path in Source.
	FromFile SourceKind = iota
	// FromText uses Source as program text.
	FromText
	// FromBinary loads a saved device binary from the path in Source and
	// builds it with empty options.
	FromBinary
)

func (k SourceKind) String() string {
	switch k {
	case FromFile:
		return "file"
	case FromText:
		return "text"
	case FromBinary:
		return "binary"
	}
	return "unknown"
}

// Request describes one compilation.
type Request struct {
	Kind    SourceKind
	Source  string
	Options string
	// BinaryPath enables the binary cache for source builds: a matching
	// cached binary is loaded instead of compiling, and a fresh build is
	// saved there.
	BinaryPath string
}

// Origin of a built program.
const (
	OriginSource = "source"
	OriginBinary = "binary"
	OriginCache  = "cache"
)

// Program is a built program with its entry kernel.
type Program struct {
	program compute.Program
	Kernel  compute.Kernel

	Origin string
	// WorkGroupSize and PreferredMultiple are informational; dispatch lets
	// the runtime pick the local size.
	WorkGroupSize     int
	PreferredMultiple int
}

// Release releases the kernel and then the program. It is safe to call on
// nil and more than once.
func (p *Program) Release() {
	if p == nil {
		return
	}
	if p.Kernel != nil {
		p.Kernel.Release()
		p.Kernel = nil
	}
	if p.program != nil {
		p.program.Release()
		p.program = nil
	}
}

// BuildError reports a failed build together with the compiler output.
type BuildError struct {
	Log string
}

func (e *BuildError) Error() string {
	return "building program: " + e.Log
}

func (e *BuildError) Unwrap() error { return diag.ErrBuildFailed }

// Compiler builds programs on one device.
type Compiler struct {
	device  compute.Device
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(device compute.Device, log *zap.Logger, m *metrics.Metrics) *Compiler {
	return &Compiler{device: device, log: logging.OrNop(log), metrics: m}
}

// Compile loads, builds and extracts the entry point described by req.
// Failures are logged and returned; they are never fatal.
func (c *Compiler) Compile(req Request) (*Program, error) {
	p, err := c.compile(req)
	if err != nil {
		c.metrics.Compiled("failed")
		return nil, err
	}
	c.metrics.Compiled(p.Origin)
	c.log.Info("program ready",
		zap.String("kind", req.Kind.String()),
		zap.String("origin", p.Origin),
		zap.String("kernel", EntryPoint),
		zap.Int("work_group_size", p.WorkGroupSize),
		zap.Int("preferred_multiple", p.PreferredMultiple),
	)
	return p, nil
}

func (c *Compiler) compile(req Request) (*Program, error) {
	var source string
	switch req.Kind {
	case FromBinary:
		bin, err := readFile(req.Source)
		if err != nil {
			c.log.Error("reading program binary", zap.String("path", req.Source), zap.Error(err))
			return nil, err
		}
		return c.fromBinary(bin, OriginBinary)
	case FromFile:
		src, err := c.readSource(req.Source)
		if err != nil {
			c.log.Error("reading kernel source", zap.String("path", req.Source), zap.Error(err))
			return nil, err
		}
		source = src
	case FromText:
		source = req.Source
	default:
		return nil, xerrors.Errorf("unknown source kind %d", int(req.Kind))
	}

	if req.BinaryPath != "" {
		if p, ok := c.loadCached(req.BinaryPath, source, req.Options); ok {
			return p, nil
		}
	}
	p, err := c.fromSource(source, req.Options)
	if err != nil {
		return nil, err
	}
	if req.BinaryPath != "" {
		c.saveCached(p, req.BinaryPath, source, req.Options)
	}
	return p, nil
}

// Rebuild releases prev and compiles req in its place. prev may be nil.
func (c *Compiler) Rebuild(prev *Program, req Request) (*Program, error) {
	prev.Release()
	return c.Compile(req)
}

func (c *Compiler) readSource(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("opening %s: %v: %w", path, err, diag.ErrSourceNotFound)
	}
	defer f.Close()

	buf := make([]byte, MaxSourceSize+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", xerrors.Errorf("reading %s: %v: %w", path, err, diag.ErrIO)
	}
	if n > MaxSourceSize {
		c.log.Warn("kernel source truncated", zap.String("path", path), zap.Int("limit", MaxSourceSize))
		n = MaxSourceSize
	}
	return string(buf[:n]), nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.Errorf("opening %s: %v: %w", path, err, diag.ErrSourceNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("reading %s: %v: %w", path, err, diag.ErrIO)
	}
	return data, nil
}

func (c *Compiler) fromSource(source, options string) (*Program, error) {
	prog, err := c.device.CreateProgram(source)
	if err != nil {
		c.log.Error("creating program", zap.String("status", diag.Describe(diag.StatusOf(err))), zap.Error(err))
		return nil, xerrors.Errorf("creating program: %w", err)
	}
	return c.finish(prog, options, OriginSource)
}

func (c *Compiler) fromBinary(bin []byte, origin string) (*Program, error) {
	prog, err := c.device.CreateProgramWithBinary(bin)
	if err != nil {
		c.log.Error("creating program from binary", zap.String("status", diag.Describe(diag.StatusOf(err))), zap.Error(err))
		return nil, xerrors.Errorf("creating program from binary: %w", err)
	}
	return c.finish(prog, "", origin)
}

func (c *Compiler) finish(prog compute.Program, options, origin string) (*Program, error) {
	if err := prog.Build(options); err != nil {
		prog.Release()
		var be *compute.BuildError
		if errors.As(err, &be) {
			c.log.Error("program build failed", zap.String("options", options), zap.String("build_log", be.Log))
			return nil, &BuildError{Log: be.Log}
		}
		c.log.Error("program build failed", zap.String("status", diag.Describe(diag.StatusOf(err))), zap.Error(err))
		return nil, xerrors.Errorf("building program: %v: %w", err, diag.ErrBuildFailed)
	}

	kernel, err := prog.CreateKernel(EntryPoint)
	if err != nil {
		prog.Release()
		c.log.Error("entry point missing", zap.String("kernel", EntryPoint), zap.Error(err))
		return nil, xerrors.Errorf("creating kernel %s: %v: %w", EntryPoint, err, diag.ErrEntryPointMissing)
	}

	p := &Program{program: prog, Kernel: kernel, Origin: origin}
	if p.WorkGroupSize, err = kernel.WorkGroupSize(); err != nil {
		c.log.Warn("querying work group size", zap.Error(diag.DeviceCallFailed(diag.SiteWorkGroup, err)))
	}
	if p.PreferredMultiple, err = kernel.PreferredWorkGroupSizeMultiple(); err != nil {
		c.log.Warn("querying preferred work group size multiple", zap.Error(diag.DeviceCallFailed(diag.SiteWorkGroup, err)))
	}
	return p, nil
}
