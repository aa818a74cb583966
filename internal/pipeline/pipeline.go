// Package pipeline wires device selection, compilation, buffer allocation
// and the frame executor into one owner with a single shutdown path.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"clgol/internal/arena"
	"clgol/internal/atlas"
	"clgol/internal/compiler"
	"clgol/internal/compute"
	"clgol/internal/directory"
	"clgol/internal/frame"
	"clgol/internal/logging"
	"clgol/internal/metrics"
)

// ErrNotReady is returned by operations on a pipeline whose construction or
// last compilation failed, or that has been closed.
var ErrNotReady = xerrors.New("pipeline not ready")

// Options configures a pipeline.
type Options struct {
	Platform int
	Device   int
	Width    int
	Height   int

	Program  compiler.Request
	Atlas    atlas.Geometry
	Textures []string

	// Frame is passed to the executor, e.g. policy overrides or sensors.
	Frame []frame.Option
}

// Pipeline owns every device resource of one renderer.
type Pipeline struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	device   compute.Device
	compiler *compiler.Compiler
	program  *compiler.Program
	arena    *arena.Arena
	atlas    *atlas.Atlas
	exec     *frame.Executor

	initErr    error
	compileErr error
	closed     bool
}

// New selects the device, allocates the buffers and compiles the program.
// Failures are logged and leave the pipeline invalid; check Valid or Err.
// A compilation failure alone keeps the device and buffers so a later
// Recompile can recover.
func New(ctx context.Context, backend compute.Backend, opts Options, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{opts: opts, log: logging.OrNop(log), metrics: m}
	if p.opts.Atlas == (atlas.Geometry{}) {
		p.opts.Atlas = atlas.DefaultGeometry()
	}
	p.initErr = p.init(ctx, backend)
	if p.initErr != nil {
		p.log.Error("pipeline unavailable", zap.Error(p.initErr))
	}
	return p
}

func (p *Pipeline) init(ctx context.Context, backend compute.Backend) error {
	at, err := atlas.New(p.opts.Atlas, p.log.Named("atlas"))
	if err != nil {
		return err
	}
	p.atlas = at

	dev, err := directory.New(backend, p.log.Named("directory")).Select(p.opts.Platform, p.opts.Device)
	if err != nil {
		return err
	}
	p.device = dev

	p.arena = arena.New(dev, p.opts.Atlas.Bytes(), p.log.Named("arena"))
	if err := p.arena.Initialize(p.opts.Width, p.opts.Height); err != nil {
		return err
	}

	p.compiler = compiler.New(dev, p.log.Named("compiler"), p.metrics)
	p.program, p.compileErr = p.compiler.Compile(p.opts.Program)

	if len(p.opts.Textures) > 0 {
		if err := p.atlas.LoadTextures(ctx, p.opts.Textures); err != nil {
			p.log.Warn("continuing without textures", zap.Error(err))
		}
	}

	var kernel compute.Kernel
	if p.program != nil {
		kernel = p.program.Kernel
	}
	opts := append([]frame.Option{frame.WithMetrics(p.metrics)}, p.opts.Frame...)
	p.exec = frame.New(dev, kernel, p.arena, p.atlas, p.log.Named("frame"), opts...)
	return nil
}

// Valid reports whether Render can run.
func (p *Pipeline) Valid() bool {
	return p.Err() == nil
}

// Err returns why the pipeline cannot render, or nil.
func (p *Pipeline) Err() error {
	switch {
	case p.closed:
		return fmt.Errorf("%w: closed", ErrNotReady)
	case p.initErr != nil:
		return fmt.Errorf("%w: %w", ErrNotReady, p.initErr)
	case p.compileErr != nil:
		return fmt.Errorf("%w: %w", ErrNotReady, p.compileErr)
	}
	return nil
}

// InitErr returns the construction error, or nil.
func (p *Pipeline) InitErr() error { return p.initErr }

// Render runs one frame. See frame.Executor.Render.
func (p *Pipeline) Render(width, height int, bitmap []byte, value float32) error {
	if err := p.Err(); err != nil {
		return err
	}
	return p.exec.Render(width, height, bitmap, value)
}

// SetTexture stores one 4-channel block in the atlas mirror.
func (p *Pipeline) SetTexture(slot int, data []byte) error {
	if p.atlas == nil {
		return ErrNotReady
	}
	return p.atlas.SetTexture(slot, data)
}

// AddTexture decodes a bitmap into atlas slot 0.
func (p *Pipeline) AddTexture(path string) error {
	if p.atlas == nil {
		return ErrNotReady
	}
	return p.atlas.AddTexture(path)
}

// LoadTextures decodes bitmaps into consecutive atlas slots.
func (p *Pipeline) LoadTextures(ctx context.Context, paths []string) error {
	if p.atlas == nil {
		return ErrNotReady
	}
	return p.atlas.LoadTextures(ctx, paths)
}

// Recompile releases the current program and builds req in its place. The
// frame state and buffers are kept. On failure the pipeline stays invalid
// until a later Recompile succeeds.
func (p *Pipeline) Recompile(req compiler.Request) error {
	if p.closed || p.initErr != nil {
		return p.Err()
	}
	prog, err := p.compiler.Rebuild(p.program, req)
	p.program, p.compileErr = prog, err
	if err != nil {
		p.exec.SetKernel(nil)
		return err
	}
	p.opts.Program = req
	p.exec.SetKernel(prog.Kernel)
	p.log.Info("program rebuilt", zap.String("source", req.Source))
	return nil
}

// Executor exposes the frame state for inspection. It is nil when
// construction failed before the buffers were allocated.
func (p *Pipeline) Executor() *frame.Executor { return p.exec }

// Program returns the current program, or nil.
func (p *Pipeline) Program() *compiler.Program { return p.program }

// DeviceName returns the selected device name, or "" without a device.
func (p *Pipeline) DeviceName() string {
	if p.device == nil {
		return ""
	}
	return p.device.Info().Name
}

// Close releases the buffers, the program and the device. It is safe after
// a failed construction and on repeated calls.
func (p *Pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if p.arena != nil {
		p.arena.Release()
	}
	p.program.Release()
	p.program = nil
	if p.device != nil {
		p.device.Release()
		p.device = nil
	}
}
