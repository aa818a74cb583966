// Package frame runs the per-frame device work: atlas upload, sensor
// upload, argument binding, dispatch and readback.
package frame

import (
	"time"

	"go.uber.org/zap"

	"clgol/internal/arena"
	"clgol/internal/atlas"
	"clgol/internal/compute"
	"clgol/internal/diag"
	"clgol/internal/logging"
	"clgol/internal/metrics"
)

// State is the position of the executor in its frame cycle.
type State int

const (
	Idle State = iota
	TexturesPending
	Rendering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TexturesPending:
		return "textures-pending"
	case Rendering:
		return "rendering"
	}
	return "unknown"
}

const (
	// OffsetUnset is the selector value before the first dispatch.
	OffsetUnset int32 = -1
	// TimerStep is added to the timer after every frame.
	TimerStep float32 = 0.1
)

// Kernel argument indices of the entry point.
const (
	ArgWidth = iota
	ArgHeight
	ArgImage
	ArgState
	ArgVideo
	ArgDepth
	ArgTextures
	ArgOffset
	ArgValue
	ArgTime
	numArgs
)

// SensorSource supplies camera frames for the video and depth buffers.
type SensorSource interface {
	// Frames returns the newest video (640x480x4) and depth (320x240x2)
	// frames, or ok=false when there is nothing new to upload.
	Frames() (video, depth []byte, ok bool)
}

// Executor owns the frame state of one pipeline.
type Executor struct {
	device  compute.Device
	kernel  compute.Kernel
	arena   *arena.Arena
	atlas   *atlas.Atlas
	sensors SensorSource
	policy  Policy
	log     *zap.Logger
	metrics *metrics.Metrics

	state         State
	offset        int32
	timer         float32
	atlasUploaded bool
	frames        uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithSensors attaches a sensor source.
func WithSensors(s SensorSource) Option {
	return func(e *Executor) { e.sensors = s }
}

// WithPolicy overrides the failure handling of one call site.
func WithPolicy(site diag.Site, action Action) Option {
	return func(e *Executor) { e.policy[site] = action }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New returns an executor in the Idle state with the selector unset and
// the timer at zero.
func New(device compute.Device, kernel compute.Kernel, a *arena.Arena, at *atlas.Atlas, log *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		device: device,
		kernel: kernel,
		arena:  a,
		atlas:  at,
		policy: DefaultPolicy(),
		log:    logging.OrNop(log),
		offset: OffsetUnset,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetKernel replaces the entry kernel after a rebuild. Frame state is kept.
func (e *Executor) SetKernel(k compute.Kernel) { e.kernel = k }

func (e *Executor) State() State { return e.state }

// Offset returns the ping-pong selector bound to the next dispatch.
func (e *Executor) Offset() int32 { return e.offset }

func (e *Executor) Timer() float32 { return e.timer }

func (e *Executor) AtlasUploaded() bool { return e.atlasUploaded }

// Frames counts completed frames, aborted frames excluded.
func (e *Executor) Frames() uint64 { return e.frames }

// Render runs one frame over a width x height domain and, when bitmap is
// not nil, reads the image back into it. Every frame ends with Flush and
// Finish, so all enqueued work is complete when Render returns. width and
// height must not exceed the arena size; larger requests are passed to the
// device unchanged.
//
// Without a kernel nothing is dispatched and the failure is reported at the
// dispatch site.
//
// Failed device calls are logged and handled by the policy table. Render
// only returns an error when a call site is configured to abort the frame;
// an aborted frame neither flips the selector nor advances the timer.
func (e *Executor) Render(width, height int, bitmap []byte, value float32) error {
	start := time.Now()
	defer func() { e.state = Idle }()

	if !e.atlasUploaded {
		e.state = TexturesPending
		err := e.device.WriteBuffer(e.arena.Buffer(arena.RoleAtlas), true, e.atlas.Bytes())
		// One attempt only, even when it failed.
		e.atlasUploaded = true
		e.atlas.MarkUploaded()
		if err == nil {
			e.metrics.AtlasUploaded()
		}
		if err := e.check(diag.SiteUploadAtlas, -1, err); err != nil {
			return err
		}
	}

	e.state = Rendering
	if e.sensors != nil {
		if video, depth, ok := e.sensors.Frames(); ok {
			if err := e.check(diag.SiteUploadVideo, -1, e.device.WriteBuffer(e.arena.Buffer(arena.RoleVideo), true, video)); err != nil {
				return err
			}
			if err := e.check(diag.SiteUploadDepth, -1, e.device.WriteBuffer(e.arena.Buffer(arena.RoleDepth), true, depth)); err != nil {
				return err
			}
		}
	}

	args := [numArgs]any{
		ArgWidth:    int32(width),
		ArgHeight:   int32(height),
		ArgImage:    e.arena.Buffer(arena.RoleImage),
		ArgState:    e.arena.Buffer(arena.RoleState),
		ArgVideo:    e.arena.Buffer(arena.RoleVideo),
		ArgDepth:    e.arena.Buffer(arena.RoleDepth),
		ArgTextures: e.arena.Buffer(arena.RoleAtlas),
		ArgOffset:   e.offset,
		ArgValue:    value,
		ArgTime:     e.timer,
	}
	if e.kernel == nil {
		// No frame without a kernel; the selector and timer stay put.
		return e.check(diag.SiteDispatch, -1, diag.NewStatusError("no kernel bound", diag.InvalidKernel))
	}
	for i, arg := range args {
		if err := e.check(diag.SiteSetArg, i, e.kernel.SetArg(i, arg)); err != nil {
			return err
		}
	}

	dispatchErr := e.device.Dispatch(e.kernel, nil, []int{width, height}, nil)
	if err := e.check(diag.SiteDispatch, -1, dispatchErr); err != nil {
		return err
	}

	if bitmap != nil {
		need := width * height * 4
		var err error
		if len(bitmap) < need {
			err = diag.NewStatusError("host bitmap shorter than image", diag.InvalidValue)
		} else {
			err = e.device.ReadBuffer(e.arena.Buffer(arena.RoleImage), false, bitmap[:need])
		}
		if err := e.check(diag.SiteReadImage, -1, err); err != nil {
			return err
		}
	}

	if err := e.check(diag.SiteFlush, -1, e.device.Flush()); err != nil {
		return err
	}
	if err := e.check(diag.SiteFinish, -1, e.device.Finish()); err != nil {
		return err
	}

	if dispatchErr == nil {
		e.offset = nextOffset(e.offset)
	}
	e.timer += TimerStep
	e.frames++
	e.metrics.ObserveFrame(time.Since(start))
	return nil
}

// nextOffset flips the ping-pong selector: unset -> 1, 0 -> 1, 1 -> 0.
func nextOffset(offset int32) int32 {
	if offset == 1 {
		return 0
	}
	return 1
}
