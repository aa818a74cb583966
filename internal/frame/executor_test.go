package frame

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"clgol/internal/arena"
	"clgol/internal/atlas"
	"clgol/internal/compute"
	"clgol/internal/compute/computetest"
	"clgol/internal/diag"
	"clgol/internal/metrics"
)

const (
	testWidth  = 16
	testHeight = 8
)

var testGeometry = atlas.Geometry{BlockWidth: 8, BlockHeight: 4, Slots: 2}

type fixture struct {
	dev    *computetest.Device
	kernel *computetest.Kernel
	arena  *arena.Arena
	atlas  *atlas.Atlas
	logs   *observer.ObservedLogs
	log    *zap.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := computetest.NewDevice(compute.DeviceInfo{Name: "Fake GPU"})
	prog, err := dev.CreateProgram("__kernel void main_kernel(int w) {}")
	require.NoError(t, err)
	require.NoError(t, prog.Build(""))
	k, err := prog.CreateKernel("main_kernel")
	require.NoError(t, err)

	a := arena.New(dev, testGeometry.Bytes(), nil)
	require.NoError(t, a.Initialize(testWidth, testHeight))
	at, err := atlas.New(testGeometry, nil)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	dev.Reset()
	return &fixture{dev: dev, kernel: k.(*computetest.Kernel), arena: a, atlas: at, logs: logs, log: zap.New(core)}
}

func (f *fixture) executor(opts ...Option) *Executor {
	return New(f.dev, f.kernel, f.arena, f.atlas, f.log, opts...)
}

func TestOffsetSequence(t *testing.T) {
	for _, value := range []float32{0, 0.5, 1, -3} {
		f := newFixture(t)
		e := f.executor()
		assert.Equal(t, OffsetUnset, e.Offset())

		var bound, after []int32
		for i := 0; i < 5; i++ {
			require.NoError(t, e.Render(testWidth, testHeight, nil, value))
			bound = append(bound, f.kernel.Arg(ArgOffset).(int32))
			after = append(after, e.Offset())
		}
		assert.Equal(t, []int32{-1, 1, 0, 1, 0}, bound, "value %v", value)
		assert.Equal(t, []int32{1, 0, 1, 0, 1}, after, "value %v", value)
	}
}

func TestTimerAdvances(t *testing.T) {
	f := newFixture(t)
	e := f.executor()

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
		assert.InDelta(t, float32(i)*0.1, f.kernel.Arg(ArgTime).(float32), 1e-4, "timer is bound before it advances")
	}
	assert.InDelta(t, 0.1*n, e.Timer(), 1e-4)
	assert.Equal(t, uint64(n), e.Frames())
}

func TestAtlasUploadedOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.atlas.SetTexture(1, make([]byte, testGeometry.Texels()*atlas.SourceChannels)))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := f.executor(WithMetrics(m))
	assert.False(t, e.AtlasUploaded())

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
	}

	writes := f.dev.Calls(computetest.OpWrite)
	require.Len(t, writes, 1)
	assert.True(t, writes[0].Blocking)
	assert.Equal(t, testGeometry.Bytes(), writes[0].Bytes)
	assert.Same(t, f.arena.Buffer(arena.RoleAtlas), writes[0].Buffer)
	assert.True(t, e.AtlasUploaded())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AtlasUploads))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Frames))
}

func TestAtlasUploadFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.dev.Fail(computetest.OpWrite, diag.OutOfResources)
	e := f.executor()

	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))

	assert.Equal(t, 1, f.dev.Count(computetest.OpWrite))
	assert.Equal(t, 1, f.logs.FilterField(zap.String("site", "upload_atlas")).Len())
}

func TestArgumentBinding(t *testing.T) {
	f := newFixture(t)
	e := f.executor()

	require.NoError(t, e.Render(testWidth, testHeight, nil, 0.75))

	assert.Equal(t, int32(testWidth), f.kernel.Arg(ArgWidth))
	assert.Equal(t, int32(testHeight), f.kernel.Arg(ArgHeight))
	assert.Same(t, f.arena.Buffer(arena.RoleImage), f.kernel.Arg(ArgImage))
	assert.Same(t, f.arena.Buffer(arena.RoleState), f.kernel.Arg(ArgState))
	assert.Same(t, f.arena.Buffer(arena.RoleVideo), f.kernel.Arg(ArgVideo))
	assert.Same(t, f.arena.Buffer(arena.RoleDepth), f.kernel.Arg(ArgDepth))
	assert.Same(t, f.arena.Buffer(arena.RoleAtlas), f.kernel.Arg(ArgTextures))
	assert.Equal(t, float32(0.75), f.kernel.Arg(ArgValue))

	calls := f.dev.Calls(computetest.OpSetArg)
	require.Len(t, calls, 10)
	for i, c := range calls {
		assert.Equal(t, i, c.Index)
	}
}

func TestDispatchDomain(t *testing.T) {
	f := newFixture(t)
	e := f.executor()

	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))

	calls := f.dev.Calls(computetest.OpDispatch)
	require.Len(t, calls, 1)
	assert.Equal(t, []int{testWidth, testHeight}, calls[0].Global)
	assert.Nil(t, calls[0].Local)
}

func TestReadback(t *testing.T) {
	f := newFixture(t)
	f.dev.OnDispatch = func(k *computetest.Kernel, global []int) {
		img := k.Arg(ArgImage).(*computetest.Buffer)
		for i := range img.Data {
			img.Data[i] = byte(i%251) + 1
		}
	}
	e := f.executor()
	bitmap := make([]byte, testWidth*testHeight*4)

	require.NoError(t, e.Render(testWidth, testHeight, bitmap, 0))

	for i, b := range bitmap {
		require.Equal(t, byte(i%251)+1, b, "byte %d", i)
	}
	reads := f.dev.Calls(computetest.OpRead)
	require.Len(t, reads, 1)
	assert.False(t, reads[0].Blocking)
	assert.Equal(t, testWidth*testHeight*4, reads[0].Bytes)
	assert.Equal(t, 1, f.dev.Count(computetest.OpFlush))
	assert.Equal(t, 1, f.dev.Count(computetest.OpFinish))
}

func TestNoReadbackWithoutBitmap(t *testing.T) {
	f := newFixture(t)
	e := f.executor()

	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))

	assert.Zero(t, f.dev.Count(computetest.OpRead))
	assert.Equal(t, 1, f.dev.Count(computetest.OpFlush))
	assert.Equal(t, 1, f.dev.Count(computetest.OpFinish))
}

func TestEveryFrameEndsWithBarrier(t *testing.T) {
	f := newFixture(t)
	e := f.executor()

	for i := 1; i <= 3; i++ {
		require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
		assert.Equal(t, i, f.dev.Count(computetest.OpDispatch))
		assert.Equal(t, i, f.dev.Count(computetest.OpFlush), "frame %d", i)
		assert.Equal(t, i, f.dev.Count(computetest.OpFinish), "frame %d", i)
	}
	assert.Zero(t, f.dev.Count(computetest.OpRead))
}

func TestRenderWithoutKernel(t *testing.T) {
	f := newFixture(t)
	e := New(f.dev, nil, f.arena, f.atlas, f.log)

	require.NotPanics(t, func() {
		require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
	})
	assert.Zero(t, f.dev.Count(computetest.OpDispatch))
	assert.Zero(t, f.dev.Count(computetest.OpFinish))
	assert.Equal(t, OffsetUnset, e.Offset())
	assert.Zero(t, e.Timer())
	assert.Zero(t, e.Frames())
	assert.Equal(t, Idle, e.State())

	entries := f.logs.FilterField(zap.String("site", "dispatch")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "CL_INVALID_KERNEL", entries[0].ContextMap()["status"])
}

func TestRenderAfterKernelClearedAborts(t *testing.T) {
	f := newFixture(t)
	e := f.executor(WithPolicy(diag.SiteDispatch, AbortFrame))
	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
	e.SetKernel(nil)

	var err error
	require.NotPanics(t, func() { err = e.Render(testWidth, testHeight, nil, 0) })

	var ce *diag.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, diag.SiteDispatch, ce.Site)
	assert.Equal(t, diag.InvalidKernel, ce.Code)
	assert.Equal(t, 1, f.dev.Count(computetest.OpDispatch))
	assert.Equal(t, int32(1), e.Offset())
	assert.Equal(t, uint64(1), e.Frames())
}

func TestShortBitmapIsNotOverrun(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	bitmap := make([]byte, 10)

	require.NoError(t, e.Render(testWidth, testHeight, bitmap, 0))

	assert.Zero(t, f.dev.Count(computetest.OpRead))
	entries := f.logs.FilterField(zap.String("site", "read_image")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "CL_INVALID_VALUE", entries[0].ContextMap()["status"])
	assert.Equal(t, 1, f.dev.Count(computetest.OpFinish), "frame still completes")
}

func TestOversizeRenderIsPassedThrough(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	w, h := testWidth*2, testHeight*2
	bitmap := make([]byte, w*h*4)

	require.NoError(t, e.Render(w, h, bitmap, 0))

	dispatch := f.dev.Calls(computetest.OpDispatch)
	require.Len(t, dispatch, 1)
	assert.Equal(t, []int{w, h}, dispatch[0].Global, "domain is not clamped")
	reads := f.dev.Calls(computetest.OpRead)
	require.Len(t, reads, 1)
	assert.Equal(t, w*h*4, reads[0].Bytes)
	assert.Equal(t, 1, f.logs.FilterField(zap.String("site", "read_image")).Len())
}

func TestFailingCallDoesNotAbortFrame(t *testing.T) {
	sites := []struct {
		op   computetest.Op
		site string
	}{
		{computetest.OpSetArg, "set_arg"},
		{computetest.OpRead, "read_image"},
		{computetest.OpFlush, "flush"},
		{computetest.OpFinish, "finish"},
	}
	for _, tt := range sites {
		t.Run(tt.site, func(t *testing.T) {
			f := newFixture(t)
			f.dev.FailNth(tt.op, 1, diag.InvalidCommandQueue)
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			e := f.executor(WithMetrics(m))

			require.NoError(t, e.Render(testWidth, testHeight, make([]byte, testWidth*testHeight*4), 0))

			assert.Equal(t, 1, f.dev.Count(computetest.OpDispatch))
			assert.Equal(t, 1, f.dev.Count(computetest.OpFinish))
			assert.Equal(t, int32(1), e.Offset())
			assert.InDelta(t, 0.1, e.Timer(), 1e-6)
			assert.Equal(t, Idle, e.State())
			assert.Equal(t, 1.0, testutil.ToFloat64(m.CallFailures.WithLabelValues(tt.site)))

			entries := f.logs.FilterField(zap.String("site", tt.site)).All()
			require.Len(t, entries, 1)
			assert.Equal(t, "CL_INVALID_COMMAND_QUEUE", entries[0].ContextMap()["status"])
		})
	}
}

func TestFailedDispatchKeepsSelector(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
	require.Equal(t, int32(1), e.Offset())

	f.dev.Fail(computetest.OpDispatch, diag.OutOfResources)
	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))

	assert.Equal(t, int32(1), e.Offset())
	assert.InDelta(t, 0.2, e.Timer(), 1e-6)
}

func TestAbortPolicy(t *testing.T) {
	f := newFixture(t)
	f.dev.Fail(computetest.OpDispatch, diag.InvalidWorkGroupSize)
	e := f.executor(WithPolicy(diag.SiteDispatch, AbortFrame))

	err := e.Render(testWidth, testHeight, make([]byte, testWidth*testHeight*4), 0)

	var ce *diag.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, diag.SiteDispatch, ce.Site)
	assert.Equal(t, diag.InvalidWorkGroupSize, ce.Code)
	assert.Equal(t, OffsetUnset, e.Offset())
	assert.Zero(t, e.Timer())
	assert.Zero(t, e.Frames())
	assert.Zero(t, f.dev.Count(computetest.OpRead))
	assert.Equal(t, Idle, e.State())
}

func TestSetArgAbortReportsIndex(t *testing.T) {
	f := newFixture(t)
	f.dev.FailNth(computetest.OpSetArg, ArgValue+1, diag.InvalidArgSize)
	e := f.executor(WithPolicy(diag.SiteSetArg, AbortFrame))

	err := e.Render(testWidth, testHeight, nil, 0)

	var ce *diag.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ArgValue, ce.Index)
	assert.Zero(t, f.dev.Count(computetest.OpDispatch))
}

type sensorStub struct {
	video, depth []byte
	ok           bool
	calls        int
}

func (s *sensorStub) Frames() ([]byte, []byte, bool) {
	s.calls++
	return s.video, s.depth, s.ok
}

func TestSensorUpload(t *testing.T) {
	f := newFixture(t)
	sensors := &sensorStub{
		video: make([]byte, arena.VideoBytes),
		depth: make([]byte, arena.DepthBytes),
		ok:    true,
	}
	e := f.executor(WithSensors(sensors))

	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
	writes := f.dev.Calls(computetest.OpWrite)
	require.Len(t, writes, 3)
	assert.Same(t, f.arena.Buffer(arena.RoleVideo), writes[1].Buffer)
	assert.Equal(t, arena.VideoBytes, writes[1].Bytes)
	assert.Same(t, f.arena.Buffer(arena.RoleDepth), writes[2].Buffer)
	assert.Equal(t, arena.DepthBytes, writes[2].Bytes)

	sensors.ok = false
	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))
	assert.Len(t, f.dev.Calls(computetest.OpWrite), 3)
	assert.Equal(t, 2, sensors.calls)
}

func TestSetKernelKeepsFrameState(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))

	prog, err := f.dev.CreateProgram("__kernel void main_kernel(int w) {}")
	require.NoError(t, err)
	require.NoError(t, prog.Build(""))
	k, err := prog.CreateKernel("main_kernel")
	require.NoError(t, err)
	e.SetKernel(k)
	require.NoError(t, e.Render(testWidth, testHeight, nil, 0))

	assert.Equal(t, int32(1), k.(*computetest.Kernel).Arg(ArgOffset))
	assert.Equal(t, int32(0), e.Offset())
}
