package directory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"clgol/internal/compute"
	"clgol/internal/compute/computetest"
	"clgol/internal/diag"
)

func newObserved() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestSelect(t *testing.T) {
	backend := computetest.SingleGPU("Fake GPU")
	log, logs := newObserved()

	dev, err := New(backend, log).Select(0, 0)
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "Fake GPU", dev.Info().Name)

	entries := logs.FilterMessageSnippet("selected compute device").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "Fake GPU")
	assert.Contains(t, entries[0].Message, "FULL_PROFILE")
}

func TestSelectOutOfRange(t *testing.T) {
	tests := []struct {
		name             string
		platform, device int
	}{
		{"platform too large", 1, 0},
		{"negative platform", -1, 0},
		{"device too large", 0, 3},
		{"negative device", 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, logs := newObserved()
			dev, err := New(computetest.SingleGPU("gpu"), log).Select(tt.platform, tt.device)
			assert.Nil(t, dev)
			assert.True(t, errors.Is(err, diag.ErrDeviceUnavailable))
			assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
		})
	}
}

func TestSelectEnumerationFailure(t *testing.T) {
	backend := computetest.SingleGPU("gpu")
	backend.EnumErr = diag.NewStatusError("clGetPlatformIDs", diag.PlatformNotFoundKHR)
	log, logs := newObserved()

	dev, err := New(backend, log).Select(0, 0)
	assert.Nil(t, dev)
	assert.ErrorIs(t, err, diag.ErrDeviceUnavailable)
	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "CL_PLATFORM_NOT_FOUND_KHR", entries[0].ContextMap()["status"])
}

func TestSelectOpenFailure(t *testing.T) {
	backend := computetest.SingleGPU("gpu")
	backend.OpenErr = diag.NewStatusError("clCreateContext", diag.OutOfHostMemory)

	dev, err := New(backend, nil).Select(0, 0)
	assert.Nil(t, dev)
	assert.ErrorIs(t, err, diag.ErrDeviceUnavailable)
}

func TestEnumerationIsBounded(t *testing.T) {
	var platforms []computetest.Platform
	for i := 0; i < MaxPlatforms+3; i++ {
		p := computetest.Platform{Info: compute.PlatformInfo{Name: "p"}}
		for j := 0; j < MaxDevices+2; j++ {
			p.Devices = append(p.Devices, compute.DeviceInfo{Name: "d", Type: compute.TypeCPU})
		}
		platforms = append(platforms, p)
	}
	dir := New(computetest.NewBackend(platforms...), nil)

	entries, err := dir.List()
	require.NoError(t, err)
	assert.Len(t, entries, MaxPlatforms*MaxDevices)

	_, err = dir.Select(MaxPlatforms, 0)
	assert.ErrorIs(t, err, diag.ErrDeviceUnavailable)
	_, err = dir.Select(0, MaxDevices)
	assert.ErrorIs(t, err, diag.ErrDeviceUnavailable)
}

func TestReport(t *testing.T) {
	report, err := Report(
		compute.PlatformInfo{Name: "Platform X", Version: "OpenCL 3.0"},
		compute.DeviceInfo{Name: "Device Y", Type: compute.TypeCPU | compute.TypeGPU, MaxWorkItemSizes: []int{1024, 1024, 64}},
	)
	require.NoError(t, err)
	assert.Contains(t, report, "Platform X")
	assert.Contains(t, report, "Device Y")
	assert.Contains(t, report, "CPU|GPU")
	assert.Contains(t, report, "1024 x 1024 x 64")

	table, err := Table([]Entry{{Platform: compute.PlatformInfo{Name: "Platform X"}, Device: compute.DeviceInfo{Name: "Device Y"}}})
	require.NoError(t, err)
	assert.Contains(t, table, "Device Y")
}
