package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clgol/internal/atlas"
	"clgol/internal/compiler"
	"clgol/internal/compute/computetest"
	"clgol/internal/config"
)

func TestParseScene(t *testing.T) {
	s, err := parseScene([]string{"0", "1", "640", "480"})
	require.NoError(t, err)
	assert.Equal(t, scene{platform: 0, device: 1, width: 640, height: 480}, s)

	for _, args := range [][]string{
		{"0", "1", "640"},
		{"0", "gpu", "640", "480"},
		{"0", "0", "0", "480"},
		{"-1", "0", "640", "480"},
	} {
		_, err := parseScene(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestRootCommandNeedsFourArguments(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"0", "1"})

	assert.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), "Usage:")
}

func TestBinaryLoadHelpNamesBackendLimit(t *testing.T) {
	f := newRootCommand().PersistentFlags().Lookup(config.KeyBinaryLoad)
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, "fake backend only")
	assert.Contains(t, f.Usage, "clCreateProgramWithBinary")
}

func TestAdjustTransparency(t *testing.T) {
	assert.InDelta(t, 0.11, adjustTransparency(0.1, transparencyStep), 1e-6)
	assert.Equal(t, float32(1), adjustTransparency(0.995, transparencyStep))
	assert.Equal(t, float32(0), adjustTransparency(0.005, -transparencyStep))
}

func TestPickTexture(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	assert.Empty(t, pickTexture(dir, rng), "no bitmaps present")
	assert.Empty(t, pickTexture("", rng))

	for i := 1; i <= textureCount; i++ {
		name := filepath.Join(dir, fmt.Sprintf(textureNameFormat, i))
		require.NoError(t, os.WriteFile(name, []byte("BM"), 0o644))
	}
	got := pickTexture(dir, rng)
	assert.Equal(t, dir, filepath.Dir(got))
	assert.Regexp(t, `^0(0[1-9]|1[0-8])\.bmp$`, filepath.Base(got))
}

func TestProgramRequestAddsGeometry(t *testing.T) {
	cfg := config.Config{BuildOptions: "-cl-mad-enable", Atlas: atlas.Geometry{BlockWidth: 64, BlockHeight: 32, Slots: 1}}
	req := programRequest(cfg)
	assert.Equal(t, compiler.FromText, req.Kind)
	assert.Equal(t, builtinKernel, req.Source)
	assert.Equal(t, "-cl-mad-enable -DBLOCK_WIDTH=64 -DBLOCK_HEIGHT=32", req.Options)

	cfg.Binary, cfg.BinaryLoad = "life.bin", true
	assert.Empty(t, programRequest(cfg).Options)
}

func testConfig() config.Config {
	return config.Config{Transparency: 0.1, Atlas: atlas.Geometry{BlockWidth: 8, BlockHeight: 4, Slots: 2}}
}

func TestBuiltinKernelRenders(t *testing.T) {
	backend := computetest.SingleGPU("Fake GPU")
	g := newGame(context.Background(), backend, scene{width: 16, height: 8}, testConfig(), zap.NewNop(), nil)
	defer g.Close()

	require.True(t, g.pipeline.Valid(), "%v", g.pipeline.Err())
	assert.Equal(t, compiler.EntryPoint, g.pipeline.Program().Kernel.Name())
	require.NoError(t, g.pipeline.Render(16, 8, g.pixels, g.transparency))
	assert.Len(t, g.pixels, 16*8*4)
}

func TestResetBuildsFreshPipeline(t *testing.T) {
	backend := computetest.SingleGPU("Fake GPU")
	g := newGame(context.Background(), backend, scene{width: 16, height: 8}, testConfig(), zap.NewNop(), nil)
	defer g.Close()
	require.NoError(t, g.pipeline.Render(16, 8, nil, 0))

	g.reset()
	opened := backend.Opened()
	require.Len(t, opened, 2)
	assert.Equal(t, 1, opened[0].Released, "old device released")
	assert.Equal(t, int32(-1), g.pipeline.Executor().Offset(), "fresh frame state")
}

func TestApplyReload(t *testing.T) {
	backend := computetest.SingleGPU("Fake GPU")
	g := newGame(context.Background(), backend, scene{width: 16, height: 8}, testConfig(), zap.NewNop(), nil)
	defer g.Close()

	reloads := make(chan string, 1)
	g.reloads = reloads
	g.applyReload()
	assert.Len(t, backend.Last().Programs, 1, "nothing pending")

	reloads <- "main_kernel.cl"
	g.applyReload()
	programs := backend.Last().Programs
	require.Len(t, programs, 2)
	assert.Equal(t, 1, programs[0].Released)
	assert.True(t, g.pipeline.Valid())

	close(reloads)
	g.applyReload()
	assert.Nil(t, g.reloads)
}
