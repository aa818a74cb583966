package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"go.uber.org/zap"

	"clgol/internal/compiler"
	"clgol/internal/compute"
	"clgol/internal/config"
	"clgol/internal/metrics"
	"clgol/internal/pipeline"
)

// Game drives one pipeline from the ebiten update loop.
type Game struct {
	ctx     context.Context
	backend compute.Backend
	scene   scene
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	rng     *rand.Rand

	pipeline     *pipeline.Pipeline
	program      compiler.Request
	pixels       []byte
	transparency float32

	// reloads delivers kernel source changes when --watch is set.
	reloads <-chan string

	lastRender time.Duration
	lastTitle  time.Time
}

// newGame builds the first pipeline. A failed pipeline is logged and the
// window still opens; R retries.
func newGame(ctx context.Context, backend compute.Backend, s scene, cfg config.Config, log *zap.Logger, m *metrics.Metrics) *Game {
	g := &Game{
		ctx:          ctx,
		backend:      backend,
		scene:        s,
		cfg:          cfg,
		log:          log,
		metrics:      m,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		program:      programRequest(cfg),
		pixels:       make([]byte, s.width*s.height*4),
		transparency: float32(cfg.Transparency),
	}
	g.reset()
	return g
}

// programRequest adds the atlas geometry to the build options so kernels
// can address texture blocks.
func programRequest(cfg config.Config) compiler.Request {
	req := cfg.Program(builtinKernel)
	if req.Kind != compiler.FromBinary {
		defines := fmt.Sprintf("-DBLOCK_WIDTH=%d -DBLOCK_HEIGHT=%d", cfg.Atlas.BlockWidth, cfg.Atlas.BlockHeight)
		if req.Options != "" {
			defines = req.Options + " " + defines
		}
		req.Options = defines
	}
	return req
}

// reset tears the pipeline down and builds a new one with fresh state and
// textures.
func (g *Game) reset() {
	if g.pipeline != nil {
		g.pipeline.Close()
	}
	g.pipeline = pipeline.New(g.ctx, g.backend, pipeline.Options{
		Platform: g.scene.platform,
		Device:   g.scene.device,
		Width:    g.scene.width,
		Height:   g.scene.height,
		Program:  g.program,
		Atlas:    g.cfg.Atlas,
		Textures: g.textures(),
	}, g.log.Named("pipeline"), g.metrics)
	if g.pipeline.Valid() {
		g.log.Info("scene ready", zap.String("device", g.pipeline.DeviceName()))
	}
}

// textures returns the configured bitmaps, or one picked at random from the
// texture directory.
func (g *Game) textures() []string {
	if len(g.cfg.Textures) > 0 {
		return g.cfg.Textures
	}
	if path := pickTexture(g.cfg.TextureDir, g.rng); path != "" {
		return []string{path}
	}
	return nil
}

func pickTexture(dir string, rng *rand.Rand) string {
	if dir == "" {
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf(textureNameFormat, 1+rng.Intn(textureCount)))
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Update handles input, applies pending kernel reloads and renders a frame.
func (g *Game) Update() error {
	if quitPressed() {
		return ebiten.Termination
	}
	g.handleKeys()
	g.applyReload()

	if !g.pipeline.Valid() {
		return nil
	}
	start := time.Now()
	if err := g.pipeline.Render(g.scene.width, g.scene.height, g.pixels, g.transparency); err != nil {
		g.log.Warn("frame aborted", zap.Error(err))
	}
	g.lastRender = time.Since(start)
	return nil
}

func quitPressed() bool {
	for _, k := range []ebiten.Key{ebiten.KeyEscape, ebiten.KeyEnter, ebiten.KeyNumpadEnter, ebiten.KeyX} {
		if inpututil.IsKeyJustPressed(k) {
			return true
		}
	}
	return false
}

func (g *Game) handleKeys() {
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		g.log.Info("resetting scene")
		g.reset()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyQ) {
		g.transparency = adjustTransparency(g.transparency, transparencyStep)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyA) {
		g.transparency = adjustTransparency(g.transparency, -transparencyStep)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF) {
		ebiten.SetFullscreen(!ebiten.IsFullscreen())
	}
}

// adjustTransparency adds delta and clamps the result to [0,1].
func adjustTransparency(v, delta float32) float32 {
	v += delta
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func (g *Game) applyReload() {
	if g.reloads == nil {
		return
	}
	select {
	case path, ok := <-g.reloads:
		if !ok {
			g.reloads = nil
			return
		}
		if err := g.pipeline.Recompile(g.program); err != nil {
			g.log.Error("kernel reload failed", zap.String("path", path), zap.Error(err))
			return
		}
		g.log.Info("kernel reloaded", zap.String("path", path))
	default:
	}
}

// Close releases the pipeline.
func (g *Game) Close() {
	if g.pipeline != nil {
		g.pipeline.Close()
	}
}
