package main

import (
	"fmt"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
)

// Draw blits the last rendered frame and the optional overlays.
func (g *Game) Draw(screen *ebiten.Image) {
	if !g.pipeline.Valid() {
		ebitenutil.DebugPrint(screen, fmt.Sprintf("pipeline unavailable (R to retry)\n%v", g.pipeline.Err()))
		return
	}
	screen.WritePixels(g.pixels)

	if time.Since(g.lastTitle) >= titleInterval {
		ebiten.SetWindowTitle(fmt.Sprintf("%s (%.0f Fps)", windowTitle, ebiten.ActualFPS()))
		g.lastTitle = time.Now()
	}

	if g.cfg.Debug {
		exec := g.pipeline.Executor()
		debugMsg := fmt.Sprintf("FPS: %.1f (%.1f TPS)\nRender: %.2f ms\nFrame: %d offset %d timer %.1f\nTransparency: %.2f (Q/A)\nDevice: %s",
			ebiten.ActualFPS(), ebiten.ActualTPS(), g.lastRender.Seconds()*1000,
			exec.Frames(), exec.Offset(), exec.Timer(), g.transparency, g.pipeline.DeviceName())
		ebitenutil.DebugPrint(screen, debugMsg)
	}
}

// Layout reports the logical screen size used by Ebiten.
func (g *Game) Layout(_, _ int) (int, int) { return g.scene.width, g.scene.height }
