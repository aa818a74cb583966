package main

import "time"

// Demo application constants.
const (
	windowTitle      = "OpenCL GameOfLife"
	transparencyStep = 0.01
	// textureCount is the number of numbered bitmaps (001.bmp ... 018.bmp)
	// the texture directory is expected to hold.
	textureCount      = 18
	textureNameFormat = "%03d.bmp"
	titleInterval     = time.Second
	metricsPath       = "/metrics"
	shutdownTimeout   = 2 * time.Second
)
