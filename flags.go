package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"clgol/internal/atlas"
	"clgol/internal/config"
)

// registerFlags defines the persistent flags and binds each one to v, so a
// flag left unset falls back to CLGOL_* variables and the config file.
func registerFlags(fs *pflag.FlagSet, v *viper.Viper) {
	g := atlas.DefaultGeometry()

	// config names an optional YAML, TOML or JSON file with the same keys.
	fs.String(config.KeyConfig, "", "read settings from this config file")

	// Program sources.
	fs.String(config.KeyKernel, "", "kernel source file (default: built-in sample)")
	fs.String(config.KeyBuildOptions, "", "options passed to the program build")
	fs.String(config.KeyBinary, "", "program binary cache path")
	fs.Bool(config.KeyBinaryLoad, false, "load the program from --binary instead of compiling (fake backend only: the OpenCL binding lacks clCreateProgramWithBinary)")
	fs.Bool(config.KeyWatch, false, "rebuild the program when the --kernel file changes")

	// Textures.
	fs.StringSlice(config.KeyTextures, nil, "bitmap for the next atlas slot (repeatable)")
	fs.String(config.KeyTextureDir, "textures", "directory with numbered bitmaps, one picked at random")
	fs.Int(config.KeyBlockWidth, g.BlockWidth, "atlas block width in texels")
	fs.Int(config.KeyBlockHeight, g.BlockHeight, "atlas block height in texels")
	fs.Int(config.KeySlots, g.Slots, "atlas slots")

	// transparency is the initial value argument; Q and A adjust it.
	fs.Float64(config.KeyTransparency, config.DefaultTransparency, "initial transparency (0-1)")

	fs.String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	fs.String(config.KeyLogEnv, "development", "log encoding: development (console) or production (JSON)")
	fs.String(config.KeyMetricsAddr, "", "serve prometheus metrics on this address, e.g. :9090")
	fs.String(config.KeyCPUProfile, "", "write a CPU profile to this file")

	// debug enables the FPS and frame state overlay.
	fs.Bool(config.KeyDebug, false, "show FPS and frame state overlay")

	_ = v.BindPFlags(fs)
}
