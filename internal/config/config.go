// Package config resolves the renderer settings from flags, CLGOL_*
// environment variables and an optional config file.
package config

import (
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"clgol/internal/atlas"
	"clgol/internal/compiler"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CLGOL_LOG_LEVEL or CLGOL_ATLAS_SLOTS.
const EnvPrefix = "CLGOL"

// Keys shared by the flag set and the config file.
const (
	KeyConfig       = "config"
	KeyKernel       = "kernel"
	KeyBuildOptions = "build-options"
	KeyBinary       = "binary"
	KeyBinaryLoad   = "binary-load"
	KeyWatch        = "watch"
	KeyTextures     = "texture"
	KeyTextureDir   = "texture-dir"
	KeyTransparency = "transparency"
	KeyLogLevel     = "log-level"
	KeyLogEnv       = "log-env"
	KeyMetricsAddr  = "metrics-addr"
	KeyCPUProfile   = "cpu-profile"
	KeyDebug        = "debug"
	KeyBlockWidth   = "atlas.block-width"
	KeyBlockHeight  = "atlas.block-height"
	KeySlots        = "atlas.slots"
)

// DefaultTransparency is the initial value handed to the kernel.
const DefaultTransparency = 0.1

// ErrInvalid wraps every validation failure.
var ErrInvalid = xerrors.New("invalid configuration")

// Config holds the resolved settings.
type Config struct {
	// Kernel is the source file; empty selects the built-in sample.
	Kernel       string
	BuildOptions string
	// Binary is the program binary cache path, or with BinaryLoad the
	// binary to load instead of compiling.
	Binary     string
	BinaryLoad bool
	Watch      bool

	Textures     []string
	TextureDir   string
	Transparency float64
	Atlas        atlas.Geometry

	LogLevel    string
	LogEnv      string
	MetricsAddr string
	CPUProfile  string
	Debug       bool
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	g := atlas.DefaultGeometry()
	v.SetDefault(KeyTextureDir, "textures")
	v.SetDefault(KeyTransparency, DefaultTransparency)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogEnv, "development")
	v.SetDefault(KeyBlockWidth, g.BlockWidth)
	v.SetDefault(KeyBlockHeight, g.BlockHeight)
	v.SetDefault(KeySlots, g.Slots)
}

// Load reads v, which may already have flags bound, together with the
// environment and the config file named by the "config" key.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, xerrors.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		Kernel:       v.GetString(KeyKernel),
		BuildOptions: v.GetString(KeyBuildOptions),
		Binary:       v.GetString(KeyBinary),
		BinaryLoad:   v.GetBool(KeyBinaryLoad),
		Watch:        v.GetBool(KeyWatch),
		Textures:     v.GetStringSlice(KeyTextures),
		TextureDir:   v.GetString(KeyTextureDir),
		Transparency: v.GetFloat64(KeyTransparency),
		Atlas: atlas.Geometry{
			BlockWidth:  v.GetInt(KeyBlockWidth),
			BlockHeight: v.GetInt(KeyBlockHeight),
			Slots:       v.GetInt(KeySlots),
		},
		LogLevel:    v.GetString(KeyLogLevel),
		LogEnv:      v.GetString(KeyLogEnv),
		MetricsAddr: v.GetString(KeyMetricsAddr),
		CPUProfile:  v.GetString(KeyCPUProfile),
		Debug:       v.GetBool(KeyDebug),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Transparency < 0 || c.Transparency > 1 {
		return xerrors.Errorf("transparency %v outside [0,1]: %w", c.Transparency, ErrInvalid)
	}
	if err := c.Atlas.Validate(); err != nil {
		return xerrors.Errorf("atlas: %v: %w", err, ErrInvalid)
	}
	if c.BinaryLoad && c.Binary == "" {
		return xerrors.Errorf("binary-load needs a binary path: %w", ErrInvalid)
	}
	if c.Watch && (c.Kernel == "" || c.BinaryLoad) {
		return xerrors.Errorf("watch needs a kernel source file: %w", ErrInvalid)
	}
	return nil
}

// Program returns the compilation request. builtin is compiled when no
// kernel file is configured.
func (c Config) Program(builtin string) compiler.Request {
	switch {
	case c.BinaryLoad:
		return compiler.Request{Kind: compiler.FromBinary, Source: c.Binary}
	case c.Kernel == "":
		return compiler.Request{Kind: compiler.FromText, Source: builtin, Options: c.BuildOptions, BinaryPath: c.Binary}
	}
	return compiler.Request{Kind: compiler.FromFile, Source: c.Kernel, Options: c.BuildOptions, BinaryPath: c.Binary}
}
