package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"clgol/internal/compute"
	"clgol/internal/config"
	"clgol/internal/directory"
	"clgol/internal/kernelwatch"
	"clgol/internal/logging"
	"clgol/internal/metrics"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// scene is the positional selection: device indices and image size.
type scene struct {
	platform int
	device   int
	width    int
	height   int
}

func parseScene(args []string) (scene, error) {
	if len(args) != 4 {
		return scene{}, xerrors.Errorf("want 4 arguments, got %d", len(args))
	}
	var v [4]int
	names := [4]string{"platform", "device", "width", "height"}
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return scene{}, xerrors.Errorf("%s %q is not a number", names[i], arg)
		}
		v[i] = n
	}
	s := scene{platform: v[0], device: v[1], width: v[2], height: v[3]}
	if s.platform < 0 || s.device < 0 {
		return scene{}, xerrors.New("platform and device must not be negative")
	}
	if s.width <= 0 || s.height <= 0 {
		return scene{}, xerrors.Errorf("invalid window size %dx%d", s.width, s.height)
	}
	return s, nil
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:     "clgol <platform> <device> <width> <height>",
		Short:   "Run an OpenCL cellular automaton in a window",
		Example: "  clgol 0 1 640 480\n  clgol devices",
		Args:    cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseScene(args)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), s, cfg)
		},
	}
	registerFlags(root.PersistentFlags(), v)
	root.AddCommand(newDevicesCommand(v))
	return root
}

func newDevicesCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List compute platforms and devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{Environment: cfg.LogEnv, Level: cfg.LogLevel, Name: "clgol"})
			if err != nil {
				return err
			}
			defer logger.Sync()

			entries, err := directory.New(compute.New(), logger).List()
			if err != nil {
				return err
			}
			table, err := directory.Table(entries)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func run(ctx context.Context, s scene, cfg config.Config) error {
	logger, err := logging.New(logging.Config{Environment: cfg.LogEnv, Level: cfg.LogLevel, Name: "clgol"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtime.GOMAXPROCS(runtime.NumCPU())
	if cfg.CPUProfile != "" {
		stop, err := startCPUProfile(cfg.CPUProfile)
		if err != nil {
			return err
		}
		defer stop()
		logger.Info("cpu profiling", zap.String("path", cfg.CPUProfile))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stop()
	}

	g := newGame(ctx, compute.New(), s, cfg, logger, m)
	defer g.Close()

	if cfg.Watch {
		w, err := kernelwatch.New(cfg.Kernel, kernelwatch.DefaultDebounce, logger.Named("kernelwatch"))
		if err != nil {
			return err
		}
		defer w.Close()
		reloads, err := w.Start(ctx)
		if err != nil {
			return err
		}
		g.reloads = reloads
	}

	ebiten.SetWindowSize(s.width, s.height)
	ebiten.SetWindowTitle(windowTitle)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	if err := ebiten.RunGame(g); err != nil && !errors.Is(err, ebiten.Termination) {
		return xerrors.Errorf("running window: %w", err)
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned stop function runs.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr), zap.String("path", metricsPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
