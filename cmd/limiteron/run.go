package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Kirky-X/limiteron/internal/engine"
	"github.com/Kirky-X/limiteron/pkg/cli"
	"github.com/Kirky-X/limiteron/pkg/config"
	"github.com/Kirky-X/limiteron/pkg/flow"
	"github.com/Kirky-X/limiteron/pkg/server"
	"github.com/Kirky-X/limiteron/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	watch         bool
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the admission server",
	Long: `Start the admission server with the specified configuration.

The server evaluates admission requests through the configured decision
chain and exposes ban administration, engine statistics, and Prometheus
metrics.

Examples:
  # Start with default config
  limiteron run

  # Start with custom config
  limiteron run --config /etc/limiteron/config.yaml

  # Override listen address
  limiteron run --listen 0.0.0.0:8080

  # Reload configuration on file changes
  limiteron run --watch

  # Validate config without starting the server
  limiteron run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "reload configuration on file changes")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if _, err := logging.Setup(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	}); err != nil {
		return cli.NewConfigError("logging", err.Error())
	}

	if runFlags.dryRun {
		fmt.Println("configuration valid")
		return nil
	}

	ctx := cli.SetupSignalHandler()

	var metrics *flow.Metrics
	if *cfg.Metrics.Enabled {
		metrics = flow.NewMetrics()
	}

	eng, err := engine.Build(ctx, cfg, metrics)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer eng.Close()

	metricsPath := ""
	if *cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv, err := server.NewServer(&cfg.Server, server.Options{
		Governor:    eng.Governor,
		BanManager:  eng.BanManager,
		MetricsPath: metricsPath,
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	if runFlags.watch {
		stopWatch, err := watchConfig(ctx, srv, eng, metrics)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		defer stopWatch()
	}

	slog.Info("limiteron starting",
		"version", Version,
		"config", cfgFile,
		"listen", cfg.Server.ListenAddress)

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	return nil
}

// watchConfig rebuilds the engine on configuration changes and swaps it
// into the running server. The replaced engine closes after the swap.
func watchConfig(ctx context.Context, srv *server.Server, initial *engine.Engine, metrics *flow.Metrics) (func(), error) {
	watcher, err := config.NewFileWatcher(cfgFile, slog.Default())
	if err != nil {
		return nil, err
	}

	swapper := &engineSwapper{srv: srv, current: initial}
	go func() {
		err := watcher.Watch(ctx, func(cfg *config.Config) {
			next, err := engine.Build(ctx, cfg, metrics)
			if err != nil {
				slog.Error("engine rebuild failed, keeping previous", "error", err)
				return
			}
			swapper.swap(next)
			slog.Info("engine rebuilt from configuration change")
		})
		if err != nil {
			slog.Error("configuration watcher exited", "error", err)
		}
	}()

	return func() { _ = watcher.Stop() }, nil
}

// engineSwapper serializes engine replacement. Reload callbacks fire on
// debounce timer goroutines, so overlapping reloads would otherwise race
// on the current engine and could close one twice.
type engineSwapper struct {
	mu      sync.Mutex
	srv     *server.Server
	current *engine.Engine
}

func (s *engineSwapper) swap(next *engine.Engine) {
	s.mu.Lock()
	s.srv.SwapEngine(next.Governor, next.BanManager)
	old := s.current
	s.current = next
	s.mu.Unlock()
	old.Close()
}
