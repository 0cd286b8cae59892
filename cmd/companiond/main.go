// Package main is the entry point for the companion bridge server.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/companion-dev/companion/internal/bridge"
	"github.com/companion-dev/companion/internal/config"
	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/internal/launcher"
	"github.com/companion-dev/companion/internal/logging"
	"github.com/companion-dev/companion/internal/plugin"
	"github.com/companion-dev/companion/internal/repometa"
	"github.com/companion-dev/companion/internal/server"
	"github.com/companion-dev/companion/internal/storage"
	"github.com/companion-dev/companion/internal/store"
)

const version = "0.1.0"

var (
	flagPort      int
	flagDirectory string
	flagDataDir   string
	flagLogLevel  string
	flagPretty    bool
)

func main() {
	root := &cobra.Command{
		Use:     "companiond",
		Short:   "Session bridge between browsers and AI coding CLIs",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.Flags().IntVar(&flagPort, "port", 0, "server port")
	root.Flags().StringVar(&flagDirectory, "directory", "", "working directory for new sessions")
	root.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory for persisted sessions")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.Flags().BoolVar(&flagPretty, "pretty", false, "human-readable log output")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	_ = godotenv.Load()

	workDir := flagDirectory
	if workDir == "" {
		var err error
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Pretty:    flagPretty,
		LogToFile: cfg.LogToFile,
	})
	defer logging.Close()
	logging.Info().Str("version", version).Str("workDir", workDir).Msg("starting companion")

	sessionStore := store.New(storage.New(filepath.Join(cfg.DataDir, "state")), store.DefaultDebounce)
	resolver := repometa.NewGitResolver()
	bus := event.NewBus()
	defer bus.Close()

	opts := []bridge.Option{
		bridge.WithStore(sessionStore),
		bridge.WithResolver(resolver),
		bridge.WithBus(bus),
	}
	if bg := cfg.BashGuard; bg != nil {
		opts = append(opts, bridge.WithPluginManager(plugin.NewBashGuard(bg.Allow, bg.Deny)))
	}
	registry := bridge.NewRegistry(opts...)

	l := launcher.New(launcher.Config{Command: cfg.CLICommand, Dir: workDir}, registry)

	// Watch the working directory's branch so sessions rooted there learn
	// of checkouts without polling.
	if watcher, err := repometa.NewWatcher(resolver, workDir, func(branch string) {
		bus.Publish(event.Event{Type: event.BranchUpdated, Data: branch})
		for _, sess := range registry.Sessions() {
			if sess.State().Cwd == workDir {
				sess.RefreshRepoMetadata()
			}
		}
	}); err != nil {
		logging.Warn().Err(err).Msg("branch watcher unavailable")
	} else if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	// Bring persisted sessions back before accepting connections.
	if persisted, err := sessionStore.LoadAll(); err != nil {
		logging.Error().Err(err).Msg("failed to load persisted sessions")
	} else if len(persisted) > 0 {
		registry.Restore(persisted)
		logging.Info().Int("count", len(persisted)).Msg("restored sessions")
	}

	srv := server.New(&server.Config{
		Port:        cfg.Port,
		EnableCORS:  cfg.EnableCORS,
		ReadTimeout: 30 * time.Second,
	}, registry, bus, l)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	l.StopAll()
	registry.CloseAll()
	sessionStore.Close()
	return nil
}
