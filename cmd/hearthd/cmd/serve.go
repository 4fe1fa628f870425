package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hearthd/hearth/internal/adapter/inbound/admin"
	"github.com/hearthd/hearth/internal/adapter/inbound/tcp"
	"github.com/hearthd/hearth/internal/adapter/outbound/sqlite"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/domain/access"
	"github.com/hearthd/hearth/internal/domain/session"
	"github.com/hearthd/hearth/internal/port/inbound"
	"github.com/hearthd/hearth/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the hearthd server.

The listener, session engine and handler chain are configured from the
loaded config. With admin.key_hash set, the administrative surface is
reachable under /_hearth/admin/ through the same listener.

Examples:
  # Start with config file settings
  hearthd serve

  # Start with a specific config file
  hearthd --config /path/to/hearthd.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("hearthd stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	engineOpts := []session.EngineOption{
		session.WithLogger(logger),
		session.WithSecureFallback(cfg.Sessions.SecureFallback),
	}

	var store *sqlite.Store
	if cfg.Sessions.StorePath != "" {
		var err error
		store, err = sqlite.Open(cfg.Sessions.StorePath, sqlite.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer func() { _ = store.Close() }()
		engineOpts = append(engineOpts, session.WithPersistentStore(store))
		logger.Info("persistent session store opened", "path", cfg.Sessions.StorePath)
	} else {
		logger.Warn("no session store configured, persistent sessions degrade to volatile")
	}

	engine := session.NewEngine(engineOpts...)
	if err := applySessionDefaults(engine, cfg.Sessions); err != nil {
		return fmt.Errorf("failed to configure session defaults: %w", err)
	}
	engine.Seal()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(registry, engine)

	var checker *access.Checker
	if len(cfg.Access) > 0 {
		specs := make([]access.RuleSpec, len(cfg.Access))
		for i, rule := range cfg.Access {
			specs[i] = access.RuleSpec{Expression: rule.Expression, Deny: rule.Deny}
		}
		var err error
		checker, err = access.NewChecker(specs)
		if err != nil {
			return fmt.Errorf("failed to compile access rules: %w", err)
		}
		logger.Info("access rules compiled", "rules", len(specs))
	}

	chain := []inbound.Handler{
		admin.NewHandler(engine,
			admin.WithMetricsGatherer(registry),
			admin.WithKeyHash(cfg.Admin.KeyHash),
			admin.WithLogger(logger),
			admin.WithVersion(Version),
		),
	}

	dispatcherOpts := []service.DispatcherOption{
		service.WithLogger(logger),
		service.WithMetrics(metrics),
	}
	if checker != nil {
		dispatcherOpts = append(dispatcherOpts, service.WithAccessChecker(checker))
	}
	dispatcher := service.NewDispatcher(engine, chain, dispatcherOpts...)

	serverOpts := []tcp.Option{
		tcp.WithLogger(logger),
		tcp.WithMetrics(metrics),
		tcp.WithMaxConns(cfg.Server.MaxConns),
		tcp.WithIdleTimeout(cfg.Server.IdleTimeout),
		tcp.WithMaxHeaderBytes(cfg.Server.MaxHeaderBytes),
		tcp.WithUploadDir(cfg.Uploads.Dir),
		tcp.WithMaxMemoryField(cfg.Uploads.MaxMemoryField),
	}
	if cfg.Server.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		serverOpts = append(serverOpts, tcp.WithTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	logger.Info("hearthd starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"tls", cfg.Server.TLSEnabled(),
		"max_conns", cfg.Server.MaxConns,
		"uploads", cfg.Uploads.Dir != "",
		"admin", cfg.Admin.KeyHash != "",
	)

	server := tcp.NewServer(cfg.Server.Addr, dispatcher, serverOpts...)
	return server.Serve(ctx)
}

// applySessionDefaults installs the configured kind-wide timeouts and
// group cap before the engine is sealed. A zero configured duration
// means the kind never expires by time.
func applySessionDefaults(engine *session.Engine, cfg config.SessionsConfig) error {
	kinds := []struct {
		kind session.Kind
		d    time.Duration
	}{
		{session.KindService, cfg.ServiceTimeout},
		{session.KindVolatileData, cfg.VolatileTimeout},
		{session.KindPersistentData, cfg.PersistentTimeout},
	}
	for _, k := range kinds {
		timeout := session.Never
		if k.d > 0 {
			timeout = session.After(k.d)
		}
		if err := engine.SetKindTimeout(k.kind, timeout); err != nil {
			return err
		}
	}
	if cfg.GroupCap > 0 {
		for _, kind := range session.Kinds {
			if err := engine.SetGroupCap(kind, cfg.GroupCap); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
