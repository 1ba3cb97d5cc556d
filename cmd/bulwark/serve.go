package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/isolation"
	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/metrics"
	"github.com/rendis/bulwark/internal/orchestrator"
	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/internal/store"
	"github.com/rendis/bulwark/internal/streaming"
	"github.com/rendis/bulwark/internal/validation"
	bulwarkmcp "github.com/rendis/bulwark/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine",
	Long: `Starts the engine with its HTTP surface (/healthz, /metrics, /v1/...), the
retention sweeper and the recovery scheduler. With --mcp the MCP tools are
served over stdio; with --simulate a synthetic workload is run.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("mcp", false, "Serve the MCP tools over stdio")
	serveCmd.Flags().Int("simulate", 0, "Run this many synthetic workflows after startup")
	serveCmd.Flags().Float64("failure-rate", 0.3, "Probability that a synthetic step fails")
	serveCmd.Flags().Int("concurrency", 8, "Synthetic workflows in flight")
}

// app holds everything serve wires together.
type app struct {
	cfg     Config
	logger  *slog.Logger
	hub     *streaming.MemoryHub
	durable *store.LibSQLStore
	redis   *store.RedisMirror
	states  *statestore.Store
	rec     *recovery.Service
	orch    *orchestrator.Orchestrator
}

func runServe(cmd *cobra.Command, _ []string) error {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	flagPath, _ := cmd.Flags().GetString("config")
	path, explicit := resolveConfigPath(flagPath, os.Getenv)
	cfg, result, err := loadConfig(path, explicit, validator, os.Getenv)
	if err != nil {
		if result != nil {
			fmt.Fprint(os.Stderr, formatIssues(result.Errors))
		}
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	for _, w := range result.Warnings {
		logger.Warn("config warning", slog.String("path", w.Path), slog.String("code", w.Code), slog.String("message", w.Message))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, validator, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	policies, err := loadPolicies(cfg)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	a.rec.SetPolicies(policies)

	if err := a.states.StartSweeper(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	if err := a.rec.Start(ctx); err != nil {
		return fmt.Errorf("start recovery scheduler: %w", err)
	}

	if a.durable != nil {
		events := store.NewEventLog(a.durable, logger)
		go func() {
			if err := events.Run(ctx, a.hub, streaming.EventFilter{}); err != nil {
				logger.Error("event log stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.PoliciesFile != "" {
		watcher := newPolicyWatcher(cfg.PoliciesFile, a.rec, policies, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("policy watcher stopped", slog.String("error", err.Error()))
			}
		}()
		go reloadOnHangup(ctx, watcher)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(a.orch, metrics.NewRegistry(a.orch)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	if useMCP, _ := cmd.Flags().GetBool("mcp"); useMCP {
		mcpSrv := bulwarkmcp.NewServer(bulwarkmcp.ServerDeps{
			Orchestrator: a.orch,
			Audit:        auditStore(a.durable),
			Archive:      archiveReader(a.durable, a.redis),
			Hub:          a.hub,
			Logger:       logger,
			Version:      version,
		})
		go func() { _ = mcpSrv.ForwardNotifications(ctx) }()
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil {
				logger.Error("mcp server stopped", slog.String("error", err.Error()))
			}
			stop()
		}()
	}

	if n, _ := cmd.Flags().GetInt("simulate"); n > 0 {
		rate, _ := cmd.Flags().GetFloat64("failure-rate")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		sim := newSimulator(rate, uint64(time.Now().UnixNano()), logger)
		if err := sim.Register(a.orch); err != nil {
			return err
		}
		go func() {
			if _, err := sim.Run(ctx, a.orch, n, concurrency); err != nil && ctx.Err() == nil {
				logger.Error("simulation failed", slog.String("error", err.Error()))
			}
		}()
	}

	select {
	case err := <-serverErrors:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown did not complete", slog.String("error", err.Error()))
		_ = srv.Close()
	}
	return nil
}

// buildApp wires stores, boundary, isolation, recovery and the orchestrator.
func buildApp(ctx context.Context, cfg Config, inputs orchestrator.InputValidator, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub(1024)}

	var mirrors []store.Mirror
	if cfg.DBPath != "" {
		durable, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := durable.Migrate(ctx); err != nil {
			_ = durable.Close()
			return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
		}
		a.durable = durable
		mirrors = append(mirrors, durable)
	}
	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		mirror := store.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			store.WithTTL(cfg.Redis.TTL), store.WithMaxSnapshots(cfg.Redis.MaxSnapshots))
		if err := mirror.Ping(ctx); err != nil {
			_ = mirror.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.redis = mirror
		mirrors = append(mirrors, mirror)
	}

	storeOpts := []statestore.Option{statestore.WithLogger(logger)}
	if len(mirrors) > 0 {
		storeOpts = append(storeOpts, statestore.WithMirror(store.Tee(mirrors...)))
	}
	states, err := statestore.New(cfg.StateStore, storeOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.states = states

	boundary := engine.NewBoundary(cfg.Boundary, engine.WithLogger(logger), engine.WithEventHub(a.hub))
	factory := isolation.NewFactory(
		isolation.WithFactoryClassifier(boundary.Classifier()),
		isolation.WithTypeLimits(cfg.Limits),
		isolation.WithFactoryLogger(logger),
	)

	recOpts := []recovery.Option{
		recovery.WithLogger(logger),
		recovery.WithErrorCounter(boundary.History()),
		recovery.WithEventHub(a.hub),
	}
	if a.durable != nil {
		recOpts = append(recOpts, recovery.WithAttemptLog(a.durable))
	}
	a.rec = recovery.NewService(states, cfg.Recovery, recOpts...)

	orch, err := orchestrator.New(cfg.Orchestrator, states, boundary, factory, a.rec,
		orchestrator.WithLogger(logger),
		orchestrator.WithEventHub(a.hub),
		orchestrator.WithInputValidator(inputs),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = orch
	return a, nil
}

// Close stops background work and releases the stores, in reverse wiring order.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.rec != nil {
		a.rec.Close()
	}
	if a.states != nil {
		a.states.StopSweeper()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.durable != nil {
		_ = a.durable.Close()
	}
}

// auditStore keeps a nil *LibSQLStore from becoming a non-nil interface.
func auditStore(s *store.LibSQLStore) store.Store {
	if s == nil {
		return nil
	}
	return s
}

// archiveReader prefers the durable store over the redis mirror, whose
// entries expire.
func archiveReader(durable *store.LibSQLStore, redis *store.RedisMirror) store.Reader {
	switch {
	case durable != nil:
		return durable
	case redis != nil:
		return redis
	default:
		return nil
	}
}

func reloadOnHangup(ctx context.Context, w *policyWatcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			w.Reload()
		}
	}
}
