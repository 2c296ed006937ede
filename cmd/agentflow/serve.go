package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"agentflow/internal/api"
	"agentflow/internal/approval"
	"agentflow/internal/config"
	httphandler "agentflow/internal/handlers/http"
	"agentflow/internal/handlers/shell"
	"agentflow/internal/metrics"
	"agentflow/internal/notify"
	"agentflow/internal/scheduler"
	"agentflow/internal/store"
	"agentflow/internal/worker"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		dbPath     string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and its HTTP API",
		Long: `Start the scheduler coordinator, register the configured agents and serve
the HTTP API. A missing config file falls back to the built-in defaults.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if errors.Is(err, config.ErrConfigNotFound) {
				log.Warn().Str("path", configPath).Msg("config file not found, using defaults")
				err = cfg.Validate()
			}
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Storage.Path = dbPath
			}
			setupLogging(cfg.Log)
			return runServe(cmd.Context(), cfg, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "agentflow.yaml", "path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address (overrides server.addr)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite DB path (overrides storage.path)")
	cmd.Flags().BoolVar(&debug, "debug", false, "expose /debug/pprof")
	return cmd
}

func setupLogging(c config.LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// app is the wired process: one store, one coordinator, one Agent per configured id.
type app struct {
	store    store.Store
	db       *sql.DB
	registry *prometheus.Registry
	coord    *scheduler.Coordinator
	agents   map[string]*scheduler.Agent
	gate     *approval.Gate
}

func openStore(cfg config.StorageConfig) (store.Store, *sql.DB, error) {
	if cfg.Driver == "memory" {
		return store.NewMemory(), nil, nil
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store.NewSQLite(db), db, nil
}

func buildHandlers(cfg config.HandlersConfig) *worker.Registry {
	builtin := map[string]worker.Handler{
		"http":  httphandler.HTTP{Client: &http.Client{}},
		"shell": shell.Shell{},
	}
	reg := worker.NewRegistry(cfg.Timeout)
	for action, h := range builtin {
		if len(cfg.Enabled) > 0 && !slices.Contains(cfg.Enabled, action) {
			continue
		}
		reg.Register(action, h)
	}
	return reg
}

func buildNotifier(cfg config.NotifyConfig) notify.Notifier {
	n := notify.Multi{notify.NewLog()}
	if cfg.WebhookURL != "" {
		n = append(n, notify.Webhook{URL: cfg.WebhookURL, Client: &http.Client{Timeout: 10 * time.Second}})
	}
	return n
}

func newApp(cfg config.Config) (*app, error) {
	st, db, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	// nothing runs yet, so any in_progress task outlived its process
	recovered, err := st.RecoverStale(context.Background(), time.Now().Add(-cfg.Handlers.Timeout))
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale tasks")
	} else if recovered > 0 {
		log.Info().Int("count", recovered).Msg("recovered stale in_progress tasks")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	notifier := buildNotifier(cfg.Notify)
	handlers := buildHandlers(cfg.Handlers)
	gate := approval.NewGate(st, approval.WithNotifier(notifier), approval.WithMetrics(m))
	if _, err := gate.SyncPendingGauge(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to load pending approvals")
	}
	policy := scheduler.RetryPolicy{
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		MaxRetries: cfg.Retry.MaxRetries,
	}

	coord := scheduler.NewCoordinator(scheduler.CoordinatorConfig{
		Interval:           cfg.Scheduler.Interval,
		MaxConcurrentPolls: cfg.Scheduler.MaxConcurrentPolls,
		Metrics:            m,
	})
	scheduler.SetInstance(coord)

	a := &app{store: st, db: db, registry: reg, coord: coord, gate: gate, agents: make(map[string]*scheduler.Agent)}
	for _, id := range cfg.Agents {
		agent := scheduler.NewAgent(id, st, handlers,
			scheduler.WithApprovalGate(gate),
			scheduler.WithRetryPolicy(policy),
			scheduler.WithNotifier(notifier),
			scheduler.WithAgentMetrics(m),
		)
		if err := coord.Register(id, agent); err != nil {
			a.close()
			return nil, err
		}
		a.agents[id] = agent
	}
	log.Info().Strs("agents", cfg.Agents).Strs("actions", handlers.Actions()).Msg("agents registered")
	return a, nil
}

func (a *app) handler(debug bool) http.Handler {
	return api.NewServer(api.Deps{
		Store:       a.store,
		Coordinator: a.coord,
		Agents:      a.agents,
		Gate:        a.gate,
		Gatherer:    a.registry,
		Debug:       debug,
	})
}

func (a *app) close() {
	a.coord.Stop()
	if a.db != nil {
		a.db.Close()
	}
}

func runServe(ctx context.Context, cfg config.Config, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.handler(debug)}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if err := a.coord.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("scheduler tick still running at shutdown")
	}
	return nil
}
