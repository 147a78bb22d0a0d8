package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mixaill76/keypool/internal/config"
	"github.com/mixaill76/keypool/internal/logger"
	"github.com/mixaill76/keypool/internal/monitoring"
	"github.com/mixaill76/keypool/internal/pool"
	"github.com/mixaill76/keypool/internal/probe"
	"github.com/mixaill76/keypool/internal/ratelimit"
	"github.com/mixaill76/keypool/internal/recovery"
	"github.com/mixaill76/keypool/internal/router"
	"github.com/mixaill76/keypool/internal/sessions"
	"github.com/mixaill76/keypool/internal/startup"
	"github.com/mixaill76/keypool/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithFormat(cfg.Server.LoggingLevel, cfg.Server.LogFormat)
	log.Info("Starting keypool",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
	)
	config.PrintConfig(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
	log.Info("Server shutdown complete")
}

// app holds the wired components of one server process.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	metrics   *monitoring.Metrics
	store     store.Store
	pool      *pool.Manager
	sessions  sessions.Registry
	scheduler *recovery.Scheduler
	prober    *probe.Runner
	handler   http.Handler
	closers   []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: monitoring.New(cfg.Monitoring.PrometheusEnabled),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.store, err = store.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			log.Warn("Failed to close store", "error", err)
		}
	})

	opts := pool.OptionsFromConfig(cfg.Pool)
	opts.Store = a.store
	opts.PersistTimeout = cfg.Server.PersistTimeout
	opts.Logger = log
	opts.Metrics = a.metrics
	a.pool, err = pool.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := loadCredentials(ctx, a.pool, cfg); err != nil {
		return nil, err
	}

	var closeSessions func()
	a.sessions, closeSessions, err = sessions.Open(ctx, cfg.Sessions, log, nil)
	if err != nil {
		return nil, fmt.Errorf("open session registry: %w", err)
	}
	a.closers = append(a.closers, closeSessions)

	a.scheduler = recovery.New(a.pool, recovery.Config{
		QuotaInterval: cfg.Pool.QuotaSweepInterval,
		PruneInterval: cfg.Pool.SessionPruneInterval,
		Registry:      a.sessions,
		Logger:        log,
	})

	routerCfg := router.Config{
		Pool:      a.pool,
		Recovery:  a.scheduler,
		MasterKey: cfg.Server.MasterKey,
		Logger:    log,
	}
	if mem, ok := a.sessions.(*sessions.Memory); ok {
		routerCfg.Sessions = mem
	}
	if cfg.Monitoring.PrometheusEnabled {
		routerCfg.MetricsHandler = promhttp.Handler()
	}

	if cfg.Probe.Enabled {
		checker, err := probe.NewChecker(cfg.Probe.Provider, cfg.Probe.Model, "")
		if err != nil {
			return nil, fmt.Errorf("create probe checker: %w", err)
		}
		a.prober = probe.NewRunner(checker, a.pool, probe.Config{
			Workers: cfg.Probe.Workers,
			Timeout: cfg.Probe.Timeout,
			Spacing: cfg.Probe.Spacing,
			Logger:  log,
			Metrics: a.metrics,
		})
		routerCfg.Prober = a.prober
	}

	a.handler = router.New(routerCfg)
	return a, nil
}

// loadCredentials restores the persisted snapshot, then appends the keys
// from the configuration file. Keys already restored are skipped.
func loadCredentials(ctx context.Context, p *pool.Manager, cfg *config.Config) error {
	defaults := ratelimit.Limits{PerMinute: cfg.Pool.DefaultRPM, PerDay: cfg.Pool.DefaultRPD}
	keys := make([]string, 0, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		if limits, ok := keyLimits(cred, defaults); ok {
			p.SetKeyLimits(cred.APIKey, limits)
		}
		keys = append(keys, cred.APIKey)
	}

	if _, err := p.Restore(ctx); err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}
	if len(keys) > 0 {
		p.AppendCredentials(ctx, keys)
	}
	return nil
}

// keyLimits returns the per-key override for cred. ok is false when the
// credential sets neither rpm nor rpd and follows the pool defaults.
func keyLimits(cred config.CredentialConfig, defaults ratelimit.Limits) (ratelimit.Limits, bool) {
	if cred.RPM == 0 && cred.RPD == 0 {
		return ratelimit.Limits{}, false
	}
	limits := defaults
	if cred.RPM != 0 {
		limits.PerMinute = cred.RPM
	}
	if cred.RPD != 0 {
		limits.PerDay = cred.RPD
	}
	return limits, true
}

// run serves until ctx is cancelled, then shuts the server down.
func (a *app) run(ctx context.Context) error {
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("Server starting", "port", a.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if a.cfg.Monitoring.PrometheusEnabled {
		g.Go(func() error {
			a.publishMetrics(gctx, a.cfg.Monitoring.MetricsInterval)
			return nil
		})
		a.log.Info("Metrics updater started", "interval", a.cfg.Monitoring.MetricsInterval)
	}

	if a.prober != nil && a.cfg.Probe.OnStartup {
		g.Go(func() error {
			startup.ProbeCredentialsAtStartup(gctx, a.prober, a.log)
			return nil
		})
	}

	return g.Wait()
}

func (a *app) publishMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.pool.PublishMetrics()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
