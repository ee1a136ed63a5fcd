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

	cfhttp "github.com/Strob0t/autopack/internal/adapter/http"
	"github.com/Strob0t/autopack/internal/adapter/litellm"
	"github.com/Strob0t/autopack/internal/adapter/memstore"
	cfnats "github.com/Strob0t/autopack/internal/adapter/nats"
	"github.com/Strob0t/autopack/internal/adapter/natskv"
	cfotel "github.com/Strob0t/autopack/internal/adapter/otel"
	"github.com/Strob0t/autopack/internal/adapter/postgres"
	"github.com/Strob0t/autopack/internal/adapter/ristretto"
	"github.com/Strob0t/autopack/internal/adapter/tiered"
	"github.com/Strob0t/autopack/internal/adapter/ws"
	"github.com/Strob0t/autopack/internal/config"
	"github.com/Strob0t/autopack/internal/logger"
	"github.com/Strob0t/autopack/internal/middleware"
	"github.com/Strob0t/autopack/internal/port/cache"
	"github.com/Strob0t/autopack/internal/port/database"
	"github.com/Strob0t/autopack/internal/port/eventstore"
	"github.com/Strob0t/autopack/internal/port/messagequeue"
	"github.com/Strob0t/autopack/internal/resilience"
	"github.com/Strob0t/autopack/internal/secrets"
	"github.com/Strob0t/autopack/internal/service"
)

// maxSharedValue is the largest file body written to the shared KV cache.
const maxSharedValue = 1 << 20

// app holds the wired services of one process.
type app struct {
	cfg     *config.Config
	store   database.Store
	events  eventstore.Store
	queue   messagequeue.Queue
	cache   cache.Cache
	vault   *secrets.Vault
	llm     *litellm.Client
	hub     *ws.Hub
	runs    *service.RunService
	gov     *service.GovernanceService
	checks  map[string]cfhttp.HealthCheck
	closers []func()
}

// loadConfig loads the configuration and installs the default logger.
func loadConfig(path string) (*config.Config, logger.Closer, error) {
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer, nil
}

// newApp connects the infrastructure named by cfg and wires the services.
// An empty Postgres DSN selects the in-memory store; an empty NATS URL
// disables publishing and the shared cache.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, hub: ws.NewHub(), checks: make(map[string]cfhttp.HealthCheck)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	shutdownOTEL, err := cfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	})
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	a.vault, err = secrets.NewVault(secrets.Chain(
		secrets.StaticLoader(map[string]string{
			secrets.KeyLiteLLMMasterKey: cfg.LiteLLM.MasterKey,
			secrets.KeyAPIToken:         cfg.Server.APIToken,
		}),
		secrets.EnvLoader(secrets.KeyLiteLLMMasterKey, secrets.KeyAPIToken),
		secrets.FileLoader(cfg.Secrets.Dir, secrets.KeyLiteLLMMasterKey, secrets.KeyAPIToken),
	))
	if err != nil {
		return nil, err
	}
	a.onClose(a.reloadSecretsOnHUP())

	if err := a.connectStore(ctx); err != nil {
		return nil, err
	}

	var q *cfnats.Queue
	if cfg.NATS.URL != "" {
		q, err = cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.queue = q
		a.onClose(func() { _ = q.Drain() })
		a.checks["nats"] = func(context.Context) error {
			if !q.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
		slog.Info("nats connected", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	}

	a.cache, err = a.newCache(ctx, q)
	if err != nil {
		return nil, err
	}

	a.llm = litellm.NewClient(cfg.LiteLLM.URL, "", cfg.LiteLLM.Timeout, cfg.LiteLLM.MaxTokens)
	a.llm.SetKeyFunc(a.vault.Getter(secrets.KeyLiteLLMMasterKey))
	a.llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	a.checks["litellm"] = a.llm.Health

	models := cfg.Executor.Retry.Models
	roles := service.Roles{
		Builder: litellm.NewBuilder(a.llm),
		Auditor: litellm.NewAuditor(a.llm, models[len(models)-1]),
	}
	if cfg.Executor.Retry.MaxDoctorCalls > 0 {
		roles.Doctor = litellm.NewDoctor(a.llm, cfg.Executor.Retry.DoctorModel)
	}

	telemetry := service.NewTelemetryService(a.events, a.queue, a.hub, metrics)
	a.gov = service.NewGovernanceService(a.store, a.queue, a.hub, cfg.Governance)
	loader := service.NewContextLoader(a.cache, cfg.Cache.TTL, cfg.Executor.MaxFileBytes, cfg.Executor.MaxContextBytes)
	executor := service.NewPhaseExecutor(a.store, roles, loader, telemetry, a.events, a.gov, nil, cfg.Executor)
	orchestrator := service.NewTierOrchestrator(a.store, executor)
	a.runs = service.NewRunService(a.store, orchestrator, telemetry, a.queue, cfg)
	return a, nil
}

// reloadSecretsOnHUP rereads the vault on SIGHUP until the returned stop
// function is called.
func (a *app) reloadSecretsOnHUP() func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sig:
				if err := a.vault.Reload(); err != nil {
					slog.Error("secret reload failed", "error", err)
					continue
				}
				slog.Info("secrets reloaded", "keys", a.vault.Keys())
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func (a *app) connectStore(ctx context.Context) error {
	if a.cfg.Postgres.DSN == "" {
		mem := memstore.New()
		a.store, a.events = mem, mem
		slog.Info("using in-memory store")
		return nil
	}

	pool, err := postgres.NewPool(ctx, a.cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.onClose(pool.Close)
	a.store = postgres.NewStore(pool)
	a.events = postgres.NewEventStore(pool)
	a.checks["postgres"] = pool.Ping
	slog.Info("postgres connected")
	return nil
}

func (a *app) newCache(ctx context.Context, q *cfnats.Queue) (cache.Cache, error) {
	l1, err := ristretto.New(a.cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.onClose(l1.Close)
	if q == nil || a.cfg.Cache.SharedBucket == "" {
		return l1, nil
	}

	kv, err := q.KeyValue(ctx, a.cfg.Cache.SharedBucket, a.cfg.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("shared cache: %w", err)
	}
	slog.Info("shared file cache enabled", "bucket", a.cfg.Cache.SharedBucket)
	return tiered.New(l1, natskv.New(kv, maxSharedValue), a.cfg.Cache.TTL), nil
}

// startSubscribers consumes governance decisions and cancellations from the
// queue. It is a no-op without NATS.
func (a *app) startSubscribers(ctx context.Context) error {
	stopDecisions, err := a.gov.StartSubscriber(ctx)
	if err != nil {
		return fmt.Errorf("governance subscriber: %w", err)
	}
	a.onClose(stopDecisions)

	stopCancels, err := a.runs.StartCancelSubscriber(ctx)
	if err != nil {
		return fmt.Errorf("cancel subscriber: %w", err)
	}
	a.onClose(stopCancels)
	return nil
}

// serveHTTP runs the control server until ctx is done.
func (a *app) serveHTTP(ctx context.Context) error {
	handlers := &cfhttp.Handlers{Runs: a.runs, Governance: a.gov, Checks: a.checks}
	serviceName := ""
	if a.cfg.OTEL.Enabled {
		serviceName = a.cfg.OTEL.ServiceName
	}
	limiter := middleware.NewRateLimiter(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst)
	limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)
	router := cfhttp.NewRouter(handlers, cfhttp.RouterConfig{
		CORSOrigin:     a.cfg.Server.CORSOrigin,
		ServiceName:    serviceName,
		Events:         a.hub.HandleWS,
		APIToken:       a.vault.Getter(secrets.KeyAPIToken),
		Limiter:        limiter,
		Idempotency:    a.cache,
		IdempotencyTTL: a.cfg.Server.IdempotencyTTL,
	})

	addr := ":" + a.cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
