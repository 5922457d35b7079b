// Package app assembles the screener's runtime from configuration. The
// server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"equity-screener/config"
	"equity-screener/internal/ai/llm"
	"equity-screener/internal/api"
	"equity-screener/internal/cache"
	"equity-screener/internal/database"
	"equity-screener/internal/events"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
	"equity-screener/internal/metrics"
	"equity-screener/internal/pipeline"
	"equity-screener/internal/vault"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	DB       *database.DB
	Repo     *database.Repository
	Cache    cache.Cache
	Bus      *events.EventBus
	Pipeline *pipeline.Pipeline
	Vault    *vault.Client
	Registry *prometheus.Registry

	redis    *cache.Redis
	producer *events.Producer
	logger   *logging.Logger
	closers  []func()
}

// Build connects to the configured backends and wires the pipeline. The
// database is required; Redis, Kafka, Vault and the LLM are optional and
// degrade to in-memory or disabled behaviour.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, logger: logger}

	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required (set DATABASE_URL)")
	}
	db, err := database.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if err := db.RunMigrations(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.Repo = database.NewRepository(db)

	a.Cache = cache.NewMemory()
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedis(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-memory cache", "error", err)
		} else {
			a.redis = rc
			a.Cache = rc
			a.closers = append(a.closers, func() { _ = rc.Close() })
		}
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(a.Registry)

	a.Bus = events.NewEventBus()
	sinkOpts := []events.SinkOption{
		events.WithStore(a.Repo),
		events.WithBus(a.Bus),
		events.WithCache(a.Cache),
	}
	if cfg.Kafka.Enabled {
		producer, err := events.NewProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Warn("Kafka producer disabled", "error", err)
		} else {
			a.producer = producer
			sinkOpts = append(sinkOpts, events.WithPublisher(producer))
			a.closers = append(a.closers, func() { _ = producer.Close() })
			logger.Info("Kafka producer initialized", "topic", producer.Topic())
		}
	}

	a.Vault, err = vault.NewClient(cfg.Vault)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := pipeline.Deps{
		Source:    a.Repo,
		Store:     a.Repo,
		Sectors:   market.ChainSectorLookup{a.Repo, market.StaticSectorLookup{}},
		Portfolio: a.Repo,
		Verdicts:  a.Repo,
		Cache:     a.Cache,
		Runs:      a.Repo,
		Sink:      events.NewSink(logger, sinkOpts...),
		Observer:  a.Bus,
		Metrics:   recorder,
		Logger:    logger,
	}
	if cfg.AI.Enabled {
		if judge := a.judge(ctx); judge != nil {
			deps.Judge = judge
		}
	}
	a.Pipeline = pipeline.New(cfg, deps)

	return a, nil
}

// judge builds the LLM judge, preferring a Vault-held key over the config
// key. It returns nil when no key is available.
func (a *App) judge(ctx context.Context) *llm.Judge {
	apiKey := ""
	if a.Vault.IsEnabled() {
		key, err := a.Vault.ProviderKey(ctx, a.Config.AI.Provider)
		if err != nil {
			a.logger.Warn("Vault key lookup failed, falling back to configured key", "provider", a.Config.AI.Provider, "error", err)
		}
		apiKey = key
	}

	client := llm.NewClient(llm.ConfigFromAI(a.Config.AI, apiKey))
	log := logging.AIContext(string(client.GetProvider()), client.Model())
	if !client.IsConfigured() {
		log.Warn("No LLM API key configured, AI stage will use fallback verdicts")
		return nil
	}
	log.Info("LLM judge configured")
	return llm.NewJudge(client, a.logger)
}

// MetricsHandler serves the app's registry
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

// HealthChecks returns the dependency checks for the health endpoint
func (a *App) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"database": a.Repo.HealthCheck,
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	if a.Vault.IsEnabled() {
		checks["vault"] = a.Vault.Health
	}
	return checks
}

// Close releases every backend
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
