package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/tollgate/internal/clock"
	"github.com/davidbz/tollgate/internal/config"
	"github.com/davidbz/tollgate/internal/domain"
	embedopenai "github.com/davidbz/tollgate/internal/embedding/openai"
	"github.com/davidbz/tollgate/internal/gateway"
	tollhttp "github.com/davidbz/tollgate/internal/http"
	"github.com/davidbz/tollgate/internal/http/middleware"
	"github.com/davidbz/tollgate/internal/ledger"
	"github.com/davidbz/tollgate/internal/metrics"
	"github.com/davidbz/tollgate/internal/observability"
	"github.com/davidbz/tollgate/internal/optimizer"
	"github.com/davidbz/tollgate/internal/pricing"
	"github.com/davidbz/tollgate/internal/provider/echo"
	"github.com/davidbz/tollgate/internal/provider/openai"
	"github.com/davidbz/tollgate/internal/provider/registry"
	"github.com/davidbz/tollgate/internal/storage/postgres"
	redisstore "github.com/davidbz/tollgate/internal/storage/redis"
)

const startupTimeout = 10 * time.Second

// application is everything serve needs once the graph is built.
type application struct {
	dig.In

	Server       *tollhttp.Server
	ServerConfig *config.ServerConfig
	Ledger       *ledger.Ledger
	Gateway      *gateway.Service
	Pool         *pgxpool.Pool
	Redis        *redis.Client
}

func buildContainer() (*dig.Container, error) {
	container := dig.New()

	providers := []struct {
		name        string
		constructor any
	}{
		// Configuration
		{"config", config.Load},
		{"config dependencies", config.ParseDependenciesConfig},

		// Observability
		{"logger", observability.InitLogger},
		{"event bus", newEventBus},
		{"metrics", metrics.New},
		{"clock", clock.NewSystem},

		// Pricing and upstreams
		{"pricing registry", newPricingRegistry},
		{"dispatcher registry", newDispatcherRegistry},

		// Storage
		{"postgres pool", newPool},
		{"ledger store", newLedgerStore},
		{"redis client", newRedisClient},
		{"outcome store", newOutcomeStore},

		// Domain services
		{"ledger", newLedger},
		{"optimizer", newOptimizer},
		{"gateway", newGateway},

		// HTTP layer
		{"health checks", newHealthChecks},
		{"gateway binding", func(s *gateway.Service) tollhttp.Gateway { return s }},
		{"accounts binding", func(l *ledger.Ledger) tollhttp.Accounts { return l }},
		{"HTTP handler", tollhttp.NewHandler},
		{"router", newRouter},
		{"middleware", middleware.BuildMiddlewareChain},
		{"HTTP server", tollhttp.NewServer},
	}

	for _, p := range providers {
		if err := container.Provide(p.constructor); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", p.name, err)
		}
	}

	return container, nil
}

func newEventBus(logger *zap.Logger) domain.EventPublisher {
	return observability.NewEventBus(logger)
}

func newPricingRegistry(cfg *config.PricingConfig) (*pricing.Registry, error) {
	table, err := pricing.LoadTable(cfg.TablePath, cfg.Currency)
	if err != nil {
		return nil, err
	}
	return pricing.NewRegistry(table, cfg.MaxHistory)
}

type dispatcherParams struct {
	dig.In

	Echo    *config.EchoConfig
	OpenAI  *openai.Config
	Pricing *pricing.Registry
}

// newDispatcherRegistry registers every configured upstream and makes sure
// each one is priced.
func newDispatcherRegistry(p dispatcherParams) (domain.DispatcherRegistry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	reg := registry.NewRegistry()

	if p.Echo.Enabled {
		provider := echo.NewProvider(echo.WithLatency(time.Duration(p.Echo.LatencyMs) * time.Millisecond))
		if err := reg.Register(ctx, provider); err != nil {
			return nil, fmt.Errorf("failed to register echo provider: %w", err)
		}
		if err := echo.RegisterPricing(ctx, p.Pricing); err != nil {
			return nil, err
		}
	}

	if p.OpenAI.APIKey != "" {
		provider, err := openai.NewProvider(*p.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI provider: %w", err)
		}
		if err := reg.Register(ctx, provider); err != nil {
			return nil, fmt.Errorf("failed to register OpenAI provider: %w", err)
		}
		if err := openai.RegisterPricing(ctx, p.Pricing, provider.Model()); err != nil {
			return nil, err
		}
	}

	providers, _ := reg.List(ctx)
	observability.FromContext(ctx).Info("upstream providers registered",
		observability.Int("count", len(providers)))

	return reg, nil
}

type poolParams struct {
	dig.In

	Config  *postgres.Config
	Metrics *metrics.Metrics
}

// newPool opens the Postgres pool. It returns nil when no database is
// configured and the ledger stays in memory.
func newPool(p poolParams) (*pgxpool.Pool, error) {
	if !p.Config.Enabled() {
		return nil, nil //nolint:nilnil // Postgres is optional
	}

	pool, err := postgres.NewPool(context.Background(), *p.Config)
	if err != nil {
		return nil, err
	}

	p.Metrics.RegisterDBPoolCollector(func() (int32, int32, int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
	})
	return pool, nil
}

func newLedgerStore(pool *pgxpool.Pool) ledger.Store {
	if pool == nil {
		observability.FromContext(context.Background()).Warn("DATABASE_URL not set, ledger is in memory only")
		return ledger.NewMemoryStore()
	}
	return postgres.NewStore(pool)
}

type ledgerParams struct {
	dig.In

	Config  *ledger.Config
	Store   ledger.Store
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

func newLedger(p ledgerParams) *ledger.Ledger {
	opts := append(p.Config.Options(), ledger.WithRecorder(p.Metrics))
	return ledger.New(p.Store, p.Clock, opts...)
}

// newRedisClient connects to Redis. It returns nil when no URL is configured
// and outcomes stay in process memory.
func newRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil //nolint:nilnil // Redis is optional
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

func newOutcomeStore(client *redis.Client, cfg *config.RedisConfig, clk clock.Clock) domain.OutcomeStore {
	if client == nil {
		return gateway.NewMemoryOutcomeStore(clk)
	}
	return redisstore.NewOutcomeStore(client, redisstore.WithKeyPrefix(cfg.KeyPrefix))
}

type optimizerParams struct {
	dig.In

	Config    *optimizer.Config
	Embedding *embedopenai.Config
}

func newOptimizer(p optimizerParams) (*optimizer.Optimizer, error) {
	var estimator optimizer.AccuracyEstimator
	if p.Embedding.Enabled && p.Embedding.APIKey != "" {
		generator, err := embedopenai.NewGenerator(*p.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding generator: %w", err)
		}
		estimator = optimizer.NewEmbeddingEstimator(generator)
	}
	return optimizer.New(*p.Config, estimator), nil
}

type gatewayParams struct {
	dig.In

	Config      *gateway.Config
	Pricing     *pricing.Registry
	Optimizer   *optimizer.Optimizer
	Ledger      *ledger.Ledger
	Dispatchers domain.DispatcherRegistry
	Outcomes    domain.OutcomeStore
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Events      domain.EventPublisher
}

func newGateway(p gatewayParams) *gateway.Service {
	return gateway.New(*p.Config, gateway.Deps{
		Pricing:     p.Pricing,
		Optimizer:   p.Optimizer,
		Ledger:      p.Ledger,
		Dispatchers: p.Dispatchers,
		Outcomes:    p.Outcomes,
		Clock:       p.Clock,
		Recorder:    p.Metrics,
		Events:      p.Events,
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// newHealthChecks reports the shared stores that can be pinged. In-memory
// stores are always healthy and are not listed.
func newHealthChecks(store ledger.Store, outcomes domain.OutcomeStore) []tollhttp.HealthCheck {
	var checks []tollhttp.HealthCheck
	if p, ok := store.(pinger); ok {
		checks = append(checks, tollhttp.HealthCheck{Name: "postgres", Check: p.Ping})
	}
	if p, ok := outcomes.(pinger); ok {
		checks = append(checks, tollhttp.HealthCheck{Name: "redis", Check: p.Ping})
	}
	return checks
}

func newRouter(h *tollhttp.Handler, admin *config.AdminConfig, m *metrics.Metrics) http.Handler {
	return tollhttp.NewRouter(tollhttp.RouterDeps{
		Handler:  h,
		Admin:    admin,
		Recorder: m,
		Metrics:  m.Handler(),
	})
}
