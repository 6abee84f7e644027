package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	embedopenai "github.com/davidbz/tollgate/internal/embedding/openai"
	"github.com/davidbz/tollgate/internal/gateway"
	"github.com/davidbz/tollgate/internal/ledger"
	"github.com/davidbz/tollgate/internal/optimizer"
	"github.com/davidbz/tollgate/internal/provider/openai"
	"github.com/davidbz/tollgate/internal/storage/postgres"
)

// Config represents the gateway configuration.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Admin     AdminConfig
	Pricing   PricingConfig
	Redis     RedisConfig
	Echo      EchoConfig
	Ledger    ledger.Config
	Gateway   gateway.Config
	Optimizer optimizer.Config
	Database  postgres.Config `envPrefix:"DATABASE_"`
	OpenAI    openai.Config
	Embedding embedopenai.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     int `env:"SERVER_READ_TIMEOUT"     envDefault:"30"`
	WriteTimeout    int `env:"SERVER_WRITE_TIMEOUT"    envDefault:"60"`
	ShutdownTimeout int `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,Idempotency-Key,X-Admin-Key"`
	ExposedHeaders   []string `env:"CORS_EXPOSED_HEADERS"   envSeparator:"," envDefault:"X-Payment-Required,X-Payment-Amount,X-Payment-Currency,X-Request-Id,X-Trace-Id"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// AdminConfig guards account and pricing administration. An empty key
// disables the admin routes.
type AdminConfig struct {
	APIKey string `env:"ADMIN_API_KEY"`
}

// PricingConfig selects the pricing table. Without a file the built-in
// table is used.
type PricingConfig struct {
	TablePath  string `env:"PRICING_TABLE_PATH"`
	Currency   string `env:"PRICING_CURRENCY"    envDefault:"USD"`
	MaxHistory int    `env:"PRICING_MAX_HISTORY" envDefault:"16"`
}

// RedisConfig enables the shared outcome store. An empty URL keeps outcomes
// in process memory.
type RedisConfig struct {
	URL       string `env:"REDIS_URL"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"tollgate:outcome:"`
}

// EchoConfig controls the local echo provider.
type EchoConfig struct {
	Enabled bool `env:"ECHO_ENABLED" envDefault:"true"`
	// LatencyMs delays every echo dispatch, to exercise timeouts locally.
	LatencyMs int `env:"ECHO_LATENCY_MS" envDefault:"0"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out
	*ServerConfig
	*CORSConfig
	*AdminConfig
	*PricingConfig
	*RedisConfig
	*EchoConfig
	Ledger    *ledger.Config
	Gateway   *gateway.Config
	Optimizer *optimizer.Config
	Database  *postgres.Config
	OpenAI    *openai.Config
	Embedding *embedopenai.Config
}

// Load loads environment files and parses configuration.
func Load() (*Config, error) {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		dig.Out{},
		&cfg.Server,
		&cfg.CORS,
		&cfg.Admin,
		&cfg.Pricing,
		&cfg.Redis,
		&cfg.Echo,
		&cfg.Ledger,
		&cfg.Gateway,
		&cfg.Optimizer,
		&cfg.Database,
		&cfg.OpenAI,
		&cfg.Embedding,
	}
}
