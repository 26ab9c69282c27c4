package config

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-envconfig"

	"andaweb/pkg/s3"
	"andaweb/services/session"
)

// Config holds runtime configuration for anda-web.
type Config struct {
	HTTP  HTTP           `env:", prefix=HTTP_"`
	API   API            `env:", prefix=ANDA_API_"`
	OIDC  session.Config `env:", prefix=OIDC_"`
	Cache Cache          `env:", prefix=CACHE_"`
	S3    s3.Config      `env:", prefix=S3_"`
	NATS  NATS           `env:", prefix=NATS_"`
	DB    DB             `env:", prefix=DB_"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogConsole   bool   `env:"LOG_CONSOLE,default=false"`
}

// HTTP configures the listener and request handling.
type HTTP struct {
	Addr              string        `env:"ADDR,default=:8080"`
	AllowedOrigins    []string      `env:"CORS_ALLOWED_ORIGINS"`
	RateLimit         int           `env:"RATE_LIMIT,default=300"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT,default=60s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT,default=10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	LoadWait          time.Duration `env:"LOAD_WAIT,default=3s"`
	LoadingRefresh    int           `env:"LOADING_REFRESH,default=2"`
}

// API locates the Anda build server.
type API struct {
	BaseURL string        `env:"BASE_URL,default=http://localhost:8000"`
	Timeout time.Duration `env:"TIMEOUT,default=15s"`
}

// Cache tunes the query cache.
type Cache struct {
	StaleTime    time.Duration `env:"STALE_TIME,default=30s"`
	CacheTime    time.Duration `env:"TTL,default=5m"`
	RetryAfter   time.Duration `env:"RETRY_AFTER,default=10s"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT,default=15s"`
	GCInterval   time.Duration `env:"GC_INTERVAL,default=1m"`
}

// NATS configures cache invalidation events. Events are off when URL is empty.
type NATS struct {
	URL     string `env:"URL"`
	Stream  string `env:"STREAM,default=ANDA_EVENTS"`
	Durable string `env:"DURABLE,default=anda-web"`
}

// DB configures the Postgres session store. Sessions stay in memory when DSN is empty.
type DB struct {
	DSN string `env:"DSN"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom returns a Config populated from lookuper.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("ANDA_API_BASE_URL is required")
	}
	if c.HTTP.Addr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.OIDC.Enabled && (c.OIDC.Issuer == "" || c.OIDC.ClientID == "") {
		return errors.New("OIDC_ISSUER and OIDC_CLIENT_ID are required when OIDC is enabled")
	}
	return nil
}
