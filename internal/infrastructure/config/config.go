package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Security    SecurityConfig    `mapstructure:"security"`
	Swap        SwapConfig        `mapstructure:"swap"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Events      EventsConfig      `mapstructure:"events"`
	Assets      AssetsConfig      `mapstructure:"assets"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
	// ExecuteLimitPerMin caps manual executions per caller
	ExecuteLimitPerMin int `mapstructure:"execute_limit_per_min"`
	// IdempotencyTTL is how long a keyed order creation is replayed
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	QueryTimeout    int    `mapstructure:"query_timeout"`
	MaxRetries      int    `mapstructure:"max_retries"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Enabled reports whether a Redis endpoint is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Host != ""
}

type JWTConfig struct {
	Secret    string `mapstructure:"secret"`
	AccessTTL int    `mapstructure:"access_token_ttl"`
	Issuer    string `mapstructure:"issuer"`
}

type SecurityConfig struct {
	EncryptionKey string   `mapstructure:"encryption_key"`
	InternalToken string   `mapstructure:"internal_token"`
	AllowedIPs    []string `mapstructure:"allowed_ips"`
}

// SwapConfig configures the quote and settlement API client
type SwapConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	TrustedRouters    []string      `mapstructure:"trusted_routers"`
}

type PipelineConfig struct {
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
	SettlementTimeout   time.Duration `mapstructure:"settlement_timeout"`
	ApprovalTimeout     time.Duration `mapstructure:"approval_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	ConflictRetries     int           `mapstructure:"conflict_retries"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Cron         string        `mapstructure:"cron"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
	StartDelay   time.Duration `mapstructure:"start_delay"`
}

// CredentialsConfig holds the secret that signs delegated credential tokens
type CredentialsConfig struct {
	TokenSecret           string `mapstructure:"token_secret"`
	DefaultFeeBasisPoints int    `mapstructure:"default_fee_basis_points"`
}

type EventsConfig struct {
	RabbitMQURL string `mapstructure:"rabbitmq_url"`
	Exchange    string `mapstructure:"exchange"`
}

// AssetsConfig maps asset addresses to their decimals for display amounts
type AssetsConfig struct {
	Decimals        map[string]int32 `mapstructure:"decimals"`
	DefaultDecimals int32            `mapstructure:"default_decimals"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "memory"
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Database.URL == "" && config.Storage.Driver == "postgres" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if config.Credentials.TokenSecret == "" {
		config.Credentials.TokenSecret = config.JWT.Secret
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.rate_limit_per_min", 100)
	v.SetDefault("server.execute_limit_per_min", 6)
	v.SetDefault("server.idempotency_ttl", "24h")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "dca_service")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.query_timeout", 30)
	v.SetDefault("database.max_retries", 3)
	v.SetDefault("database.migrations_path", "migrations")

	// Redis defaults
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "dca:")

	// JWT defaults
	v.SetDefault("jwt.access_token_ttl", 3600)
	v.SetDefault("jwt.issuer", "dca_service")

	// Swap API defaults
	v.SetDefault("swap.timeout", "30s")
	v.SetDefault("swap.requests_per_second", 10)
	v.SetDefault("swap.max_retries", 3)
	v.SetDefault("swap.retry_backoff", "500ms")

	// Pipeline defaults
	v.SetDefault("pipeline.lease_ttl", "5m")
	v.SetDefault("pipeline.settlement_timeout", "2m")
	v.SetDefault("pipeline.approval_timeout", "1m")
	v.SetDefault("pipeline.receipt_poll_interval", "2s")
	v.SetDefault("pipeline.conflict_retries", 3)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "@every 1m")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.order_timeout", "5m")
	v.SetDefault("scheduler.start_delay", "1m")

	v.SetDefault("credentials.default_fee_basis_points", 0)

	v.SetDefault("events.exchange", "dca.events")

	v.SetDefault("assets.default_decimals", 18)

	v.SetDefault("storage.driver", "postgres")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.collector_url", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)
}

func overrideFromEnv(v *viper.Viper) {
	// Server
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("server.port", p)
		}
	}

	// Database
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		v.Set("database.url", dbURL)
	}

	// Redis
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		v.Set("redis.url", redisURL)
	}

	// JWT
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		v.Set("jwt.secret", jwtSecret)
	}

	// Security
	if encKey := os.Getenv("ENCRYPTION_KEY"); encKey != "" {
		v.Set("security.encryption_key", encKey)
	}
	if internalToken := os.Getenv("INTERNAL_TOKEN"); internalToken != "" {
		v.Set("security.internal_token", internalToken)
	}
	if allowed := os.Getenv("INTERNAL_ALLOWED_IPS"); allowed != "" {
		v.Set("security.allowed_ips", strings.Split(allowed, ","))
	}
	if credentialSecret := os.Getenv("CREDENTIAL_TOKEN_SECRET"); credentialSecret != "" {
		v.Set("credentials.token_secret", credentialSecret)
	}

	// Swap API
	if swapBaseURL := os.Getenv("SWAP_BASE_URL"); swapBaseURL != "" {
		v.Set("swap.base_url", swapBaseURL)
	}
	if swapAPIKey := os.Getenv("SWAP_API_KEY"); swapAPIKey != "" {
		v.Set("swap.api_key", swapAPIKey)
	}
	if routers := os.Getenv("SWAP_TRUSTED_ROUTERS"); routers != "" {
		parts := strings.Split(routers, ",")
		var trusted []string
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				trusted = append(trusted, trimmed)
			}
		}
		if len(trusted) > 0 {
			v.Set("swap.trusted_routers", trusted)
		}
	}

	// Events
	if rabbitURL := os.Getenv("RABBITMQ_URL"); rabbitURL != "" {
		v.Set("events.rabbitmq_url", rabbitURL)
	}

	// Tracing
	if collector := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collector != "" {
		v.Set("tracing.collector_url", collector)
		v.Set("tracing.enabled", true)
	}
}

func validate(config *Config) error {
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	if config.Security.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}

	switch config.Storage.Driver {
	case "postgres":
		if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
			return fmt.Errorf("database configuration is incomplete")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", config.Storage.Driver)
	}

	if config.Swap.BaseURL == "" {
		return fmt.Errorf("swap base URL is required")
	}

	if len(config.Swap.TrustedRouters) == 0 {
		return fmt.Errorf("at least one trusted router is required")
	}

	if config.Credentials.DefaultFeeBasisPoints < 0 || config.Credentials.DefaultFeeBasisPoints > 1000 {
		return fmt.Errorf("default fee basis points must be between 0 and 1000")
	}

	if config.Pipeline.LeaseTTL < config.Pipeline.SettlementTimeout+config.Pipeline.ApprovalTimeout {
		return fmt.Errorf("pipeline lease TTL must cover the approval and settlement timeouts")
	}

	return nil
}
