package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/api/handlers"
	"github.com/rail-service/dca_service/internal/domain/services/credential"
	"github.com/rail-service/dca_service/internal/domain/services/dca"
	"github.com/rail-service/dca_service/internal/infrastructure/adapters/events"
	"github.com/rail-service/dca_service/internal/infrastructure/adapters/swap"
	"github.com/rail-service/dca_service/internal/infrastructure/cache"
	"github.com/rail-service/dca_service/internal/infrastructure/config"
	"github.com/rail-service/dca_service/internal/infrastructure/database"
	"github.com/rail-service/dca_service/internal/infrastructure/repositories"
	"github.com/rail-service/dca_service/pkg/crypto"
	"github.com/rail-service/dca_service/pkg/idempotency"
	"github.com/rail-service/dca_service/pkg/logger"
	"github.com/rail-service/dca_service/pkg/ratelimit"
	"github.com/rail-service/dca_service/pkg/retry"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger
	ZapLog *zap.Logger

	// Stores
	Orders      dca.OrderStore
	Sagas       dca.SagaStore
	Credentials credential.Repository

	// External services
	RedisClient cache.RedisClient
	LeaseClient *redisv9.Client
	SwapClient  *swap.Client
	Events      dca.EventPublisher

	// Domain services
	Cipher       *crypto.Cipher
	Issuer       *credential.Issuer
	Lease        dca.OrderLease
	Pipeline     *dca.Pipeline
	OrderService *dca.OrderService
	Scheduler    *dca.Scheduler

	// HTTP support. Nil when Redis is not configured.
	TieredLimiter    *ratelimit.TieredLimiter
	IdempotencyStore idempotency.Store

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewContainer creates a new dependency injection container. db may be nil
// when the memory storage driver is selected.
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	zapLog := log.Zap()

	c := &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
		ZapLog: zapLog,
	}

	if err := c.initializeStores(); err != nil {
		return nil, err
	}
	if err := c.initializeRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.initializeEvents()

	if err := c.initializeDomainServices(); err != nil {
		c.Close()
		return nil, err
	}

	log.Info("Container initialized",
		"storage", cfg.Storage.Driver,
		"redis", cfg.Redis.Enabled(),
		"trusted_routers", len(cfg.Swap.TrustedRouters))
	return c, nil
}

func (c *Container) initializeStores() error {
	switch c.Config.Storage.Driver {
	case "memory":
		store := repositories.NewMemoryStore()
		c.Orders = store
		c.Sagas = store
		c.Credentials = store
		c.Logger.Warn("Using in-memory storage; state is lost on restart")
	case "postgres":
		if c.DB == nil {
			return errors.New("postgres storage requires a database connection")
		}
		c.Orders = repositories.NewOrderRepository(c.DB, c.ZapLog).
			WithQueryTimeout(time.Duration(c.Config.Database.QueryTimeout) * time.Second)
		c.Sagas = repositories.NewSagaRepository(c.DB, c.ZapLog)
		c.Credentials = repositories.NewCredentialRepository(c.DB, c.ZapLog)
	default:
		return fmt.Errorf("unknown storage driver %q", c.Config.Storage.Driver)
	}
	return nil
}

func (c *Container) initializeRedis(ctx context.Context) error {
	if !c.Config.Redis.Enabled() {
		c.Lease = cache.NewMemoryLease()
		c.Logger.Warn("Redis not configured; using in-process leases, no idempotency or tiered rate limits")
		return nil
	}

	redisClient, err := cache.NewRedisClient(&c.Config.Redis, c.ZapLog)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	c.RedisClient = redisClient
	c.addCloser("redis", redisClient.Close)

	leaseClient, err := cache.NewLeaseClient(ctx, &c.Config.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize lease store: %w", err)
	}
	c.LeaseClient = leaseClient
	c.addCloser("redis-lease", leaseClient.Close)
	c.Lease = cache.NewRedisLease(leaseClient, c.Config.Redis.KeyPrefix+"lease:")

	c.IdempotencyStore = idempotency.NewRedisStore(redisClient)

	executeLimit := int64(c.Config.Server.ExecuteLimitPerMin)
	c.TieredLimiter = ratelimit.NewTieredLimiter(redisClient.Client(), ratelimit.TieredConfig{
		KeyPrefix:  c.Config.Redis.KeyPrefix,
		IPLimit:    int64(c.Config.Server.RateLimitPerMin),
		IPWindow:   time.Minute,
		UserLimit:  int64(c.Config.Server.RateLimitPerMin),
		UserWindow: time.Minute,
		EndpointLimits: map[string]ratelimit.EndpointLimit{
			"POST /api/v1/orders/:id/execute": {Limit: executeLimit, Window: time.Minute},
			"POST /api/v1/orders":             {Limit: executeLimit * 2, Window: time.Minute},
		},
	}, c.ZapLog)
	return nil
}

func (c *Container) initializeEvents() {
	if c.Config.Events.RabbitMQURL == "" {
		c.Events = events.NoopPublisher{}
		return
	}

	publisher, err := events.NewRabbitMQPublisher(events.Config{
		URL:      c.Config.Events.RabbitMQURL,
		Exchange: c.Config.Events.Exchange,
	}, c.ZapLog)
	if err != nil {
		c.Logger.Warn("Event publisher unavailable, events will be dropped", "error", err)
		c.Events = events.NoopPublisher{}
		return
	}
	c.Events = publisher
	c.addCloser("rabbitmq", publisher.Close)
}

func (c *Container) initializeDomainServices() error {
	cfg := c.Config

	cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}
	c.Cipher = cipher
	c.Issuer = credential.NewIssuer(c.Credentials, cipher, cfg.Credentials.TokenSecret, c.ZapLog)

	c.SwapClient = swap.NewClient(swap.Config{
		BaseURL:           cfg.Swap.BaseURL,
		APIKey:            cfg.Swap.APIKey,
		Timeout:           cfg.Swap.Timeout,
		RequestsPerSecond: cfg.Swap.RequestsPerSecond,
		MaxRetries:        cfg.Swap.MaxRetries,
		RetryBackoff:      cfg.Swap.RetryBackoff,
	}, c.ZapLog)

	conflictRetry := retry.DefaultPolicy()
	if cfg.Pipeline.ConflictRetries > 0 {
		conflictRetry.MaxRetries = cfg.Pipeline.ConflictRetries
	}

	pipeline, err := dca.NewPipeline(c.Orders, c.Sagas, c.Issuer, c.SwapClient, c.Lease, c.Events, dca.PipelineConfig{
		LeaseTTL:            cfg.Pipeline.LeaseTTL,
		SettlementTimeout:   cfg.Pipeline.SettlementTimeout,
		ApprovalTimeout:     cfg.Pipeline.ApprovalTimeout,
		ReceiptPollInterval: cfg.Pipeline.ReceiptPollInterval,
		TrustedRouters:      cfg.Swap.TrustedRouters,
		ConflictRetry:       conflictRetry,
	}, c.ZapLog)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	c.Pipeline = pipeline

	c.OrderService = dca.NewOrderService(c.Orders, c.Sagas, c.Issuer, pipeline, dca.OrderServiceConfig{
		StartDelay:            cfg.Scheduler.StartDelay,
		DefaultFeeBasisPoints: cfg.Credentials.DefaultFeeBasisPoints,
		TrustedRouters:        cfg.Swap.TrustedRouters,
		AssetDecimals:         cfg.Assets.Decimals,
		DefaultDecimals:       cfg.Assets.DefaultDecimals,
		ConflictRetry:         conflictRetry,
	}, c.ZapLog)

	c.Scheduler = dca.NewScheduler(c.Orders, pipeline, dca.SchedulerConfig{
		BatchSize:    cfg.Scheduler.BatchSize,
		Concurrency:  cfg.Scheduler.Concurrency,
		OrderTimeout: cfg.Scheduler.OrderTimeout,
	}, c.ZapLog)

	return nil
}

// HealthChecks returns a probe per configured dependency
func (c *Container) HealthChecks() map[string]handlers.HealthCheckFunc {
	checks := make(map[string]handlers.HealthCheckFunc)
	if c.DB != nil {
		checks["database"] = func(ctx context.Context) error {
			return database.HealthCheck(ctx, c.DB)
		}
	}
	if c.RedisClient != nil {
		checks["redis"] = c.RedisClient.Ping
	}
	if c.LeaseClient != nil {
		checks["lease"] = func(ctx context.Context) error {
			return c.LeaseClient.Ping(ctx).Err()
		}
	}
	return checks
}

func (c *Container) addCloser(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

// Close releases connections opened by the container in reverse order
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].close(); err != nil {
			c.Logger.Warn("Failed to close dependency", "component", c.closers[i].name, "error", err)
		}
	}
	c.closers = nil
}
