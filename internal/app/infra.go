package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/outbound-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/outbound-engine/internal/infra/redis"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/queue"
	"github.com/kursadbilgin/outbound-engine/internal/ratelimit"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const consumerPrefetch = 10

// Infra holds the external connections of a process. Redis and RabbitMQ
// are nil when their URL is not configured.
type Infra struct {
	DB     *gorm.DB
	SQL    *sql.DB
	Redis  *redis.Client
	Rabbit *queue.RabbitMQ
}

// OpenInfra connects to postgres, applies the migrations and connects the
// optional redis and rabbitmq backends.
func OpenInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infra, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeMins) * time.Minute,
		SlowQuery:       time.Duration(cfg.DBSlowQueryMillis) * time.Millisecond,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return nil, fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	infra := &Infra{DB: db, SQL: sqlDB}

	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		rdb, err := infraredis.NewRedis(ctx, url)
		if err != nil {
			_ = infra.Close()
			return nil, fmt.Errorf("redis initialization failed: %w", err)
		}
		infra.Redis = rdb
	} else {
		logger.Info("REDIS_URL is empty, vendor calls are not rate limited")
	}

	if url := strings.TrimSpace(cfg.RabbitMQURL); url != "" {
		rabbit, err := queue.NewRabbitMQ(ctx, url)
		if err != nil {
			_ = infra.Close()
			return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		infra.Rabbit = rabbit
	} else {
		logger.Info("RABBITMQ_URL is empty, dispatch signals are disabled")
	}

	return infra, nil
}

// Deps builds the engine collaborators on top of the open connections.
func (i *Infra) Deps(cfg *config.Config, providers config.ProvidersConfig, metrics *observability.Metrics, logger *zap.Logger) (Deps, error) {
	deps := Deps{
		Config:    cfg,
		Providers: providers,
		Messages:  repository.NewGormMessageRepo(i.DB),
		Attempts:  repository.NewGormAttemptRepo(i.DB),
		Templates: repository.NewGormTemplateRepo(i.DB),
		Limiter:   ratelimit.Unlimited{},
		Metrics:   metrics,
		Logger:    logger,
	}

	if i.Redis != nil {
		limiter, err := infraredis.NewRedisRateLimiter(i.Redis, cfg.RateLimitPerSec)
		if err != nil {
			return Deps{}, err
		}
		deps.Limiter = limiter
	}
	if i.Rabbit != nil {
		deps.Publisher = queue.NewRabbitMQPublisher(i.Rabbit)
	}

	return deps, nil
}

// Consumer returns a dispatch signal consumer, or an error when RabbitMQ is
// not configured.
func (i *Infra) Consumer(logger *zap.Logger) (queue.Consumer, error) {
	if i.Rabbit == nil {
		return nil, fmt.Errorf("RABBITMQ_URL is required to consume dispatch signals")
	}
	return queue.NewRabbitMQConsumer(i.Rabbit, consumerPrefetch, logger), nil
}

func (i *Infra) Close() error {
	var err error
	if i.Rabbit != nil {
		err = multierr.Append(err, i.Rabbit.Close())
	}
	if i.Redis != nil {
		err = multierr.Append(err, i.Redis.Close())
	}
	if i.SQL != nil {
		err = multierr.Append(err, i.SQL.Close())
	}
	return err
}
