package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/stepflow/internal/adapter/queue/memoryq"
	"github.com/fairyhunter13/stepflow/internal/adapter/queue/postgresq"
	"github.com/fairyhunter13/stepflow/internal/adapter/queue/redisq"
	storememory "github.com/fairyhunter13/stepflow/internal/adapter/store/memory"
	storepostgres "github.com/fairyhunter13/stepflow/internal/adapter/store/postgres"
	"github.com/fairyhunter13/stepflow/internal/config"
	"github.com/fairyhunter13/stepflow/internal/domain"
)

// Infra bundles the storage and queue backends selected by QUEUE_DRIVER.
// The memory driver pairs with the memory store and is single-process; the
// Redis and Postgres drivers pair with the Postgres store so the inbox stays
// atomic across processes.
type Infra struct {
	Store domain.Store
	Queue domain.QueueDriver
	Pool  *pgxpool.Pool
	Close func()
}

func connectRetry(ctx context.Context, what string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		slog.Warn("connect retry",
			slog.String("target", what),
			slog.Duration("next", next),
			slog.Any("error", err))
	})
	if err != nil {
		return fmt.Errorf("op=app.connect: %s: %w", what, err)
	}
	return nil
}

// BuildInfra connects the backends for the configured driver, applying
// migrations where needed.
func BuildInfra(ctx context.Context, cfg config.Config) (*Infra, error) {
	switch cfg.QueueDriver {
	case config.DriverMemory:
		return &Infra{
			Store: storememory.New(),
			Queue: memoryq.New(memoryq.Options{
				Concurrency: cfg.WorkerConcurrency,
				DLQTopic:    cfg.DLQTopic,
			}),
			Close: func() {},
		}, nil

	case config.DriverRedis:
		pool, store, err := buildPostgresStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("op=app.build_infra: redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := connectRetry(ctx, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
			pool.Close()
			return nil, err
		}
		return &Infra{
			Store: store,
			Queue: redisq.New(rdb, redisq.Options{
				Concurrency:  cfg.WorkerConcurrency,
				DLQTopic:     cfg.DLQTopic,
				LockDuration: cfg.RedisQueueLockDuration,
			}),
			Pool: pool,
			Close: func() {
				_ = rdb.Close()
				pool.Close()
			},
		}, nil

	case config.DriverPostgres:
		pool, store, err := buildPostgresStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		driver := postgresq.New(pool, postgresq.Options{
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: cfg.PGQueuePollInterval,
			LockDuration: cfg.PGQueueLockDuration,
			DLQTopic:     cfg.DLQTopic,
		})
		if err := driver.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &Infra{
			Store: store,
			Queue: driver,
			Pool:  pool,
			Close: pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("op=app.build_infra: unknown driver %q", cfg.QueueDriver)
}

func buildPostgresStore(ctx context.Context, cfg config.Config) (*pgxpool.Pool, *storepostgres.Store, error) {
	pool, err := storepostgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("op=app.build_infra: pool: %w", err)
	}
	if err := connectRetry(ctx, "postgres", func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, nil, err
	}
	store := storepostgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("op=app.build_infra: migrate: %w", err)
	}
	return pool, store, nil
}
