package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/nodeid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/queue"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/scheduler"
	"github.com/telhawk-systems/telhawk-audit/common/config"
	"github.com/telhawk-systems/telhawk-audit/common/database"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-audit/common/messaging/nats"
)

// backend is the queue plus the trigger store that shares its storage.
type backend struct {
	queue    queue.Queue
	triggers scheduler.TriggerStore
	// redis is set for the redis backend so the rate limiter can share it.
	redis *redis.Client
	// nodes leases log id node numbers for backends shared between
	// processes. It is nil for the single-process badger store.
	nodes nodeid.Store
	// closers run in order after the final drain.
	closers []io.Closer
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Repository, error) {
	if cfg.Database.Type == "memory" {
		logger.Warn("using in-memory repository, rows are lost on exit")
		return repository.NewMemoryRepository(), nil
	}

	pg := cfg.Database.Postgres
	connString := database.ConnString(pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode)

	if cfg.Audit.MigrationsPath != "" {
		if err := runMigrations(cfg.Audit.MigrationsPath, connString, logger); err != nil {
			return nil, err
		}
	}

	repo, err := repository.NewPostgresRepository(ctx, connString, database.PoolConfig{
		MaxConns:        pg.MaxConns,
		MinConns:        pg.MinConns,
		MaxConnLifetime: pg.MaxConnLifetime,
		MaxConnIdleTime: pg.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to postgres", slog.String("host", pg.Host), slog.String("database", pg.Database))
	return repo, nil
}

func runMigrations(path, connString string, logger *slog.Logger) error {
	m, err := migrate.New("file://"+path, connString)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Info("migrations applied", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

func connectRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	return queue.ConnectRedis(ctx, rc.URL, func(o *redis.Options) {
		if rc.PoolSize > 0 {
			o.PoolSize = rc.PoolSize
		}
		if rc.MaxRetries > 0 {
			o.MaxRetries = rc.MaxRetries
		}
	})
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	prefix := cfg.Audit.KeyPrefix
	logger = logger.With(logging.Backend(cfg.Queue.Backend))

	switch cfg.Queue.Backend {
	case config.QueueBadger:
		q, err := queue.OpenBadger(queue.BadgerOptions{
			Path:       cfg.Queue.Badger.Path,
			SyncWrites: cfg.Queue.Badger.SyncWrites,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			queue:    q,
			triggers: scheduler.NewBadgerTriggerStore(q.DB()),
			closers:  []io.Closer{q},
		}, nil

	case config.QueueJetStream:
		nc := natsclient.DefaultConfig()
		nc.URL = cfg.Queue.NATS.URL
		nc.Name = "auditd"
		nc.MaxReconnects = cfg.Queue.NATS.MaxReconnects
		if cfg.Queue.NATS.ReconnectWait > 0 {
			nc.ReconnectWait = cfg.Queue.NATS.ReconnectWait
		}
		nc.Logger = logger

		client, err := natsclient.NewJetStreamClient(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		stream := natsclient.DefaultStreamConfig(
			messaging.StreamName(prefix, messaging.StreamAuditEvents),
			[]string{messaging.Subject(prefix, messaging.SubjectAuditEvents)},
		)
		q, err := queue.NewJetStreamQueue(ctx, client, stream, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		kv, err := client.KeyValue(ctx, messaging.StreamName(prefix, messaging.BucketAuditSchedule))
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		nodes, err := client.KeyValueWithTTL(ctx, messaging.StreamName(prefix, messaging.BucketAuditNodes), nodeid.DefaultTTL)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{
			queue:    q,
			triggers: scheduler.NewKVTriggerStore(kv),
			nodes:    nodeid.NewKVStore(nodes, nodeid.DefaultTTL),
			closers:  []io.Closer{q, client},
		}, nil

	default:
		client, err := connectRedis(ctx, cfg.Queue.Redis)
		if err != nil {
			return nil, err
		}
		q := queue.NewRedisQueue(client, prefix, logger)
		return &backend{
			queue:    q,
			triggers: scheduler.NewRedisTriggerStore(client, prefix),
			redis:    client,
			nodes:    nodeid.NewRedisStore(client, prefix, nodeid.DefaultTTL),
			closers:  []io.Closer{q, client},
		}, nil
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
