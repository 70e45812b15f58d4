package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/handlers"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/ingest"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/nodeid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/normalizer"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/query"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/scheduler"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/supervisor"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/worker"
	"github.com/telhawk-systems/telhawk-audit/common/audit"
	"github.com/telhawk-systems/telhawk-audit/common/config"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("auditd"))
	logging.SetDefault(logger)

	if err := run(cfg, logger.Logger); err != nil {
		slog.Error("auditd stopped", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closeRepo := worker.CloserFunc(func() error {
		repo.Close()
		return nil
	})

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		repo.Close()
		return err
	}

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	node, lease, err := pickNode(ctx, cfg.Audit.NodeID, b.nodes, owner, logger)
	if err != nil {
		closeAll(append(b.closers, closeRepo))
		return err
	}
	if lease != nil {
		// released after the final flush, while its client is still open
		b.closers = append([]io.Closer{lease}, b.closers...)
	}
	ids, err := logid.New(node)
	if err != nil {
		closeAll(append(b.closers, closeRepo))
		return fmt.Errorf("failed to create log id generator: %w", err)
	}

	var signer repository.Signer
	if cfg.Audit.SigningSecret != "" {
		signer = audit.NewEventSigner(cfg.Audit.SigningSecret)
	} else {
		logger.Warn("audit.signing_secret is empty, rows are stored unsigned")
	}

	flusher := worker.NewFlusher(b.queue, repo, signer, worker.Options{
		FlushTimeout:       cfg.Audit.FlushTimeout,
		BreakerFailures:    cfg.Breaker.Failures,
		BreakerOpenTimeout: cfg.Breaker.OpenTimeout,
	}, logger)

	sched := scheduler.New(flusher, b.triggers, scheduler.Config{
		Interval: cfg.Audit.FlushInterval,
		Owner:    owner,
	}, logger)

	ingestSvc := ingest.NewService(normalizer.New(ids), b.queue, logger)
	querySvc := query.NewService(repo, signer, logger)

	limiter, limiterClosers, err := newRateLimiter(ctx, cfg, b.redis, ingestSvc, logger)
	if err != nil {
		closeAll(append(b.closers, closeRepo))
		return err
	}

	api := handlers.NewRouter(handlers.NewHandler(ingestSvc, querySvc, limiter, logger))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      supervisor.NewRouter(flusher, b.queue, api),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Audit.ShutdownTimeout})
	tree.AddPipelineService(sched)
	if lease != nil {
		tree.AddPipelineService(lease)
	}
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.Server.WriteTimeout))

	logger.Info("auditd started",
		slog.Int("port", cfg.Server.Port),
		logging.Backend(cfg.Queue.Backend),
		slog.String("database", cfg.Database.Type),
		slog.Int64("node_id", node),
		slog.Duration("flush_interval", cfg.Audit.FlushInterval),
		slog.Bool("rate_limit", cfg.RateLimit.Enabled),
	)

	serveErr := tree.Serve(ctx)
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("supervisor stopped unexpectedly", logging.Error(serveErr))
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", slog.Int("count", len(report)))
	}

	logger.Info("shutting down, draining queue", slog.Duration("timeout", cfg.Audit.ShutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Audit.ShutdownTimeout)
	defer cancel()

	// the queue goes before the clients it rides on; the repository goes last
	closers := append(limiterClosers, b.closers...)
	closers = append(closers, closeRepo)
	if err := worker.Drain(drainCtx, flusher, closers...); err != nil {
		return fmt.Errorf("drain incomplete: %w", err)
	}
	if errors.Is(serveErr, nodeid.ErrLeaseLost) {
		return serveErr
	}
	logger.Info("auditd stopped cleanly")
	return nil
}

// pickNode returns the configured node id, or leases one from store when
// configured is negative. Without a store the node is derived from the
// host, which is only safe for a single process per store.
func pickNode(ctx context.Context, configured int64, store nodeid.Store, owner string, logger *slog.Logger) (int64, *nodeid.Lease, error) {
	if configured >= 0 {
		return configured, nil, nil
	}
	if store == nil {
		return logid.DefaultNode(), nil, nil
	}
	lease, err := nodeid.Acquire(ctx, store, owner, logger)
	if err != nil {
		return 0, nil, err
	}
	return lease.Node(), lease, nil
}

// newRateLimiter builds the ingest rate limiter. It reuses the queue's
// Redis client when there is one and otherwise dials cfg.Queue.Redis.
func newRateLimiter(ctx context.Context, cfg *config.Config, client *redis.Client, p ingest.Pusher, logger *slog.Logger) (ratelimit.RateLimiter, []io.Closer, error) {
	if !cfg.RateLimit.Enabled {
		return &ratelimit.NoOpRateLimiter{}, nil, nil
	}

	var closers []io.Closer
	if client == nil {
		c, err := connectRedis(ctx, cfg.Queue.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect rate limiter redis: %w", err)
		}
		client = c
		closers = append(closers, c)
	}

	limiter, err := ratelimit.NewRedisRateLimiter(client, ratelimit.Config{
		Limit:     cfg.RateLimit.Limit,
		Window:    cfg.RateLimit.Window,
		KeyPrefix: cfg.Audit.KeyPrefix,
	}, p, logger)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	logger.Info("rate limiting enabled",
		slog.Int("limit", cfg.RateLimit.Limit),
		slog.Duration("window", cfg.RateLimit.Window),
	)
	return limiter, append([]io.Closer{limiter}, closers...), nil
}
