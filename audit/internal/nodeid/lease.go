package nodeid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// Lease is a held node id. Serve keeps it alive under the supervisor tree
// and Close gives it back.
type Lease struct {
	store  Store
	node   int64
	owner  string
	logger *slog.Logger
	now    func() time.Time

	lost     atomic.Bool
	released atomic.Bool
}

// Acquire claims the first free node, scanning upward from
// logid.DefaultNode so restarts of the same host tend to get the same one.
func Acquire(ctx context.Context, store Store, owner string, logger *slog.Logger) (*Lease, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := logid.DefaultNode()
	for i := int64(0); i <= logid.MaxNode; i++ {
		node := (start + i) % (logid.MaxNode + 1)
		ok, err := store.Claim(ctx, node, owner)
		if err != nil {
			return nil, fmt.Errorf("failed to lease node id: %w", err)
		}
		if !ok {
			continue
		}
		metrics.NodeLeaseNode.Set(float64(node))
		logger.Info("leased log id node",
			slog.Int64("node_id", node),
			slog.String("owner", owner),
			slog.Duration("ttl", store.TTL()),
		)
		return &Lease{store: store, node: node, owner: owner, logger: logger, now: time.Now}, nil
	}
	return nil, ErrNoFreeNode
}

// Node returns the leased node id.
func (l *Lease) Node() int64 {
	return l.node
}

// Lost reports whether Serve gave up the lease.
func (l *Lease) Lost() bool {
	return l.lost.Load()
}

// Serve renews the lease every third of its TTL. Transient failures are
// retried until a whole TTL has passed without a renewal; at that point, or
// as soon as another owner shows up, the lease is lost and Serve stops the
// supervisor tree so no more IDs are minted on a node that may be reused.
func (l *Lease) Serve(ctx context.Context) error {
	ttl := l.store.TTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	renewed := l.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := l.store.Renew(ctx, l.node, l.owner)
		if err == nil {
			renewed = l.now()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.NodeLeaseRenewFailures.Inc()

		if errors.Is(err, ErrLeaseLost) || l.now().Sub(renewed) >= ttl {
			l.lost.Store(true)
			l.logger.ErrorContext(ctx, "log id node lease lost, stopping",
				slog.Int64("node_id", l.node), logging.Error(err))
			return fmt.Errorf("node %d: %w: %w", l.node, ErrLeaseLost, suture.ErrTerminateSupervisorTree)
		}
		l.logger.WarnContext(ctx, "failed to renew log id node lease",
			slog.Int64("node_id", l.node), logging.Error(err))
	}
}

func (l *Lease) String() string {
	return "node-lease"
}

// Close releases the node. It is safe to call more than once.
func (l *Lease) Close() error {
	if l.released.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.store.Release(ctx, l.node, l.owner)
}
