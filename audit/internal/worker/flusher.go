// Package worker moves queued envelopes into the relational store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/queue"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/common/database"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// State is the flusher's position in one flush cycle.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StatePersisting
	StateCommitted
	StateAcking
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StatePersisting:
		return "persisting"
	case StateCommitted:
		return "committed"
	case StateAcking:
		return "acking"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Listed   int
	Inserted int
	Skipped  int
	Removed  int
	Duration time.Duration
}

// Options tunes a Flusher. Zero values pick the defaults.
type Options struct {
	// FlushTimeout bounds one whole flush.
	FlushTimeout time.Duration

	// BreakerFailures consecutive storage failures open the breaker.
	BreakerFailures uint32
	// BreakerOpenTimeout is how long the breaker stays open.
	BreakerOpenTimeout time.Duration
}

const (
	DefaultFlushTimeout       = 30 * time.Second
	DefaultBreakerFailures    = 5
	DefaultBreakerOpenTimeout = 30 * time.Second
)

// Flusher drains the queue into the store: list, insert in one
// transaction, then remove what was committed. Calls are serialized.
type Flusher struct {
	queue   queue.Queue
	store   repository.Store
	signer  repository.Signer
	breaker *gobreaker.CircuitBreaker[repository.InsertResult]
	timeout time.Duration
	logger  *slog.Logger

	// Clock supplies the persistence time. Tests may replace it.
	Clock func() time.Time

	mu    sync.Mutex
	state atomic.Int32
}

// NewFlusher wires a flusher. signer may be nil to store unsigned rows.
func NewFlusher(q queue.Queue, store repository.Store, signer repository.Signer, opts Options, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultBreakerFailures
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = DefaultBreakerOpenTimeout
	}

	f := &Flusher{
		queue:   q,
		store:   store,
		signer:  signer,
		timeout: opts.FlushTimeout,
		logger:  logger.With(slog.String(logging.FieldComponent, "flusher")),
		Clock:   time.Now,
	}
	f.breaker = gobreaker.NewCircuitBreaker[repository.InsertResult](gobreaker.Settings{
		Name:        "audit-store",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// bad rows are not an outage
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			kind := database.Classify(err).Kind
			return kind == database.KindConstraint || kind == database.KindData
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("storage circuit breaker changed state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return f
}

// State reports the current phase.
func (f *Flusher) State() State {
	return State(f.state.Load())
}

// BreakerState reports the storage circuit breaker state.
func (f *Flusher) BreakerState() string {
	return f.breaker.State().String()
}

func (f *Flusher) setState(s State) {
	f.state.Store(int32(s))
}

// Flush persists everything waiting in the queue. Queue items are removed
// only after the insert committed; on any earlier failure nothing is
// removed and the next flush retries. A removal failure after commit is
// returned too: the rows are stored and the next flush skips them.
func (f *Flusher) Flush(ctx context.Context) (res FlushResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.setState(StateIdle)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		metrics.FlushDuration.Observe(res.Duration.Seconds())
	}()

	f.setState(StateDraining)
	items, err := f.queue.ListWaiting(ctx)
	if err != nil {
		return res, f.fail(ctx, newFlushError(OpList, 0, err))
	}
	res.Listed = len(items)
	metrics.QueueDepth.Set(float64(len(items)))
	if len(items) == 0 {
		return res, nil
	}

	now := f.Clock()
	rows := make([]repository.Row, 0, len(items))
	for _, item := range items {
		row, err := repository.RowFromEnvelope(item.Envelope, now, f.signer)
		if err != nil {
			return res, f.fail(ctx, newFlushError(OpMap, len(items), err))
		}
		rows = append(rows, row)
	}

	f.setState(StatePersisting)
	inserted, err := f.breaker.Execute(func() (repository.InsertResult, error) {
		return f.store.InsertBatch(ctx, rows)
	})
	if err != nil {
		return res, f.fail(ctx, newFlushError(OpPersist, len(rows), err))
	}
	f.setState(StateCommitted)
	res.Inserted, res.Skipped = inserted.Inserted, inserted.Skipped
	metrics.RowsInserted.Add(float64(inserted.Inserted))
	metrics.RowsSkipped.Add(float64(inserted.Skipped))

	f.setState(StateAcking)
	if err := f.queue.Remove(ctx, items); err != nil {
		return res, f.fail(ctx, newFlushError(OpRemove, len(items), err))
	}
	res.Removed = len(items)
	metrics.QueueDepth.Sub(float64(len(items)))

	f.logger.InfoContext(ctx, "audit batch flushed",
		logging.BatchSize(len(rows)),
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		logging.Duration(time.Since(start)),
	)
	return res, nil
}

func (f *Flusher) fail(ctx context.Context, fe *FlushError) error {
	f.setState(StateFailed)
	metrics.FlushErrors.WithLabelValues(fe.Kind).Inc()
	f.logger.ErrorContext(ctx, "audit flush failed",
		slog.String("op", string(fe.Op)),
		logging.ErrorKind(fe.Kind),
		logging.Constraint(fe.Constraint),
		logging.Table(fe.Table),
		logging.SQLState(fe.SQLState),
		logging.BatchSize(fe.BatchSize),
		logging.Error(fe.Err),
	)
	return fe
}

// IsBreakerOpen reports whether err came from an open storage breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
