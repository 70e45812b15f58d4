// Package ingest turns "something happened" calls into queued envelopes.
//
// Push and PushBatch normalize inline and perform exactly one queue call;
// they never touch the relational store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/normalizer"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/queue"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// ErrEnqueue wraps queue failures. They are transient; the caller decides
// whether to retry.
var ErrEnqueue = errors.New("failed to enqueue audit event")

// BatchError lists the PushBatch entries that failed normalization, keyed
// by input index. The remaining entries were enqueued.
type BatchError struct {
	Errors map[int]error
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d audit event(s) rejected", len(e.Errors))
	for _, i := range e.indexes() {
		fmt.Fprintf(&b, "; [%d]: %v", i, e.Errors[i])
	}
	return b.String()
}

// Unwrap lets errors.Is match the per-entry errors.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, i := range e.indexes() {
		out = append(out, e.Errors[i])
	}
	return out
}

func (e *BatchError) indexes() []int {
	idx := make([]int, 0, len(e.Errors))
	for i := range e.Errors {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	return idx
}

// Service is the ingestion entry point.
type Service struct {
	normalizer *normalizer.Normalizer
	queue      queue.Queue
	logger     *slog.Logger
}

func NewService(n *normalizer.Normalizer, q queue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		normalizer: n,
		queue:      q,
		logger:     logger.With(slog.String(logging.FieldComponent, "ingest")),
	}
}

// Push normalizes in and enqueues it, returning the assigned log id.
func (s *Service) Push(ctx context.Context, rc models.RequestContext, in models.EventInput) (string, error) {
	env, err := s.normalizer.Normalize(in, rc)
	if err != nil {
		metrics.NormalizationErrors.Inc()
		return "", err
	}

	if err := s.queue.Enqueue(ctx, env.LogID, env); err != nil {
		metrics.EnqueueErrors.Inc()
		return "", fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	metrics.EventsEnqueued.WithLabelValues(string(env.Category)).Inc()

	s.logger.DebugContext(ctx, "audit event enqueued",
		logging.LogID(env.LogID),
		logging.EventType(env.Type),
	)
	return env.LogID, nil
}

// PushBatch normalizes every input independently and enqueues the valid
// ones with a single EnqueueBatch call. The returned ids align with ins;
// rejected entries get "" and are reported in a *BatchError. If the bulk
// enqueue fails no ids are returned.
func (s *Service) PushBatch(ctx context.Context, rc models.RequestContext, ins []models.EventInput) ([]string, error) {
	ids := make([]string, len(ins))
	items := make([]queue.Item, 0, len(ins))
	var batchErr *BatchError

	for i, in := range ins {
		env, err := s.normalizer.Normalize(in, rc)
		if err != nil {
			metrics.NormalizationErrors.Inc()
			if batchErr == nil {
				batchErr = &BatchError{Errors: make(map[int]error)}
			}
			batchErr.Errors[i] = err
			continue
		}
		ids[i] = env.LogID
		items = append(items, queue.NewItem(env))
	}

	if len(items) > 0 {
		if err := s.queue.EnqueueBatch(ctx, items); err != nil {
			metrics.EnqueueErrors.Inc()
			return nil, fmt.Errorf("%w: %w", ErrEnqueue, err)
		}
		for _, item := range items {
			metrics.EventsEnqueued.WithLabelValues(string(item.Envelope.Category)).Inc()
		}
		s.logger.DebugContext(ctx, "audit batch enqueued", logging.BatchSize(len(items)))
	}

	if batchErr != nil {
		return ids, batchErr
	}
	return ids, nil
}
