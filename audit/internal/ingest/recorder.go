package ingest

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/middleware"
)

// Pusher is satisfied by *Service.
type Pusher interface {
	Push(ctx context.Context, rc models.RequestContext, in models.EventInput) (string, error)
}

// Recorder is the best-effort surface for request handlers: failures are
// logged and counted, never returned, so a degraded audit pipeline cannot
// fail the request that caused the event.
type Recorder struct {
	pusher Pusher
	logger *slog.Logger
}

func NewRecorder(p Pusher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{pusher: p, logger: logger}
}

// Record pushes in and returns the log id, or "" if it was dropped.
func (r *Recorder) Record(ctx context.Context, rc models.RequestContext, in models.EventInput) string {
	id, err := r.pusher.Push(ctx, rc, in)
	if err != nil {
		metrics.RecordFailures.Inc()
		r.logger.ErrorContext(ctx, "failed to record audit event",
			logging.EventType(in.Type.String()),
			logging.RequestID(rc.RequestID),
			logging.Error(err),
		)
		return ""
	}
	return id
}

// RequestContextFrom builds the ambient request data for r. It expects the
// middleware.RequestID handler and the authentication layer to have run.
func RequestContextFrom(r *http.Request) models.RequestContext {
	ctx := r.Context()
	rc := models.RequestContext{
		IP:            middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
		RequestID:     middleware.GetRequestID(ctx),
		TraceID:       middleware.TraceID(r),
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	if actor, ok := middleware.GetActor(ctx); ok {
		rc.ActorID = actor.UserID
		rc.SessionID = actor.SessionID
	}
	return rc
}
