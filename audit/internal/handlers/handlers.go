// Package handlers exposes ingestion and the query service over HTTP.
// Identity comes from the gateway headers read by
// middleware.ActorFromHeaders.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/ingest"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/normalizer"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/query"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-audit/common/httputil"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/middleware"
)

const (
	// MaxBodySize bounds one request body.
	MaxBodySize = 4 << 20
	// MaxBatchSize bounds the events in one batch request.
	MaxBatchSize = 1000

	rateLimitScope = "ingest"
)

// EventRequest is one event as submitted over HTTP.
type EventRequest struct {
	Type      string           `json:"type"`
	Payload   models.Payload   `json:"payload,omitempty"`
	Overrides models.Overrides `json:"overrides"`
}

type BatchRequest struct {
	Events []EventRequest `json:"events"`
}

type EventResponse struct {
	LogID string `json:"log_id"`
}

// BatchResponse aligns LogIDs with the request; rejected entries have an
// empty id and an entry in Errors keyed by index.
type BatchResponse struct {
	LogIDs []string          `json:"log_ids"`
	Errors map[string]string `json:"errors,omitempty"`
}

type ErrorResponse = httputil.ErrorResponse

type VerifyResponse struct {
	LogID string `json:"log_id"`
	Valid bool   `json:"valid"`
}

type Handler struct {
	ingest  *ingest.Service
	query   *query.Service
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
}

// NewHandler wires the endpoints. limiter may be nil to disable rate
// limiting.
func NewHandler(in *ingest.Service, q *query.Service, limiter ratelimit.RateLimiter, logger *slog.Logger) *Handler {
	if limiter == nil {
		limiter = ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ingest:  in,
		query:   q,
		limiter: limiter,
		logger:  logger.With(slog.String(logging.FieldComponent, "handlers")),
	}
}

// CreateEvent handles POST /api/v1/audit/events.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	rc := ingest.RequestContextFrom(r)
	if !h.allow(w, r, rc) {
		return
	}

	var req EventRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, status, "invalid_request", err.Error())
		return
	}
	in, err := req.input()
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "unknown_event_type", err.Error())
		return
	}

	id, err := h.ingest.Push(r.Context(), rc, in)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, EventResponse{LogID: id})
}

// CreateEvents handles POST /api/v1/audit/events/batch.
func (h *Handler) CreateEvents(w http.ResponseWriter, r *http.Request) {
	rc := ingest.RequestContextFrom(r)
	if !h.allow(w, r, rc) {
		return
	}

	var req BatchRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, status, "invalid_request", err.Error())
		return
	}
	switch {
	case len(req.Events) == 0:
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "events must not be empty")
		return
	case len(req.Events) > MaxBatchSize:
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("at most %d events per batch", MaxBatchSize))
		return
	}

	// Unknown names map to an invalid type so the normalizer rejects them
	// per entry.
	ins := make([]models.EventInput, len(req.Events))
	parseErrs := make(map[int]error)
	for i, e := range req.Events {
		in, err := e.input()
		if err != nil {
			in.Type = models.NumEventTypes
			parseErrs[i] = err
		}
		ins[i] = in
	}

	ids, err := h.ingest.PushBatch(r.Context(), rc, ins)
	var batchErr *ingest.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		h.writeIngestError(w, r, err)
		return
	}

	resp := BatchResponse{LogIDs: ids}
	status := http.StatusAccepted
	if batchErr != nil {
		resp.Errors = make(map[string]string, len(batchErr.Errors))
		for i, e := range batchErr.Errors {
			if pe, ok := parseErrs[i]; ok {
				e = pe
			}
			resp.Errors[strconv.Itoa(i)] = e.Error()
		}
		if len(batchErr.Errors) == len(ins) {
			status = http.StatusBadRequest
		}
	}
	httputil.WriteJSON(w, status, resp)
}

// ListEvents handles GET /api/v1/audit/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	page, err := h.query.List(r.Context(), viewer, f)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

// GetEvent handles GET /api/v1/audit/events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}
	env, err := h.query.Get(r.Context(), viewer, r.PathValue("id"))
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

// ResolveEvent handles POST /api/v1/audit/events/{id}/resolve. Admin only.
func (h *Handler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.admin(w, r)
	if !ok {
		return
	}
	env, err := h.query.Resolve(r.Context(), r.PathValue("id"), viewer.UserID)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

// VerifyEvent handles GET /api/v1/audit/events/{id}/verify. Admin only.
func (h *Handler) VerifyEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	valid, err := h.query.Verify(r.Context(), id)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, VerifyResponse{LogID: id, Valid: valid})
}

// allow applies the ingest rate limit keyed by actor, else client IP. A
// limiter failure lets the request through.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, rc models.RequestContext) bool {
	key := rc.ActorID
	if key == "" {
		key = rc.IP
	}
	ok, err := h.limiter.Allow(r.Context(), rc, rateLimitScope, key)
	if err != nil {
		h.logger.WarnContext(r.Context(), "rate limit check failed", logging.Error(err))
		return true
	}
	if !ok {
		httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return false
	}
	return true
}

func (h *Handler) viewer(w http.ResponseWriter, r *http.Request) (query.Viewer, bool) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return query.Viewer{}, false
	}
	return query.Viewer{UserID: actor.UserID, Admin: actor.IsAdmin()}, true
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (query.Viewer, bool) {
	v, ok := h.viewer(w, r)
	if !ok {
		return v, false
	}
	if !v.Admin {
		httputil.WriteError(w, http.StatusForbidden, "forbidden", "admin role required")
		return v, false
	}
	return v, true
}

func (h *Handler) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, normalizer.ErrUnknownEventType):
		httputil.WriteError(w, http.StatusBadRequest, "unknown_event_type", err.Error())
	case errors.Is(err, ingest.ErrEnqueue):
		h.logger.ErrorContext(r.Context(), "audit enqueue failed", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "queue_unavailable", "audit queue unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "audit ingest failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *Handler) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", "audit event not found")
	case errors.Is(err, query.ErrInvalidFilter), errors.Is(err, query.ErrNoResolver):
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, query.ErrAlreadyResolved):
		httputil.WriteError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, query.ErrNotResolvable):
		httputil.WriteError(w, http.StatusUnprocessableEntity, "not_resolvable", err.Error())
	case errors.Is(err, query.ErrNoSigner):
		httputil.WriteError(w, http.StatusNotImplemented, "signing_disabled", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "audit query failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}


func (e EventRequest) input() (models.EventInput, error) {
	t, ok := models.ParseEventType(e.Type)
	if !ok {
		return models.EventInput{Payload: e.Payload, Overrides: e.Overrides},
			fmt.Errorf("%w: %q", normalizer.ErrUnknownEventType, e.Type)
	}
	return models.EventInput{Type: t, Payload: e.Payload, Overrides: e.Overrides}, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	err := httputil.DecodeJSON(w, r, MaxBodySize, dst)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge, err
	}
	return http.StatusBadRequest, err
}

func parseFilter(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	f := query.Filter{
		MinSeverity: models.Severity(q.Get("min_severity")),
		UserID:      q.Get("user_id"),
		EventType:   q.Get("event_type"),
		EntityType:  q.Get("entity_type"),
		EntityID:    q.Get("entity_id"),
		Cursor:      q.Get("cursor"),
	}
	for _, c := range splitList(q.Get("category")) {
		f.Categories = append(f.Categories, models.Category(c))
	}
	for _, l := range splitList(q.Get("log_type")) {
		f.LogTypes = append(f.LogTypes, models.LogType(l))
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if s := q.Get("resolved"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("resolved: %w", err)
		}
		f.Resolved = &b
	}
	if f.Limit, err = httputil.QueryInt(r, "limit", 0); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
