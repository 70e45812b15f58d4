package repository

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// Signer signs rows on insert and verifies them on read.
type Signer interface {
	Sign(eventID string, timestamp time.Time, actor string, data []byte) string
	Verify(eventID string, timestamp time.Time, actor string, data []byte, signature string) bool
}

// Row is one audit_log record.
type Row struct {
	LogID      string
	EventType  string
	Category   models.Category
	LogType    models.LogType
	Severity   models.Severity
	Visibility models.Visibility

	ActorID    *string
	SubjectID  *string
	EntityType *string
	EntityID   *string

	Description string
	// Payload is canonical JSON (sorted keys, no insignificant space).
	Payload []byte

	SessionID     *string
	IP            *string
	UserAgent     *string
	RequestID     *string
	TraceID       *string
	CorrelationID *string

	OccurredAt time.Time
	Created    time.Time

	Resolved   bool
	ResolvedAt *time.Time
	ResolvedBy *string

	Signature string
}

// RowFromEnvelope maps env to its stored form. Created is now, raised to
// OccurredAt if the event claims a later time, so OccurredAt <= Created
// always holds. Timestamps are truncated to the microsecond precision of
// the database.
func RowFromEnvelope(env *models.Envelope, now time.Time, signer Signer) (Row, error) {
	payload, err := canonicalJSON(env.Payload)
	if err != nil {
		return Row{}, fmt.Errorf("log %s: %w", env.LogID, err)
	}

	occurred := env.OccurredAt.UTC().Truncate(time.Microsecond)
	created := now.UTC().Truncate(time.Microsecond)
	if created.Before(occurred) {
		created = occurred
	}

	row := Row{
		LogID:         env.LogID,
		EventType:     env.Type,
		Category:      env.Category,
		LogType:       env.LogType,
		Severity:      env.Severity,
		Visibility:    env.Visibility,
		ActorID:       env.ActorID,
		SubjectID:     env.SubjectID,
		Description:   env.Description,
		Payload:       payload,
		SessionID:     models.StringPtr(env.SessionID),
		IP:            models.StringPtr(env.IP),
		UserAgent:     models.StringPtr(env.UserAgent),
		RequestID:     models.StringPtr(env.RequestID),
		TraceID:       models.StringPtr(env.TraceID),
		CorrelationID: models.StringPtr(env.CorrelationID),
		OccurredAt:    occurred,
		Created:       created,
	}
	if env.Entity != nil {
		row.EntityType = models.StringPtr(env.Entity.Type)
		row.EntityID = models.StringPtr(env.Entity.ID)
	}

	if signer != nil {
		body, err := row.signedBody()
		if err != nil {
			return Row{}, err
		}
		row.Signature = signer.Sign(row.LogID, row.OccurredAt, models.Deref(row.ActorID), body)
	}
	return row, nil
}

// Envelope converts the row back to its envelope form.
func (r *Row) Envelope() (*models.Envelope, error) {
	env := &models.Envelope{
		LogID:         r.LogID,
		Type:          r.EventType,
		Category:      r.Category,
		LogType:       r.LogType,
		Severity:      r.Severity,
		Visibility:    r.Visibility,
		ActorID:       r.ActorID,
		SubjectID:     r.SubjectID,
		Description:   r.Description,
		SessionID:     models.Deref(r.SessionID),
		IP:            models.Deref(r.IP),
		UserAgent:     models.Deref(r.UserAgent),
		RequestID:     models.Deref(r.RequestID),
		TraceID:       models.Deref(r.TraceID),
		CorrelationID: models.Deref(r.CorrelationID),
		OccurredAt:    r.OccurredAt,
		Created:       r.Created,
		Resolved:      r.Resolved,
		ResolvedAt:    r.ResolvedAt,
		ResolvedBy:    r.ResolvedBy,
	}
	if r.EntityType != nil || r.EntityID != nil {
		env.Entity = &models.Entity{Type: models.Deref(r.EntityType), ID: models.Deref(r.EntityID)}
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &env.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", r.LogID, err)
		}
	}
	return env, nil
}

// Verify reports whether the row still matches its signature. Rows
// written without a signer never verify.
func (r *Row) Verify(signer Signer) bool {
	if signer == nil || r.Signature == "" {
		return false
	}
	body, err := r.signedBody()
	if err != nil {
		return false
	}
	return signer.Verify(r.LogID, r.OccurredAt, models.Deref(r.ActorID), body, r.Signature)
}

// signedBody is the immutable part of the row. Resolution fields and
// Created are excluded.
func (r *Row) signedBody() ([]byte, error) {
	payload, err := recanonicalize(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type        string          `json:"type"`
		Category    string          `json:"category"`
		LogType     string          `json:"log_type"`
		Severity    string          `json:"severity"`
		Visibility  string          `json:"visibility"`
		SubjectID   string          `json:"subject_id"`
		EntityType  string          `json:"entity_type"`
		EntityID    string          `json:"entity_id"`
		Description string          `json:"description"`
		Payload     json.RawMessage `json:"payload"`
	}{
		Type:        r.EventType,
		Category:    string(r.Category),
		LogType:     string(r.LogType),
		Severity:    string(r.Severity),
		Visibility:  string(r.Visibility),
		SubjectID:   models.Deref(r.SubjectID),
		EntityType:  models.Deref(r.EntityType),
		EntityID:    models.Deref(r.EntityID),
		Description: r.Description,
		Payload:     payload,
	})
}

func canonicalJSON(p models.Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return recanonicalize(raw)
}

// recanonicalize decodes and re-encodes raw so that any two encodings of
// the same document (including PostgreSQL's jsonb output) are identical.
func recanonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
