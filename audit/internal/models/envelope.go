package models

import "time"

// Entity references the domain object an event touched.
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RequestContext is the read-only ambient data of the request that caused
// an event. The HTTP layer builds it once and passes it down explicitly.
type RequestContext struct {
	ActorID       string
	SessionID     string
	IP            string
	UserAgent     string
	RequestID     string
	TraceID       string
	CorrelationID string
}

// Overrides replace values the normalizer would otherwise derive.
// Empty strings and nil pointers mean "not supplied".
type Overrides struct {
	ActorID       string     `json:"actor_id,omitempty"`
	SubjectID     string     `json:"subject_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	Entity        *Entity    `json:"entity,omitempty"`
	Severity      Severity   `json:"severity,omitempty"`
	Description   string     `json:"description,omitempty"`
	Category      Category   `json:"category,omitempty"`
	LogType       LogType    `json:"log_type,omitempty"`
	Visibility    Visibility `json:"visibility,omitempty"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
	IP            string     `json:"ip,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
	TraceID       string     `json:"trace_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// EventInput is what callers hand to the ingestion service.
type EventInput struct {
	Type      EventType
	Payload   Payload
	Overrides Overrides
}

// Envelope is the normalized, storable form of one audit or security event.
type Envelope struct {
	LogID      string     `json:"log_id"`
	Type       string     `json:"type"`
	Category   Category   `json:"category"`
	LogType    LogType    `json:"log_type"`
	Severity   Severity   `json:"severity,omitempty"`
	Visibility Visibility `json:"visibility"`

	ActorID   *string `json:"actor_id,omitempty"`
	SubjectID *string `json:"subject_id,omitempty"`
	Entity    *Entity `json:"entity,omitempty"`

	Description string  `json:"description"`
	Payload     Payload `json:"payload,omitempty"`

	SessionID     string `json:"session_id,omitempty"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
	Created    time.Time `json:"created,omitempty"`

	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy *string    `json:"resolved_by,omitempty"`
}

// Changes returns the CUD change set, or nil when the payload has none.
func (e *Envelope) Changes() map[string]any {
	return e.Payload.Map(KeyChanges)
}

// StringPtr returns nil for "" and a pointer to s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
