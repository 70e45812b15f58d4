package models

import "fmt"

// Well-known payload keys.
const (
	KeyEntityType   = "entity_type"
	KeyEntityID     = "entity_id"
	KeyAction       = "action"
	KeyChanges      = "changes"
	KeySignal       = "signal"
	KeyMetadata     = "metadata"
	KeyLocation     = "location"
	KeyUserID       = "user_id"
	KeyTargetUserID = "target_user_id"
	KeyUsername     = "username"
	KeyReason       = "reason"
)

// Redacted replaces masked values that are kept for shape but not content.
const Redacted = "[REDACTED]"

// Payload is the type-specific remainder of an event. CUD payloads carry
// entity_type, entity_id, action and a changes map; security payloads carry
// signal, metadata and location.
type Payload map[string]any

// Clone returns a deep copy of nested maps and slices. Scalars are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Payload:
		return t.Clone()
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// String returns the value at key rendered as a string, or "" if absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Map returns the nested map at key, or nil.
func (p Payload) Map(key string) map[string]any {
	switch t := p[key].(type) {
	case map[string]any:
		return t
	case Payload:
		return t
	}
	return nil
}

// IsCUD reports whether the payload has the create/update/delete shape.
func (p Payload) IsCUD() bool {
	if p.String(KeyEntityType) != "" && p.String(KeyEntityID) != "" {
		return true
	}
	switch p.String(KeyAction) {
	case "create", "update", "delete":
		return true
	}
	return false
}

// CUDPayload builds the payload of a create/update/delete event.
type CUDPayload struct {
	EntityType string
	EntityID   string
	Action     string
	Changes    map[string]any
}

// Payload converts c into its map form.
func (c CUDPayload) Payload() Payload {
	changes := c.Changes
	if changes == nil {
		changes = map[string]any{}
	}
	p := Payload{
		KeyEntityType: c.EntityType,
		KeyEntityID:   c.EntityID,
		KeyChanges:    changes,
	}
	if c.Action != "" {
		p[KeyAction] = c.Action
	}
	return p
}

// SecurityPayload builds the payload of a security event.
type SecurityPayload struct {
	Signal   string
	UserID   string
	Username string
	Reason   string
	Metadata map[string]any
	Location map[string]any
}

// Payload converts s into its map form, omitting empty fields.
func (s SecurityPayload) Payload() Payload {
	p := Payload{}
	if s.Signal != "" {
		p[KeySignal] = s.Signal
	}
	if s.UserID != "" {
		p[KeyUserID] = s.UserID
	}
	if s.Username != "" {
		p[KeyUsername] = s.Username
	}
	if s.Reason != "" {
		p[KeyReason] = s.Reason
	}
	if s.Metadata != nil {
		p[KeyMetadata] = s.Metadata
	}
	if s.Location != nil {
		p[KeyLocation] = s.Location
	}
	return p
}
