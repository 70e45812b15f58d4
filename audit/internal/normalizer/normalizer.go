// Package normalizer turns an EventInput into a fully resolved Envelope.
package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/registry"
)

// ErrUnknownEventType is returned for an event type outside the registry.
var ErrUnknownEventType = errors.New("unknown event type")

// Normalizer resolves envelopes. It performs no I/O and is safe for
// concurrent use.
type Normalizer struct {
	ids *logid.Generator

	// Clock stamps OccurredAt when the input has no override.
	Clock func() time.Time
}

// New creates a normalizer that draws log ids from ids.
func New(ids *logid.Generator) *Normalizer {
	return &Normalizer{ids: ids, Clock: time.Now}
}

// Normalize resolves in against its registry definition and the request
// context. rc is read, never modified.
func (n *Normalizer) Normalize(in models.EventInput, rc models.RequestContext) (*models.Envelope, error) {
	def, ok := registry.Lookup(in.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, in.Type)
	}

	payload := def.Mask(in.Payload.Clone())
	if payload == nil {
		payload = models.Payload{}
	}

	ov := in.Overrides
	env := &models.Envelope{
		LogID:      n.ids.NextString(),
		Type:       def.Name(),
		Category:   pick(ov.Category, def.Category, fallbackCategory(payload)),
		LogType:    pick(ov.LogType, def.LogType, fallbackLogType(payload)),
		Visibility: pick(ov.Visibility, def.Visibility, models.VisibilityAdminOnly),
		Payload:    payload,

		SessionID:     first(ov.SessionID, rc.SessionID),
		IP:            first(ov.IP, rc.IP),
		UserAgent:     first(ov.UserAgent, rc.UserAgent),
		RequestID:     first(ov.RequestID, rc.RequestID),
		TraceID:       first(ov.TraceID, rc.TraceID),
		CorrelationID: first(ov.CorrelationID, rc.CorrelationID),
	}

	actor := first(ov.ActorID, rc.ActorID)
	env.ActorID = models.StringPtr(actor)

	cudID := ""
	if payload.IsCUD() {
		cudID = payload.String(models.KeyEntityID)
	}
	env.SubjectID = models.StringPtr(first(ov.SubjectID, def.SubjectUserID(payload), cudID, actor))

	env.Entity = resolveEntity(ov.Entity, def, payload)

	env.Description = ov.Description
	if env.Description == "" {
		env.Description = def.Describe(registry.DescribeInput{Type: in.Type, Payload: payload, Input: in})
	}

	env.Severity = def.DefaultSeverity
	if s, ok := registry.SeverityForSignal(payload.String(models.KeySignal)); ok {
		env.Severity = s
	}
	if ov.Severity.Valid() {
		env.Severity = ov.Severity
	}

	if env.Category == models.CategoryCUD {
		if payload.Map(models.KeyChanges) == nil {
			payload[models.KeyChanges] = map[string]any{}
		}
		if env.Entity == nil {
			env.Entity = &models.Entity{Type: resourceName(def.Name()), ID: payload.String(models.KeyEntityID)}
		}
	}

	if ov.OccurredAt != nil {
		env.OccurredAt = ov.OccurredAt.UTC()
	} else {
		env.OccurredAt = n.Clock().UTC()
	}

	return env, nil
}

func resolveEntity(override *models.Entity, def registry.Definition, payload models.Payload) *models.Entity {
	if override != nil {
		e := *override
		return &e
	}
	if e := def.ResolveEntity(payload); e != nil {
		return e
	}
	if payload.IsCUD() {
		et, id := payload.String(models.KeyEntityType), payload.String(models.KeyEntityID)
		if et != "" || id != "" {
			return &models.Entity{Type: et, ID: id}
		}
	}
	return nil
}

func fallbackCategory(p models.Payload) models.Category {
	if p.IsCUD() {
		return models.CategoryCUD
	}
	return models.CategorySecurity
}

func fallbackLogType(p models.Payload) models.LogType {
	if p.IsCUD() {
		return models.LogTypeAudit
	}
	return models.LogTypeSecurity
}

// resourceName returns "record" for "record.created".
func resourceName(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

type enum interface {
	comparable
	Valid() bool
}

// pick returns the first valid value.
func pick[T enum](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v.Valid() {
			return v
		}
	}
	return zero
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
