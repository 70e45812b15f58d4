package models

import "fmt"

// EventType identifies one kind of auditable occurrence. The set is closed:
// every value below NumEventTypes has a wire name and a registry entry.
type EventType int

const (
	// CUD events
	EventUserCreated EventType = iota
	EventUserUpdated
	EventUserDeleted
	EventRoleAssigned
	EventRoleRevoked
	EventTenantSettingsUpdated
	EventAPIKeyCreated
	EventAPIKeyRevoked
	EventRecordCreated
	EventRecordUpdated
	EventRecordDeleted

	// Security events
	EventLoginSucceeded
	EventLoginFailed
	EventLogout
	EventPasswordChanged
	EventPasswordResetRequested
	EventMFAEnabled
	EventMFADisabled
	EventRateLimitExceeded
	EventPermissionDenied
	EventSuspiciousActivity
	EventTokenReuseDetected

	// System events
	EventSystemStarted
	EventConfigChanged
	EventDataExported

	// Internal events
	EventJobCompleted

	// NumEventTypes is the number of defined event types. Keep it last.
	NumEventTypes
)

var eventTypeNames = [...]string{
	EventUserCreated:           "user.created",
	EventUserUpdated:           "user.updated",
	EventUserDeleted:           "user.deleted",
	EventRoleAssigned:          "role.assigned",
	EventRoleRevoked:           "role.revoked",
	EventTenantSettingsUpdated: "tenant.settings_updated",
	EventAPIKeyCreated:         "api_key.created",
	EventAPIKeyRevoked:         "api_key.revoked",
	EventRecordCreated:         "record.created",
	EventRecordUpdated:         "record.updated",
	EventRecordDeleted:         "record.deleted",

	EventLoginSucceeded:         "auth.login_succeeded",
	EventLoginFailed:            "auth.login_failed",
	EventLogout:                 "auth.logout",
	EventPasswordChanged:        "auth.password_changed",
	EventPasswordResetRequested: "auth.password_reset_requested",
	EventMFAEnabled:             "auth.mfa_enabled",
	EventMFADisabled:            "auth.mfa_disabled",
	EventRateLimitExceeded:      "security.rate_limit_exceeded",
	EventPermissionDenied:       "security.permission_denied",
	EventSuspiciousActivity:     "security.suspicious_activity",
	EventTokenReuseDetected:     "security.token_reuse_detected",

	EventSystemStarted: "system.started",
	EventConfigChanged: "system.config_changed",
	EventDataExported:  "system.data_exported",

	EventJobCompleted: "internal.job_completed",
}

// Fails to compile when an event type is added without a name.
var _ = [1]struct{}{}[len(eventTypeNames)-int(NumEventTypes)]

var eventTypesByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventTypeNames))
	for i, name := range eventTypeNames {
		if name == "" {
			panic(fmt.Sprintf("models: event type %d has no name", i))
		}
		m[name] = EventType(i)
	}
	return m
}()

// Valid reports whether t is one of the defined event types.
func (t EventType) Valid() bool {
	return t >= 0 && t < NumEventTypes
}

// String returns the wire name, e.g. "user.created".
func (t EventType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

// ParseEventType maps a wire name back to its EventType.
func ParseEventType(name string) (EventType, bool) {
	t, ok := eventTypesByName[name]
	return t, ok
}

// AllEventTypes returns every defined event type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, NumEventTypes)
	for t := EventType(0); t < NumEventTypes; t++ {
		out = append(out, t)
	}
	return out
}
