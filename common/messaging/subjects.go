package messaging

import "strings"

// Stream and subject names for the audit event queue.
const (
	StreamAuditEvents  = "AUDIT_EVENTS"
	SubjectAuditEvents = "audit.events"

	// BucketAuditSchedule holds the persisted flush trigger.
	BucketAuditSchedule = "AUDIT_SCHEDULE"
	// BucketAuditNodes holds the log id node leases.
	BucketAuditNodes = "AUDIT_NODES"
)

// StreamName scopes a stream name to a deployment prefix, e.g.
// StreamName("telhawk", StreamAuditEvents) = "TELHAWK_AUDIT_EVENTS".
func StreamName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.ToUpper(sanitize(prefix)) + "_" + name
}

// Subject scopes a subject to a deployment prefix.
func Subject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return sanitize(prefix) + "." + subject
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', ':':
			return '_'
		}
		return r
	}, s)
}
