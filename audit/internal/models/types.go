package models

// Category groups event types by what they describe.
type Category string

const (
	CategoryCUD      Category = "cud"
	CategorySecurity Category = "security"
	CategorySystem   Category = "system"
	CategoryInternal Category = "internal"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCUD, CategorySecurity, CategorySystem, CategoryInternal:
		return true
	}
	return false
}

// LogType selects which log an event belongs to.
type LogType string

const (
	LogTypeAudit    LogType = "audit"
	LogTypeSecurity LogType = "security"
	LogTypeSystem   LogType = "system"
)

// Valid reports whether l is a known log type.
func (l LogType) Valid() bool {
	switch l {
	case LogTypeAudit, LogTypeSecurity, LogTypeSystem:
		return true
	}
	return false
}

// Severity ranks how urgent an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Visibility declares who may read a stored event. The query service enforces it.
type Visibility string

const (
	VisibilityActorOnly       Visibility = "actor_only"
	VisibilityActorAndSubject Visibility = "actor_and_subject"
	VisibilityAdminOnly       Visibility = "admin_only"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityActorOnly, VisibilityActorAndSubject, VisibilityAdminOnly:
		return true
	}
	return false
}
