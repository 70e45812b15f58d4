package registry

import "github.com/telhawk-systems/telhawk-audit/audit/internal/models"

// signalSeverity maps security signals reported by producers to a severity.
var signalSeverity = map[string]models.Severity{
	"unusual_location":    models.SeverityLow,
	"rate_limit":          models.SeverityMedium,
	"permission_probe":    models.SeverityMedium,
	"brute_force":         models.SeverityHigh,
	"impossible_travel":   models.SeverityHigh,
	"credential_stuffing": models.SeverityCritical,
	"token_reuse":         models.SeverityCritical,
}

// SeverityForSignal returns the severity of a known security signal.
func SeverityForSignal(signal string) (models.Severity, bool) {
	s, ok := signalSeverity[signal]
	return s, ok
}
