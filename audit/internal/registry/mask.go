package registry

import (
	"sort"
	"strings"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// sensitiveKeys never reach storage. At the top level of a payload (and in
// metadata) they are dropped; inside a change set they are kept as
// models.Redacted so the trail still records that the field changed.
var sensitiveKeys = map[string]struct{}{
	"password":         {},
	"old_password":     {},
	"new_password":     {},
	"current_password": {},
	"password_hash":    {},
	"secret":           {},
	"client_secret":    {},
	"mfa_secret":       {},
	"recovery_codes":   {},
	"token":            {},
	"access_token":     {},
	"refresh_token":    {},
	"api_key":          {},
}

func isSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// maskSensitive returns a masked copy of p; p itself is left untouched.
func maskSensitive(p models.Payload) models.Payload {
	out := p.Clone()
	for k := range out {
		if isSensitive(k) {
			delete(out, k)
		}
	}
	if md := out.Map(models.KeyMetadata); md != nil {
		for k := range md {
			if isSensitive(k) {
				delete(md, k)
			}
		}
	}
	if changes := out.Map(models.KeyChanges); changes != nil {
		for k := range changes {
			if isSensitive(k) {
				changes[k] = models.Redacted
			}
		}
	}
	return out
}

// maskAPIKey keeps only a short hint of the raw key.
func maskAPIKey(p models.Payload) models.Payload {
	raw := p.String("key")
	out := maskSensitive(p)
	delete(out, "key")
	if len(raw) >= 8 {
		out["key_hint"] = "…" + raw[len(raw)-4:]
	}
	return out
}

// changedFields lists the change-set keys, sorted, for descriptions.
func changedFields(p models.Payload) string {
	changes := p.Map(models.KeyChanges)
	if len(changes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
