package registry

import (
	"fmt"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

var definitions = [...]Definition{
	// CUD

	models.EventUserCreated: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityActorAndSubject,
		Describe:        describeEntity("User %s created"),
		SubjectUserID:   entityID,
		Mask:            maskSensitive,
	},
	models.EventUserUpdated: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityActorAndSubject,
		Describe:        describeChanges(models.KeyEntityID, "User %s updated"),
		SubjectUserID:   entityID,
		Mask:            maskSensitive,
	},
	models.EventUserDeleted: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityAdminOnly,
		Describe:        describeEntity("User %s deleted"),
		SubjectUserID:   entityID,
		Mask:            maskSensitive,
	},
	models.EventRoleAssigned: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorAndSubject,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Role %s assigned to user %s",
				orUnknown(in.Payload.String("role")), orUnknown(in.Payload.String(models.KeyTargetUserID)))
		},
		ResolveEntity: entityFromKey("role", "role_id"),
		SubjectUserID: payloadKey(models.KeyTargetUserID),
		Mask:          maskSensitive,
	},
	models.EventRoleRevoked: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorAndSubject,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Role %s revoked from user %s",
				orUnknown(in.Payload.String("role")), orUnknown(in.Payload.String(models.KeyTargetUserID)))
		},
		ResolveEntity: entityFromKey("role", "role_id"),
		SubjectUserID: payloadKey(models.KeyTargetUserID),
		Mask:          maskSensitive,
	},
	models.EventTenantSettingsUpdated: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityMedium,
		Visibility:      models.VisibilityAdminOnly,
		Describe:        describeChanges("tenant_id", "Tenant %s settings updated"),
		ResolveEntity:   entityFromKey("tenant", "tenant_id"),
		Mask:            maskSensitive,
	},
	models.EventAPIKeyCreated: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorOnly,
		Describe:        describeKey("key_id", "API key %s created"),
		ResolveEntity:   entityFromKey("api_key", "key_id"),
		Mask:            maskAPIKey,
	},
	models.EventAPIKeyRevoked: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorOnly,
		Describe:        describeKey("key_id", "API key %s revoked"),
		ResolveEntity:   entityFromKey("api_key", "key_id"),
		Mask:            maskAPIKey,
	},
	models.EventRecordCreated: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityActorOnly,
		Mask:            maskSensitive,
	},
	models.EventRecordUpdated: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityActorOnly,
		Mask:            maskSensitive,
	},
	models.EventRecordDeleted: {
		Category:        models.CategoryCUD,
		LogType:         models.LogTypeAudit,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorOnly,
		Mask:            maskSensitive,
	},

	// Security

	models.EventLoginSucceeded: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityActorAndSubject,
		Describe:        describeUser("User %s logged in"),
		ResolveEntity:   entityFromKey("user", models.KeyUserID),
		SubjectUserID:   payloadKey(models.KeyUserID),
		Mask:            maskSensitive,
	},
	models.EventLoginFailed: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorAndSubject,
		Describe: func(in DescribeInput) string {
			msg := fmt.Sprintf("Failed login attempt for %s", orUnknown(in.Payload.String(models.KeyUsername)))
			if reason := in.Payload.String(models.KeyReason); reason != "" {
				msg += ": " + reason
			}
			return msg
		},
		ResolveEntity: entityFromKey("user", models.KeyUserID),
		SubjectUserID: payloadKey(models.KeyUserID),
		Mask:          maskSensitive,
	},
	models.EventLogout: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityActorOnly,
		Describe:        describeUser("User %s logged out"),
		SubjectUserID:   payloadKey(models.KeyUserID),
	},
	models.EventPasswordChanged: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorAndSubject,
		Describe:        describeUser("Password changed for user %s"),
		ResolveEntity:   entityFromKey("user", models.KeyUserID),
		SubjectUserID:   payloadKey(models.KeyUserID),
		Mask:            maskSensitive,
	},
	models.EventPasswordResetRequested: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityLow,
		Visibility:      models.VisibilityActorAndSubject,
		Describe:        describeUser("Password reset requested for user %s"),
		SubjectUserID:   payloadKey(models.KeyUserID),
		Mask:            maskSensitive,
	},
	models.EventMFAEnabled: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityActorAndSubject,
		Describe:        describeUser("MFA enabled for user %s"),
		SubjectUserID:   payloadKey(models.KeyUserID),
		Mask:            maskSensitive,
	},
	models.EventMFADisabled: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityMedium,
		Visibility:      models.VisibilityActorAndSubject,
		Describe:        describeUser("MFA disabled for user %s"),
		SubjectUserID:   payloadKey(models.KeyUserID),
		Mask:            maskSensitive,
	},
	models.EventRateLimitExceeded: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityMedium,
		Visibility:      models.VisibilityAdminOnly,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Rate limit exceeded for %s", orUnknown(metadataString(in.Payload, "key")))
		},
		SubjectUserID: payloadKey(models.KeyUserID),
		Mask:          maskSensitive,
	},
	models.EventPermissionDenied: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityMedium,
		Visibility:      models.VisibilityAdminOnly,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Permission %s denied", orUnknown(in.Payload.String("permission")))
		},
		SubjectUserID: payloadKey(models.KeyUserID),
		Mask:          maskSensitive,
	},
	models.EventSuspiciousActivity: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityHigh,
		Visibility:      models.VisibilityAdminOnly,
		Describe: func(in DescribeInput) string {
			msg := "Suspicious activity detected"
			if signal := in.Payload.String(models.KeySignal); signal != "" {
				msg += " (" + signal + ")"
			}
			return msg
		},
		SubjectUserID: payloadKey(models.KeyUserID),
		Mask:          maskSensitive,
	},
	models.EventTokenReuseDetected: {
		Category:        models.CategorySecurity,
		LogType:         models.LogTypeSecurity,
		DefaultSeverity: models.SeverityCritical,
		Visibility:      models.VisibilityAdminOnly,
		Describe:        describeUser("Refresh token reuse detected for user %s"),
		ResolveEntity:   entityFromKey("session", "session_id"),
		SubjectUserID:   payloadKey(models.KeyUserID),
		Mask:            maskSensitive,
	},

	// System

	models.EventSystemStarted: {
		Category:        models.CategorySystem,
		LogType:         models.LogTypeSystem,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityAdminOnly,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Service %s started", orUnknown(in.Payload.String("service")))
		},
	},
	models.EventConfigChanged: {
		Category:        models.CategorySystem,
		LogType:         models.LogTypeSystem,
		DefaultSeverity: models.SeverityMedium,
		Visibility:      models.VisibilityAdminOnly,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Configuration key %s changed", orUnknown(in.Payload.String("key")))
		},
		Mask: maskSensitive,
	},
	models.EventDataExported: {
		Category:        models.CategorySystem,
		LogType:         models.LogTypeSystem,
		DefaultSeverity: models.SeverityMedium,
		Visibility:      models.VisibilityAdminOnly,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Data export %s (%s rows)",
				orUnknown(in.Payload.String("export_id")), orUnknown(in.Payload.String("row_count")))
		},
		ResolveEntity: entityFromKey("export", "export_id"),
	},

	// Internal

	models.EventJobCompleted: {
		Category:        models.CategoryInternal,
		LogType:         models.LogTypeSystem,
		DefaultSeverity: models.SeverityInfo,
		Visibility:      models.VisibilityAdminOnly,
		Describe: func(in DescribeInput) string {
			return fmt.Sprintf("Job %s completed", orUnknown(in.Payload.String("job")))
		},
	},
}

// Fails to compile when an event type is added without a definition.
var _ = [1]struct{}{}[len(definitions)-int(models.NumEventTypes)]

func entityID(p models.Payload) string {
	return p.String(models.KeyEntityID)
}

func payloadKey(key string) func(models.Payload) string {
	return func(p models.Payload) string {
		return p.String(key)
	}
}

func entityFromKey(entityType, key string) func(models.Payload) *models.Entity {
	return func(p models.Payload) *models.Entity {
		id := p.String(key)
		if id == "" {
			return nil
		}
		return &models.Entity{Type: entityType, ID: id}
	}
}

func describeKey(key, format string) func(DescribeInput) string {
	return func(in DescribeInput) string {
		id := in.Payload.String(key)
		if e := in.Input.Overrides.Entity; e != nil && id == "" {
			id = e.ID
		}
		return fmt.Sprintf(format, orUnknown(id))
	}
}

func describeEntity(format string) func(DescribeInput) string {
	return describeKey(models.KeyEntityID, format)
}

func describeChanges(key, format string) func(DescribeInput) string {
	base := describeKey(key, format)
	return func(in DescribeInput) string {
		msg := base(in)
		if fields := changedFields(in.Payload); fields != "" {
			msg += " (" + fields + ")"
		}
		return msg
	}
}

func describeUser(format string) func(DescribeInput) string {
	return func(in DescribeInput) string {
		who := in.Payload.String(models.KeyUsername)
		if who == "" {
			who = in.Payload.String(models.KeyUserID)
		}
		return fmt.Sprintf(format, orUnknown(who))
	}
}

func metadataString(p models.Payload, key string) string {
	if md := p.Map(models.KeyMetadata); md != nil {
		if v, ok := md[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return p.String(key)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
