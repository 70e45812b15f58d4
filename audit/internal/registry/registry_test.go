package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

func TestLookup_EveryTypeHasCompleteDefinition(t *testing.T) {
	for _, et := range models.AllEventTypes() {
		t.Run(et.String(), func(t *testing.T) {
			def, ok := Lookup(et)
			require.True(t, ok)

			assert.Equal(t, et, def.Type)
			assert.True(t, def.Category.Valid())
			assert.True(t, def.LogType.Valid())
			assert.True(t, def.Visibility.Valid())
			assert.True(t, def.DefaultSeverity.Valid())
			assert.NotNil(t, def.Describe)
			assert.NotNil(t, def.ResolveEntity)
			assert.NotNil(t, def.SubjectUserID)
			assert.NotNil(t, def.Mask)
		})
	}
}

func TestLookup_OutOfRange(t *testing.T) {
	_, ok := Lookup(models.NumEventTypes)
	assert.False(t, ok)

	_, ok = Lookup(models.EventType(-3))
	assert.False(t, ok)

	assert.Panics(t, func() { MustLookup(models.EventType(1000)) })
}

func TestLookup_CategoryMatchesLogType(t *testing.T) {
	for _, et := range models.AllEventTypes() {
		def := MustLookup(et)
		switch def.Category {
		case models.CategoryCUD:
			assert.Equal(t, models.LogTypeAudit, def.LogType, et.String())
		case models.CategorySecurity:
			assert.Equal(t, models.LogTypeSecurity, def.LogType, et.String())
		default:
			assert.Equal(t, models.LogTypeSystem, def.LogType, et.String())
		}
	}
}

func TestDefaults(t *testing.T) {
	def := MustLookup(models.EventRecordCreated)

	payload := models.Payload{models.KeyEntityType: "invoice", models.KeyEntityID: "inv-9"}
	assert.Equal(t, "record.created occurred on invoice inv-9",
		def.Describe(DescribeInput{Type: def.Type, Payload: payload}))
	assert.Nil(t, def.ResolveEntity(payload))
	assert.Equal(t, "", def.SubjectUserID(payload))

	system := MustLookup(models.EventJobCompleted)
	in := models.Payload{"job": "reindex", "secret": "kept"}
	assert.Equal(t, in, system.Mask(in))
}

func TestDefaultDescribe_NoEntity(t *testing.T) {
	got := DefaultDescribe(DescribeInput{Type: models.EventRecordDeleted, Payload: models.Payload{}})
	assert.Equal(t, "record.deleted occurred", got)
}

func TestMaskSensitive(t *testing.T) {
	def := MustLookup(models.EventUserUpdated)

	in := models.Payload{
		models.KeyEntityType: "user",
		models.KeyEntityID:   "u-1",
		"password":           "hunter2",
		"Secret":             "s3",
		models.KeyChanges: map[string]any{
			"password_hash": "abc",
			"email":         "new@example.com",
		},
		models.KeyMetadata: map[string]any{"token": "t", "client": "web"},
	}

	out := def.Mask(in.Clone())

	assert.NotContains(t, out, "password")
	assert.NotContains(t, out, "Secret")
	assert.Equal(t, models.Redacted, out.Map(models.KeyChanges)["password_hash"])
	assert.Equal(t, "new@example.com", out.Map(models.KeyChanges)["email"])
	assert.NotContains(t, out.Map(models.KeyMetadata), "token")
	assert.Equal(t, "web", out.Map(models.KeyMetadata)["client"])

	// the input is never mutated
	assert.Equal(t, "hunter2", in["password"])
	assert.Equal(t, "abc", in.Map(models.KeyChanges)["password_hash"])
}

func TestMaskAPIKey(t *testing.T) {
	def := MustLookup(models.EventAPIKeyCreated)

	out := def.Mask(models.Payload{"key_id": "k1", "key": "thk_0123456789abcdef"})
	assert.NotContains(t, out, "key")
	assert.Equal(t, "…cdef", out["key_hint"])

	short := def.Mask(models.Payload{"key_id": "k1", "key": "abc"})
	assert.NotContains(t, short, "key")
	assert.NotContains(t, short, "key_hint")
}

func TestTypeSpecificPolicies(t *testing.T) {
	tests := []struct {
		name        string
		eventType   models.EventType
		payload     models.Payload
		wantDesc    string
		wantEntity  *models.Entity
		wantSubject string
	}{
		{
			name:        "user created",
			eventType:   models.EventUserCreated,
			payload:     models.CUDPayload{EntityType: "user", EntityID: "u-42"}.Payload(),
			wantDesc:    "User u-42 created",
			wantSubject: "u-42",
		},
		{
			name:      "user updated lists changed fields",
			eventType: models.EventUserUpdated,
			payload: models.CUDPayload{EntityType: "user", EntityID: "u-1",
				Changes: map[string]any{"name": "x", "email": "y"}}.Payload(),
			wantDesc:    "User u-1 updated (email, name)",
			wantSubject: "u-1",
		},
		{
			name:        "role assigned",
			eventType:   models.EventRoleAssigned,
			payload:     models.Payload{"role": "admin", "role_id": "r-1", models.KeyTargetUserID: "u-7"},
			wantDesc:    "Role admin assigned to user u-7",
			wantEntity:  &models.Entity{Type: "role", ID: "r-1"},
			wantSubject: "u-7",
		},
		{
			name:        "login failed",
			eventType:   models.EventLoginFailed,
			payload:     models.SecurityPayload{Username: "alice", UserID: "u-1", Reason: "bad password"}.Payload(),
			wantDesc:    "Failed login attempt for alice: bad password",
			wantEntity:  &models.Entity{Type: "user", ID: "u-1"},
			wantSubject: "u-1",
		},
		{
			name:      "rate limit reads metadata key",
			eventType: models.EventRateLimitExceeded,
			payload: models.SecurityPayload{Signal: "rate_limit",
				Metadata: map[string]any{"key": "login:10.0.0.1"}}.Payload(),
			wantDesc: "Rate limit exceeded for login:10.0.0.1",
		},
		{
			name:      "suspicious activity",
			eventType: models.EventSuspiciousActivity,
			payload:   models.SecurityPayload{Signal: "impossible_travel"}.Payload(),
			wantDesc:  "Suspicious activity detected (impossible_travel)",
		},
		{
			name:       "tenant settings",
			eventType:  models.EventTenantSettingsUpdated,
			payload:    models.Payload{"tenant_id": "t-1", models.KeyChanges: map[string]any{"sso": true}},
			wantDesc:   "Tenant t-1 settings updated (sso)",
			wantEntity: &models.Entity{Type: "tenant", ID: "t-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := MustLookup(tt.eventType)
			p := def.Mask(tt.payload.Clone())

			assert.Equal(t, tt.wantDesc, def.Describe(DescribeInput{Type: tt.eventType, Payload: p}))
			assert.Equal(t, tt.wantEntity, def.ResolveEntity(p))
			assert.Equal(t, tt.wantSubject, def.SubjectUserID(p))
		})
	}
}

func TestSeverityForSignal(t *testing.T) {
	s, ok := SeverityForSignal("credential_stuffing")
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, s)

	_, ok = SeverityForSignal("sunspots")
	assert.False(t, ok)
}
