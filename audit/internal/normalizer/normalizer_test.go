package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

var fixedNow = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	gen, err := logid.New(1)
	require.NoError(t, err)
	n := New(gen)
	n.Clock = func() time.Time { return fixedNow }
	return n
}

func testRequestContext() models.RequestContext {
	return models.RequestContext{
		ActorID:       "admin-1",
		SessionID:     "sess-1",
		IP:            "10.0.0.1",
		UserAgent:     "curl/8",
		RequestID:     "req-1",
		TraceID:       "trace-1",
		CorrelationID: "corr-1",
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	n := newTestNormalizer(t)
	in := models.EventInput{
		Type: models.EventUserUpdated,
		Payload: models.CUDPayload{EntityType: "user", EntityID: "u-1",
			Changes: map[string]any{"email": "a@b.c"}}.Payload(),
	}

	a, err := n.Normalize(in, testRequestContext())
	require.NoError(t, err)
	b, err := n.Normalize(in, testRequestContext())
	require.NoError(t, err)

	assert.Greater(t, b.LogID, a.LogID)

	b.LogID = a.LogID
	assert.Equal(t, a, b)
}

func TestNormalize_StrictlyIncreasingIDs(t *testing.T) {
	n := newTestNormalizer(t)
	in := models.EventInput{Type: models.EventLogout, Payload: models.Payload{models.KeyUserID: "u-1"}}

	prev := ""
	for i := 0; i < 500; i++ {
		env, err := n.Normalize(in, models.RequestContext{})
		require.NoError(t, err)
		require.Len(t, env.LogID, logid.Width)
		require.Greater(t, env.LogID, prev)
		prev = env.LogID
	}
}

func TestNormalize_UnknownType(t *testing.T) {
	n := newTestNormalizer(t)
	_, err := n.Normalize(models.EventInput{Type: models.NumEventTypes}, models.RequestContext{})
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestNormalize_MasksBeforeEnvelope(t *testing.T) {
	n := newTestNormalizer(t)
	payload := models.CUDPayload{EntityType: "user", EntityID: "u-1"}.Payload()
	payload["secret"] = "do-not-store"

	env, err := n.Normalize(models.EventInput{Type: models.EventUserCreated, Payload: payload}, models.RequestContext{})
	require.NoError(t, err)

	assert.NotContains(t, env.Payload, "secret")
	assert.Equal(t, "do-not-store", payload["secret"], "caller payload must not be mutated")
}

func TestNormalize_ContextDefaults(t *testing.T) {
	n := newTestNormalizer(t)
	env, err := n.Normalize(models.EventInput{
		Type:    models.EventLoginSucceeded,
		Payload: models.SecurityPayload{UserID: "u-9", Username: "bob"}.Payload(),
	}, testRequestContext())
	require.NoError(t, err)

	assert.Equal(t, "auth.login_succeeded", env.Type)
	assert.Equal(t, models.CategorySecurity, env.Category)
	assert.Equal(t, models.LogTypeSecurity, env.LogType)
	assert.Equal(t, models.SeverityInfo, env.Severity)
	assert.Equal(t, "admin-1", models.Deref(env.ActorID))
	assert.Equal(t, "u-9", models.Deref(env.SubjectID))
	assert.Equal(t, &models.Entity{Type: "user", ID: "u-9"}, env.Entity)
	assert.Equal(t, "User bob logged in", env.Description)
	assert.Equal(t, "sess-1", env.SessionID)
	assert.Equal(t, "10.0.0.1", env.IP)
	assert.Equal(t, "curl/8", env.UserAgent)
	assert.Equal(t, "req-1", env.RequestID)
	assert.Equal(t, "trace-1", env.TraceID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, fixedNow, env.OccurredAt)
	assert.False(t, env.Resolved)
	assert.True(t, env.Created.IsZero())
}

func TestNormalize_OverridesWin(t *testing.T) {
	n := newTestNormalizer(t)
	at := time.Date(2025, 12, 31, 23, 0, 0, 0, time.FixedZone("CET", 3600))

	env, err := n.Normalize(models.EventInput{
		Type:    models.EventSuspiciousActivity,
		Payload: models.SecurityPayload{Signal: "unusual_location", UserID: "u-2"}.Payload(),
		Overrides: models.Overrides{
			ActorID:     "system",
			SubjectID:   "u-3",
			SessionID:   "sess-x",
			Entity:      &models.Entity{Type: "device", ID: "d-1"},
			Severity:    models.SeverityCritical,
			Description: "custom text",
			Visibility:  models.VisibilityActorOnly,
			OccurredAt:  &at,
			IP:          "192.0.2.1",
		},
	}, testRequestContext())
	require.NoError(t, err)

	assert.Equal(t, "system", models.Deref(env.ActorID))
	assert.Equal(t, "u-3", models.Deref(env.SubjectID))
	assert.Equal(t, &models.Entity{Type: "device", ID: "d-1"}, env.Entity)
	assert.Equal(t, models.SeverityCritical, env.Severity)
	assert.Equal(t, "custom text", env.Description)
	assert.Equal(t, models.VisibilityActorOnly, env.Visibility)
	assert.Equal(t, at.UTC(), env.OccurredAt)
	assert.Equal(t, "sess-x", env.SessionID)
	assert.Equal(t, "192.0.2.1", env.IP)
	assert.Equal(t, "req-1", env.RequestID)
}

func TestNormalize_SeverityFromSignal(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		signal string
		want   models.Severity
	}{
		{"credential_stuffing", models.SeverityCritical},
		{"unusual_location", models.SeverityLow},
		{"", models.SeverityHigh},
		{"not-a-signal", models.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.signal, func(t *testing.T) {
			env, err := n.Normalize(models.EventInput{
				Type:    models.EventSuspiciousActivity,
				Payload: models.SecurityPayload{Signal: tt.signal}.Payload(),
			}, models.RequestContext{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Severity)
		})
	}
}

func TestNormalize_CUDInvariants(t *testing.T) {
	n := newTestNormalizer(t)

	t.Run("changes map and entity from payload", func(t *testing.T) {
		env, err := n.Normalize(models.EventInput{
			Type:    models.EventRecordDeleted,
			Payload: models.Payload{models.KeyEntityType: "invoice", models.KeyEntityID: "inv-1"},
		}, testRequestContext())
		require.NoError(t, err)

		assert.NotNil(t, env.Changes())
		assert.Empty(t, env.Changes())
		assert.Equal(t, &models.Entity{Type: "invoice", ID: "inv-1"}, env.Entity)
		assert.Equal(t, "inv-1", models.Deref(env.SubjectID))
	})

	t.Run("entity falls back to the event resource", func(t *testing.T) {
		env, err := n.Normalize(models.EventInput{Type: models.EventRecordCreated}, models.RequestContext{})
		require.NoError(t, err)

		require.NotNil(t, env.Entity)
		assert.Equal(t, "record", env.Entity.Type)
		assert.NotNil(t, env.Changes())
		assert.Nil(t, env.ActorID)
		assert.Nil(t, env.SubjectID)
	})
}

func TestNormalize_SubjectFallsBackToActor(t *testing.T) {
	n := newTestNormalizer(t)
	env, err := n.Normalize(models.EventInput{Type: models.EventJobCompleted, Payload: models.Payload{"job": "reindex"}},
		models.RequestContext{ActorID: "svc-1"})
	require.NoError(t, err)

	assert.Equal(t, "svc-1", models.Deref(env.SubjectID))
	assert.Equal(t, models.CategoryInternal, env.Category)
	assert.Equal(t, models.VisibilityAdminOnly, env.Visibility)
	assert.Nil(t, env.Entity)
}

func TestNormalize_InvalidOverrideIgnored(t *testing.T) {
	n := newTestNormalizer(t)
	env, err := n.Normalize(models.EventInput{
		Type:      models.EventLogout,
		Overrides: models.Overrides{Category: "bogus", Severity: "extreme"},
	}, models.RequestContext{})
	require.NoError(t, err)

	assert.Equal(t, models.CategorySecurity, env.Category)
	assert.Equal(t, models.SeverityInfo, env.Severity)
}
