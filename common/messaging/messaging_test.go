package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	err   error
	delay time.Duration
}

func (f fakeChecker) CheckHealth(context.Context) error {
	time.Sleep(f.delay)
	return f.err
}

func TestCheck(t *testing.T) {
	ok := Check(context.Background(), fakeChecker{})
	assert.True(t, ok.Connected)
	assert.Empty(t, ok.Error)

	bad := Check(context.Background(), fakeChecker{err: ErrNotConnected})
	assert.False(t, bad.Connected)
	assert.Equal(t, ErrNotConnected.Error(), bad.Error)

	assert.Equal(t, "client is nil", Check(context.Background(), nil).Error)
}

func TestCheck_LatencyIsMilliseconds(t *testing.T) {
	status := Check(context.Background(), fakeChecker{delay: 20 * time.Millisecond})
	assert.GreaterOrEqual(t, status.LatencyMS, int64(20))
	assert.Less(t, status.LatencyMS, int64(10_000))

	data, err := json.Marshal(HealthStatus{Connected: true, LatencyMS: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":true,"latency_ms":3}`, string(data))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "AUDIT_EVENTS", StreamName("", StreamAuditEvents))
	assert.Equal(t, "TELHAWK_AUDIT_EVENTS", StreamName("telhawk", StreamAuditEvents))
	assert.Equal(t, "TELHAWK_AUDIT_NODES", StreamName("telhawk", BucketAuditNodes))
	assert.Equal(t, "ACME_PROD_AUDIT_EVENTS", StreamName("acme.prod", StreamAuditEvents))
	assert.Equal(t, "telhawk.audit.events", Subject("telhawk", SubjectAuditEvents))
	assert.Equal(t, "a_b.audit.events", Subject("a:b", SubjectAuditEvents))
}
