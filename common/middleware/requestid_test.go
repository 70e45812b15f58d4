package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name            string
		requestID       string
		correlationID   string
		wantCorrelation string
	}{
		{name: "generates ids when absent"},
		{name: "propagates request id", requestID: "req-123", wantCorrelation: "req-123"},
		{name: "propagates both", requestID: "req-1", correlationID: "corr-9", wantCorrelation: "corr-9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq, gotCorr string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotReq = GetRequestID(r.Context())
				gotCorr = GetCorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.requestID != "" {
				req.Header.Set(HeaderRequestID, tt.requestID)
			}
			if tt.correlationID != "" {
				req.Header.Set(HeaderCorrelationID, tt.correlationID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.NotEmpty(t, gotReq)
			assert.Equal(t, gotReq, w.Header().Get(HeaderRequestID))
			if tt.requestID == "" {
				_, err := uuid.Parse(gotReq)
				assert.NoError(t, err)
				assert.Equal(t, gotReq, gotCorr)
			} else {
				assert.Equal(t, tt.requestID, gotReq)
				assert.Equal(t, tt.wantCorrelation, gotCorr)
			}
			assert.Equal(t, gotCorr, w.Header().Get(HeaderCorrelationID))
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestTraceID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TraceID(req))

	req.Header.Set(HeaderTraceParent, "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01")
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", TraceID(req))

	req.Header.Set(HeaderTraceParent, "00-00000000000000000000000000000000-00f067aa0ba902b7-01")
	assert.Empty(t, TraceID(req))
}

func TestActor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := GetActor(req.Context())
	assert.False(t, ok)

	ctx := WithActor(req.Context(), Actor{UserID: "u-1", SessionID: "s-1"})
	a, ok := GetActor(ctx)
	require.True(t, ok)
	assert.Equal(t, "u-1", a.UserID)
	assert.Equal(t, "s-1", a.SessionID)
}

func TestActorFromHeaders(t *testing.T) {
	var got Actor
	var present bool
	h := ActorFromHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, present = GetActor(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "u-1")
	req.Header.Set(HeaderSessionID, "s-1")
	req.Header.Set(HeaderUserRoles, "viewer, admin,")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, present)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, []string{"viewer", "admin"}, got.Roles)
	assert.True(t, got.IsAdmin())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, present)
	assert.False(t, Actor{Roles: []string{"viewer"}}.IsAdmin())
}
