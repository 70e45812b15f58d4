package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/queue"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/worker"
	natsclient "github.com/telhawk-systems/telhawk-audit/common/messaging/nats"
)

type fakeServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{stop: make(chan struct{})}
}

func (s *fakeServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	if s.shutdowns.Add(1) == 1 {
		close(s.stop)
	}
	return nil
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	srv := newFakeServer()
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, int32(1), srv.shutdowns.Load())
	assert.Equal(t, "http-server", svc.String())
}

func TestHTTPService_ListenFailure(t *testing.T) {
	srv := newFakeServer()
	srv.listenErr = errors.New("address already in use")

	err := NewHTTPService(srv, 0).Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}

type pipelineService struct {
	runs atomic.Int32
}

func (p *pipelineService) Serve(ctx context.Context) error {
	n := p.runs.Add(1)
	if n == 1 {
		return errors.New("first run fails")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTree_RestartsFailedService(t *testing.T) {
	tree := NewTree(nil, TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	svc := &pipelineService{}
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	assert.Eventually(t, func() bool { return svc.runs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}

	report, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	assert.Empty(t, report)
}

type fakeFlusher struct {
	state   worker.State
	breaker string
}

func (f fakeFlusher) State() worker.State  { return f.state }
func (f fakeFlusher) BreakerState() string { return f.breaker }

type fakeDepth struct {
	n   int64
	err error
}

func (d fakeDepth) Len(context.Context) (int64, error) { return d.n, d.err }

func TestRouter_Healthz(t *testing.T) {
	tests := []struct {
		name       string
		flusher    fakeFlusher
		depth      fakeDepth
		wantCode   int
		wantStatus string
	}{
		{
			name:       "healthy",
			flusher:    fakeFlusher{state: worker.StateIdle, breaker: "closed"},
			depth:      fakeDepth{n: 12},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "breaker open",
			flusher:    fakeFlusher{state: worker.StateFailed, breaker: "open"},
			depth:      fakeDepth{n: 400},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name:       "queue unreachable",
			flusher:    fakeFlusher{state: worker.StateIdle, breaker: "closed"},
			depth:      fakeDepth{err: errors.New("connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewRouter(tt.flusher, tt.depth, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.flusher.state.String(), resp.Flusher)
			assert.Equal(t, tt.flusher.breaker, resp.Breaker)
			assert.Equal(t, tt.depth.n, resp.QueueDepth)
		})
	}
}

type brokerDepth struct {
	fakeDepth
	healthErr error
}

func (b brokerDepth) CheckHealth(context.Context) error { return b.healthErr }

func TestRouter_HealthzBroker(t *testing.T) {
	flusher := fakeFlusher{state: worker.StateIdle, breaker: "closed"}

	rec := httptest.NewRecorder()
	NewRouter(flusher, brokerDepth{fakeDepth: fakeDepth{n: 3}}, nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Broker)
	assert.True(t, resp.Broker.Connected)

	rec = httptest.NewRecorder()
	NewRouter(flusher, brokerDepth{healthErr: errors.New("not connected")}, nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = HealthResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.NotNil(t, resp.Broker)
	assert.Equal(t, "not connected", resp.Broker.Error)

	// plain queues carry no broker section
	rec = httptest.NewRecorder()
	NewRouter(flusher, fakeDepth{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotContains(t, rec.Body.String(), "broker")
}

func TestRouter_HealthzJetStream(t *testing.T) {
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(10*time.Second))
	defer ns.Shutdown()

	cfg := natsclient.DefaultConfig()
	cfg.URL = ns.ClientURL()
	client, err := natsclient.NewJetStreamClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	streamCfg := natsclient.DefaultStreamConfig("AUDIT_HEALTHZ", []string{"audit.healthz"})
	streamCfg.Storage = jetstream.MemoryStorage
	streamCfg.MaxBytes = 1 << 20
	q, err := queue.NewJetStreamQueue(context.Background(), client, streamCfg, nil)
	require.NoError(t, err)

	// the request context carries no deadline
	rec := httptest.NewRecorder()
	NewRouter(fakeFlusher{state: worker.StateIdle, breaker: "closed"}, q, nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Broker)
	assert.True(t, resp.Broker.Connected)
	assert.Empty(t, resp.Broker.Error)
}

func TestRouter_HealthzMethod(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(fakeFlusher{}, fakeDepth{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(fakeFlusher{}, fakeDepth{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouter_MountsAPI(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewRouter(fakeFlusher{}, fakeDepth{}, api)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	NewRouter(fakeFlusher{}, fakeDepth{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
