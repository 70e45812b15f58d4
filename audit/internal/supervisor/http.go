package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/worker"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
	"github.com/telhawk-systems/telhawk-audit/common/middleware"
)

// HTTPServer matches the *http.Server lifecycle.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// ctx is already canceled; shutdown gets its own deadline
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}

// FlushStatus is satisfied by *worker.Flusher.
type FlushStatus interface {
	State() worker.State
	BreakerState() string
}

// Depth is satisfied by every queue backend.
type Depth interface {
	Len(ctx context.Context) (int64, error)
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status     string `json:"status"`
	Flusher    string `json:"flusher"`
	Breaker    string `json:"breaker"`
	QueueDepth int64  `json:"queue_depth"`
	Error      string `json:"error,omitempty"`

	// Broker is reported for backends that sit on a network broker.
	Broker *messaging.HealthStatus `json:"broker,omitempty"`
}

// NewRouter serves /metrics, /healthz and, when api is not nil, /api/.
// Health is degraded, with status 503, while the storage breaker is open
// or the queue is unreachable. A queue that implements
// messaging.HealthChecker also gets its broker connection checked.
func NewRouter(flusher FlushStatus, queue Depth, api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if api != nil {
		mux.Handle("/api/", api)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		resp := HealthResponse{
			Status:  "ok",
			Flusher: flusher.State().String(),
			Breaker: flusher.BreakerState(),
		}
		status := http.StatusOK
		depth, err := queue.Len(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
		resp.QueueDepth = depth
		if hc, ok := queue.(messaging.HealthChecker); ok {
			broker := messaging.Check(r.Context(), hc)
			resp.Broker = &broker
			if !broker.Connected {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		if resp.Breaker == "open" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return middleware.RequestID(mux)
}
