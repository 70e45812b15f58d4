// Package messaging holds broker-independent names and health types shared
// by the NATS implementation.
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by health checks on a dropped connection.
var ErrNotConnected = errors.New("not connected to message broker")

// HealthChecker can check the health of a messaging connection.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthStatus is the JSON form of a health check.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Check runs c.CheckHealth and times it.
func Check(ctx context.Context, c HealthChecker) HealthStatus {
	if c == nil {
		return HealthStatus{Error: "client is nil"}
	}
	start := time.Now()
	err := c.CheckHealth(ctx)
	status := HealthStatus{Connected: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
