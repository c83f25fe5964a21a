package peernet

import (
	"encoding/json"
	"net/http"
	"time"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	// Name is the name of the check.
	Name string `json:"name"`

	// Healthy indicates whether the check passed.
	Healthy bool `json:"healthy"`

	// Message provides additional context about the check result.
	Message string `json:"message,omitempty"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// HealthStatus represents the overall health status of the peer.
type HealthStatus struct {
	// Healthy indicates whether all checks passed.
	Healthy bool `json:"healthy"`

	// Checks contains the results of individual checks.
	Checks []CheckResult `json:"checks"`

	// Timestamp is when the health check was performed.
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy returns true if the peer is started, has an endpoint to
// announce and its handlers are being run.
//
// This is a quick check suitable for liveness probes.
func (p *Peer) IsHealthy() bool {
	m := p.current()
	return m != nil && m.Endpoint() != "" && p.dispatcher.Running()
}

// ReadinessChecks performs detailed health checks and returns the results.
// This is suitable for readiness probes and debugging.
//
// Checks performed:
//   - peer_running: Whether the peer has been started
//   - transport: Whether the stream endpoint is available
//   - dispatcher: Whether events are being delivered to handlers
//   - connections: How many peers are connected (informational)
func (p *Peer) ReadinessChecks() HealthStatus {
	status := HealthStatus{
		Healthy:   true,
		Checks:    make([]CheckResult, 0, 4),
		Timestamp: time.Now(),
	}
	check := func(name string, ok bool, okMsg, failMsg string, start time.Time) {
		status.Checks = append(status.Checks, CheckResult{
			Name:     name,
			Healthy:  ok,
			Message:  boolToMessage(ok, okMsg, failMsg),
			Duration: time.Since(start),
		})
		if !ok {
			status.Healthy = false
		}
	}

	start := time.Now()
	m := p.current()
	check("peer_running", m != nil, "peer is running", "peer is not started", start)

	start = time.Now()
	endpoint := ""
	if m != nil {
		endpoint = m.Endpoint()
	}
	check("transport", endpoint != "", "listening on "+endpoint, "no stream endpoint", start)

	start = time.Now()
	check("dispatcher", p.dispatcher.Running(), "handlers are running", "handlers are stopped", start)

	// Informational only.
	start = time.Now()
	n := len(p.ListConnected())
	status.Checks = append(status.Checks, CheckResult{
		Name:     "connections",
		Healthy:  true,
		Message:  boolToMessage(n > 0, "has connected peers", "no connected peers"),
		Duration: time.Since(start),
	})

	return status
}

// boolToMessage returns trueMsg if b is true, otherwise falseMsg.
func boolToMessage(b bool, trueMsg, falseMsg string) string {
	if b {
		return trueMsg
	}
	return falseMsg
}

// HealthHandler returns an http.Handler that serves health check responses.
// The handler responds with:
//   - 200 OK if the peer is healthy
//   - 503 Service Unavailable if the peer is unhealthy
//
// The response body contains a JSON representation of HealthStatus.
//
// Example usage:
//
//	http.Handle("/health", peernet.HealthHandler(peer))
func HealthHandler(p *Peer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := p.ReadinessChecks()

		w.Header().Set("Content-Type", "application/json")
		if status.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(status)
	})
}

// LivenessHandler returns an http.Handler that serves liveness check responses.
// This is a quick check that returns:
//   - 200 OK if the peer is alive
//   - 503 Service Unavailable if the peer is not alive
//
// Unlike HealthHandler, this does not perform detailed checks.
func LivenessHandler(p *Peer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"healthy":true}`))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"healthy":false}`))
		}
	})
}
