package automation

import (
	"sync"
	"time"
)

// SweepStatus is the last observed outcome of one sweep loop.
type SweepStatus struct {
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Health tracks per-sweep liveness for the health endpoint. It replaces any
// notion of a global "automation running" flag: each sweep reports for
// itself.
type Health struct {
	mu     sync.Mutex
	sweeps map[string]SweepStatus
}

func NewHealth() *Health {
	return &Health{sweeps: make(map[string]SweepStatus)}
}

func (h *Health) record(sweep string, at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := SweepStatus{LastRun: at}
	if err != nil {
		status.LastError = err.Error()
	}
	h.sweeps[sweep] = status
}

// Snapshot returns a copy of the current per-sweep status.
func (h *Health) Snapshot() map[string]SweepStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]SweepStatus, len(h.sweeps))
	for name, status := range h.sweeps {
		out[name] = status
	}
	return out
}

// Stale reports whether any sweep has not completed within the given
// tolerance. Sweeps that never ran are not stale until they have a first
// run on record.
func (h *Health) Stale(tolerance time.Duration, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, status := range h.sweeps {
		if now.Sub(status.LastRun) > tolerance {
			return true
		}
	}
	return false
}
