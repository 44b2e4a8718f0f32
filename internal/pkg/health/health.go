// Package health tracks the connection state and the most recent error per
// component, for the status endpoint and the container liveness probe.
package health

import (
	"sync"
	"time"
)

// Snapshot is the read-only view served by GET /status.
type Snapshot struct {
	Connection string            `json:"connection"`
	LastError  *string           `json:"lastError"`
	Since      time.Time         `json:"since"`
	Components map[string]string `json:"components,omitempty"`
}

// Reporter collects state transitions and failures. Safe for concurrent use.
type Reporter struct {
	mu         sync.Mutex
	connection string
	lastError  string
	since      time.Time
	components map[string]string
}

// NewReporter starts in the Disconnected state.
func NewReporter() *Reporter {
	return &Reporter{
		connection: "Disconnected",
		since:      time.Now(),
		components: make(map[string]string),
	}
}

// SetConnection records a connection state transition and the error that
// caused it, if any.
func (r *Reporter) SetConnection(state string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connection != state {
		r.connection = state
		r.since = time.Now()
	}
	if cause != nil {
		r.lastError = cause.Error()
		r.components["transport"] = cause.Error()
	}
}

// ReportError records the most recent failure of a component.
func (r *Reporter) ReportError(component string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = err.Error()
	r.components[component] = err.Error()
}

// Snapshot returns a copy of the current state.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Connection: r.connection,
		Since:      r.since,
		Components: make(map[string]string, len(r.components)),
	}
	if r.lastError != "" {
		e := r.lastError
		snap.LastError = &e
	}
	for k, v := range r.components {
		snap.Components[k] = v
	}
	return snap
}
