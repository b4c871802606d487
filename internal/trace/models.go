package trace

import "time"

// Session represents one websocket connection.
type Session struct {
	ID         string     `json:"id"`
	RemoteAddr string     `json:"remote_addr"`
	ModelID    string     `json:"model_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	RunCount   int        `json:"run_count,omitempty"`
}

// Run represents one simulation started by start_simulation.
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ModelID    string    `json:"model_id"`
	StartedAt  time.Time `json:"started_at"`
	Request    string    `json:"request"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Chunks     int       `json:"chunks,omitempty"`
	Status     string    `json:"status"`
	SpanCount  int       `json:"span_count,omitempty"`
}

// Span represents a timed operation within a session: a model load, a
// command, or a stepping chunk of a run.
type Span struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	RunID      string    `json:"run_id,omitempty"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
