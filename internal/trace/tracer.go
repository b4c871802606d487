package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	maxIOLen     = 500
	writeTimeout = 5 * time.Second
)

type traceMsg struct {
	kind string // "session_create", "session_model", "session_end", "run_create", "run_update", "span"

	sessionID  string
	remoteAddr string
	modelID    string
	reason     string

	runID      string
	request    string
	durationMs float64
	chunks     int
	status     string

	span Span
}

// Tracer writes trace data asynchronously via a buffered channel.
// All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	store     *Store
	sessionID string
	ch        chan traceMsg
	done      chan struct{}
}

// NewTracer records a new session and returns a tracer bound to it. Must
// call Close when done.
func NewTracer(store *Store, sessionID, remoteAddr string) *Tracer {
	t := &Tracer{
		store:     store,
		sessionID: sessionID,
		ch:        make(chan traceMsg, 64),
		done:      make(chan struct{}),
	}
	go t.drain()
	t.ch <- traceMsg{kind: "session_create", sessionID: sessionID, remoteAddr: remoteAddr}
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	handlers := map[string]func() error{
		"session_create": func() error {
			return t.store.CreateSession(ctx, Session{ID: m.sessionID, RemoteAddr: m.remoteAddr})
		},
		"session_model": func() error { return t.store.SetSessionModel(ctx, m.sessionID, m.modelID) },
		"session_end":   func() error { return t.store.EndSession(ctx, m.sessionID, m.reason) },
		"run_create": func() error {
			return t.store.CreateRun(ctx, Run{ID: m.runID, SessionID: m.sessionID, ModelID: m.modelID, Request: m.request})
		},
		"run_update": func() error { return t.store.UpdateRun(ctx, m.runID, m.durationMs, m.chunks, m.status) },
		"span":       func() error { return t.store.CreateSpan(ctx, m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "session_id", m.sessionID, "error", err)
	}
}

// SessionID returns the traced session.
func (t *Tracer) SessionID() string {
	if t == nil {
		return ""
	}
	return t.sessionID
}

// SetModel records the model the session loaded.
func (t *Tracer) SetModel(modelID string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "session_model", sessionID: t.sessionID, modelID: modelID}
}

// StartRun begins a new run and returns its ID.
func (t *Tracer) StartRun(modelID, request string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.ch <- traceMsg{
		kind:      "run_create",
		runID:     id,
		sessionID: t.sessionID,
		modelID:   modelID,
		request:   truncate(request, maxIOLen),
	}
	return id
}

// EndRun finalizes a run.
func (t *Tracer) EndRun(runID string, durationMs float64, chunks int, status string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{
		kind:       "run_update",
		runID:      runID,
		durationMs: durationMs,
		chunks:     chunks,
		status:     status,
	}
}

// RecordSpan records a completed span. runID is empty for session-level
// operations.
func (t *Tracer) RecordSpan(runID, name string, startedAt time.Time, durationMs float64, input, output, status, errMsg string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			SessionID:  t.sessionID,
			RunID:      runID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: durationMs,
			Input:      truncate(input, maxIOLen),
			Output:     truncate(output, maxIOLen),
			Status:     status,
			Error:      truncate(errMsg, maxIOLen),
		},
	}
}

// Close records the end of the session, drains pending writes and shuts
// down the background goroutine.
func (t *Tracer) Close(reason string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "session_end", sessionID: t.sessionID, reason: reason}
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
