package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
	"github.com/hubenschmidt/naas/internal/loop"
	"github.com/hubenschmidt/naas/internal/metrics"
	"github.com/hubenschmidt/naas/internal/sim"
	"github.com/hubenschmidt/naas/internal/trace"
)

// EventError is sent before a session ends on a failure.
const EventError = "error"

// logLimit truncates outgoing messages in debug logs.
const logLimit = 100

// EndReason says why a session ended.
type EndReason string

const (
	EndClosed EndReason = "closed"
	EndError  EndReason = "error"
)

// message is the wire envelope in both directions.
type message struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Cmd  string `json:"cmd"`
	Data any    `json:"data"`
}

// session is one websocket client. Commands and stepping run on its loop;
// only the reader and writer touch the connection from other goroutines.
type session struct {
	h       *Handler
	id      string
	remote  string
	conn    *websocket.Conn
	loop    *loop.Loop
	tracer  *trace.Tracer
	started time.Time

	writeMu sync.Mutex

	endOnce sync.Once
	reason  EndReason
	cancel  context.CancelFunc

	infoMu  sync.Mutex
	modelID string
	state   string

	// owned by the loop
	cell  *cell
	runID string
}

func newSession(h *Handler, conn *websocket.Conn, id, remote string) *session {
	s := &session{
		h:       h,
		id:      id,
		remote:  remote,
		conn:    conn,
		loop:    loop.New(),
		started: time.Now(),
		state:   "empty",
	}
	if h.cfg.TraceStore != nil {
		s.tracer = trace.NewTracer(h.cfg.TraceStore, id, remote)
	}
	return s
}

func (s *session) run() EndReason {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop.Run(ctx)
	}()

	slog.Info("session started", "session_id", s.id, "remote", s.remote)
	s.read()
	s.end(EndClosed)
	<-loopDone

	s.discard()
	s.tracer.Close(string(s.reason))
	slog.Info("session ended", "session_id", s.id, "reason", s.reason, "duration_ms", time.Since(s.started).Milliseconds())
	return s.reason
}

// read posts every client message to the loop until the connection fails.
func (s *session) read() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "session_id", s.id, "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg message
		if err = json.Unmarshal(data, &msg); err != nil {
			s.loop.Post(func(ctx context.Context) {
				s.Fail(fault.Wrap(fault.RequestValidationError, err, "malformed message"))
			})
			continue
		}
		slog.Debug("incoming message", "session_id", s.id, "cmd", msg.Cmd)
		s.loop.Post(func(ctx context.Context) { s.dispatch(ctx, msg) })
	}
}

// end closes the connection once. The first reason wins.
func (s *session) end(reason EndReason) {
	s.endOnce.Do(func() {
		s.reason = reason
		s.cancel()
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// Send writes an event to the client.
func (s *session) Send(event string, data any) {
	payload, err := json.Marshal(outgoing{Cmd: event, Data: data})
	if err != nil {
		slog.Error("encode event", "session_id", s.id, "cmd", event, "error", err)
		return
	}
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("outgoing message", "session_id", s.id, "msg", truncate(string(payload), logLimit))
	}
	metrics.MessagesTotal.WithLabelValues("out", event).Inc()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err = s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Debug("write event", "session_id", s.id, "cmd", event, "error", err)
	}
}

// Fail reports err to the client and ends the session.
func (s *session) Fail(err error) {
	kind := classify(err)
	metrics.Errors.WithLabelValues(string(kind)).Inc()
	slog.Error("session error", "session_id", s.id, "kind", kind, "error", err)
	s.Send(EventError, errorData(kind, err))
	s.end(EndError)
}

func classify(err error) fault.Kind {
	var ee *engine.Error
	if kind := fault.KindOf(err); kind != fault.Internal || !errors.As(err, &ee) {
		return kind
	}
	return fault.EngineFailure
}

type runFailure struct {
	Msg string `json:"msg"`
	Raw string `json:"raw"`
}

// errorData renders start and step failures with the engine output and
// everything else as its message.
func errorData(kind fault.Kind, err error) any {
	var fe *fault.Error
	if (kind == fault.SimulationStartFailure || kind == fault.SimulationStepFailure) && errors.As(err, &fe) {
		return runFailure{Msg: fe.Msg, Raw: fe.Output}
	}
	return err.Error()
}

func (s *session) setInfo(modelID, state string) {
	s.infoMu.Lock()
	if modelID != "" {
		s.modelID = modelID
	}
	if state != "" {
		s.state = state
	}
	s.infoMu.Unlock()
	s.h.changed()
}

func (s *session) status() SessionStatus {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return SessionStatus{ID: s.id, Remote: s.remote, ModelID: s.modelID, State: s.state, StartedAt: s.started}
}

// discard releases the loaded model. It runs on the loop, or after the loop
// has stopped.
func (s *session) discard() {
	if s.cell == nil {
		return
	}
	if err := s.cell.eng.Close(); err != nil {
		slog.Warn("engine close", "session_id", s.id, "model_id", s.cell.pkg.ID, "error", err)
	}
	s.cell = nil
}

// runObserver feeds run progress to metrics, the tracer and the status.
type runObserver struct{ s *session }

func (o runObserver) RunStarted(req sim.Request) {
	s := o.s
	body, _ := json.Marshal(req)
	s.runID = s.tracer.StartRun(s.cell.pkg.ID, string(body))
	s.setInfo("", sim.Running.String())
}

func (o runObserver) ChunkDone(steps int, elapsed time.Duration) {
	metrics.StepsTotal.Add(float64(steps))
	metrics.ChunkDuration.Observe(elapsed.Seconds())
}

func (o runObserver) RunFinished(outcome sim.Outcome, chunks int, elapsed time.Duration) {
	s := o.s
	metrics.RunsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.RunDuration.Observe(elapsed.Seconds())
	s.tracer.EndRun(s.runID, float64(elapsed.Microseconds())/1000, chunks, string(outcome))
	s.runID = ""
	slog.Info("simulation finished", "session_id", s.id, "outcome", outcome, "chunks", chunks, "duration_ms", elapsed.Milliseconds())
	s.setInfo("", string(outcome))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s...", s[:max])
}
