package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/metrics"
	"github.com/hubenschmidt/naas/internal/model"
	"github.com/hubenschmidt/naas/internal/trace"
)

// CloseReserved is the close code sent when every session slot is taken.
// Close codes must be 1000 or above; this one is in the application range.
const CloseReserved = 4503

// EngineFactory starts an engine for a located model package.
type EngineFactory func(ctx context.Context, pkg *model.Package) (engine.Engine, error)

// Hooks are told about session lifecycle. Any field may be nil.
type Hooks struct {
	// Opened runs when a session is admitted.
	Opened func(id string)
	// Closed runs after a session has released its engine.
	Closed func(id string, reason EndReason)
	// Changed runs whenever Status would report something new.
	Changed func()
}

// HandlerConfig holds what every session shares.
type HandlerConfig struct {
	Models      *model.Store
	NewEngine   EngineFactory
	MaxSessions int
	// AllowedOrigins and AllowedIPs are prefix lists. A request passes when
	// its Origin matches, or else when its Client-Ip header matches.
	AllowedOrigins []string
	AllowedIPs     []string
	TraceStore     *trace.Store
	Hooks          Hooks
}

// Handler manages websocket sessions with admission control.
type Handler struct {
	cfg      HandlerConfig
	sem      chan struct{}
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHandler creates a websocket handler.
func NewHandler(cfg HandlerConfig) *Handler {
	maxSess := cfg.MaxSessions
	if maxSess <= 0 {
		maxSess = 1
	}
	h := &Handler{
		cfg:      cfg,
		sem:      make(chan struct{}, maxSess),
		sessions: map[string]*session{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	slog.Debug("websocket origin", "origin", origin)
	if hasPrefix(origin, h.cfg.AllowedOrigins) {
		return true
	}
	ip := r.Header.Get("Client-Ip")
	if ip != "" && hasPrefix(ip, h.cfg.AllowedIPs) {
		slog.Debug("allowing for client ip", "client_ip", ip)
		return true
	}
	metrics.SessionsRejected.WithLabelValues("origin").Inc()
	return false
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection and runs the session. When every slot
// is taken the connection is accepted and closed with CloseReserved.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		slog.Error("session slots taken, reserved pod", "remote", r.RemoteAddr)
		metrics.SessionsRejected.WithLabelValues("reserved").Inc()
		msg := websocket.FormatCloseMessage(CloseReserved, "WebSocket connection arrived at the reserved pod")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	s := newSession(h, conn, uuid.NewString(), r.RemoteAddr)
	h.track(s)
	reason := s.run()
	h.untrack(s)

	if h.cfg.Hooks.Closed != nil {
		h.cfg.Hooks.Closed(s.id, reason)
	}
}

func (h *Handler) track(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	if h.cfg.Hooks.Opened != nil {
		h.cfg.Hooks.Opened(s.id)
	}
	h.changed()
}

func (h *Handler) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.changed()
}

func (h *Handler) changed() {
	if h.cfg.Hooks.Changed != nil {
		h.cfg.Hooks.Changed()
	}
}

// Status is a snapshot of the admitted sessions.
type Status struct {
	MaxSessions int             `json:"max_sessions"`
	Active      int             `json:"active"`
	Sessions    []SessionStatus `json:"sessions"`
}

// SessionStatus describes one session.
type SessionStatus struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	ModelID   string    `json:"model_id,omitempty"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Status returns the current sessions, oldest first.
func (h *Handler) Status() Status {
	h.mu.Lock()
	out := Status{MaxSessions: cap(h.sem), Sessions: make([]SessionStatus, 0, len(h.sessions))}
	for _, s := range h.sessions {
		out.Sessions = append(out.Sessions, s.status())
	}
	h.mu.Unlock()
	out.Active = len(out.Sessions)
	sort.Slice(out.Sessions, func(i, j int) bool { return out.Sessions[i].StartedAt.Before(out.Sessions[j].StartedAt) })
	return out
}
