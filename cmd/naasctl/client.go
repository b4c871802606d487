package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// event is a server message.
type event struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

// serverError is an error event. The session is over once one arrives.
type serverError struct {
	Data json.RawMessage
}

func (e *serverError) Error() string {
	var run struct {
		Msg string `json:"msg"`
		Raw string `json:"raw"`
	}
	if err := json.Unmarshal(e.Data, &run); err == nil && run.Msg != "" {
		return fmt.Sprintf("server: %s: %s", run.Msg, run.Raw)
	}
	var msg string
	if err := json.Unmarshal(e.Data, &msg); err == nil {
		return "server: " + msg
	}
	return "server: " + string(e.Data)
}

type client struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func dial(ctx context.Context, cfg cliConfig) (*client, error) {
	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.Server, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Server, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{conn: conn, timeout: timeout}, nil
}

func (c *client) send(cmd string, data any) error {
	msg := map[string]any{"cmd": cmd}
	if data != nil {
		msg["data"] = data
	}
	slog.Debug("send", "cmd", cmd)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// next reads one event. An error event is returned as *serverError.
func (c *client) next() (event, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	var ev event
	if err := c.conn.ReadJSON(&ev); err != nil {
		return ev, fmt.Errorf("read: %w", err)
	}
	slog.Debug("recv", "cmd", ev.Cmd, "bytes", len(ev.Data))
	if ev.Cmd == "error" {
		return ev, &serverError{Data: ev.Data}
	}
	return ev, nil
}

// await reads until an event named cmd arrives and returns its data. Other
// events are passed to each, which may be nil.
func (c *client) await(cmd string, each func(event)) (json.RawMessage, error) {
	for {
		ev, err := c.next()
		if err != nil {
			return nil, err
		}
		if ev.Cmd == cmd {
			return ev.Data, nil
		}
		if each != nil {
			each(ev)
		}
	}
}

// load selects the preset's model, downloading it when a URL is given.
func (c *client) load(m modelRef) error {
	if m.URL != "" {
		return c.send("set_url", m.URL)
	}
	return c.send("set_model", m.ID)
}

func (c *client) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
