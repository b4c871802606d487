package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/engine/enginetest"
	"github.com/hubenschmidt/naas/internal/model"
)

const hoc = "begintemplate cADpyr\nendtemplate cADpyr\n"

func sections() []engine.Section {
	pts := func(l float64) []engine.Point {
		return []engine.Point{{X: 0, Arc: 0}, {X: l, Arc: l}}
	}
	segs := func(n int) []engine.Segment {
		out := make([]engine.Segment, n)
		for i := range out {
			out[i] = engine.Segment{X: (float64(i) + 0.5) / float64(n), Diam: 1}
		}
		return out
	}
	return []engine.Section{
		{Name: "soma[0]", L: 20, NSeg: 1, Points: pts(20), Segments: segs(1), Children: []string{"dend[0]"}},
		{Name: "dend[0]", L: 90, NSeg: 3, Points: pts(90), Segments: segs(3), Parent: &engine.Attachment{Section: "soma[0]", X: 1}},
	}
}

type server struct {
	t       *testing.T
	url     string
	handler *Handler

	mu      sync.Mutex
	fakes   []*enginetest.Fake
	closed  chan EndReason
	opened  chan string
	prepare func(*enginetest.Fake)
}

func newServer(t *testing.T, maxSessions int) *server {
	t.Helper()
	modelsDir := t.TempDir()
	for name, body := range map[string]string{
		"nmc1/template.hoc":       hoc,
		"nmc1/current_amps.dat":   "-0.25 0.5",
		"nmc1/synapses_meta.json": `{"excitatory": ["ProbAMPANMDA_EMS"]}`,
		"cell1/cell.hoc":          hoc,
		"cell1/morphology/c1.asc": "",
	} {
		path := filepath.Join(modelsDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	srv := &server{t: t, closed: make(chan EndReason, 4), opened: make(chan string, 4)}
	srv.handler = NewHandler(HandlerConfig{
		Models:      model.NewStore(model.Config{ModelsDir: modelsDir, TmpDir: t.TempDir()}),
		MaxSessions: maxSessions,
		NewEngine: func(ctx context.Context, pkg *model.Package) (engine.Engine, error) {
			f := enginetest.New(sections())
			f.AddSynapses("ProbAMPANMDA_EMS", engine.SynapseInstance{ID: "0", Section: "dend[0]", X: 0.9})
			f.SetInfo("soma[0]", "soma[0] { nseg=1 L=20 }")
			f.SetVector("v_soma", []float64{-65, -64.5})
			srv.mu.Lock()
			if srv.prepare != nil {
				srv.prepare(f)
			}
			srv.fakes = append(srv.fakes, f)
			srv.mu.Unlock()
			return f, nil
		},
		AllowedOrigins: []string{"http://localhost:8080"},
		Hooks: Hooks{
			Opened: func(id string) {
				select {
				case srv.opened <- id:
				default:
				}
			},
			Closed: func(id string, reason EndReason) {
				select {
				case srv.closed <- reason:
				default:
				}
			},
		},
	})
	hs := httptest.NewServer(srv.handler)
	t.Cleanup(hs.Close)
	srv.url = "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	return srv
}

func (srv *server) setPrepare(fn func(*enginetest.Fake)) {
	srv.mu.Lock()
	srv.prepare = fn
	srv.mu.Unlock()
}

// request builds a start_simulation payload.
func request(recordFrom []string, tstop float64, dt any) map[string]any {
	return map[string]any{
		"recordFrom": recordFrom,
		"tstop":      tstop,
		"amp":        0.7,
		"delay":      5,
		"dur":        10,
		"dt":         dt,
		"hypamp":     -0.1,
		"celsius":    34,
		"vinit":      -70,
	}
}

func (srv *server) fake(i int) *enginetest.Fake {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if i >= len(srv.fakes) {
		srv.t.Fatalf("engine %d never started", i)
	}
	return srv.fakes[i]
}

func (srv *server) dial() *websocket.Conn {
	srv.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(srv.url, nil)
	if err != nil {
		srv.t.Fatalf("dial: %v", err)
	}
	srv.t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"cmd": cmd, "data": data}); err != nil {
		t.Fatalf("send %s: %v", cmd, err)
	}
}

func read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expect(t *testing.T, conn *websocket.Conn, cmd string) json.RawMessage {
	t.Helper()
	msg := read(t, conn)
	if msg.Cmd != cmd {
		t.Fatalf("got %s %s, want %s", msg.Cmd, msg.Data, cmd)
	}
	return msg.Data
}

func TestGetUIDataOrder(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "nmc1")
	send(t, conn, "get_ui_data", nil)

	var init model.InitParams
	if err := json.Unmarshal(expect(t, conn, EventInitParams), &init); err != nil {
		t.Fatal(err)
	}
	if init != (model.InitParams{HypAmp: -0.25, VInit: -65, Dt: 0.025}) {
		t.Fatalf("init_params = %+v", init)
	}
	if data := expect(t, conn, EventMorphology); !strings.Contains(string(data), `"dend[0]"`) {
		t.Fatalf("morphology = %s", data)
	}
	if data := expect(t, conn, EventTopology); !strings.HasPrefix(string(data), `[{"id":"soma[0]"`) {
		t.Fatalf("topology = %s", data)
	}
	expect(t, conn, EventDendrogram)
	if data := expect(t, conn, EventSynapses); string(data) != `{"excitatory":[{"sec_name":"dend[0]","seg_idx":2,"id":"0"}]}` {
		t.Fatalf("synapses = %s", data)
	}
	if data := expect(t, conn, EventIClamp); string(data) != `"soma[0]"` {
		t.Fatalf("iclamp = %s", data)
	}
	if tmpl := srv.fake(0).Template(); tmpl.Format != engine.FormatNMC || tmpl.Name != "cADpyr" {
		t.Fatalf("template = %+v", tmpl)
	}
}

func TestGetUIDataWithoutInitParams(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "get_ui_data", nil)
	expect(t, conn, EventMorphology)
	expect(t, conn, EventTopology)
	expect(t, conn, EventDendrogram)
	if data := expect(t, conn, EventSynapses); string(data) != `{}` {
		t.Fatalf("synapses = %s", data)
	}
	expect(t, conn, EventIClamp)
}

func TestUnknownCommandEndsSession(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "reticulate_splines", nil)

	data := expect(t, conn, EventError)
	if !strings.Contains(string(data), "Unknown message") {
		t.Fatalf("error = %s", data)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after error")
	}
	select {
	case reason := <-srv.closed:
		if reason != EndError {
			t.Fatalf("reason = %s", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestCommandNeedsModel(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "get_sec_info", "soma[0]")
	if data := expect(t, conn, EventError); string(data) != `"no model loaded"` {
		t.Fatalf("error = %s", data)
	}
}

func TestMissingModel(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "nope")
	if data := expect(t, conn, EventError); !strings.Contains(string(data), "model id not found") {
		t.Fatalf("error = %s", data)
	}
}

func TestStreamingRun(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "start_simulation", request([]string{"soma[0]_0", "dend[0]_2"}, 30, 0.025))

	voltages := 0
	lastT := -1.0
	for {
		msg := read(t, conn)
		if msg.Cmd == EventError {
			t.Fatalf("error: %s", msg.Data)
		}
		if msg.Cmd != "sim_voltage" {
			if msg.Cmd != "sim_done" {
				t.Fatalf("unexpected %s", msg.Cmd)
			}
			var done []json.RawMessage
			if err := json.Unmarshal(msg.Data, &done); err != nil {
				t.Fatal(err)
			}
			if string(done[0]) != `["time","soma[0]_0","dend[0]_2"]` {
				t.Fatalf("columns = %s", done[0])
			}
			if len(done) != 1+1201 {
				t.Fatalf("rows = %d, want 1201", len(done)-1)
			}
			break
		}
		var frame []float64
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			t.Fatal(err)
		}
		if len(frame) != 5 || frame[0] < lastT {
			t.Fatalf("frame %d = %v", voltages, frame)
		}
		lastT = frame[0]
		voltages++
	}
	if voltages != 301 {
		t.Fatalf("sim_voltage events = %d, want 301", voltages)
	}
	if got := srv.fake(0).Stimulus(engine.StimulusClamp); got.Amp != 0.7 || got.Delay != 5 || got.Dur != 10 {
		t.Fatalf("stimulus = %+v", got)
	}
}

func TestStopSimulation(t *testing.T) {
	srv := newServer(t, 1)
	srv.setPrepare(func(f *enginetest.Fake) {
		f.OnStep = func(n int, _ float64) {
			if n == 100 {
				time.Sleep(50 * time.Millisecond)
			}
		}
	})
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "start_simulation", request([]string{"soma[0]_0"}, 3000, nil))
	expect(t, conn, "sim_voltage")
	send(t, conn, "stop_simulation", nil)
	for {
		msg := read(t, conn)
		if msg.Cmd == "sim_done" {
			break
		}
		if msg.Cmd != "sim_voltage" {
			t.Fatalf("unexpected %s %s", msg.Cmd, msg.Data)
		}
	}
	if steps := srv.fake(0).Steps(); steps >= 120000 {
		t.Fatalf("run was not stopped early: %d steps", steps)
	}
}

func TestStartFailureCarriesOutput(t *testing.T) {
	srv := newServer(t, 1)
	srv.setPrepare(func(f *enginetest.Fake) {
		f.InitErr = &engine.Error{Op: "initialize", Msg: "finitialize failed", Output: "hoc error near line 3"}
	})
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "start_simulation", request([]string{}, 10, 0.025))
	var failure runFailure
	if err := json.Unmarshal(expect(t, conn, EventError), &failure); err != nil {
		t.Fatal(err)
	}
	if failure.Msg != "Start-Simulation error" || failure.Raw != "hoc error near line 3" {
		t.Fatalf("failure = %+v", failure)
	}
}

func TestInvalidRequestIsReported(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "start_simulation", map[string]any{"tstop": 10})
	if data := expect(t, conn, EventError); !strings.Contains(string(data), "recordFrom") {
		t.Fatalf("error = %s", data)
	}
}

func TestSectionCommands(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")

	send(t, conn, "get_sec_info", "soma[0]")
	if data := expect(t, conn, EventSecInfo); string(data) != `{"txt":"soma[0] { nseg=1 L=20 }"}` {
		t.Fatalf("sec_info = %s", data)
	}

	send(t, conn, "set_iclamp", "dend[0]")
	if data := expect(t, conn, EventIClamp); string(data) != `"dend[0]"` {
		t.Fatalf("iclamp = %s", data)
	}
	if at := srv.fake(0).ClampAt(engine.StimulusClamp); at != (engine.Attachment{Section: "dend[0]", X: 0.5}) {
		t.Fatalf("clamp at %+v", at)
	}
}

func TestParamsAndScriptedRun(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "set_params", map[string]any{"celsius": 34, "FUNCTIONS": "setup(1)"})
	send(t, conn, "run_simulation", map[string]string{"v": "v_soma"})

	if data := expect(t, conn, EventSimulationDone); string(data) != `{"v":[-65,-64.5]}` {
		t.Fatalf("simulation_done = %s", data)
	}
	calls := srv.fake(0).Calls()
	if len(calls) != 2 || calls[0].Path != "h.celsius" || calls[1].Path != "model.setup" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestSetModelDiscardsPrevious(t *testing.T) {
	srv := newServer(t, 1)
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "set_model", "cell1")
	send(t, conn, "set_model", "nmc1")
	send(t, conn, "get_sec_info", "soma[0]")
	expect(t, conn, EventSecInfo)

	if !srv.fake(0).Closed() {
		t.Fatal("previous engine not closed")
	}
	if srv.fake(1).Closed() {
		t.Fatal("current engine closed")
	}
	srv.mu.Lock()
	n := len(srv.fakes)
	srv.mu.Unlock()
	if n != 2 {
		t.Fatalf("engines started = %d, want 2", n)
	}
}

func TestReservedPodRejectsSecondClient(t *testing.T) {
	srv := newServer(t, 1)
	srv.dial()
	select {
	case <-srv.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("first session not admitted")
	}

	second := srv.dial()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != 4503 {
		t.Fatalf("err = %v, want close 4503", err)
	}
	if !strings.Contains(ce.Text, "reserved pod") {
		t.Fatalf("close text = %q", ce.Text)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(HandlerConfig{
		AllowedOrigins: []string{"http://localhost:8080", " https://app.example.org"},
		AllowedIPs:     []string{"10.0.", ""},
	})
	tests := []struct {
		origin, ip string
		want       bool
	}{
		{"", "", true},
		{"http://localhost:8080", "", true},
		{"https://app.example.org/x", "", true},
		{"https://evil.example.org", "", false},
		{"https://evil.example.org", "10.0.3.4", true},
		{"https://evil.example.org", "192.168.0.1", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if tt.ip != "" {
			r.Header.Set("Client-Ip", tt.ip)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q, %q) = %v, want %v", tt.origin, tt.ip, got, tt.want)
		}
	}
}

func TestStatusListsSessions(t *testing.T) {
	srv := newServer(t, 2)
	conn := srv.dial()
	send(t, conn, "set_model", "cell1")
	send(t, conn, "get_sec_info", "soma[0]")
	expect(t, conn, EventSecInfo)

	st := srv.handler.Status()
	if st.MaxSessions != 2 || st.Active != 1 || st.Sessions[0].ModelID != "cell1" || st.Sessions[0].State != "idle" {
		t.Fatalf("status = %+v", st)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate(strings.Repeat("a", 120), logLimit); len(got) != logLimit+3 {
		t.Fatalf("len = %d", len(got))
	}
	if got := truncate("short", logLimit); got != "short" {
		t.Fatalf("got %q", got)
	}
}
