package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// defaultStderrTail is how many stderr lines are kept for diagnostics.
	defaultStderrTail = 200

	// closeGrace is how long the worker gets to exit after stdin closes.
	closeGrace = 2 * time.Second
)

// ProcessConfig configures the worker subprocess.
type ProcessConfig struct {
	Command    []string
	Dir        string
	Env        []string
	StderrTail int
}

type request struct {
	ID   int64  `json:"id"`
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Output string          `json:"output,omitempty"`
}

// Process is an Engine backed by a worker subprocess speaking
// newline-delimited JSON on stdin/stdout. Calls are serialized.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	resps  chan response
	exited chan struct{}
	tail   *lineTail

	mu       sync.Mutex
	nextID   int64
	template string
	output   string
	closed   bool
}

var _ Engine = (*Process)(nil)

// StartProcess launches the worker.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("engine command is empty")
	}
	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stderr: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine start: %w", err)
	}

	n := cfg.StderrTail
	if n <= 0 {
		n = defaultStderrTail
	}
	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		resps:  make(chan response, 1),
		exited: make(chan struct{}),
		tail:   newLineTail(n),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	go func() {
		// Wait closes the pipes, so the readers must drain them first.
		readers.Wait()
		err := cmd.Wait()
		slog.Debug("engine process exited", "pid", cmd.Process.Pid, "error", err)
		close(p.exited)
	}()

	slog.Info("engine process started", "pid", cmd.Process.Pid, "dir", cfg.Dir, "command", strings.Join(cfg.Command, " "))
	return p, nil
}

func (p *Process) readStdout(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var resp response
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &resp) != nil {
			// stray prints from the engine that bypassed the worker capture
			p.tail.add(string(line))
			continue
		}
		p.resps <- resp
	}
	close(p.resps)
}

func (p *Process) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		slog.Debug("engine stderr", "line", line)
		p.tail.add(line)
	}
}

// LastOutput returns the output captured during the most recent call.
func (p *Process) LastOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

func (p *Process) call(ctx context.Context, op string, args, result any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &Error{Op: op, Msg: "engine closed"}
	}
	p.nextID++
	id := p.nextID

	line, err := json.Marshal(request{ID: id, Op: op, Args: args})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	line = append(line, '\n')
	if _, err = p.stdin.Write(line); err != nil {
		return &Error{Op: op, Msg: fmt.Sprintf("write request: %v", err), Output: p.tail.String()}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.exited:
			return &Error{Op: op, Msg: "engine process exited", Output: p.tail.String()}
		case resp, ok := <-p.resps:
			if !ok {
				return &Error{Op: op, Msg: "engine stdout closed", Output: p.tail.String()}
			}
			if resp.ID != id {
				slog.Warn("engine response out of order", "op", op, "want", id, "got", resp.ID)
				continue
			}
			p.output = resp.Output
			if resp.Error != "" {
				return &Error{Op: op, Msg: resp.Error, Output: resp.Output}
			}
			if result == nil || len(resp.Result) == 0 {
				return nil
			}
			if err = json.Unmarshal(resp.Result, result); err != nil {
				return &Error{Op: op, Msg: fmt.Sprintf("decode result: %v", err), Output: resp.Output}
			}
			return nil
		}
	}
}

// Load instantiates the model template.
func (p *Process) Load(ctx context.Context, t Template) error {
	if err := p.call(ctx, "load", t, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.template = t.Name
	p.mu.Unlock()
	return nil
}

func (p *Process) name(raw string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SectionName(p.template, raw)
}

// Sections returns every section in engine order with collapsed names.
func (p *Process) Sections(ctx context.Context) ([]Section, error) {
	var secs []Section
	if err := p.call(ctx, "sections", nil, &secs); err != nil {
		return nil, err
	}
	for i := range secs {
		secs[i].Name = p.name(secs[i].Name)
		if secs[i].Parent != nil {
			secs[i].Parent.Section = p.name(secs[i].Parent.Section)
		}
		for j, c := range secs[i].Children {
			secs[i].Children[j] = p.name(c)
		}
	}
	return secs, nil
}

// SectionInfo returns the engine's textual description of a section.
func (p *Process) SectionInfo(ctx context.Context, section string) (string, error) {
	var txt string
	if err := p.call(ctx, "section_info", map[string]string{"section": section}, &txt); err != nil {
		return "", err
	}
	if txt == "" {
		txt = p.LastOutput()
	}
	return txt, nil
}

// Synapses lists the instances of a point-process class.
func (p *Process) Synapses(ctx context.Context, class string) ([]SynapseInstance, error) {
	var syns []SynapseInstance
	if err := p.call(ctx, "synapses", map[string]string{"class": class}, &syns); err != nil {
		return nil, err
	}
	for i := range syns {
		syns[i].Section = p.name(syns[i].Section)
	}
	return syns, nil
}

func (p *Process) ClampSection(ctx context.Context, clamp Clamp) (string, error) {
	var sec string
	if err := p.call(ctx, "clamp_section", map[string]Clamp{"clamp": clamp}, &sec); err != nil {
		return "", err
	}
	return p.name(sec), nil
}

func (p *Process) PlaceClamp(ctx context.Context, clamp Clamp, section string, x float64) error {
	return p.call(ctx, "place_clamp", map[string]any{"clamp": clamp, "section": section, "x": x}, nil)
}

func (p *Process) ConfigureClamp(ctx context.Context, clamp Clamp, stim Stimulus) error {
	return p.call(ctx, "configure_clamp", map[string]any{"clamp": clamp, "amp": stim.Amp, "delay": stim.Delay, "dur": stim.Dur}, nil)
}

func (p *Process) ResetRecordings(ctx context.Context) error {
	return p.call(ctx, "reset_recordings", nil, nil)
}

func (p *Process) RecordTime(ctx context.Context) (Probe, error) {
	var probe Probe
	err := p.call(ctx, "record_time", nil, &probe)
	return probe, err
}

func (p *Process) RecordVoltage(ctx context.Context, section string, x float64) (Probe, error) {
	var probe Probe
	err := p.call(ctx, "record_voltage", map[string]any{"section": section, "x": x}, &probe)
	return probe, err
}

func (p *Process) ReadProbe(ctx context.Context, probe Probe) ([]float64, error) {
	var v []float64
	err := p.call(ctx, "read_probe", map[string]Probe{"probe": probe}, &v)
	return v, err
}

func (p *Process) Configure(ctx context.Context, integ Integration) error {
	return p.call(ctx, "configure", integ, nil)
}

func (p *Process) Initialize(ctx context.Context, vinit float64) error {
	return p.call(ctx, "initialize", map[string]float64{"vinit": vinit}, nil)
}

func (p *Process) Step(ctx context.Context) (float64, error) {
	var t float64
	err := p.call(ctx, "step", nil, &t)
	return t, err
}

func (p *Process) Time(ctx context.Context) (float64, error) {
	var t float64
	err := p.call(ctx, "time", nil, &t)
	return t, err
}

func (p *Process) Voltages(ctx context.Context) ([]float64, error) {
	var v []float64
	err := p.call(ctx, "voltages", nil, &v)
	return v, err
}

func (p *Process) Assign(ctx context.Context, path Path, value any) error {
	return p.call(ctx, "assign", map[string]any{"path": path, "value": value}, nil)
}

func (p *Process) Invoke(ctx context.Context, path Path, args []any) error {
	return p.call(ctx, "invoke", map[string]any{"path": path, "args": args}, nil)
}

func (p *Process) Run(ctx context.Context) error {
	return p.call(ctx, "run", nil, nil)
}

func (p *Process) Vector(ctx context.Context, name string) ([]float64, error) {
	var v []float64
	err := p.call(ctx, "vector", map[string]string{"name": name}, &v)
	return v, err
}

// Close asks the worker to exit and kills it if it does not.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stdin.Close()
	select {
	case <-p.exited:
		return nil
	case <-time.After(closeGrace):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.exited
	return nil
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLineTail(n int) *lineTail {
	return &lineTail{max: n}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
