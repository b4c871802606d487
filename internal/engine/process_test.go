package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

const helperEnv = "NAAS_ENGINE_HELPER"

// TestHelperProcess is not a real test. It is the worker the Process tests
// talk to, re-executed from the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for sc.Scan() {
		var req struct {
			ID   int64           `json:"id"`
			Op   string          `json:"op"`
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			fmt.Fprintln(os.Stderr, "bad request:", err)
			os.Exit(2)
		}
		resp := map[string]any{"id": req.ID}
		switch req.Op {
		case "load":
			resp["output"] = "loaded " + string(req.Args)
		case "sections":
			resp["result"] = []map[string]any{
				{"name": "Cell[0].soma[0]", "L": 10, "nseg": 1, "children": []string{"Cell[0].dend[0]"}},
				{"name": "Cell[0].dend[0]", "L": 50, "nseg": 3, "parent": map[string]any{"section": "Cell[0].soma[0]", "x": 1}},
			}
		case "section_info":
			resp["output"] = "soma[0] { nseg=1 }"
		case "step":
			// stray print that bypassed output capture
			fmt.Println("NEURON: step")
			resp["result"] = 0.025
		case "initialize":
			resp["error"] = "finitialize failed"
			resp["output"] = "hoc error near line 3"
		case "crash":
			fmt.Fprintln(os.Stderr, "segmentation violation")
			os.Exit(3)
		}
		if err := enc.Encode(resp); err != nil {
			os.Exit(2)
		}
	}
	os.Exit(0)
}

func startHelper(t *testing.T) *Process {
	t.Helper()
	p, err := StartProcess(context.Background(), ProcessConfig{
		Command: []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:     append(os.Environ(), helperEnv+"=1"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProcessCollapsesTemplatePrefix(t *testing.T) {
	p := startHelper(t)
	ctx := context.Background()

	if err := p.Load(ctx, Template{Format: FormatCell, Name: "Cell", HocFile: "cell.hoc"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.HasPrefix(p.LastOutput(), "loaded ") {
		t.Fatalf("output = %q", p.LastOutput())
	}

	secs, err := p.Sections(ctx)
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	if len(secs) != 2 {
		t.Fatalf("got %d sections", len(secs))
	}
	if secs[0].Name != "soma[0]" || secs[0].Children[0] != "dend[0]" {
		t.Fatalf("soma = %+v", secs[0])
	}
	if secs[1].Parent == nil || secs[1].Parent.Section != "soma[0]" || secs[1].NSeg != 3 {
		t.Fatalf("dend = %+v", secs[1])
	}
}

func TestProcessSkipsStrayOutput(t *testing.T) {
	p := startHelper(t)
	ctx := context.Background()

	for range 3 {
		tm, err := p.Step(ctx)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if tm != 0.025 {
			t.Fatalf("t = %g", tm)
		}
	}
	if !strings.Contains(p.tail.String(), "NEURON: step") {
		t.Fatalf("stray line not kept in tail: %q", p.tail.String())
	}

	txt, err := p.SectionInfo(ctx, "soma[0]")
	if err != nil {
		t.Fatalf("section info: %v", err)
	}
	if txt != "soma[0] { nseg=1 }" {
		t.Fatalf("section info falls back to output, got %q", txt)
	}
}

func TestProcessEngineErrorCarriesOutput(t *testing.T) {
	p := startHelper(t)

	err := p.Initialize(context.Background(), -65)
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ee.Op != "initialize" || ee.Msg != "finitialize failed" {
		t.Fatalf("err = %+v", ee)
	}
	if ee.EngineOutput() != "hoc error near line 3" {
		t.Fatalf("output = %q", ee.EngineOutput())
	}

	// the worker is still usable after an engine-side error
	if _, err = p.Step(context.Background()); err != nil {
		t.Fatalf("step after error: %v", err)
	}
}

func TestProcessExitKeepsStderrTail(t *testing.T) {
	p := startHelper(t)

	err := p.call(context.Background(), "crash", nil, nil)
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *Error", err)
	}

	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	if !strings.Contains(p.tail.String(), "segmentation violation") {
		t.Fatalf("tail = %q", p.tail.String())
	}

	if err = p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err = p.Step(context.Background()); err == nil {
		t.Fatal("call after close should fail")
	}
}

func TestProcessCallHonorsContext(t *testing.T) {
	p := startHelper(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a cancelled call may still race the reply; either way it must return
	done := make(chan error, 1)
	go func() { _, err := p.Time(ctx); done <- err }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("call ignored cancelled context")
	}
}

func TestLineTailKeepsLast(t *testing.T) {
	tail := newLineTail(2)
	for _, l := range []string{"a", "b", "c"} {
		tail.add(l)
	}
	if got := tail.String(); got != "b\nc" {
		t.Fatalf("tail = %q", got)
	}
}

func TestSectionName(t *testing.T) {
	tests := []struct {
		template, raw, want string
	}{
		{"Cell", "Cell[0].soma[0]", "soma[0]"},
		{"Cell", "soma[0]", "soma[0]"},
		{"", "Cell[0].soma[0]", "Cell[0].soma[0]"},
		{"L5TTPC", "L5TTPC[0].apic[12]", "apic[12]"},
	}
	for _, tt := range tests {
		if got := SectionName(tt.template, tt.raw); got != tt.want {
			t.Errorf("SectionName(%q, %q) = %q, want %q", tt.template, tt.raw, got, tt.want)
		}
	}
}

func TestPathString(t *testing.T) {
	p := Path{{Name: "cell"}, {Name: "apic", Index: []int{3, 1}}, {Name: "gbar"}}
	if got := p.String(); got != "cell.apic[3][1].gbar" {
		t.Fatalf("path = %q", got)
	}
}
