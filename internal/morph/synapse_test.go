package morph

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hubenschmidt/naas/internal/engine"
)

type listerFunc func(class string) []engine.SynapseInstance

func (f listerFunc) Synapses(ctx context.Context, class string) ([]engine.SynapseInstance, error) {
	return f(class), nil
}

func TestLocateSynapses(t *testing.T) {
	secs := []engine.Section{
		{Name: "soma[0]", L: 10, NSeg: 1, Points: []engine.Point{{Arc: 0}, {X: 10, Arc: 10}}, Segments: segments(1, 10)},
		{Name: "dend[0]", L: 40, NSeg: 4, Points: []engine.Point{{Arc: 0}, {X: 40, Arc: 40}}, Segments: segments(4, 1),
			Parent: &engine.Attachment{Section: "soma[0]", X: 1}},
	}
	m, err := Derive(secs, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	cat, err := ParseCatalog([]byte(`{"inhibitory": ["ProbGABAAB_EMS"], "excitatory": ["ProbAMPANMDA_EMS", "Missing"]}`))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	lister := listerFunc(func(class string) []engine.SynapseInstance {
		switch class {
		case "ProbAMPANMDA_EMS":
			return []engine.SynapseInstance{
				{ID: "7", Section: "dend[0]", X: 1.0},
				{ID: "2", Section: "dend[0]", X: 0.1},
			}
		case "ProbGABAAB_EMS":
			return []engine.SynapseInstance{{ID: "0", Section: "soma[0]", X: 0.5}}
		}
		return nil
	})

	syns, err := LocateSynapses(context.Background(), cat, lister, m)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}

	exc, ok := syns.Get("excitatory")
	if !ok || len(exc) != 2 {
		t.Fatalf("excitatory = %+v", exc)
	}
	if exc[0] != (Synapse{SecName: "dend[0]", SegIdx: 3, ID: "7"}) {
		t.Fatalf("position 1.0 must resolve to last segment, got %+v", exc[0])
	}
	if exc[1].ID != "2" || exc[1].SegIdx != 0 {
		t.Fatalf("discovery order not kept: %+v", exc[1])
	}

	data, err := json.Marshal(syns)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if i, j := strings.Index(string(data), "inhibitory"), strings.Index(string(data), "excitatory"); i < 0 || j < 0 || i > j {
		t.Fatalf("catalog order lost: %s", data)
	}
}

func TestLocateSynapsesOmitsEmptyTypes(t *testing.T) {
	m, err := Derive(nil, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	cat, _ := ParseCatalog([]byte(`{"excitatory": ["Nothing"]}`))
	syns, err := LocateSynapses(context.Background(), cat, listerFunc(func(string) []engine.SynapseInstance { return nil }), m)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if syns.Len() != 0 {
		t.Fatalf("expected no synapse types, got %d", syns.Len())
	}
	data, _ := json.Marshal(syns)
	if string(data) != "{}" {
		t.Fatalf("json = %s, want {}", data)
	}
}
