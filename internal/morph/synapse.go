package morph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
)

// Synapse locates one synapse instance.
type Synapse struct {
	SecName string `json:"sec_name"`
	SegIdx  int    `json:"seg_idx"`
	ID      string `json:"id"`
}

// Catalog maps a synapse type to the engine point-process classes that
// implement it, in declaration order.
type Catalog = orderedmap.OrderedMap[string, []string]

// Synapses groups located synapses by type, in discovery order.
type Synapses = orderedmap.OrderedMap[string, []Synapse]

// ParseCatalog decodes a synapse metadata document, keeping key order.
func ParseCatalog(data []byte) (*Catalog, error) {
	cat := orderedmap.New[string, []string]()
	if err := json.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("parse synapse catalog: %w", err)
	}
	return cat, nil
}

// LoadCatalog reads a synapse metadata file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read synapse catalog: %w", err)
	}
	return ParseCatalog(data)
}

// SynapseLister enumerates point-process instances.
type SynapseLister interface {
	Synapses(ctx context.Context, class string) ([]engine.SynapseInstance, error)
}

// LocateSynapses resolves every catalogued synapse instance to a section and
// segment index. Types without instances are omitted.
func LocateSynapses(ctx context.Context, cat *Catalog, lister SynapseLister, m *Morphology) (*Synapses, error) {
	out := orderedmap.New[string, []Synapse]()
	if cat == nil {
		return out, nil
	}
	for pair := cat.Oldest(); pair != nil; pair = pair.Next() {
		kind := pair.Key
		for _, class := range pair.Value {
			instances, err := lister.Synapses(ctx, class)
			if err != nil {
				return nil, fmt.Errorf("list %s synapses: %w", class, err)
			}
			for _, inst := range instances {
				sec, ok := m.Section(inst.Section)
				if !ok {
					return nil, fault.New(fault.EngineFailure, "synapse %s[%s] on unknown section %s", class, inst.ID, inst.Section)
				}
				list, _ := out.Get(kind)
				out.Set(kind, append(list, Synapse{
					SecName: inst.Section,
					SegIdx:  SegmentIndex(sec.NSeg, inst.X),
					ID:      inst.ID,
				}))
			}
		}
	}
	return out, nil
}
