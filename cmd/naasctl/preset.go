package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/hubenschmidt/naas/internal/sim"
)

// preset is a simulation described in TOML:
//
//	[model]
//	id = "cADpyr229_L23_PC_5ecbf9b163"
//
//	[simulation]
//	record_from = ["soma_0"]
//	tstop = 100
//	amp = 0.7
//	...
//
//	[params.h]
//	celsius = 34
type preset struct {
	Model      modelRef       `toml:"model"`
	Simulation simulation     `toml:"simulation"`
	Params     map[string]any `toml:"params"`
}

type modelRef struct {
	ID  string `toml:"id"`
	URL string `toml:"url"`
}

type simulation struct {
	RecordFrom []string `toml:"record_from"`
	TStop      float64  `toml:"tstop"`
	Amp        float64  `toml:"amp"`
	Delay      float64  `toml:"delay"`
	Dur        float64  `toml:"dur"`
	// Dt left out selects variable time step integration.
	Dt      *float64 `toml:"dt"`
	HypAmp  float64  `toml:"hypamp"`
	Celsius float64  `toml:"celsius"`
	VInit   float64  `toml:"vinit"`
}

func defaultPreset() preset {
	return preset{Simulation: simulation{
		RecordFrom: []string{"soma_0"},
		TStop:      100,
		Delay:      10,
		Dur:        50,
		Celsius:    34,
		VInit:      -65,
	}}
}

func loadPreset(path string) (preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return preset{}, fmt.Errorf("read preset: %w", err)
	}
	return parsePreset(data)
}

func parsePreset(data []byte) (preset, error) {
	p := defaultPreset()
	if err := toml.Unmarshal(data, &p); err != nil {
		return preset{}, fmt.Errorf("parse preset: %w", err)
	}
	if err := p.validate(); err != nil {
		return preset{}, err
	}
	return p, nil
}

func (p preset) validate() error {
	switch {
	case p.Model.ID == "" && p.Model.URL == "":
		return fmt.Errorf("preset needs model.id or model.url")
	case p.Model.ID != "" && p.Model.URL != "":
		return fmt.Errorf("preset sets both model.id and model.url")
	case len(p.Simulation.RecordFrom) == 0:
		return fmt.Errorf("preset records nothing")
	case p.Simulation.TStop <= 0:
		return fmt.Errorf("simulation.tstop must be positive")
	}
	return nil
}

func (p preset) request() sim.Request {
	s := p.Simulation
	return sim.Request{
		RecordFrom: s.RecordFrom,
		TStop:      s.TStop,
		Amp:        s.Amp,
		Delay:      s.Delay,
		Dur:        s.Dur,
		Dt:         s.Dt,
		HypAmp:     s.HypAmp,
		Celsius:    s.Celsius,
		VInit:      s.VInit,
	}
}
