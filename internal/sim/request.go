package sim

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hubenschmidt/naas/internal/fault"
)

// Request is a start_simulation payload. Dt is nil for variable time step
// integration.
type Request struct {
	RecordFrom []string `json:"recordFrom"`
	TStop      float64  `json:"tstop"`
	Amp        float64  `json:"amp"`
	Delay      float64  `json:"delay"`
	Dur        float64  `json:"dur"`
	Dt         *float64 `json:"dt"`
	HypAmp     float64  `json:"hypamp"`
	Celsius    float64  `json:"celsius"`
	VInit      float64  `json:"vinit"`
}

var requestKeys = []string{"recordFrom", "tstop", "amp", "delay", "dur", "dt", "hypamp", "celsius", "vinit"}

// ParseRequest decodes and validates a simulation request. Every key must be
// present; only dt may be null.
func ParseRequest(data []byte) (Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, fault.Wrap(fault.RequestValidationError, err, "decode simulation request")
	}

	var missing []string
	for _, k := range requestKeys {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Request{}, fault.New(fault.RequestValidationError, "simulation request missing %s", strings.Join(missing, ", "))
	}

	var req Request
	if err := json.Unmarshal(raw["recordFrom"], &req.RecordFrom); err != nil {
		return Request{}, fault.Wrap(fault.RequestValidationError, err, "recordFrom")
	}
	fields := []struct {
		key string
		dst *float64
	}{
		{"tstop", &req.TStop},
		{"amp", &req.Amp},
		{"delay", &req.Delay},
		{"dur", &req.Dur},
		{"hypamp", &req.HypAmp},
		{"celsius", &req.Celsius},
		{"vinit", &req.VInit},
	}
	for _, f := range fields {
		v, err := number(raw[f.key])
		if err != nil {
			return Request{}, fault.Wrap(fault.RequestValidationError, err, f.key)
		}
		if v == nil {
			return Request{}, fault.New(fault.RequestValidationError, "%s must not be null", f.key)
		}
		*f.dst = *v
	}

	dt, err := number(raw["dt"])
	if err != nil {
		return Request{}, fault.Wrap(fault.RequestValidationError, err, "dt")
	}
	req.Dt = dt

	if req.TStop <= 0 {
		return Request{}, fault.New(fault.RequestValidationError, "tstop must be positive, got %g", req.TStop)
	}
	if req.Dt != nil && *req.Dt <= 0 {
		return Request{}, fault.New(fault.RequestValidationError, "dt must be positive or null, got %g", *req.Dt)
	}
	return req, nil
}

// number decodes a JSON number. Browser forms sometimes send numeric
// strings, which are accepted too.
func number(msg json.RawMessage) (*float64, error) {
	s := strings.TrimSpace(string(msg))
	if s == "null" {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(msg, &v); err == nil {
		return &v, nil
	}
	var str string
	if err := json.Unmarshal(msg, &str); err != nil {
		return nil, fmt.Errorf("not a number: %s", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", str)
	}
	return &v, nil
}

// ParseLabel splits a recording label "<section>_<segment index>". Section
// names may themselves contain underscores, so the last one separates.
func ParseLabel(label string) (section string, seg int, err error) {
	i := strings.LastIndexByte(label, '_')
	if i <= 0 || i == len(label)-1 {
		return "", 0, fmt.Errorf("recording label %q is not <section>_<segment>", label)
	}
	seg, err = strconv.Atoi(label[i+1:])
	if err != nil || seg < 0 {
		return "", 0, fmt.Errorf("recording label %q has bad segment index", label)
	}
	return label[:i], seg, nil
}
