// Package model finds, unpacks and prepares neuron model packages on disk.
package model

import (
	"net/http"
	"time"

	"github.com/hubenschmidt/naas/internal/engine"
)

// Package file names.
const (
	BSPTemplate     = "checkpoints/cell.hoc"
	NMCTemplate     = "template.hoc"
	CellTemplate    = "cell.hoc"
	PythonEntry     = "neuronservice.py"
	MechanismsDir   = "mechanisms"
	MorphologyDir   = "morphology"
	SynapseMetaFile = "synapses_meta.json"
	CurrentAmpsFile = "current_amps.dat"

	archiveSuffix = ".tar.xz"
)

// InitParams are the defaults a model suggests to the client.
type InitParams struct {
	HypAmp float64 `json:"hypamp"`
	VInit  float64 `json:"vinit"`
	Dt     float64 `json:"dt"`
}

// Package is a located model ready for the engine.
type Package struct {
	ID       string
	Dir      string
	Template engine.Template
	// Init is nil when the model ships no defaults.
	Init *InitParams
	// SynapseCatalog is the synapse metadata path, or empty.
	SynapseCatalog string
}

// Config holds the on-disk layout and external tools.
type Config struct {
	ModelsDir string
	TmpDir    string
	// Nrnivmodl is the mechanism compiler. Empty skips compilation.
	Nrnivmodl      string
	ObjectStoreURL string
	HTTPClient     *http.Client
}

// Store resolves model ids against the models and tmp directories.
type Store struct {
	cfg Config
}

// NewStore creates a store. A nil HTTPClient gets a pooled default.
func NewStore(cfg Config) *Store {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewPooledHTTPClient(4, 10*time.Minute)
	}
	return &Store{cfg: cfg}
}

// NewPooledHTTPClient creates an http.Client with connection pooling and tuned transport.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
