package main

import (
	"log/slog"
	"os"
	"path/filepath"
)

// probes are the readiness and liveness marker files watched by the
// orchestrator.
type probes struct {
	dir string
}

func (p probes) path(name string) string { return filepath.Join(p.dir, name) }

func (p probes) touch(name string) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		slog.Warn("probe dir", "dir", p.dir, "error", err)
		return
	}
	f, err := os.OpenFile(p.path(name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("probe touch", "probe", name, "error", err)
		return
	}
	f.Close()
}

func (p probes) remove(name string) {
	if err := os.Remove(p.path(name)); err != nil && !os.IsNotExist(err) {
		slog.Warn("probe remove", "probe", name, "error", err)
	}
}

func (p probes) ready()    { p.touch("ready") }
func (p probes) notReady() { p.remove("ready") }
func (p probes) alive()    { p.touch("alive") }
func (p probes) notAlive() { p.remove("alive") }
