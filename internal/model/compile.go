package model

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubenschmidt/naas/internal/fault"
)

// Compile builds the model's mechanisms in dir. A missing mechanisms
// directory is an error unless optional is set.
func (s *Store) Compile(ctx context.Context, dir string, optional bool) error {
	if s.cfg.Nrnivmodl == "" {
		slog.Debug("mechanism compilation disabled", "dir", dir)
		return nil
	}
	if !isDir(filepath.Join(dir, MechanismsDir)) {
		if optional {
			return nil
		}
		return fault.New(fault.MechanismBuildFailure, "mechanisms directory not found in %s", filepath.Base(dir))
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, s.cfg.Nrnivmodl, MechanismsDir)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &fault.Error{
			Kind:   fault.MechanismBuildFailure,
			Msg:    "compile mechanisms",
			Output: strings.TrimSpace(string(out)),
			Err:    err,
		}
	}
	slog.Debug("mechanisms compiled", "dir", dir, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
