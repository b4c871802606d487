package model

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/hubenschmidt/naas/internal/fault"
)

// Locate returns the directory of a model. Archives in the models directory
// are extracted into the tmp directory first. Plain directories in the models
// directory win over the tmp directory.
func (s *Store) Locate(ctx context.Context, id string) (string, error) {
	if !validID(id) {
		return "", fault.New(fault.ModelNotFound, "invalid model id %q", id)
	}
	path := filepath.Join(s.cfg.ModelsDir, id)
	if strings.HasSuffix(id, archiveSuffix) {
		if _, err := os.Stat(path); err != nil {
			return "", fault.New(fault.ModelNotFound, "model archive not found: %s", id)
		}
		return s.extract(ctx, path)
	}
	if isDir(path) {
		return path, nil
	}
	if path = filepath.Join(s.cfg.TmpDir, id); isDir(path) {
		return path, nil
	}
	return "", fault.New(fault.ModelNotFound, "model id not found: %s", id)
}

// extract unpacks a .tar.xz archive into the tmp directory and returns the
// archive's top-level directory.
func (s *Store) extract(ctx context.Context, archive string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", fmt.Errorf("open model archive: %w", err)
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return "", fault.Wrap(fault.ModelNotFound, err, "read model archive")
	}
	tr := tar.NewReader(xr)

	top := ""
	for {
		if err = ctx.Err(); err != nil {
			return "", err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fault.Wrap(fault.ModelNotFound, err, "read model archive")
		}
		dst, err := safeJoin(s.cfg.TmpDir, hdr.Name)
		if err != nil {
			return "", err
		}
		if top == "" {
			top = topLevel(hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(dst, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err = writeFile(dst, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return "", err
			}
		default:
			slog.Debug("skipping archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
	if top == "" {
		return "", fault.New(fault.ModelNotFound, "model archive %s is empty", filepath.Base(archive))
	}
	slog.Info("model archive extracted", "archive", archive, "dir", top)
	return filepath.Join(s.cfg.TmpDir, top), nil
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// safeJoin joins an archive entry name to dir, refusing entries that escape it.
func safeJoin(dir, name string) (string, error) {
	dst := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, dst)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fault.New(fault.ModelNotFound, "archive entry %q escapes the extraction directory", name)
	}
	return dst, nil
}

func topLevel(name string) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

func writeFile(dst string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
