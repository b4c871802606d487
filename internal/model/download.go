package model

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hubenschmidt/naas/internal/fault"
)

// DefaultObjectStoreURL is the public container model archives are fetched from.
const DefaultObjectStoreURL = "https://object.cscs.ch/v1/AUTH_c0a333ecf7c045809321ce9d9ecdfdea/"

// ProgressFunc is called as a download proceeds. total is -1 when unknown.
type ProgressFunc func(downloaded, total int64)

// Fetch downloads a zipped model from the object store, extracts it into the
// tmp directory and returns the model id: the first top-level folder whose
// name does not start with "__".
func (s *Store) Fetch(ctx context.Context, url string, progress ProgressFunc) (string, error) {
	base := s.cfg.ObjectStoreURL
	if base == "" {
		base = DefaultObjectStoreURL
	}
	src := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(url, "/")
	slog.Debug("downloading model", "url", src)

	if err := os.MkdirAll(s.cfg.TmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}
	archive, err := s.download(ctx, src, progress)
	if err != nil {
		return "", fault.Wrap(fault.ModelNotFound, err, "model download failed")
	}
	defer os.Remove(archive)

	id, err := s.unzip(archive)
	if err != nil {
		return "", fault.Wrap(fault.ModelNotFound, err, "model extraction failed")
	}
	slog.Info("model downloaded", "url", url, "model_id", id)
	return id, nil
}

// download writes the body to a temp file and returns its path.
func (s *Store) download(ctx context.Context, url string, progress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}

	f, err := os.CreateTemp(s.cfg.TmpDir, ".download-*.zip")
	if err != nil {
		return "", err
	}
	var reader io.Reader = resp.Body
	if progress != nil {
		reader = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	if _, err = io.Copy(f, reader); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err = f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Store) unzip(archive string) (string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	id := ""
	for _, zf := range zr.File {
		dst, err := safeJoin(s.cfg.TmpDir, zf.Name)
		if err != nil {
			return "", err
		}
		if top := topLevel(zf.Name); id == "" && strings.Contains(strings.TrimPrefix(zf.Name, "./"), "/") && !strings.HasPrefix(top, "__") {
			id = top
		}
		if zf.FileInfo().IsDir() {
			if err = os.MkdirAll(dst, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err = extractEntry(zf, dst); err != nil {
			return "", err
		}
	}
	if id == "" {
		return "", fmt.Errorf("archive %s holds no model folder", filepath.Base(archive))
	}
	return id, nil
}

func extractEntry(zf *zip.File, dst string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(dst, rc, zf.Mode().Perm())
}

type progressReader struct {
	r          io.Reader
	total      int64
	downloaded int64
	fn         ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.downloaded += int64(n)
	pr.fn(pr.downloaded, pr.total)
	return n, err
}
