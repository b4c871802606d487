package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCatalogRefreshesOnChange(t *testing.T) {
	s := newTestStore(t)
	writeFiles(t, s.cfg.ModelsDir, map[string]string{"a/cell.hoc": hoc})
	if err := os.MkdirAll(s.cfg.TmpDir, 0o755); err != nil {
		t.Fatal(err)
	}

	changed := make(chan []Entry, 4)
	c := NewCatalog(s, func(e []Entry) { changed <- e })
	if n := len(c.Entries()); n != 1 {
		t.Fatalf("initial entries = %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer c.Close()

	if err := os.Mkdir(filepath.Join(s.cfg.TmpDir, "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-changed:
		if len(e) != 2 || e[1].ID != "b" || e[1].Source != SourceTmp {
			t.Fatalf("entries = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("catalog not refreshed")
	}
	if n := len(c.Entries()); n != 2 {
		t.Fatalf("cached entries = %d", n)
	}
}
