package model

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
)

// Open locates a model, compiles its mechanisms and detects its layout.
func (s *Store) Open(ctx context.Context, id string) (*Package, error) {
	dir, err := s.Locate(ctx, id)
	if err != nil {
		return nil, err
	}
	python := exists(filepath.Join(dir, PythonEntry))
	if err = s.Compile(ctx, dir, python); err != nil {
		return nil, err
	}
	pkg, err := Detect(dir)
	if err != nil {
		return nil, err
	}
	pkg.ID = id
	return pkg, nil
}

// Detect inspects a model directory. Script-driven models win over hoc
// templates; hoc layouts are tried in bsp, nmc, cell order.
func Detect(dir string) (*Package, error) {
	pkg := &Package{Dir: dir}
	if p := filepath.Join(dir, SynapseMetaFile); exists(p) {
		pkg.SynapseCatalog = p
	}

	if exists(filepath.Join(dir, PythonEntry)) {
		pkg.Template = engine.Template{Format: engine.FormatPython, Dir: dir}
		return pkg, nil
	}

	switch {
	case exists(filepath.Join(dir, BSPTemplate)):
		morph := filepath.Join(dir, MorphologyDir)
		t, err := hocTemplate(dir, BSPTemplate, engine.FormatBSP, morph)
		if err != nil {
			return nil, err
		}
		t.Args = []any{morph}
		pkg.Template = t

	case exists(filepath.Join(dir, NMCTemplate)):
		t, err := hocTemplate(dir, NMCTemplate, engine.FormatNMC, "")
		if err != nil {
			return nil, err
		}
		t.Args = []any{0}
		pkg.Template = t
		hyp, err := holdingCurrent(filepath.Join(dir, CurrentAmpsFile))
		if err != nil {
			return nil, err
		}
		pkg.Init = &InitParams{HypAmp: hyp, VInit: -65, Dt: 0.025}

	case exists(filepath.Join(dir, CellTemplate)):
		morph, err := firstEntry(filepath.Join(dir, MorphologyDir))
		if err != nil {
			return nil, err
		}
		t, err := hocTemplate(dir, CellTemplate, engine.FormatCell, morph)
		if err != nil {
			return nil, err
		}
		t.Args = []any{1, morph}
		pkg.Template = t

	default:
		return nil, fault.New(fault.TemplateLoadFailure,
			"HOC file not found, expecting %s for the BSP format, %s or %s", BSPTemplate, NMCTemplate, CellTemplate)
	}
	return pkg, nil
}

func hocTemplate(dir, hoc string, f engine.Format, morph string) (engine.Template, error) {
	path := filepath.Join(dir, hoc)
	name, err := TemplateName(path)
	if err != nil {
		return engine.Template{}, err
	}
	return engine.Template{Format: f, Dir: dir, HocFile: path, Name: name, Morphology: morph}, nil
}

// TemplateName returns the name declared by the first begintemplate line.
func TemplateName(hocFile string) (string, error) {
	f, err := os.Open(hocFile)
	if err != nil {
		return "", fault.Wrap(fault.TemplateLoadFailure, err, "open template")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "begintemplate" {
			return fields[1], nil
		}
	}
	if err = sc.Err(); err != nil {
		return "", fault.Wrap(fault.TemplateLoadFailure, err, "read template")
	}
	return "", fault.New(fault.TemplateLoadFailure, "no begintemplate in %s", filepath.Base(hocFile))
}

// holdingCurrent reads the first value of current_amps.dat, 0 when absent.
func holdingCurrent(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fault.Wrap(fault.TemplateLoadFailure, err, "parse holding current")
	}
	return v, nil
}

// firstEntry returns the first directory entry in name order.
func firstEntry(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fault.Wrap(fault.TemplateLoadFailure, err, "read morphology directory")
	}
	if len(entries) == 0 {
		return "", fault.New(fault.TemplateLoadFailure, "morphology directory is empty")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return filepath.Join(dir, entries[0].Name()), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
