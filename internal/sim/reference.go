package sim

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ReferenceFile is the experimental trace table shipped with some models.
const ReferenceFile = "traces.dat"

// LoadReference reads a comma separated reference table with a header row.
// It returns nil without error when the file does not exist. Empty or
// unparsable cells become NaN.
func LoadReference(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open reference traces: %w", err)
	}
	defer f.Close()
	return ReadReference(f)
}

// ReadReference parses a reference table.
func ReadReference(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Dataset{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reference header: %w", err)
	}
	d := &Dataset{Columns: make([]string, len(header))}
	for i, h := range header {
		d.Columns[i] = strings.TrimSpace(h)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read reference row: %w", err)
		}
		row := make([]float64, len(d.Columns))
		for i := range row {
			row[i] = math.NaN()
			if i >= len(rec) {
				continue
			}
			if v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64); err == nil {
				row[i] = v
			}
		}
		d.Rows = append(d.Rows, row)
	}
	return d, nil
}
