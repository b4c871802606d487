package sim

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// TimeColumn is the reserved recording label for the time vector.
const TimeColumn = "time"

// Dataset is a table of float64 columns. Missing cells are NaN and encode
// as null.
type Dataset struct {
	Columns []string
	Rows    [][]float64
}

// Column returns the index of a column, or -1.
func (d *Dataset) Column(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// MarshalJSON encodes the dataset as [columns, row0, row1, ...].
func (d *Dataset) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(d.Rows)+1)
	out = append(out, d.Columns)
	for _, row := range d.Rows {
		cells := make([]any, len(row))
		for i, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			cells[i] = v
		}
		out = append(out, cells)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the [columns, row0, ...] form. Null cells become NaN.
func (d *Dataset) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("dataset: missing header row")
	}
	var cols []string
	if err := json.Unmarshal(raw[0], &cols); err != nil {
		return fmt.Errorf("dataset header: %w", err)
	}
	rows := make([][]float64, 0, len(raw)-1)
	for i, r := range raw[1:] {
		var cells []*float64
		if err := json.Unmarshal(r, &cells); err != nil {
			return fmt.Errorf("dataset row %d: %w", i, err)
		}
		row := make([]float64, len(cells))
		for j, c := range cells {
			row[j] = math.NaN()
			if c != nil {
				row[j] = *c
			}
		}
		rows = append(rows, row)
	}
	d.Columns, d.Rows = cols, rows
	return nil
}

// Merge lays out recorded vectors as columns, one row per sample. Shorter
// vectors are padded with NaN.
func Merge(labels []string, vectors [][]float64) (*Dataset, error) {
	if len(labels) != len(vectors) {
		return nil, fmt.Errorf("merge: %d labels for %d vectors", len(labels), len(vectors))
	}
	n := 0
	for _, v := range vectors {
		n = max(n, len(v))
	}
	d := &Dataset{Columns: append([]string(nil), labels...), Rows: make([][]float64, n)}
	for r := range n {
		row := make([]float64, len(vectors))
		for c, v := range vectors {
			if r < len(v) {
				row[c] = v[r]
				continue
			}
			row[c] = math.NaN()
		}
		d.Rows[r] = row
	}
	return d, nil
}

// OuterJoin joins ref and rec on the key column. The result has the key
// first, then ref's other columns, then rec's. A name present on both sides
// gets the suffix 1 on the ref side and 2 on the rec side. Rows are sorted by
// key; cells without a match are NaN. Rows whose key is NaN are dropped.
func OuterJoin(ref, rec *Dataset, key string) (*Dataset, error) {
	rk, ck := ref.Column(key), rec.Column(key)
	if rk < 0 {
		return nil, fmt.Errorf("join: reference has no %q column", key)
	}
	if ck < 0 {
		return nil, fmt.Errorf("join: recordings have no %q column", key)
	}

	refCols, recCols := others(ref.Columns, rk), others(rec.Columns, ck)
	inRef := make(map[string]bool, len(refCols))
	for _, c := range refCols {
		inRef[ref.Columns[c]] = true
	}
	inRec := make(map[string]bool, len(recCols))
	for _, c := range recCols {
		inRec[rec.Columns[c]] = true
	}

	out := &Dataset{Columns: []string{key}}
	for _, c := range refCols {
		name := ref.Columns[c]
		if inRec[name] {
			name += "1"
		}
		out.Columns = append(out.Columns, name)
	}
	for _, c := range recCols {
		name := rec.Columns[c]
		if inRef[name] {
			name += "2"
		}
		out.Columns = append(out.Columns, name)
	}

	refRows, rfKeys := groupByKey(ref.Rows, rk)
	recRows, rcKeys := groupByKey(rec.Rows, ck)
	keys := union(rfKeys, rcKeys)

	for _, k := range keys {
		a, b := refRows[k], recRows[k]
		for i := range max(len(a), len(b)) {
			row := make([]float64, 0, len(out.Columns))
			row = append(row, k)
			row = appendCells(row, a, i, refCols)
			row = appendCells(row, b, i, recCols)
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func others(cols []string, key int) []int {
	idx := make([]int, 0, len(cols))
	for i := range cols {
		if i != key {
			idx = append(idx, i)
		}
	}
	return idx
}

func groupByKey(rows [][]float64, key int) (map[float64][][]float64, []float64) {
	groups := make(map[float64][][]float64, len(rows))
	var keys []float64
	for _, row := range rows {
		if key >= len(row) || math.IsNaN(row[key]) {
			continue
		}
		k := row[key]
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], row)
	}
	return groups, keys
}

func union(a, b []float64) []float64 {
	seen := make(map[float64]bool, len(a)+len(b))
	out := make([]float64, 0, len(a)+len(b))
	for _, s := range [][]float64{a, b} {
		for _, k := range s {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Float64s(out)
	return out
}

func appendCells(dst []float64, rows [][]float64, i int, cols []int) []float64 {
	if i >= len(rows) {
		for range cols {
			dst = append(dst, math.NaN())
		}
		return dst
	}
	row := rows[i]
	for _, c := range cols {
		if c < len(row) {
			dst = append(dst, row[c])
			continue
		}
		dst = append(dst, math.NaN())
	}
	return dst
}
