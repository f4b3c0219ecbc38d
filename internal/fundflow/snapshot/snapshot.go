package snapshot

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fundflow/internal/fundflow/record"
)

// CodeColumn keys every snapshot row.
const CodeColumn = "code"

// Table is a wide snapshot held in memory: value cells keyed by code and column.
type Table struct {
	Columns []string                     // value columns, code excluded
	Rows    map[string]map[string]string // code -> column -> cell
}

// Codes returns the row keys in ascending order.
func (t *Table) Codes() []string {
	codes := make([]string, 0, len(t.Rows))
	for code := range t.Rows {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Cell returns the cell at code and column.
func (t *Table) Cell(code, column string) (string, bool) {
	row, ok := t.Rows[code]
	if !ok {
		return "", false
	}
	v, ok := row[column]
	return v, ok && v != ""
}

// ColumnName is the wide column of label for the run with suffix, e.g. "main_net_inflow_0905".
func ColumnName(label, suffix string) string {
	return label + "_" + suffix
}

// WriteRaw writes the successful records of table to path, replacing any previous file.
// Header: code,fetch_time,data_time,<labels...>. Unreported values are empty cells.
func WriteRaw(path string, table *record.FlowTable, labels []string) error {
	header := append([]string{CodeColumn, "fetch_time", "data_time"}, labels...)

	rows := make([][]string, 0, len(table.Results))
	for _, rec := range table.Records() {
		row := []string{rec.Code, rec.FetchTime.Format(record.TimeLayout), rec.DataTime.Format(record.TimeLayout)}
		for _, l := range labels {
			row = append(row, formatValue(rec, l))
		}
		rows = append(rows, row)
	}

	return writeAtomic(path, header, rows)
}

// Merge outer-joins the run's values onto the wide snapshot at path under
// columns <label>_<suffix>. Columns already named that way are replaced as a
// whole, so merging the same run twice is a no-op; rows are sorted by code
// and columns by suffix then label, so runs with distinct suffixes merge in
// any order to the same file. Duplicate codes within a run keep the last record.
func Merge(path string, table *record.FlowTable, suffix string, labels []string) error {
	wide, err := Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		wide = &Table{Rows: map[string]map[string]string{}}
	case err != nil:
		return err
	}

	newCols := make([]string, len(labels))
	for i, l := range labels {
		newCols[i] = ColumnName(l, suffix)
	}

	// drop the columns being rewritten
	replaced := make(map[string]bool, len(newCols))
	for _, c := range newCols {
		replaced[c] = true
	}
	kept := wide.Columns[:0]
	for _, c := range wide.Columns {
		if !replaced[c] {
			kept = append(kept, c)
		}
	}
	wide.Columns = append(kept, newCols...)
	for _, row := range wide.Rows {
		for _, c := range newCols {
			delete(row, c)
		}
	}

	for _, rec := range table.Records() {
		row, ok := wide.Rows[rec.Code]
		if !ok {
			row = map[string]string{}
			wide.Rows[rec.Code] = row
		}
		for i, l := range labels {
			row[newCols[i]] = formatValue(rec, l)
		}
	}

	sortColumns(wide.Columns, labels)
	return wide.Write(path)
}

// Read loads the wide snapshot at path. A missing file matches os.ErrNotExist.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(bufio.NewReader(f))
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{Rows: map[string]map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot header %s: %w", path, err)
	}
	if len(header) == 0 || header[0] != CodeColumn {
		return nil, fmt.Errorf("snapshot %s: first column must be %q", path, CodeColumn)
	}

	t := &Table{
		Columns: append([]string(nil), header[1:]...),
		Rows:    map[string]map[string]string{},
	}
	for {
		cols, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", path, err)
		}

		row, ok := t.Rows[cols[0]]
		if !ok {
			row = make(map[string]string, len(t.Columns))
			t.Rows[cols[0]] = row
		}
		for i, c := range t.Columns {
			if cols[i+1] != "" {
				row[c] = cols[i+1]
			}
		}
	}
	return t, nil
}

// Write replaces the file at path with t, rows sorted by code.
func (t *Table) Write(path string) error {
	header := append([]string{CodeColumn}, t.Columns...)

	rows := make([][]string, 0, len(t.Rows))
	for _, code := range t.Codes() {
		row := make([]string, 0, len(header))
		row = append(row, code)
		for _, c := range t.Columns {
			row = append(row, t.Rows[code][c])
		}
		rows = append(rows, row)
	}
	return writeAtomic(path, header, rows)
}

// sortColumns orders columns by suffix, then by position of their label in labels,
// then by name for labels no longer configured.
func sortColumns(columns []string, labels []string) {
	rank := make(map[string]int, len(labels))
	for i, l := range labels {
		rank[l] = i
	}

	split := func(c string) (string, string) {
		i := strings.LastIndex(c, "_")
		if i < 0 {
			return c, ""
		}
		return c[:i], c[i+1:]
	}

	sort.SliceStable(columns, func(i, j int) bool {
		li, si := split(columns[i])
		lj, sj := split(columns[j])
		if si != sj {
			return si < sj
		}
		ri, oki := rank[li]
		rj, okj := rank[lj]
		switch {
		case oki && okj:
			return ri < rj
		case oki != okj:
			return oki
		}
		return li < lj
	})
}

func formatValue(rec *record.FlowRecord, label string) string {
	v, ok := rec.Value(label)
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// writeAtomic writes the CSV to a temp file next to path and renames it into place.
func writeAtomic(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
