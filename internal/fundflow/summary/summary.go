package summary

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
	"time"

	"fundflow/internal/fundflow/record"

	"github.com/shopspring/decimal"
)

// BucketSummary is the sum and row count of one data-time bucket across merged tables.
type BucketSummary struct {
	DataTime time.Time
	Sum      decimal.Decimal
	Count    int
}

// Aggregate sums label over the successful records of table. Failed fetches
// and records without the label are skipped; an empty table sums to zero.
func Aggregate(table *record.FlowTable, label string) record.SummaryRow {
	row := record.SummaryRow{
		FetchTime: table.FetchTime,
		DataTime:  table.DataTime,
		Sum:       decimal.Zero,
	}

	for _, res := range table.Results {
		if !res.OK() {
			row.Failed++
			continue
		}
		row.Succeeded++
		if v, ok := res.Record.Value(label); ok {
			row.Sum = row.Sum.Add(decimal.NewFromFloat(v))
		}
	}
	return row
}

// Missing counts successful records that did not report label.
func Missing(table *record.FlowTable, label string) int {
	n := 0
	for _, rec := range table.Records() {
		if _, ok := rec.Value(label); !ok {
			n++
		}
	}
	return n
}

// Header returns the summary file header for label.
func Header(label string) []string {
	return []string{"fetch_time", "data_time", label + "_sum", "succeeded", "failed"}
}

// AppendFile appends row to the summary CSV at path, creating it with a header first.
// An existing file with a different header is rejected rather than mixed.
func AppendFile(path string, row record.SummaryRow, label string) error {
	header := Header(label)

	existing, err := readHeader(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		existing = nil
	case err != nil:
		return err
	case strings.Join(existing, ",") != strings.Join(header, ","):
		return fmt.Errorf("summary %s: header %v does not match %v", path, existing, header)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open summary %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if existing == nil {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write summary header: %w", err)
		}
	}
	if err := w.Write([]string{
		row.FetchTime.Format(record.TimeLayout),
		row.DataTime.Format(record.TimeLayout),
		row.Sum.String(),
		strconv.Itoa(row.Succeeded),
		strconv.Itoa(row.Failed),
	}); err != nil {
		return fmt.Errorf("write summary row: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush summary %s: %w", path, err)
	}
	return f.Close()
}

// readHeader returns the first line of path, or nil for an empty file.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := csv.NewReader(bufio.NewReader(f)).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary header %s: %w", path, err)
	}
	return header, nil
}

// ReadFile reads every row of the summary CSV at path. Times are read in loc.
// A missing file is reported with an error matching os.ErrNotExist.
func ReadFile(path string, loc *time.Location) ([]record.SummaryRow, error) {
	if loc == nil {
		loc = time.Local
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open summary: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(bufio.NewReader(f))
	cr.FieldsPerRecord = 5

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read summary header: %w", err)
	}

	var rows []record.SummaryRow
	for {
		cols, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read summary %s: %w", path, err)
		}

		row, err := parseRow(cols, loc)
		if err != nil {
			return nil, fmt.Errorf("summary %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(cols []string, loc *time.Location) (record.SummaryRow, error) {
	fetchTime, err := time.ParseInLocation(record.TimeLayout, cols[0], loc)
	if err != nil {
		return record.SummaryRow{}, fmt.Errorf("fetch_time: %w", err)
	}
	dataTime, err := time.ParseInLocation(record.TimeLayout, cols[1], loc)
	if err != nil {
		return record.SummaryRow{}, fmt.Errorf("data_time: %w", err)
	}
	sum, err := decimal.NewFromString(cols[2])
	if err != nil {
		return record.SummaryRow{}, fmt.Errorf("sum: %w", err)
	}
	succeeded, err := strconv.Atoi(cols[3])
	if err != nil {
		return record.SummaryRow{}, fmt.Errorf("succeeded: %w", err)
	}
	failed, err := strconv.Atoi(cols[4])
	if err != nil {
		return record.SummaryRow{}, fmt.Errorf("failed: %w", err)
	}

	return record.SummaryRow{
		FetchTime: fetchTime,
		DataTime:  dataTime,
		Sum:       sum,
		Succeeded: succeeded,
		Failed:    failed,
	}, nil
}

// MergeSummarize groups the current run's records and the previously persisted
// summary rows by data time. A record adds its value and counts as one row;
// a summary row adds its sum and its succeeded count. Buckets are sorted by time.
func MergeSummarize(table *record.FlowTable, previous []record.SummaryRow, label string) []BucketSummary {
	buckets := map[int64]*BucketSummary{}
	bucket := func(t time.Time) *BucketSummary {
		b, ok := buckets[t.Unix()]
		if !ok {
			b = &BucketSummary{DataTime: t, Sum: decimal.Zero}
			buckets[t.Unix()] = b
		}
		return b
	}

	for _, rec := range table.Records() {
		b := bucket(rec.DataTime)
		b.Count++
		if v, ok := rec.Value(label); ok {
			b.Sum = b.Sum.Add(decimal.NewFromFloat(v))
		}
	}
	for _, row := range previous {
		b := bucket(row.DataTime)
		b.Count += row.Succeeded
		b.Sum = b.Sum.Add(row.Sum)
	}

	out := make([]BucketSummary, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DataTime.Before(out[j].DataTime) })
	return out
}
