package universe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"fundflow/internal/fundflow/record"

	"go.uber.org/zap"
)

// CodeColumn is the header of the column holding raw ticker codes.
const CodeColumn = "code"

// FileError reports a missing or malformed reference file.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("reference file %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Loader reads the ticker universe from a reference CSV.
type Loader struct {
	Path   string
	Logger *zap.Logger
}

// Load reads the universe and logs its size.
func (l *Loader) Load() ([]record.TickerID, error) {
	tickers, err := Load(l.Path)
	if err != nil {
		l.Logger.Error("failed to load ticker universe", zap.String("path", l.Path), zap.Error(err))
		return nil, err
	}
	l.Logger.Info("loaded ticker universe", zap.String("path", l.Path), zap.Int("count", len(tickers)))
	return tickers, nil
}

// Load reads the `code` column of the CSV at path and converts every cell
// into a TickerID, keeping file order. Duplicate codes are kept.
func Load(path string) ([]record.TickerID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	defer f.Close()

	tickers, err := Read(f)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	return tickers, nil
}

// Read parses a reference table from r.
func Read(r io.Reader) ([]record.TickerID, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := -1
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if name == CodeColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("missing %q column", CodeColumn)
	}

	var tickers []record.TickerID
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if col >= len(row) {
			return nil, fmt.Errorf("line %d: missing %q value", line, CodeColumn)
		}

		id, err := record.NewTickerID(row[col])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		tickers = append(tickers, id)
	}

	return tickers, nil
}
