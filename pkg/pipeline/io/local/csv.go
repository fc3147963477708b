// Package local reads records from and writes results to local CSV files.
package local

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/schema"
)

// DefaultIDColumn names the column that carries record IDs.
const DefaultIDColumn = "id"

// ReadRecordsCSV reads one record per row. The header row names the fields.
//
// If idColumn is present its value becomes the record ID and is not copied
// into Fields; otherwise IDs are "row-N" with N counting data rows from 1.
// Blank cells are left out of Fields so required checks see them as missing.
func ReadRecordsCSV(r io.Reader, idColumn string) ([]core.Record, error) {
	if idColumn == "" {
		idColumn = DefaultIDColumn
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idIdx := -1
	for i, col := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if idIdx < 0 && strings.EqualFold(header[i], idColumn) {
			idIdx = i
		}
	}

	var records []core.Record
	seen := make(map[string]int)
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}

		id := "row-" + strconv.Itoa(row)
		if idIdx >= 0 && idIdx < len(rec) && strings.TrimSpace(rec[idIdx]) != "" {
			id = strings.TrimSpace(rec[idIdx])
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("row %d: duplicate record id %q (first seen on row %d)", row, id, prev)
		}
		seen[id] = row

		fields := make(map[string]any, len(header))
		for i, col := range header {
			if i == idIdx || i >= len(rec) || col == "" {
				continue
			}
			if v := strings.TrimSpace(rec[i]); v != "" {
				fields[col] = v
			}
		}
		records = append(records, core.Record{ID: id, Fields: fields})
	}
}

// WriteResultsCSV writes results using the schema.Results column order.
func WriteResultsCSV(w io.Writer, rows []core.UnitResult, withHeader bool) error {
	cw := csv.NewWriter(w)
	if withHeader {
		if err := cw.Write(schema.Results(schema.OutputModeBatch).Header()); err != nil {
			return err
		}
	}
	for _, r := range rows {
		rec, err := resultRow(r)
		if err != nil {
			return err
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func resultRow(r core.UnitResult) ([]string, error) {
	var state, filled, skipped, captured string
	partial := false
	if r.Data != nil {
		state = r.Data.State
		filled = strings.Join(r.Data.Fill.Filled, ";")
		skipped = strings.Join(r.Data.Fill.Skipped, ";")
		partial = r.Data.Captured.Partial
		if len(r.Data.Captured.Fields) > 0 {
			b, err := json.Marshal(r.Data.Captured.Fields)
			if err != nil {
				return nil, fmt.Errorf("encode captured data for %s: %w", r.RecordID, err)
			}
			captured = string(b)
		}
	}
	var info core.ErrorInfo
	if r.Error != nil {
		info = *r.Error
	}
	return []string{
		r.RecordID,
		strconv.FormatBool(r.Success),
		state,
		filled,
		skipped,
		captured,
		strconv.FormatBool(partial),
		string(info.Kind),
		info.Code,
		info.Message,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	}, nil
}

// CSVInput loads records from a CSV file.
type CSVInput struct {
	Path     string
	IDColumn string
}

func (in CSVInput) Load(ctx context.Context) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadRecordsCSV(f, in.IDColumn)
}

// CSVOutput writes results to a CSV file. In batch mode each Store replaces
// the file; in stream mode rows are appended and the header is written once.
type CSVOutput struct {
	Path string
	Mode schema.OutputMode
}

func (o CSVOutput) Store(ctx context.Context, rows []core.UnitResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	withHeader := true
	if o.Mode == schema.OutputModeStream {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		st, err := os.Stat(o.Path)
		switch {
		case err == nil:
			withHeader = st.Size() == 0
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("stat output: %w", err)
		}
	}

	f, err := os.OpenFile(o.Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	if err := WriteResultsCSV(f, rows, withHeader); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}
