package local_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/io/local"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/schema"
)

func TestReadRecordsCSV(t *testing.T) {
	t.Run("uses id column", func(t *testing.T) {
		in := "ID,Email,City\na1,ada@example.com,Austin\nb2,bob@corp.test,\n"
		got, err := local.ReadRecordsCSV(strings.NewReader(in), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a1" || got[1].ID != "b2" {
			t.Fatalf("unexpected records: %#v", got)
		}
		if got[0].Fields["Email"] != "ada@example.com" || got[0].Fields["City"] != "Austin" {
			t.Fatalf("unexpected fields: %#v", got[0].Fields)
		}
		if _, ok := got[0].Fields["ID"]; ok {
			t.Fatalf("id column should not be copied into fields")
		}
		if _, ok := got[1].Fields["City"]; ok {
			t.Fatalf("blank cell should be left out")
		}
	})

	t.Run("generates row ids", func(t *testing.T) {
		in := "\ufeffEmail\nada@example.com\nbob@corp.test\n"
		got, err := local.ReadRecordsCSV(strings.NewReader(in), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 || got[0].ID != "row-1" || got[1].ID != "row-2" {
			t.Fatalf("unexpected ids: %#v", got)
		}
		if got[0].Fields["Email"] != "ada@example.com" {
			t.Fatalf("BOM should be stripped from header: %#v", got[0].Fields)
		}
	})

	t.Run("custom id column", func(t *testing.T) {
		in := "ref,Email\nX-1,ada@example.com\n"
		got, err := local.ReadRecordsCSV(strings.NewReader(in), "ref")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got[0].ID != "X-1" {
			t.Fatalf("unexpected id %q", got[0].ID)
		}
	})

	t.Run("duplicate ids error", func(t *testing.T) {
		in := "id,Email\na,x@example.com\na,y@example.com\n"
		if _, err := local.ReadRecordsCSV(strings.NewReader(in), ""); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("empty input errors", func(t *testing.T) {
		if _, err := local.ReadRecordsCSV(strings.NewReader(""), ""); err == nil {
			t.Fatalf("expected error")
		}
	})
}

var ts = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleResults() []core.UnitResult {
	return []core.UnitResult{
		core.Succeeded("r1", core.UnitData{
			State:    "COMPLETE",
			Fill:     core.FillOutcome{Filled: []string{"City", "Email"}, Skipped: []string{"Notes"}},
			Captured: core.CapturedData{Fields: map[string]string{"confirmation": "CONF-0001"}},
		}, ts),
		core.Failed("r2", core.NewValidationError("Email", "missing required fields: Email"), ts),
	}
}

func TestWriteResultsCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := local.WriteResultsCSV(&buf, sampleResults(), true); err != nil {
		t.Fatalf("write: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	header := schema.Results(schema.OutputModeBatch).Header()
	if strings.Join(rows[0], ",") != strings.Join(header, ",") {
		t.Fatalf("unexpected header: %v", rows[0])
	}

	col := func(row []string, name string) string {
		for i, h := range header {
			if h == name {
				return row[i]
			}
		}
		t.Fatalf("no column %q", name)
		return ""
	}
	if col(rows[1], schema.ColFilled) != "City;Email" || col(rows[1], schema.ColCaptured) != `{"confirmation":"CONF-0001"}` {
		t.Fatalf("unexpected success row: %v", rows[1])
	}
	if col(rows[2], schema.ColSuccess) != "false" || col(rows[2], schema.ColErrorCode) != core.CodeValidation {
		t.Fatalf("unexpected failure row: %v", rows[2])
	}
	if col(rows[2], schema.ColTimestamp) != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp: %v", rows[2])
	}
}

func TestCSVAdapters(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	t.Run("input", func(t *testing.T) {
		path := filepath.Join(dir, "in.csv")
		if err := os.WriteFile(path, []byte("id,Email\na,ada@example.com\n"), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		got, err := local.CSVInput{Path: path}.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(got) != 1 || got[0].ID != "a" {
			t.Fatalf("unexpected records: %#v", got)
		}
	})

	t.Run("batch output replaces", func(t *testing.T) {
		path := filepath.Join(dir, "batch.csv")
		out := local.CSVOutput{Path: path}
		for i := 0; i < 2; i++ {
			if err := out.Store(ctx, sampleResults()); err != nil {
				t.Fatalf("store: %v", err)
			}
		}
		if n := countLines(t, path); n != 3 {
			t.Fatalf("expected 3 lines, got %d", n)
		}
	})

	t.Run("stream output appends", func(t *testing.T) {
		path := filepath.Join(dir, "stream.csv")
		out := local.CSVOutput{Path: path, Mode: schema.OutputModeStream}
		results := sampleResults()
		if err := out.Store(ctx, results[:1]); err != nil {
			t.Fatalf("store: %v", err)
		}
		if err := out.Store(ctx, results[1:]); err != nil {
			t.Fatalf("store: %v", err)
		}
		if n := countLines(t, path); n != 3 {
			t.Fatalf("expected header written once, got %d lines", n)
		}
	})
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return len(rows)
}
