package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shpitdev/formfill-pipeline/pkg/mockform"
)

func main() {
	addr := defaultString("MOCK_FORM_ADDR", ":8080")
	failFirst := defaultString("MOCK_FORM_FAIL_FIRST", "0")
	extra := defaultString("MOCK_FORM_EXTRA_FIELDS", "")

	fs := flag.NewFlagSet("mock-form", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&failFirst, "fail-first", failFirst, "Answer the first N form loads with 503 (also supports env: MOCK_FORM_FAIL_FIRST)")
	fs.StringVar(&extra, "extra-fields", extra, "Comma-separated text fields to add to the default form")
	_ = fs.Parse(os.Args[1:])

	fields := append([]mockform.Field(nil), mockform.DefaultFields...)
	for _, name := range splitCSV(extra) {
		fields = append(fields, mockform.Field{Name: name})
	}
	srv := mockform.New(fields)

	var n int
	if _, err := fmt.Sscanf(failFirst, "%d", &n); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid fail-first %q: %v\n", failFirst, err)
		os.Exit(2)
	}
	srv.FailNext(n)

	_, _ = fmt.Fprintf(os.Stdout, "mock-form listening on %s (fields=%d fail-first=%d)\n", addr, len(fields), n)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
