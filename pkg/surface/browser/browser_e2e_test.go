//go:build chromedp_e2e

package browser_test

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/mockform"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/batch"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
	"github.com/shpitdev/formfill-pipeline/pkg/surface/browser"
)

func TestBrowserSurface_FillsMockForm(t *testing.T) {
	srv := mockform.New(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	fields := map[string]string{}
	for _, f := range mockform.DefaultFields {
		fields[f.Name] = "#" + f.ID()
	}
	factory, err := browser.NewFactory(browser.Config{
		FormURL:  ts.URL + "/",
		Fields:   fields,
		Submit:   "#submit",
		Headless: true,
		ExecPath: os.Getenv("CHROME_PATH"),
		Capture: map[string]string{
			"status":       "#result .status",
			"confirmation": "#result .confirmation",
		},
		NavigateTimeout: 20 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}

	records := []core.Record{
		{ID: "r1", Fields: map[string]any{
			"First Name": "Ada", "Last Name": "Lovelace", "Email": "ada@example.com",
			"Street Address": "1 Main St", "City": "Austin", "State": "TX", "Zip Code": "78701",
			"Total Sq.Ft.": "1200",
		}},
		{ID: "r2", Fields: map[string]any{"First Name": "NoEmail"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// The mock form fails the first load to exercise the retry path.
	srv.FailNext(1)

	results, err := batch.New(factory).Run(ctx, records, batch.Config{
		CaptureDelay: 200 * time.Millisecond,
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond},
		Fill:         core.FillConfig{Submit: true},
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Success {
		t.Fatalf("expected r1 to succeed, got %#v", results[0].Error)
	}
	if got := results[0].Data.Captured.Fields["confirmation"]; got != "CONF-0001" {
		t.Fatalf("unexpected confirmation %q", got)
	}
	if results[1].Success {
		t.Fatalf("expected r2 to fail validation")
	}

	subs := srv.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
	if subs[0].Values["Total Sq.Ft."] != "1200" || subs[0].Values["State"] != "TX" {
		t.Fatalf("unexpected submitted values: %#v", subs[0].Values)
	}
}
