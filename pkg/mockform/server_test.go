package mockform_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shpitdev/formfill-pipeline/pkg/mockform"
)

func TestMockForm_RendersFields(t *testing.T) {
	t.Parallel()

	srv := mockform.New(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get form: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{`id="total-sq-ft"`, `id="email"`, `<select id="state"`, `id="submit"`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("form missing %s:\n%s", want, body)
		}
	}
}

func TestMockForm_SubmitRecordsValues(t *testing.T) {
	t.Parallel()

	srv := mockform.New(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.PostForm(ts.URL+"/submit", url.Values{
		"Email":        {"ada@example.com"},
		"Total Sq.Ft.": {"1200"},
		"Unknown":      {"ignored"},
	})
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "CONF-0001") {
		t.Fatalf("expected confirmation in result page:\n%s", body)
	}
	subs := srv.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
	if subs[0].Values["Email"] != "ada@example.com" || subs[0].Values["Total Sq.Ft."] != "1200" {
		t.Fatalf("unexpected values: %#v", subs[0].Values)
	}
	if _, ok := subs[0].Values["Unknown"]; ok {
		t.Fatalf("unknown field should not be recorded")
	}
}

func TestMockForm_FailNext(t *testing.T) {
	t.Parallel()

	srv := mockform.New(nil)
	srv.FailNext(1)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for i, want := range []int{http.StatusServiceUnavailable, http.StatusOK} {
		resp, err := http.Get(ts.URL + "/")
		if err != nil {
			t.Fatalf("get form: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, resp.StatusCode)
		}
	}
	if got := len(srv.Calls()); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestMockForm_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv := mockform.New(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/submit")
	if err != nil {
		t.Fatalf("get submit: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestSlug(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Total Sq.Ft.":  "total-sq-ft",
		"First Name":    "first-name",
		"Email":         "email",
		"  Zip  Code  ": "zip-code",
		"Year Built 2":  "year-built-2",
	}
	for in, want := range cases {
		if got := mockform.Slug(in); got != want {
			t.Fatalf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}
