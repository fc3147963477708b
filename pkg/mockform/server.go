// Package mockform serves a minimal intake form and records what was submitted.
// It backs local runs and browser end-to-end tests.
package mockform

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
)

// Call records a request made to the mock form.
type Call struct {
	Method string
	Path   string
}

// Submission is one posted form.
type Submission struct {
	Confirmation string
	Values       map[string]string
}

// Field describes one form control.
type Field struct {
	Name    string
	Options []string // rendered as a <select> when set
}

// ID is the element id used for the field.
func (f Field) ID() string { return Slug(f.Name) }

// DefaultFields mirrors the built-in property intake rule table.
var DefaultFields = []Field{
	{Name: "First Name"},
	{Name: "Last Name"},
	{Name: "Email"},
	{Name: "Phone"},
	{Name: "Street Address"},
	{Name: "City"},
	{Name: "State", Options: []string{"", "CA", "NY", "TX", "VA", "WA"}},
	{Name: "Zip Code"},
	{Name: "Property Type", Options: []string{"", "Single Family", "Condo", "Townhouse", "Multi-Family", "Mobile Home", "Land"}},
	{Name: "Total Sq.Ft."},
	{Name: "Bedrooms"},
	{Name: "Bathrooms"},
	{Name: "Year Built"},
}

// Server implements the form and its result page.
type Server struct {
	fields []Field

	mu          sync.Mutex
	calls       []Call
	submissions []Submission
	failNext    int
}

// New constructs a server for fields; nil means DefaultFields.
func New(fields []Field) *Server {
	if fields == nil {
		fields = DefaultFields
	}
	return &Server{fields: fields}
}

// FailNext makes the next n form loads answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Handler returns an http.Handler that serves the mock form.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleForm)
	mux.HandleFunc("/submit", s.handleSubmit)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Submissions returns a snapshot of posted forms.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
}

var formTmpl = template.Must(template.New("form").Parse(`<!doctype html>
<html><head><title>Property intake</title></head>
<body>
<form id="intake" method="post" action="/submit">
{{- range .}}
  <label for="{{.ID}}">{{.Name}}</label>
  {{- if .Options}}
  <select id="{{.ID}}" name="{{.Name}}">{{range .Options}}<option value="{{.}}">{{.}}</option>{{end}}</select>
  {{- else}}
  <input id="{{.ID}}" name="{{.Name}}" type="text">
  {{- end}}
{{- end}}
  <button id="submit" type="submit">Submit</button>
</form>
</body></html>
`))

var resultTmpl = template.Must(template.New("result").Parse(`<!doctype html>
<html><head><title>Submitted</title></head>
<body>
<div id="result">
  <span class="status">submitted</span>
  <span class="confirmation">{{.Confirmation}}</span>
  <dl>{{range $k, $v := .Values}}<dt>{{$k}}</dt><dd data-field="{{$k}}">{{$v}}</dd>{{end}}</dl>
</div>
</body></html>
`))

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	fail := s.failNext > 0
	if fail {
		s.failNext--
	}
	s.mu.Unlock()
	if fail {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = formTmpl.Execute(w, s.fields)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	values := make(map[string]string, len(s.fields))
	for _, f := range s.fields {
		if v := strings.TrimSpace(r.PostForm.Get(f.Name)); v != "" {
			values[f.Name] = v
		}
	}

	s.mu.Lock()
	sub := Submission{
		Confirmation: fmt.Sprintf("CONF-%04d", len(s.submissions)+1),
		Values:       values,
	}
	s.submissions = append(s.submissions, sub)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = resultTmpl.Execute(w, sub)
}

// Slug converts a field name into an element id: "Total Sq.Ft." -> "total-sq-ft".
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
