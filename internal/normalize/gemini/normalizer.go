// Package gemini fills missing address parts of a record from its free-text
// address using the Gemini API. It never overwrites a value the record has.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
)

// DefaultSourceField holds the free-text address.
const DefaultSourceField = "Full Address"

// Target fields, in the order they are filled.
const (
	FieldStreet = "Street Address"
	FieldCity   = "City"
	FieldState  = "State"
	FieldZip    = "Zip Code"
)

var targetFields = []string{FieldStreet, FieldCity, FieldState, FieldZip}

type Config struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string `yaml:"base_url"`

	// SourceField names the free-text address field. Defaults to DefaultSourceField.
	SourceField string `yaml:"source_field"`

	Retry retry.Policy `yaml:"-"`
}

// generateFunc returns the model's text response for prompt.
type generateFunc func(ctx context.Context, prompt string) (string, error)

type Normalizer struct {
	generate generateFunc
	model    string
	source   string
	policy   retry.Policy
	opts     []retry.Option
	logger   *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Normalizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewConfigurationError("normalize.api_key", "GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, core.NewConfigurationError("normalize.model", "GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, core.NewError(core.KindConfiguration, core.CodeConfiguration,
			"gemini client: "+redact.Secrets(err.Error()), map[string]any{"key": "normalize"}, err)
	}
	model := strings.TrimSpace(cfg.Model)
	gen := func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		})
		if err != nil {
			return "", classifyErr(err)
		}
		return resp.Text(), nil
	}
	return newNormalizer(gen, model, cfg, logger), nil
}

func newNormalizer(gen generateFunc, model string, cfg Config, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	source := strings.TrimSpace(cfg.SourceField)
	if source == "" {
		source = DefaultSourceField
	}
	policy := cfg.Retry
	if policy.IsZero() {
		policy = retry.DefaultPolicy
	}
	return &Normalizer{generate: gen, model: model, source: source, policy: policy, logger: logger}
}

// Parts are the structured pieces of an address.
type Parts struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

func (p Parts) get(field string) string {
	switch field {
	case FieldStreet:
		return p.Street
	case FieldCity:
		return p.City
	case FieldState:
		return p.State
	case FieldZip:
		return p.Zip
	}
	return ""
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"street": {Type: genai.TypeString},
		"city":   {Type: genai.TypeString},
		"state":  {Type: genai.TypeString},
		"zip":    {Type: genai.TypeString},
	},
	Required: []string{"street", "city", "state", "zip"},
}

// Needs reports whether rec has a source address and lacks at least one part.
func Needs(rec core.Record, source string) bool {
	if blank(rec.Fields[source]) {
		return false
	}
	for _, f := range targetFields {
		if blank(rec.Fields[f]) {
			return true
		}
	}
	return false
}

// Merge returns a copy of rec with blank address fields taken from p.
func Merge(rec core.Record, p Parts) (core.Record, []string) {
	out := rec.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]any, len(targetFields))
	}
	var filled []string
	for _, f := range targetFields {
		v := strings.TrimSpace(p.get(f))
		if v == "" || !blank(out.Fields[f]) {
			continue
		}
		out.Fields[f] = v
		filled = append(filled, f)
	}
	return out, filled
}

// Normalize fills missing address parts of rec. Records that need nothing are
// returned unchanged without calling the API.
func (n *Normalizer) Normalize(ctx context.Context, rec core.Record) (core.Record, error) {
	if !Needs(rec, n.source) {
		return rec, nil
	}
	raw := strings.TrimSpace(fmt.Sprint(rec.Fields[n.source]))

	log := n.logger.With("record_id", rec.ID)
	opts := append([]retry.Option{retry.OnRetry(func(a retry.Attempt) {
		log.Warn("address normalisation retry", "attempt", a.Number, "wait", a.Delay, "error", redact.Secrets(a.Err.Error()))
	})}, n.opts...)
	text, err := retry.Do(ctx, n.policy, func(ctx context.Context) (string, error) {
		return n.generate(ctx, buildPrompt(raw))
	}, opts...)
	if err != nil {
		return rec, err
	}

	parts, err := parseParts(text)
	if err != nil {
		return rec, err
	}
	out, filled := Merge(rec, parts)
	if len(filled) > 0 {
		log.Debug("address normalised", "filled", filled, "model", n.model)
	}
	return out, nil
}

// NormalizeAll normalises records in order. A record whose normalisation
// fails is kept unchanged; only cancellation and configuration errors stop
// the pass.
func (n *Normalizer) NormalizeAll(ctx context.Context, records []core.Record) ([]core.Record, error) {
	out := make([]core.Record, len(records))
	for i, rec := range records {
		nr, err := n.Normalize(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if core.IsFatal(err) {
				return nil, err
			}
			n.logger.Warn("address normalisation failed", "record_id", rec.ID, "error", redact.Secrets(err.Error()))
			nr = rec
		}
		out[i] = nr
	}
	return out, nil
}

func parseParts(text string) (Parts, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var p Parts
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &p); err != nil {
		return Parts{}, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	p.State = strings.ToUpper(strings.TrimSpace(p.State))
	return p, nil
}

func buildPrompt(address string) string {
	return strings.TrimSpace(`
You split United States postal addresses into parts.

Return ONLY a single JSON object with these keys:
- street (string; number and street, including unit)
- city (string)
- state (string; two-letter USPS code)
- zip (string; 5-digit or ZIP+4)

Rules:
- If a part is not present in the address, set it to an empty string.
- Do not guess parts that are not in the address.

Address: ` + address + `
`)
}

// classifyErr marks rate limits, server errors and network timeouts as
// retryable network errors.
func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return core.NewNetworkError(fmt.Sprintf("gemini: status %d", apiErr.Code), err)
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return core.NewNetworkError("gemini: "+redact.Secrets(err.Error()), err)
	}
	return err
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
