// Package browser implements core.Surface on a headless Chrome driven by
// chromedp. Each surface owns its own browser process.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

// Config selects the form and how record fields map onto it.
type Config struct {
	FormURL string `yaml:"form_url"`

	// Fields maps a record field to a CSS selector. Alternatives may be
	// separated by "||"; the first one present on the page is used and
	// remembered for the rest of the worker's life.
	Fields map[string]string `yaml:"fields"`

	// Ready is waited for after navigation. Defaults to "form".
	Ready string `yaml:"ready"`
	// Submit is clicked when the batch asks for submission.
	Submit string `yaml:"submit"`

	// Capture maps an output name to a selector on the page shown after submit.
	Capture map[string]string `yaml:"capture"`
	// CaptureRoot limits the HTML read back during capture. Defaults to "body".
	CaptureRoot string `yaml:"capture_root"`

	Headless        bool          `yaml:"headless"`
	ExecPath        string        `yaml:"exec_path"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Ready == "" {
		c.Ready = "form"
	}
	if c.CaptureRoot == "" {
		c.CaptureRoot = "body"
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	return c
}

// Validate reports configuration that can never fill a form.
func (c Config) Validate() error {
	if strings.TrimSpace(c.FormURL) == "" {
		return core.NewConfigurationError("surface.form_url", "form URL is required")
	}
	if len(c.Fields) == 0 {
		return core.NewConfigurationError("surface.fields", "at least one field selector is required")
	}
	return nil
}

// Factory starts one browser per worker.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg.withDefaults(), logger: logger}, nil
}

// NewSurface implements core.SurfaceFactory.
func (f *Factory) NewSurface(ctx context.Context, worker int) (core.Surface, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}

	log := f.logger.With("worker", worker)
	// The browser outlives the setup context; Close releases it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			log.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
	)

	startCtx, cancel := context.WithTimeout(browserCtx, f.cfg.NavigateTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, core.NewError(core.KindConfiguration, core.CodeConfiguration,
			"start browser: "+err.Error(), map[string]any{"key": "surface.browser"}, err)
	}

	log.Debug("browser started")
	return &Surface{
		cfg:           f.cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		selectors:     make(map[string]string),
		logger:        log,
	}, nil
}

// Surface drives one browser tab. It is not safe for concurrent use; the
// worker pool gives every worker its own.
type Surface struct {
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closed        atomic.Bool
	logger        *slog.Logger

	// selectors caches the alternative that matched for each field.
	selectors map[string]string
}

func (s *Surface) Ready() bool {
	return !s.closed.Load() && s.browserCtx.Err() == nil
}

func (s *Surface) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.browserCancel()
		s.allocCancel()
	}
	return nil
}

// task returns a context for chromedp actions that is cancelled with ctx and
// bounded by timeout.
func (s *Surface) task(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithTimeout(s.browserCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() {
		stop()
		cancel()
	}
}

// FillRecord loads the form, sets every mapped field present in rec and
// optionally submits.
func (s *Surface) FillRecord(ctx context.Context, rec core.Record, cfg core.FillConfig) (core.FillOutcome, error) {
	url := s.cfg.FormURL
	if u := cfg.Params["form_url"]; u != "" {
		url = u
	}

	tctx, cancel := s.task(ctx, s.cfg.NavigateTimeout)
	defer cancel()

	if err := chromedp.Run(tctx,
		chromedp.Navigate(url),
		chromedp.WaitReady(s.cfg.Ready, chromedp.ByQuery),
	); err != nil {
		return core.FillOutcome{}, classify(ctx, "load form", err)
	}

	var out core.FillOutcome
	for _, name := range sortedKeys(rec.Fields) {
		if _, mapped := s.cfg.Fields[name]; !mapped {
			out.Skipped = append(out.Skipped, name)
			continue
		}
		value := FormatValue(rec.Fields[name])
		if value == "" {
			out.Skipped = append(out.Skipped, name)
			continue
		}
		sel, err := s.resolve(tctx, name)
		if err != nil {
			return out, classify(ctx, "locate "+name, err)
		}
		if sel == "" {
			return out, core.NewScrapingError(
				fmt.Sprintf("no element for field %q", name), core.ReasonNotFound, nil)
		}
		if err := chromedp.Run(tctx,
			chromedp.SetValue(sel, value, chromedp.ByQuery),
			chromedp.Evaluate(dispatchChangeJS(sel), nil),
		); err != nil {
			return out, classify(ctx, "set "+name, err)
		}
		out.Filled = append(out.Filled, name)
	}

	if cfg.Submit && s.cfg.Submit != "" {
		var nodes []*cdp.Node
		if err := chromedp.Run(tctx, chromedp.Nodes(s.cfg.Submit, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
			return out, classify(ctx, "locate submit", err)
		}
		if len(nodes) == 0 {
			return out, core.NewScrapingError("submit control not found", core.ReasonNotFound, nil)
		}
		if err := chromedp.Run(tctx, chromedp.Click(s.cfg.Submit, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
			return out, classify(ctx, "submit", err)
		}
		out.Message = "submitted"
	}

	s.logger.Debug("record filled", "record_id", rec.ID, "filled", len(out.Filled), "skipped", len(out.Skipped))
	return out, nil
}

// resolve returns the selector alternative present on the page, or "".
func (s *Surface) resolve(ctx context.Context, field string) (string, error) {
	if sel, ok := s.selectors[field]; ok {
		return sel, nil
	}
	for _, alt := range Alternatives(s.cfg.Fields[field]) {
		var nodes []*cdp.Node
		if err := chromedp.Run(ctx, chromedp.Nodes(alt, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
			return "", err
		}
		if len(nodes) > 0 {
			s.selectors[field] = alt
			return alt, nil
		}
	}
	return "", nil
}

// WaitAndCapture waits delay, then reads the configured capture selectors.
// Whatever could be read is returned even when err is non-nil.
func (s *Surface) WaitAndCapture(ctx context.Context, delay time.Duration) (core.CapturedData, error) {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return core.CapturedData{Partial: true}, ctx.Err()
		}
	}

	timeout := s.cfg.NavigateTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	tctx, cancel := s.task(ctx, timeout)
	defer cancel()

	var html string
	if err := chromedp.Run(tctx, chromedp.OuterHTML(s.cfg.CaptureRoot, &html, chromedp.ByQuery)); err != nil {
		return core.CapturedData{Partial: true}, classify(ctx, "capture", err)
	}
	return ParseCapture(html, s.cfg.Capture)
}

// classify maps chromedp failures onto the error taxonomy. Timeouts and
// transport failures are transient; a cancelled caller is reported as is.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := core.KindOf(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewNetworkError(op+": timed out", err)
	}
	if strings.Contains(err.Error(), "net::ERR_") {
		return core.NewNetworkError(op+": "+err.Error(), err)
	}
	return core.NewScrapingError(op+": "+err.Error(), "", err)
}

// Alternatives splits a "a || b" selector list.
func Alternatives(sel string) []string {
	parts := strings.Split(sel, "||")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FormatValue renders a record value the way a user would type it.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

func dispatchChangeJS(sel string) string {
	return fmt.Sprintf(`(function(){
  var el = document.querySelector(%s);
  if (!el) { return false; }
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return true;
})()`, strconv.Quote(sel))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
