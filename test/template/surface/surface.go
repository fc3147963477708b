// Package surface is a minimal downstream core.Surface: it "fills" a record by
// upper-casing its values into an in-memory page.
package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

type Echo struct {
	mu   sync.Mutex
	page map[string]string
}

func (e *Echo) FillRecord(_ context.Context, rec core.Record, _ core.FillConfig) (core.FillOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.page = make(map[string]string, len(rec.Fields))
	var out core.FillOutcome
	for k, v := range rec.Fields {
		e.page[k] = strings.ToUpper(strings.TrimSpace(fmt.Sprint(v)))
		out.Filled = append(out.Filled, k)
	}
	return out, nil
}

func (e *Echo) WaitAndCapture(_ context.Context, _ time.Duration) (core.CapturedData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fields := make(map[string]string, len(e.page))
	for k, v := range e.page {
		fields[k] = v
	}
	return core.CapturedData{Fields: fields}, nil
}

func (e *Echo) Ready() bool { return true }

// Factory gives every worker its own Echo.
var Factory = core.SurfaceFactoryFunc(func(context.Context, int) (core.Surface, error) {
	return &Echo{}, nil
})
