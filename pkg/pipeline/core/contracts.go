package core

import (
	"context"
	"errors"
	"io"
	"maps"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/redact"
)

// InputAdapter loads input records for pipeline processing.
type InputAdapter[In any] interface {
	Load(ctx context.Context) ([]In, error)
}

// OutputAdapter persists output records produced by pipeline processing.
type OutputAdapter[Out any] interface {
	Store(ctx context.Context, rows []Out) error
}

// Record is one input unit. It is treated as immutable once submitted.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Clone returns a copy whose Fields map can be handed to another goroutine.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: maps.Clone(r.Fields)}
}

// FillConfig carries per-batch parameters for the fill stage.
type FillConfig struct {
	// Params are passed through to the surface untouched.
	Params map[string]string
	// Submit controls whether the surface submits the form after filling.
	Submit bool
}

// FillOutcome describes what a surface did with a record.
type FillOutcome struct {
	Filled  []string `json:"filled,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Message string   `json:"message,omitempty"`
}

// CapturedData is the best-effort read-back after a fill.
type CapturedData struct {
	Fields  map[string]string `json:"fields,omitempty"`
	Partial bool              `json:"partial"`
}

// Surface is the external automation surface a unit drives.
//
// FillRecord may fail with a classified *Error. WaitAndCapture is best-effort:
// it returns whatever it could observe even when it also returns an error.
type Surface interface {
	FillRecord(ctx context.Context, rec Record, cfg FillConfig) (FillOutcome, error)
	WaitAndCapture(ctx context.Context, delay time.Duration) (CapturedData, error)
	Ready() bool
}

// SurfaceFactory creates one surface per worker. Surfaces are never shared
// between workers; if a surface implements io.Closer it is closed when its
// worker exits.
type SurfaceFactory interface {
	NewSurface(ctx context.Context, worker int) (Surface, error)
}

// SurfaceFactoryFunc adapts a function to the SurfaceFactory interface.
type SurfaceFactoryFunc func(ctx context.Context, worker int) (Surface, error)

func (f SurfaceFactoryFunc) NewSurface(ctx context.Context, worker int) (Surface, error) {
	return f(ctx, worker)
}

// CloseSurface closes s if it holds resources.
func CloseSurface(s Surface) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// UnitData is the success payload of a UnitResult.
type UnitData struct {
	State    string       `json:"state"`
	Fill     FillOutcome  `json:"fill"`
	Captured CapturedData `json:"captured"`
}

// ErrorInfo is the display and persistence form of a unit failure.
type ErrorInfo struct {
	Kind    Kind   `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Describe converts err into an ErrorInfo with secrets removed.
func Describe(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: redact.Secrets(err.Error())}
	var e *Error
	if errors.As(err, &e) && e != nil {
		info.Kind = e.Kind
		info.Code = e.Code
	}
	return info
}

// UnitResult is the single outcome of one record.
type UnitResult struct {
	Success   bool       `json:"success"`
	RecordID  string     `json:"record_id"`
	Data      *UnitData  `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`

	// Err keeps the original error for in-process callers.
	Err error `json:"-"`
}

// Succeeded builds a successful result.
func Succeeded(recordID string, data UnitData, at time.Time) UnitResult {
	return UnitResult{Success: true, RecordID: recordID, Data: &data, Timestamp: at}
}

// Failed builds a failed result carrying err unchanged.
func Failed(recordID string, err error, at time.Time) UnitResult {
	return UnitResult{RecordID: recordID, Error: Describe(err), Err: err, Timestamp: at}
}

// Summary aggregates a batch run.
type Summary struct {
	Total      int  `json:"total"`
	Successful int  `json:"successful"`
	Failed     int  `json:"failed"`
	Skipped    int  `json:"skipped,omitempty"`
	Cancelled  bool `json:"cancelled,omitempty"`
}

// Summarize counts results against the number of submitted records.
func Summarize(total int, results []UnitResult, cancelled bool) Summary {
	s := Summary{Total: total, Cancelled: cancelled}
	for _, r := range results {
		if r.Success {
			s.Successful++
			continue
		}
		s.Failed++
	}
	s.Skipped = total - s.Successful - s.Failed
	if s.Skipped < 0 {
		s.Skipped = 0
	}
	return s
}
