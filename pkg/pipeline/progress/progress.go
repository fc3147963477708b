// Package progress defines the event stream a batch publishes and the
// broadcaster that fans it out to observers without ever blocking the producer.
package progress

import (
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

// Type discriminates Event.
type Type string

const (
	TypeStart         Type = "start"
	TypeInfo          Type = "info"
	TypeProgress      Type = "progress"
	TypeDataCaptured  Type = "data_captured"
	TypeComplete      Type = "complete"
	TypeError         Type = "error"
	TypeWarning       Type = "warning"
	TypeBatchStart    Type = "batch_start"
	TypeBatchComplete Type = "batch_complete"
)

// Event is one progress notification. Message is always ready to display.
type Event struct {
	Type     Type   `json:"type"`
	Message  string `json:"message"`
	BatchID  string `json:"batch_id,omitempty"`
	RecordID string `json:"record_id,omitempty"`

	// Index is the 1-based position of the record within its batch; Total is the batch size.
	Index int `json:"index,omitempty"`
	Total int `json:"total,omitempty"`

	// Current and Percent are set on TypeProgress.
	Current int `json:"current,omitempty"`
	Percent int `json:"percent,omitempty"`

	// State is the unit state after the transition that produced the event.
	State string `json:"state,omitempty"`
	// Attempt is set on warnings emitted before a fill retry.
	Attempt int `json:"attempt,omitempty"`

	Data    *core.CapturedData `json:"data,omitempty"`
	Summary *core.Summary      `json:"summary,omitempty"`
	Results []core.UnitResult  `json:"results,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// IsSnapshot reports whether e describes overall batch position, which is what
// late subscribers need to catch up.
func (e Event) IsSnapshot() bool {
	switch e.Type {
	case TypeBatchStart, TypeProgress, TypeBatchComplete:
		return true
	default:
		return false
	}
}

// IsFinal reports whether e ends the batch's stream: the batch_complete event,
// or a batch-level error (one without a RecordID) after an abort.
func (e Event) IsFinal() bool {
	switch e.Type {
	case TypeBatchComplete:
		return true
	case TypeError:
		return e.RecordID == ""
	default:
		return false
	}
}

// Reporter receives events.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Percent returns current*100/total, or 0 for an empty batch.
func Percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	return current * 100 / total
}
