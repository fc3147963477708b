package batch

import (
	"sync/atomic"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/progress"
)

// CancelResult reports whether a Cancel call changed anything.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// Batch is the handle of one submitted batch. It owns the cancellation flag
// and the result accumulator for that batch only.
type Batch struct {
	id    string
	total int
	bus   *progress.Broadcaster
	now   func() time.Time

	cancelled atomic.Bool
	finished  atomic.Bool
	done      chan struct{}

	// Written by the run goroutine before done is closed.
	results []core.UnitResult
	summary core.Summary
	err     error
}

func (b *Batch) ID() string { return b.id }

// Total is the number of submitted records.
func (b *Batch) Total() int { return b.total }

// Done is closed once the batch has finished and every reporter has drained.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch finishes. It returns one result per processed
// record in submission order. A configuration-class failure returns (nil, err);
// cancellation of the submit context returns the processed results and ctx.Err().
func (b *Batch) Wait() ([]core.UnitResult, error) {
	<-b.done
	if b.err != nil && core.IsFatal(b.err) {
		return nil, b.err
	}
	return b.results, b.err
}

// Cancel stops the batch before its next record. The record in flight finishes.
func (b *Batch) Cancel() CancelResult {
	select {
	case <-b.done:
		return CancelResult{}
	default:
	}
	if !b.cancelled.CompareAndSwap(false, true) {
		return CancelResult{}
	}
	b.publish(progress.Event{
		Type:    progress.TypeInfo,
		Message: "Cancellation requested; the current record will finish",
		Total:   b.total,
	})
	return CancelResult{Cancelled: true}
}

// Cancelled reports whether Cancel was called.
func (b *Batch) Cancelled() bool { return b.cancelled.Load() }

// Summary returns the final summary once the batch has completed.
func (b *Batch) Summary() (core.Summary, bool) {
	select {
	case <-b.done:
	default:
		return core.Summary{}, false
	}
	if !b.finished.Load() {
		return core.Summary{}, false
	}
	return b.summary, true
}

// Subscribe streams the batch's events, starting with the latest snapshot.
func (b *Batch) Subscribe(buffer int) (<-chan progress.Event, func()) {
	return b.bus.Subscribe(buffer)
}

// Latest returns the most recent progress snapshot.
func (b *Batch) Latest() (progress.Event, bool) {
	return b.bus.Latest()
}

// Dropped returns how many events slow subscribers missed.
func (b *Batch) Dropped() int64 {
	return b.bus.Dropped()
}

func (b *Batch) publish(e progress.Event) {
	e.BatchID = b.id
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.bus.Report(e)
}
