// Package metrics turns the batch event stream into Prometheus series.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/progress"
)

// Collector is a progress.Reporter that records pipeline metrics.
type Collector struct {
	RecordsTotal    *prometheus.CounterVec
	FillRetries     prometheus.Counter
	UnitDuration    prometheus.Histogram
	BatchesTotal    *prometheus.CounterVec
	RecordsInFlight prometheus.Gauge
	EventsDropped   prometheus.Counter

	mu      sync.Mutex
	started map[string]time.Time
}

// New registers the collector's series with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		// RecordsTotal counts terminal record outcomes by lower-cased state
		RecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formfill_records_total",
				Help: "Records that reached a terminal state",
			},
			[]string{"outcome"},
		),
		FillRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "formfill_fill_retries_total",
			Help: "Fill attempts that failed with a transient error and were retried",
		}),
		UnitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "formfill_unit_duration_seconds",
			Help:    "Time from a record's start event to its terminal event",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		BatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formfill_batches_total",
				Help: "Finished batches by status",
			},
			[]string{"status"},
		),
		RecordsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "formfill_records_in_flight",
			Help: "Records currently being filled or captured",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "formfill_events_dropped_total",
			Help: "Progress events a slow subscriber missed",
		}),
		started: make(map[string]time.Time),
	}
}

// Report implements progress.Reporter.
func (c *Collector) Report(e progress.Event) {
	switch e.Type {
	case progress.TypeStart:
		c.RecordsInFlight.Inc()
		c.mu.Lock()
		c.started[key(e)] = e.Timestamp
		c.mu.Unlock()
	case progress.TypeWarning:
		if e.Attempt > 0 {
			c.FillRetries.Inc()
		}
	case progress.TypeComplete:
		c.finish(e)
	case progress.TypeError:
		switch {
		case e.RecordID == "":
			c.BatchesTotal.WithLabelValues("aborted").Inc()
		default:
			c.finish(e)
		}
	case progress.TypeBatchComplete:
		status := "completed"
		if e.Summary != nil && e.Summary.Cancelled {
			status = "cancelled"
		}
		c.BatchesTotal.WithLabelValues(status).Inc()
	}
}

// EventDropped counts a missed event. Pass it to progress.OnDrop.
func (c *Collector) EventDropped(progress.Event) {
	c.EventsDropped.Inc()
}

func (c *Collector) finish(e progress.Event) {
	outcome := strings.ToLower(e.State)
	if outcome == "" {
		outcome = "unknown"
	}
	c.RecordsTotal.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	start, ok := c.started[key(e)]
	delete(c.started, key(e))
	c.mu.Unlock()
	if !ok {
		// Rejected before a unit started.
		return
	}
	c.RecordsInFlight.Dec()
	if !start.IsZero() && !e.Timestamp.IsZero() {
		c.UnitDuration.Observe(e.Timestamp.Sub(start).Seconds())
	}
}

func key(e progress.Event) string {
	return e.BatchID + "/" + e.RecordID
}
