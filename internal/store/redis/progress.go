// Package redis mirrors batch progress into Redis so other processes can watch
// a running batch.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/progress"
)

// DefaultTTL keeps batch keys around for a day after their last update.
const DefaultTTL = 24 * time.Hour

// NewClient connects to the Redis server at url and pings it.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// ProgressStore publishes every event on a per-batch channel, keeps the latest
// snapshot, and stores the final summary.
type ProgressStore struct {
	rdb     redis.Cmdable
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*ProgressStore)

// WithPrefix replaces the "formfill" key prefix.
func WithPrefix(p string) Option {
	return func(s *ProgressStore) { s.prefix = p }
}

func WithTTL(d time.Duration) Option {
	return func(s *ProgressStore) { s.ttl = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ProgressStore) { s.logger = l }
}

func NewProgressStore(rdb redis.Cmdable, opts ...Option) *ProgressStore {
	s := &ProgressStore{
		rdb:     rdb,
		prefix:  "formfill",
		ttl:     DefaultTTL,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key helpers
func (s *ProgressStore) ChannelKey(batchID string) string {
	return fmt.Sprintf("%s:batch:%s:events", s.prefix, batchID)
}

func (s *ProgressStore) latestKey(batchID string) string {
	return fmt.Sprintf("%s:batch:%s:latest", s.prefix, batchID)
}

func (s *ProgressStore) summaryKey(batchID string) string {
	return fmt.Sprintf("%s:batch:%s:summary", s.prefix, batchID)
}

// Report implements progress.Reporter. Failures are logged, never returned:
// progress mirroring must not affect the batch.
func (s *ProgressStore) Report(e progress.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Publish(ctx, e); err != nil {
		s.logger.Warn("mirror progress to redis", "batch_id", e.BatchID, "type", e.Type, "error", err)
	}
}

// Publish writes e to Redis.
func (s *ProgressStore) Publish(ctx context.Context, e progress.Event) error {
	if e.BatchID == "" {
		return errors.New("event has no batch id")
	}
	// Results are large; subscribers read them from the result store.
	slim := e
	slim.Results = nil
	payload, err := json.Marshal(slim)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := s.rdb.Publish(ctx, s.ChannelKey(e.BatchID), string(payload)).Err(); err != nil {
		return fmt.Errorf("redis publish failure: %w", err)
	}
	if !e.IsSnapshot() {
		return nil
	}
	if err := s.rdb.Set(ctx, s.latestKey(e.BatchID), string(payload), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set latest failure: %w", err)
	}
	if e.Type == progress.TypeBatchComplete && e.Summary != nil {
		summary, err := json.Marshal(e.Summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		if err := s.rdb.Set(ctx, s.summaryKey(e.BatchID), string(summary), s.ttl).Err(); err != nil {
			return fmt.Errorf("redis set summary failure: %w", err)
		}
	}
	return nil
}

// Latest returns the most recent snapshot stored for batchID.
func (s *ProgressStore) Latest(ctx context.Context, batchID string) (progress.Event, bool, error) {
	raw, err := s.rdb.Get(ctx, s.latestKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return progress.Event{}, false, nil
	}
	if err != nil {
		return progress.Event{}, false, fmt.Errorf("redis get failure: %w", err)
	}
	var e progress.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return progress.Event{}, false, fmt.Errorf("decode event: %w", err)
	}
	return e, true, nil
}

// Summary returns the stored final summary for batchID.
func (s *ProgressStore) Summary(ctx context.Context, batchID string) (core.Summary, bool, error) {
	raw, err := s.rdb.Get(ctx, s.summaryKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return core.Summary{}, false, nil
	}
	if err != nil {
		return core.Summary{}, false, fmt.Errorf("redis get failure: %w", err)
	}
	var sum core.Summary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return core.Summary{}, false, fmt.Errorf("decode summary: %w", err)
	}
	return sum, true, nil
}
