package gemini

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
)

const partsJSON = `{"street":"1 Main St","city":"Austin","state":"tx","zip":"78701"}`

func testNormalizer(gen generateFunc) *Normalizer {
	n := newNormalizer(gen, "test-model", Config{}, nil)
	n.opts = []retry.Option{retry.WithSleep(func(context.Context, time.Duration) error { return nil })}
	return n
}

func TestNormalize_FillsOnlyMissingParts(t *testing.T) {
	var prompts []string
	n := testNormalizer(func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return partsJSON, nil
	})

	in := core.Record{ID: "r1", Fields: map[string]any{
		DefaultSourceField: "1 Main St, Austin, TX 78701",
		FieldCity:          "Round Rock",
	}}
	out, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "1 Main St", out.Fields[FieldStreet])
	assert.Equal(t, "Round Rock", out.Fields[FieldCity], "existing values are never overwritten")
	assert.Equal(t, "TX", out.Fields[FieldState])
	assert.Equal(t, "78701", out.Fields[FieldZip])
	assert.NotContains(t, in.Fields, FieldStreet, "input record must not be mutated")

	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Address: 1 Main St, Austin, TX 78701")
}

func TestNormalize_SkipsWhenNothingToDo(t *testing.T) {
	n := testNormalizer(func(context.Context, string) (string, error) {
		t.Fatal("generate should not be called")
		return "", nil
	})

	complete := core.Record{ID: "r1", Fields: map[string]any{
		DefaultSourceField: "x",
		FieldStreet:        "1 Main St", FieldCity: "Austin", FieldState: "TX", FieldZip: "78701",
	}}
	noSource := core.Record{ID: "r2", Fields: map[string]any{FieldCity: "Austin"}}

	for _, rec := range []core.Record{complete, noSource} {
		out, err := n.Normalize(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, rec, out)
	}
}

func TestNormalize_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	n := testNormalizer(func(context.Context, string) (string, error) {
		if calls.Add(1) < 3 {
			return "", core.NewNetworkError("gemini: status 503", nil)
		}
		return partsJSON, nil
	})

	out, err := n.Normalize(context.Background(), core.Record{ID: "r1", Fields: map[string]any{DefaultSourceField: "addr"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "Austin", out.Fields[FieldCity])
}

func TestNormalizeAll_KeepsRecordOnFailure(t *testing.T) {
	n := testNormalizer(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "bad") {
			return "not json", nil
		}
		return partsJSON, nil
	})

	in := []core.Record{
		{ID: "r1", Fields: map[string]any{DefaultSourceField: "bad address"}},
		{ID: "r2", Fields: map[string]any{DefaultSourceField: "good address"}},
	}
	out, err := n.NormalizeAll(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, "1 Main St", out[1].Fields[FieldStreet])
}

func TestNormalizeAll_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := testNormalizer(func(context.Context, string) (string, error) {
		cancel()
		return "", context.Canceled
	})

	_, err := n.NormalizeAll(ctx, []core.Record{{ID: "r1", Fields: map[string]any{DefaultSourceField: "a"}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseParts(t *testing.T) {
	p, err := parseParts("```json\n" + partsJSON + "\n```")
	require.NoError(t, err)
	assert.Equal(t, Parts{Street: "1 Main St", City: "Austin", State: "TX", Zip: "78701"}, p)

	_, err = parseParts("{")
	assert.Error(t, err)
}

func TestClassifyErr(t *testing.T) {
	for _, code := range []int{429, 500, 503} {
		err := classifyErr(genai.APIError{Code: code})
		assert.True(t, core.IsRetryable(err), "status %d should be retryable", code)
	}
	assert.False(t, core.IsRetryable(classifyErr(genai.APIError{Code: 400})))
	assert.False(t, core.IsRetryable(classifyErr(errors.New("boom"))))
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	_, err := New(context.Background(), Config{Model: "m"}, nil)
	assert.True(t, core.IsFatal(err))
	_, err = New(context.Background(), Config{APIKey: "k"}, nil)
	assert.True(t, core.IsFatal(err))
}
