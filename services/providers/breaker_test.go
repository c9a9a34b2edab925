package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
		HalfOpenRequests:    1,
	}
}

func TestBreaker_ZeroThresholdReturnsOriginal(t *testing.T) {
	p := newMockProvider("azure-openai")
	logger := zaptest.NewLogger(t)

	assert.Same(t, p, WithEmbedderBreaker(p, BreakerSettings{}, logger))
	assert.Same(t, p, WithSearcherBreaker(p, BreakerSettings{}, logger))
	assert.Same(t, p, WithGeneratorBreaker(p, BreakerSettings{}, logger))
}

func TestBreaker_PassesThroughResults(t *testing.T) {
	ctx := context.Background()
	p := newMockProvider("full")
	title := "Doc"
	p.records = []SearchRecord{{Title: &title}}
	p.fragments = []string{"Hello"}
	logger := zaptest.NewLogger(t)

	vec, err := WithEmbedderBreaker(p, testBreakerSettings(), logger).Embed(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)

	recs, err := WithSearcherBreaker(p, testBreakerSettings(), logger).HybridSearch(ctx, SearchRequest{Text: "q"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Doc", *recs[0].Title)

	stream, err := WithGeneratorBreaker(p, testBreakerSettings(), logger).StreamCompletion(ctx, nil)
	require.NoError(t, err)
	f, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello", f)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	p := newMockProvider("azure-search")
	p.err = errors.New("503 from index")
	s := WithSearcherBreaker(p, testBreakerSettings(), zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		_, err := s.HybridSearch(ctx, SearchRequest{})
		assert.EqualError(t, err, "503 from index")
	}
	assert.Equal(t, 2, p.calls)

	// open: the backend is not called and the error is a retryable provider error
	_, err := s.HybridSearch(ctx, SearchRequest{})
	require.Error(t, err)
	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "circuit_open", provErr.Code)
	assert.True(t, provErr.Retryable)
	assert.Equal(t, 2, p.calls)
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	p := newMockProvider("azure-openai")
	p.err = context.Canceled
	e := WithEmbedderBreaker(p, testBreakerSettings(), zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		_, err := e.Embed(ctx, "q")
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, 5, p.calls)
}
