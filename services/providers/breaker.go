package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures the circuit breakers wrapped around providers.
// A breaker never retries; it only fails fast while a backend is known bad.
type BreakerSettings struct {
	// ConsecutiveFailures that trip the breaker. Zero disables wrapping.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration

	// HalfOpenRequests allowed through while probing
	HalfOpenRequests uint32
}

// DefaultBreakerSettings returns the settings used when config leaves them unset.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

func newBreaker(name string, s BreakerSettings, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// Caller cancellation says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func breakerError(provider string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewProviderError(provider, "circuit_open", "provider temporarily unavailable", http.StatusServiceUnavailable, true, err)
	}
	return err
}

type breakerEmbedder struct {
	Embedder
	cb *gobreaker.CircuitBreaker
}

// WithEmbedderBreaker wraps e in a circuit breaker. With a zero threshold it
// returns e unchanged.
func WithEmbedderBreaker(e Embedder, s BreakerSettings, logger *zap.Logger) Embedder {
	if s.ConsecutiveFailures == 0 {
		return e
	}
	return &breakerEmbedder{Embedder: e, cb: newBreaker(e.Name()+"-embed", s, logger)}
}

func (b *breakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, breakerError(b.Name(), err)
	}
	vec, _ := out.([]float32)
	return vec, nil
}

type breakerSearcher struct {
	Searcher
	cb *gobreaker.CircuitBreaker
}

// WithSearcherBreaker wraps s in a circuit breaker.
func WithSearcherBreaker(s Searcher, settings BreakerSettings, logger *zap.Logger) Searcher {
	if settings.ConsecutiveFailures == 0 {
		return s
	}
	return &breakerSearcher{Searcher: s, cb: newBreaker(s.Name()+"-search", settings, logger)}
}

func (b *breakerSearcher) HybridSearch(ctx context.Context, req SearchRequest) ([]SearchRecord, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Searcher.HybridSearch(ctx, req)
	})
	if err != nil {
		return nil, breakerError(b.Name(), err)
	}
	records, _ := out.([]SearchRecord)
	return records, nil
}

type breakerGenerator struct {
	Generator
	cb *gobreaker.CircuitBreaker
}

// WithGeneratorBreaker wraps g in a circuit breaker. Only stream
// initiation is counted; mid-stream drops are reported by the stream.
func WithGeneratorBreaker(g Generator, s BreakerSettings, logger *zap.Logger) Generator {
	if s.ConsecutiveFailures == 0 {
		return g
	}
	return &breakerGenerator{Generator: g, cb: newBreaker(g.Name()+"-generate", s, logger)}
}

func (b *breakerGenerator) StreamCompletion(ctx context.Context, messages []Message) (TokenStream, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Generator.StreamCompletion(ctx, messages)
	})
	if err != nil {
		return nil, breakerError(b.Name(), err)
	}
	stream, _ := out.(TokenStream)
	return stream, nil
}
