package providers

import (
	"context"
	"errors"
	"io"
	"time"
)

// Provider is the common surface of every backend adapter.
type Provider interface {
	// Name returns the provider name (e.g., "azure-openai", "weaviate", "gemini")
	Name() string

	// Close releases the underlying client. Safe to call more than once.
	Close() error
}

// Embedder converts query text into a fixed-length vector.
type Embedder interface {
	Provider

	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs a hybrid (keyword + vector) query against a document index.
type Searcher interface {
	Provider

	HybridSearch(ctx context.Context, req SearchRequest) ([]SearchRecord, error)
}

// Generator streams a chat completion.
type Generator interface {
	Provider

	// StreamCompletion starts a streaming completion. An error here means the
	// stream never started; failures after that surface from TokenStream.Next.
	StreamCompletion(ctx context.Context, messages []Message) (TokenStream, error)
}

// TokenStream is a finite, single-pass, pull-based sequence of text
// fragments. Next returns io.EOF once the provider signals completion.
// Fragments may be empty.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// SearchRequest is one hybrid query.
type SearchRequest struct {
	// Text drives the keyword side of the query
	Text string

	// Vector drives the similarity side of the query
	Vector []float32

	// TopK bounds the number of records returned
	TopK int

	// Neighbors is the nearest-neighbor fan-out on the vector side
	Neighbors int
}

// SearchRecord is a single index hit. Every field is optional; adapters
// leave a field nil when the backend omitted it or returned a non-string.
type SearchRecord struct {
	ReferenceID *string
	Title       *string
	Filename    *string
	Content     *string

	// Score is the backend's relevance score, informational only
	Score float64
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SplitSystem separates system messages (joined with blank lines) from the
// rest of the conversation, for backends that take the system prompt
// out of band.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout for requests that do not stream
	Timeout time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 30 * time.Second,
		Headers: make(map[string]string),
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates the failure is transient. Nothing in the request
	// path retries; the flag feeds logging and the circuit breaker.
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// IsStatusRetryable reports whether an HTTP status code indicates a
// transient failure.
func IsStatusRetryable(statusCode int) bool {
	return statusCode == 429 || statusCode >= 500
}

// SliceStream is an in-memory TokenStream, used by tests and fakes.
type SliceStream struct {
	Fragments []string
	// Err, when set, is returned after the fragments instead of io.EOF
	Err    error
	pos    int
	closed bool
}

// Next implements TokenStream.
func (s *SliceStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.closed {
		return "", io.EOF
	}
	if s.pos < len(s.Fragments) {
		f := s.Fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.Err != nil {
		return "", s.Err
	}
	return "", io.EOF
}

// Close implements TokenStream.
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *SliceStream) Closed() bool { return s.closed }

// Pulled returns how many fragments have been handed out.
func (s *SliceStream) Pulled() int { return s.pos }
