package claude

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/upb/rag-gateway/services/providers"
)

const (
	providerName     = "anthropic"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Config configures the Claude generator.
type Config struct {
	providers.ProviderConfig

	Model       string
	MaxTokens   int
	Temperature *float64
}

// Generator streams completions from the Anthropic Messages API.
type Generator struct {
	client anthropic.Client
	config Config
}

// NewGenerator creates a new Claude generator
func NewGenerator(config Config) (*Generator, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// a failed start is reported, never retried
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	for k, v := range config.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &Generator{
		client: anthropic.NewClient(opts...),
		config: config,
	}, nil
}

// Name returns the provider name
func (g *Generator) Name() string {
	return providerName
}

// Close is a no-op; the SDK client owns no resources beyond pooled connections.
func (g *Generator) Close() error {
	return nil
}

// StreamCompletion opens a streaming message. The SDK starts the request
// lazily, so the first event is pulled here to surface start failures.
func (g *Generator) StreamCompletion(ctx context.Context, messages []providers.Message) (providers.TokenStream, error) {
	system, turns := providers.SplitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.config.Model),
		MaxTokens: int64(g.config.MaxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(turns)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if g.config.Temperature != nil {
		params.Temperature = anthropic.Float(*g.config.Temperature)
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == providers.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	stream := g.client.Messages.NewStreaming(ctx, params)
	s := &messageStream{stream: stream}
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			return nil, providers.NewProviderError(providerName, "EMPTY_STREAM", "stream closed before any event", 0, false, nil)
		}
		return nil, toProviderError(err)
	}
	s.pending = true
	return s, nil
}

// messageStream adapts the SDK event stream. Non-text events yield empty
// fragments.
type messageStream struct {
	stream    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	pending   bool
	done      bool
	closeOnce sync.Once
}

func (s *messageStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.pending {
		s.pending = false
	} else if !s.stream.Next() {
		s.done = true
		if err := s.stream.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", toProviderError(err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		// the event stream ended without message_stop: the answer is truncated
		return "", providers.NewProviderError(providerName, "STREAM_ERROR", "message stream ended before message_stop", 0, true, io.ErrUnexpectedEOF)
	}

	event := s.stream.Current()
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return delta.Text, nil
		}
	case anthropic.MessageStopEvent:
		s.done = true
		return "", io.EOF
	}
	return "", nil
}

func (s *messageStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.stream.Close()
	})
	return err
}

func toProviderError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.NewProviderError(providerName, "API_ERROR", http.StatusText(apiErr.StatusCode), apiErr.StatusCode,
			providers.IsStatusRetryable(apiErr.StatusCode), err)
	}
	return providers.NewProviderError(providerName, "STREAM_ERROR", "message stream failed", 0, true, err)
}
