package gemini

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/upb/rag-gateway/services/providers"
	"google.golang.org/genai"
)

const (
	providerName          = "gemini"
	defaultChatModel      = "gemini-2.0-flash"
	defaultEmbeddingModel = "gemini-embedding-001"
)

// Config configures the Gemini provider.
type Config struct {
	providers.ProviderConfig

	ChatModel      string
	EmbeddingModel string

	// EmbeddingDimensions truncates vectors to the index dimension when set
	EmbeddingDimensions int
	Temperature         *float64
}

// Provider embeds and generates through the Gemini API. It serves both the
// Embedder and Generator roles.
type Provider struct {
	client *genai.Client
	config Config
}

// NewProvider creates a new Gemini provider
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if config.ChatModel == "" {
		config.ChatModel = defaultChatModel
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultEmbeddingModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" || len(config.Headers) > 0 {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
		clientConfig.HTTPOptions.Headers = http.Header{}
		for k, v := range config.Headers {
			clientConfig.HTTPOptions.Headers.Set(k, v)
		}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "CLIENT_ERROR", "failed to initialize genai client", 0, false, err)
	}

	return &Provider{client: client, config: config}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Close is a no-op; the genai client holds only pooled connections.
func (p *Provider) Close() error {
	return nil
}

// Embed generates an embedding for the given text
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	var embedConfig *genai.EmbedContentConfig
	if p.config.EmbeddingDimensions > 0 {
		dim := int32(p.config.EmbeddingDimensions)
		embedConfig = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	result, err := p.client.Models.EmbedContent(ctx, p.config.EmbeddingModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, embedConfig)
	if err != nil {
		return nil, toProviderError("embedding request failed", err)
	}
	if result == nil || len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, providers.NewProviderError(providerName, "EMPTY_EMBEDDING", "no embedding data in response", 0, false, nil)
	}
	return result.Embeddings[0].Values, nil
}

// StreamCompletion starts a streaming generation. The response iterator is
// converted to a pull stream and the first chunk is read eagerly so that a
// rejected request fails here rather than on the first Next.
func (p *Provider) StreamCompletion(ctx context.Context, messages []providers.Message) (providers.TokenStream, error) {
	system, turns := providers.SplitSystem(messages)

	genConfig := &genai.GenerateContentConfig{}
	if system != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if p.config.Temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(*p.config.Temperature))
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.Role(genai.RoleUser)
		if m.Role == providers.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, p.config.ChatModel, contents, genConfig))
	s := &contentStream{next: next, stop: stop}

	resp, err, ok := next()
	if !ok {
		stop()
		return nil, providers.NewProviderError(providerName, "EMPTY_STREAM", "stream closed before any chunk", 0, false, nil)
	}
	if err != nil {
		stop()
		return nil, toProviderError("generation request failed", err)
	}
	s.first, s.hasFirst = resp, true
	return s, nil
}

type contentStream struct {
	next      func() (*genai.GenerateContentResponse, error, bool)
	stop      func()
	first     *genai.GenerateContentResponse
	hasFirst  bool
	done      bool
	closeOnce sync.Once
}

func (s *contentStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var resp *genai.GenerateContentResponse
	if s.hasFirst {
		resp, s.first, s.hasFirst = s.first, nil, false
	} else {
		r, err, ok := s.next()
		if !ok {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", toProviderError("generation stream failed", err)
		}
		resp = r
	}
	return chunkText(resp), nil
}

func (s *contentStream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		s.stop()
	})
	return nil
}

// chunkText concatenates the text parts of the first candidate that has any.
func chunkText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

func toProviderError(message string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewProviderError(providerName, apiErr.Status, message, apiErr.Code,
			providers.IsStatusRetryable(apiErr.Code), err)
	}
	return providers.NewProviderError(providerName, "HTTP_ERROR", message, 0, true, err)
}
