package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/upb/rag-gateway/services/providers"
)

const (
	defaultBaseURL       = "https://api.openai.com/v1"
	defaultAzureVersion  = "2024-02-15-preview"
	defaultChatModel     = "gpt-4o"
	defaultEmbedModel    = "text-embedding-3-small"
	maxStreamLineBytes   = 2 * 1024 * 1024
	initialStreamBufSize = 64 * 1024
)

// Config configures the adapter for either OpenAI or Azure OpenAI.
type Config struct {
	providers.ProviderConfig

	// Azure switches to the Azure OpenAI URL layout
	// (/openai/deployments/{deployment}/...) and api-key header auth.
	Azure bool

	// APIVersion is the Azure api-version query parameter
	APIVersion string

	// ChatModel is the model name, or deployment name on Azure
	ChatModel string

	// EmbeddingModel is the embedding model, or deployment name on Azure
	EmbeddingModel string

	// EmbeddingDimensions truncates embeddings when the model supports it
	EmbeddingDimensions int

	MaxTokens   int
	Temperature *float64
}

// OpenAIAdapter embeds queries and streams chat completions over the
// OpenAI REST API.
type OpenAIAdapter struct {
	config Config
	// httpClient has the request timeout; streamClient relies on the
	// request context because completions can run for minutes.
	httpClient   *http.Client
	streamClient *http.Client
	closeOnce    sync.Once
}

// NewOpenAIAdapter creates a new adapter
func NewOpenAIAdapter(config Config) *OpenAIAdapter {
	if config.BaseURL == "" && !config.Azure {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Azure && config.APIVersion == "" {
		config.APIVersion = defaultAzureVersion
	}
	if config.ChatModel == "" {
		config.ChatModel = defaultChatModel
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultEmbedModel
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &OpenAIAdapter{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	if a.config.Azure {
		return "azure-openai"
	}
	return "openai"
}

// Close releases idle connections.
func (a *OpenAIAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.httpClient.CloseIdleConnections()
		a.streamClient.CloseIdleConnections()
	})
	return nil
}

// Embed returns the embedding of text.
func (a *OpenAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	body := EmbeddingRequest{Input: text}
	if !a.config.Azure {
		body.Model = a.config.EmbeddingModel
	}
	if a.config.EmbeddingDimensions > 0 {
		body.Dimensions = &a.config.EmbeddingDimensions
	}

	httpReq, err := a.newRequest(ctx, a.endpoint(a.config.EmbeddingModel, "embeddings"), body)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "embedding request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "READ_ERROR", "failed to read embedding response", httpResp.StatusCode, false, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var embResp EmbeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal embedding response", httpResp.StatusCode, false, err)
	}
	if len(embResp.Data) == 0 || len(embResp.Data[0].Embedding) == 0 {
		return nil, providers.NewProviderError(a.Name(), "EMPTY_EMBEDDING", "no embedding returned", httpResp.StatusCode, false, nil)
	}
	return embResp.Data[0].Embedding, nil
}

// StreamCompletion starts a streaming chat completion.
func (a *OpenAIAdapter) StreamCompletion(ctx context.Context, messages []providers.Message) (providers.TokenStream, error) {
	chatReq := ChatRequest{
		Messages:    make([]ChatMessage, len(messages)),
		Stream:      true,
		Temperature: a.config.Temperature,
	}
	if !a.config.Azure {
		chatReq.Model = a.config.ChatModel
	}
	if a.config.MaxTokens > 0 {
		chatReq.MaxTokens = &a.config.MaxTokens
	}
	for i, msg := range messages {
		chatReq.Messages[i] = ChatMessage{Role: msg.Role, Content: msg.Content}
	}

	httpReq, err := a.newRequest(ctx, a.endpoint(a.config.ChatModel, "chat/completions"), chatReq)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := a.streamClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "completion request failed", 0, true, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	sc := bufio.NewScanner(httpResp.Body)
	sc.Buffer(make([]byte, 0, initialStreamBufSize), maxStreamLineBytes)
	return &chatStream{provider: a.Name(), body: httpResp.Body, scanner: sc}, nil
}

// endpoint returns the URL for an operation. On Azure the model is the
// deployment name and goes into the path.
func (a *OpenAIAdapter) endpoint(model, operation string) string {
	if !a.config.Azure {
		return a.config.BaseURL + "/" + operation
	}
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		a.config.BaseURL, url.PathEscape(model), operation, url.QueryEscape(a.config.APIVersion))
}

func (a *OpenAIAdapter) newRequest(ctx context.Context, endpoint string, body interface{}) (*http.Request, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.Azure {
		httpReq.Header.Set("api-key", a.config.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// handleErrorResponse handles OpenAI error responses
func (a *OpenAIAdapter) handleErrorResponse(statusCode int, body []byte) error {
	retryable := providers.IsStatusRetryable(statusCode)

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(statusCode)
		}
		return providers.NewProviderError(a.Name(), "UNKNOWN_ERROR", msg, statusCode, retryable, nil)
	}

	code := errResp.Error.Type
	if code == "" {
		code = errResp.Error.Code
	}
	return providers.NewProviderError(
		a.Name(),
		code,
		errResp.Error.Message,
		statusCode,
		retryable,
		errors.New(errResp.Error.Message),
	)
}

// chatStream reads server-sent events from a streaming completion.
type chatStream struct {
	provider  string
	body      io.ReadCloser
	scanner   *bufio.Scanner
	done      bool
	closeOnce sync.Once
}

func (s *chatStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk ChatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			s.done = true
			return "", providers.NewProviderError(s.provider, "UNMARSHAL_ERROR", "malformed stream chunk", 0, false, err)
		}
		if chunk.Error != nil {
			s.done = true
			return "", providers.NewProviderError(s.provider, chunk.Error.Type, chunk.Error.Message, 0, false, nil)
		}
		// Azure sends content-filter chunks with no choices; they
		// surface as empty fragments.
		if len(chunk.Choices) == 0 {
			return "", nil
		}
		return chunk.Choices[0].Delta.Content, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", providers.NewProviderError(s.provider, "STREAM_ERROR", "completion stream interrupted", 0, true, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// the body ended without [DONE]: the answer is truncated
	return "", providers.NewProviderError(s.provider, "STREAM_ERROR", "completion stream ended before [DONE]", 0, true, io.ErrUnexpectedEOF)
}

func (s *chatStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
	})
	return err
}

// OpenAI wire types

type EmbeddingRequest struct {
	Model      string `json:"model,omitempty"`
	Input      string `json:"input"`
	Dimensions *int   `json:"dimensions,omitempty"`
}

type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *APIError `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
