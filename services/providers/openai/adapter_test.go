package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/upb/rag-gateway/services/providers"
)

func collectStream(t *testing.T, s providers.TokenStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		f, err := s.Next(context.Background())
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		fmt.Fprintf(w, "%s\n\n", l)
	}
}

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(Config{ProviderConfig: providers.ProviderConfig{APIKey: "test-key"}})

	if adapter.Name() != "openai" {
		t.Errorf("Name() = %s, want openai", adapter.Name())
	}
	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}
	if adapter.config.ChatModel != "gpt-4o" || adapter.config.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("unexpected model defaults: %s / %s", adapter.config.ChatModel, adapter.config.EmbeddingModel)
	}

	azure := NewOpenAIAdapter(Config{Azure: true, ProviderConfig: providers.ProviderConfig{BaseURL: "https://res.openai.azure.com/"}})
	if azure.Name() != "azure-openai" {
		t.Errorf("Name() = %s, want azure-openai", azure.Name())
	}
	if azure.config.APIVersion != "2024-02-15-preview" {
		t.Errorf("APIVersion = %s", azure.config.APIVersion)
	}
	if got := azure.endpoint("gpt-4o", "chat/completions"); got != "https://res.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-15-preview" {
		t.Errorf("endpoint() = %s", got)
	}

	if err := azure.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := azure.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestOpenAIAdapter_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s, want /embeddings", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %s", r.Header.Get("Authorization"))
		}

		var req EmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Model != "text-embedding-3-small" || req.Input != "sterilization validation" {
			t.Errorf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.25,-0.5,1]}],"model":"text-embedding-3-small"}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{ProviderConfig: providers.ProviderConfig{APIKey: "test-key", BaseURL: server.URL}})

	vec, err := adapter.Embed(context.Background(), "sterilization validation")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	want := []float32{0.25, -0.5, 1}
	if len(vec) != len(want) {
		t.Fatalf("len(vec) = %d, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
}

func TestOpenAIAdapter_EmbedAzure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/embed-small/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != "2024-02-15-preview" {
			t.Errorf("api-version = %s", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get("api-key") != "azure-key" {
			t.Errorf("api-key = %s", r.Header.Get("api-key"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header must not be sent to Azure")
		}

		var req EmbeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "" {
			t.Errorf("model = %s, want omitted on Azure", req.Model)
		}

		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1]}]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{
		Azure:          true,
		EmbeddingModel: "embed-small",
		ProviderConfig: providers.ProviderConfig{APIKey: "azure-key", BaseURL: server.URL},
	})

	if _, err := adapter.Embed(context.Background(), "q"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
}

func TestOpenAIAdapter_EmbedErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      string
		wantRetryable bool
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			wantCode: "invalid_request_error",
		},
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"message":"Rate limit reached","code":"429"}}`,
			wantCode:      "429",
			wantRetryable: true,
		},
		{
			name:          "non json body",
			status:        http.StatusBadGateway,
			body:          `upstream connect error`,
			wantCode:      "UNKNOWN_ERROR",
			wantRetryable: true,
		},
		{
			name:     "empty data",
			status:   http.StatusOK,
			body:     `{"data":[]}`,
			wantCode: "EMPTY_EMBEDDING",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := NewOpenAIAdapter(Config{ProviderConfig: providers.ProviderConfig{BaseURL: server.URL}})
			_, err := adapter.Embed(context.Background(), "q")
			if err == nil {
				t.Fatal("expected error")
			}

			var provErr *providers.ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if provErr.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", provErr.Code, tt.wantCode)
			}
			if provErr.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", provErr.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestOpenAIAdapter_StreamCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if !req.Stream {
			t.Error("stream must be true")
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %s", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}

		writeSSE(w,
			`data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`: keep-alive`,
			`data: {"id":"c1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{ProviderConfig: providers.ProviderConfig{APIKey: "k", BaseURL: server.URL}})
	stream, err := adapter.StreamCompletion(context.Background(), []providers.Message{
		{Role: "system", Content: "be grounded"},
		{Role: "user", Content: "Context:\n\n\nQuestion: hi"},
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	got, err := collectStream(t, stream)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	want := []string{"", "Hello", " world", ""}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("fragments = %q, want %q", got, want)
	}
}

func TestOpenAIAdapter_StreamAzureFilterChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`data: {"id":"","choices":[],"prompt_filter_results":[{"prompt_index":0}]}`,
			`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
			`data: [DONE]`,
		)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{Azure: true, ProviderConfig: providers.ProviderConfig{BaseURL: server.URL}})
	stream, err := adapter.StreamCompletion(context.Background(), nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	got, err := collectStream(t, stream)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 2 || got[0] != "" || got[1] != "ok" {
		t.Errorf("fragments = %q", got)
	}
}

func TestOpenAIAdapter_StreamStartError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"DeploymentNotFound","message":"The API deployment for this resource does not exist."}}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{Azure: true, ProviderConfig: providers.ProviderConfig{BaseURL: server.URL}})
	stream, err := adapter.StreamCompletion(context.Background(), nil)
	if err == nil {
		stream.Close()
		t.Fatal("expected error")
	}

	var provErr *providers.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if provErr.StatusCode != http.StatusNotFound || provErr.Code != "DeploymentNotFound" {
		t.Errorf("unexpected error: %+v", provErr)
	}
}

func TestOpenAIAdapter_StreamErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`data: {"choices":[{"index":0,"delta":{"content":"Par"}}]}`,
			`data: {"error":{"message":"server overloaded","type":"server_error"}}`,
		)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{ProviderConfig: providers.ProviderConfig{BaseURL: server.URL}})
	stream, err := adapter.StreamCompletion(context.Background(), nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	got, err := collectStream(t, stream)
	if len(got) != 1 || got[0] != "Par" {
		t.Errorf("fragments = %q", got)
	}
	if err == nil {
		t.Fatal("expected mid-stream error")
	}

	// stream is finished after the error
	if _, err := stream.Next(context.Background()); err != io.EOF {
		t.Errorf("Next() after error = %v, want io.EOF", err)
	}
}

func TestOpenAIAdapter_StreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{ProviderConfig: providers.ProviderConfig{BaseURL: server.URL}})
	stream, err := adapter.StreamCompletion(context.Background(), nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer stream.Close()

	got, err := collectStream(t, stream)
	if len(got) != 1 || got[0] != "Hel" {
		t.Errorf("fragments = %q", got)
	}

	var provErr *providers.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError for a stream without [DONE], got %v", err)
	}
	if provErr.Code != "STREAM_ERROR" || !provErr.Retryable {
		t.Errorf("unexpected error: %+v", provErr)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error should wrap io.ErrUnexpectedEOF: %v", err)
	}
}

func TestOpenAIAdapter_StreamClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`data: {"choices":[{"index":0,"delta":{"content":"a"}}]}`,
			`data: {"choices":[{"index":0,"delta":{"content":"b"}}]}`,
			`data: [DONE]`,
		)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(Config{ProviderConfig: providers.ProviderConfig{BaseURL: server.URL}})
	stream, err := adapter.StreamCompletion(context.Background(), nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := stream.Next(context.Background()); err != io.EOF {
		t.Errorf("Next() after Close = %v, want io.EOF", err)
	}
}
