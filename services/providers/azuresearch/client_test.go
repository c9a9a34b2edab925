package azuresearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/rag-gateway/services/providers"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		ProviderConfig: providers.ProviderConfig{APIKey: "search-key", BaseURL: url + "/"},
		IndexName:      "medtech-docs",
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{IndexName: "medtech-docs"})
	assert.Error(t, err)

	_, err = NewClient(Config{ProviderConfig: providers.ProviderConfig{BaseURL: "https://x.search.windows.net"}})
	assert.Error(t, err)

	c, err := NewClient(Config{ProviderConfig: providers.ProviderConfig{BaseURL: "https://x.search.windows.net"}, IndexName: "idx"})
	require.NoError(t, err)
	assert.Equal(t, "contentVector", c.config.VectorField)
	assert.Equal(t, "2023-11-01", c.config.APIVersion)
	assert.Equal(t, "azure-search", c.Name())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestClient_HybridSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/indexes/medtech-docs/docs/search", r.URL.Path)
		assert.Equal(t, "2023-11-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "search-key", r.Header.Get("api-key"))

		var req SearchRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "test query", req.Search)
		assert.Equal(t, 5, req.Top)
		assert.Equal(t, "reference_id,title,filename,content", req.Select)
		assert.Empty(t, req.QueryType)
		assert.Empty(t, req.SemanticConfiguration)
		if assert.Len(t, req.VectorQueries, 1) {
			vq := req.VectorQueries[0]
			assert.Equal(t, "vector", vq.Kind)
			assert.Equal(t, 3, vq.K)
			assert.Equal(t, "contentVector", vq.Fields)
			assert.Equal(t, []float32{0.5, 0.25}, vq.Vector)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[
			{"@search.score":0.032,"reference_id":"1","title":"Test Doc","filename":"test.pdf","content":"This is a test content."},
			{"@search.score":0.016,"reference_id":"2","title":null,"content":"Second passage"}
		]}`))
	}))
	defer server.Close()

	records, err := newTestClient(t, server.URL).HybridSearch(context.Background(), providers.SearchRequest{
		Text:      "test query",
		Vector:    []float32{0.5, 0.25},
		TopK:      5,
		Neighbors: 3,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "1", *records[0].ReferenceID)
	assert.Equal(t, "test.pdf", *records[0].Filename)
	assert.InDelta(t, 0.032, records[0].Score, 1e-9)

	assert.Equal(t, "2", *records[1].ReferenceID)
	assert.Nil(t, records[1].Title)
	assert.Nil(t, records[1].Filename)
	assert.Equal(t, "Second passage", *records[1].Content)
}

func TestClient_HybridSearchSemanticRerank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]interface{}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw)) {
			return
		}
		assert.Equal(t, "semantic", raw["queryType"])
		assert.Equal(t, "my-semantic-config", raw["semanticConfiguration"])
		assert.NotNil(t, raw["vectorQueries"])

		_, _ = w.Write([]byte(`{"value":[
			{"@search.score":0.016,"@search.rerankerScore":2.87,"reference_id":"7"},
			{"@search.score":0.032,"reference_id":"8"}
		]}`))
	}))
	defer server.Close()

	c, err := NewClient(Config{
		ProviderConfig:        providers.ProviderConfig{APIKey: "search-key", BaseURL: server.URL},
		IndexName:             "medtech-docs",
		SemanticConfiguration: "my-semantic-config",
	})
	require.NoError(t, err)

	records, err := c.HybridSearch(context.Background(), providers.SearchRequest{Text: "q", Vector: []float32{1}, TopK: 5, Neighbors: 3})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "7", *records[0].ReferenceID)
	assert.InDelta(t, 2.87, records[0].Score, 1e-9)
	assert.InDelta(t, 0.032, records[1].Score, 1e-9)
}

func TestClient_HybridSearchEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer server.Close()

	records, err := newTestClient(t, server.URL).HybridSearch(context.Background(), providers.SearchRequest{Text: "q"})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClient_HybridSearchErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      string
		wantMessage   string
		wantRetryable bool
	}{
		{
			name:        "index missing",
			status:      http.StatusNotFound,
			body:        `{"error":{"code":"","message":"The index 'medtech-docs' for service 'x' was not found."}}`,
			wantMessage: "The index 'medtech-docs' for service 'x' was not found.",
		},
		{
			name:          "throttled",
			status:        http.StatusServiceUnavailable,
			body:          ``,
			wantCode:      "UNKNOWN_ERROR",
			wantMessage:   "Service Unavailable",
			wantRetryable: true,
		},
		{
			name:        "bad vector field",
			status:      http.StatusBadRequest,
			body:        `{"error":{"code":"InvalidRequestParameter","message":"Unknown field 'contentVector' in vector field list."}}`,
			wantCode:    "InvalidRequestParameter",
			wantMessage: "Unknown field 'contentVector' in vector field list.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).HybridSearch(context.Background(), providers.SearchRequest{Text: "q"})
			require.Error(t, err)

			var provErr *providers.ProviderError
			require.True(t, errors.As(err, &provErr))
			assert.Equal(t, tt.status, provErr.StatusCode)
			assert.Equal(t, tt.wantCode, provErr.Code)
			assert.Equal(t, tt.wantMessage, provErr.Message)
			assert.Equal(t, tt.wantRetryable, provErr.Retryable)
		})
	}
}

func TestClient_HybridSearchMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "nope"`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).HybridSearch(context.Background(), providers.SearchRequest{Text: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal search response")
}

func TestClient_HybridSearchMissingValue(t *testing.T) {
	for _, body := range []string{`{}`, `{"value":null}`, `{"@odata.count":3}`} {
		t.Run(body, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			records, err := newTestClient(t, server.URL).HybridSearch(context.Background(), providers.SearchRequest{Text: "q"})
			assert.Nil(t, records)

			var provErr *providers.ProviderError
			require.True(t, errors.As(err, &provErr))
			assert.Equal(t, "MALFORMED_RESPONSE", provErr.Code)
		})
	}
}
