package azuresearch

import (
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
	providerName       = "azure-search"
	defaultAPIVersion  = "2023-11-01"
	defaultVectorField = "contentVector"
)

// Config configures the Azure AI Search client.
type Config struct {
	providers.ProviderConfig

	// IndexName is the search index queried (e.g. "medtech-docs")
	IndexName string

	// VectorField is the vector column the query vector is matched against
	VectorField string

	// APIVersion is the REST api-version
	APIVersion string

	// SemanticConfiguration enables semantic reranking of the fused hits
	// with the named index configuration. Empty keeps plain hybrid ranking.
	SemanticConfiguration string
}

// Client runs hybrid queries against an Azure AI Search index.
type Client struct {
	config     Config
	httpClient *http.Client
	closeOnce  sync.Once
}

// NewClient creates a new Azure AI Search client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("azure search endpoint is required")
	}
	if config.IndexName == "" {
		return nil, errors.New("azure search index name is required")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.VectorField == "" {
		config.VectorField = defaultVectorField
	}
	if config.APIVersion == "" {
		config.APIVersion = defaultAPIVersion
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return providerName
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.closeOnce.Do(c.httpClient.CloseIdleConnections)
	return nil
}

// HybridSearch sends the text as a full-text query and the vector as a
// k-nearest-neighbor vector query in the same request. The service fuses
// both rankings; results come back in relevance order.
func (c *Client) HybridSearch(ctx context.Context, req providers.SearchRequest) ([]providers.SearchRecord, error) {
	body := SearchRequest{
		Search: req.Text,
		Top:    req.TopK,
		Select: strings.Join(providers.RecordFields, ","),
		VectorQueries: []VectorQuery{{
			Kind:   "vector",
			Vector: req.Vector,
			K:      req.Neighbors,
			Fields: c.config.VectorField,
		}},
	}
	if c.config.SemanticConfiguration != "" {
		body.QueryType = "semantic"
		body.SemanticConfiguration = c.config.SemanticConfiguration
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "MARSHAL_ERROR", "failed to marshal search request", 0, false, err)
	}

	endpoint := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		c.config.BaseURL, url.PathEscape(c.config.IndexName), url.QueryEscape(c.config.APIVersion))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(providerName, "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.config.APIKey)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "HTTP_ERROR", "search request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "READ_ERROR", "failed to read search response", httpResp.StatusCode, false, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var searchResp SearchResponse
	if err := json.Unmarshal(respBody, &searchResp); err != nil {
		return nil, providers.NewProviderError(providerName, "UNMARSHAL_ERROR", "failed to unmarshal search response", httpResp.StatusCode, false, err)
	}
	if searchResp.Value == nil {
		return nil, providers.NewProviderError(providerName, "MALFORMED_RESPONSE", "search response has no value array", httpResp.StatusCode, false, nil)
	}

	records := make([]providers.SearchRecord, 0, len(searchResp.Value))
	for _, doc := range searchResp.Value {
		rec := providers.RecordFromMap(doc)
		if score, ok := doc["@search.rerankerScore"].(float64); ok {
			rec.Score = score
		} else if score, ok := doc["@search.score"].(float64); ok {
			rec.Score = score
		}
		records = append(records, rec)
	}
	return records, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	retryable := providers.IsStatusRetryable(statusCode)

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(statusCode)
		}
		return providers.NewProviderError(providerName, "UNKNOWN_ERROR", msg, statusCode, retryable, nil)
	}
	return providers.NewProviderError(providerName, errResp.Error.Code, errResp.Error.Message, statusCode, retryable, nil)
}

// Azure AI Search wire types

type SearchRequest struct {
	Search                string        `json:"search"`
	Top                   int           `json:"top,omitempty"`
	Select                string        `json:"select,omitempty"`
	VectorQueries         []VectorQuery `json:"vectorQueries,omitempty"`
	QueryType             string        `json:"queryType,omitempty"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
}

type VectorQuery struct {
	Kind   string    `json:"kind"`
	Vector []float32 `json:"vector"`
	K      int       `json:"k,omitempty"`
	Fields string    `json:"fields"`
}

type SearchResponse struct {
	Value []map[string]interface{} `json:"value"`
}

type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
