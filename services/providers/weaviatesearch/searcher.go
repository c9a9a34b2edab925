package weaviatesearch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/upb/rag-gateway/services/providers"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
)

const (
	providerName = "weaviate"
	defaultClass = "Document"
	defaultAlpha = 0.5
)

// Config configures the Weaviate searcher.
type Config struct {
	Host    string
	Scheme  string
	APIKey  string
	Class   string
	Headers map[string]string

	// Alpha weights the fusion: 0 is pure keyword, 1 is pure vector
	Alpha float32
}

// Searcher runs hybrid queries against a Weaviate class.
type Searcher struct {
	client *weaviate.Client
	config Config
}

// NewSearcher creates a new Weaviate searcher
func NewSearcher(config Config) (*Searcher, error) {
	if config.Host == "" {
		return nil, errors.New("weaviate host is required")
	}
	if config.Scheme == "" {
		config.Scheme = "https"
	}
	if config.Class == "" {
		config.Class = defaultClass
	}
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = defaultAlpha
	}

	var authConfig auth.Config
	if config.APIKey != "" {
		authConfig = auth.ApiKey{Value: config.APIKey}
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:       config.Host,
		Scheme:     config.Scheme,
		AuthConfig: authConfig,
		Headers:    config.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	return &Searcher{client: client, config: config}, nil
}

// Name returns the provider name
func (s *Searcher) Name() string {
	return providerName
}

// Close is a no-op; the client keeps no connections open between queries.
func (s *Searcher) Close() error {
	return nil
}

// HybridSearch fuses BM25 over the text with vector similarity over the
// supplied query vector. Weaviate's hybrid operator bounds both sides with
// the single limit, so req.Neighbors has no separate effect here.
func (s *Searcher) HybridSearch(ctx context.Context, req providers.SearchRequest) ([]providers.SearchRecord, error) {
	hybrid := (&graphql.HybridArgumentBuilder{}).
		WithQuery(req.Text).
		WithVector(req.Vector).
		WithAlpha(s.config.Alpha)

	fields := make([]graphql.Field, 0, len(providers.RecordFields)+1)
	for _, name := range providers.RecordFields {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}})

	query := s.client.GraphQL().Get().
		WithClassName(s.config.Class).
		WithHybrid(hybrid).
		WithFields(fields...)
	if req.TopK > 0 {
		query = query.WithLimit(req.TopK)
	}

	result, err := query.Do(ctx)
	if err != nil {
		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.IsUnexpectedStatusCode {
			return nil, providers.NewProviderError(providerName, "HTTP_ERROR", clientErr.Msg, clientErr.StatusCode,
				providers.IsStatusRetryable(clientErr.StatusCode), err)
		}
		return nil, providers.NewProviderError(providerName, "QUERY_ERROR", "hybrid query failed", 0, true, err)
	}

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, providers.NewProviderError(providerName, "GRAPHQL_ERROR", strings.Join(msgs, "; "), 0, false, nil)
	}

	return s.parseResult(result.Data["Get"])
}

// parseResult walks Get.<Class>[]. A missing or mistyped envelope is a
// malformed response; a malformed item only loses its fields.
func (s *Searcher) parseResult(data interface{}) ([]providers.SearchRecord, error) {
	get, ok := data.(map[string]interface{})
	if !ok {
		return nil, malformed("missing Get in response")
	}
	raw, ok := get[s.config.Class]
	if !ok {
		return nil, malformed(fmt.Sprintf("missing Get.%s in response", s.config.Class))
	}
	records := []providers.SearchRecord{}
	if raw == nil {
		return records, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, malformed(fmt.Sprintf("Get.%s is %T, not a list", s.config.Class, raw))
	}

	for _, item := range items {
		doc, ok := item.(map[string]interface{})
		if !ok {
			// keep position so ordering and counts stay faithful
			records = append(records, providers.SearchRecord{})
			continue
		}
		rec := providers.RecordFromMap(doc)
		if additional, ok := doc["_additional"].(map[string]interface{}); ok {
			rec.Score = parseScore(additional["score"])
		}
		records = append(records, rec)
	}
	return records, nil
}

func malformed(message string) error {
	return providers.NewProviderError(providerName, "MALFORMED_RESPONSE", message, 0, false, nil)
}

func parseScore(v interface{}) float64 {
	switch s := v.(type) {
	case float64:
		return s
	case string:
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
