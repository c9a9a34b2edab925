package rag

import (
	"context"
	"strings"
	"time"

	"github.com/upb/rag-gateway/services/providers"
	"go.uber.org/zap"
)

const (
	DefaultTopK      = 5
	DefaultNeighbors = 3
)

// RetrievalOptions bounds the hybrid query.
type RetrievalOptions struct {
	TopK      int
	Neighbors int
}

// DefaultRetrievalOptions returns top 5 with a nearest-neighbor fan-out of 3.
func DefaultRetrievalOptions() RetrievalOptions {
	return RetrievalOptions{TopK: DefaultTopK, Neighbors: DefaultNeighbors}
}

// Retriever embeds a query, runs a hybrid search and projects the hits
// into sources plus a grounding context.
type Retriever struct {
	embedder providers.Embedder
	searcher providers.Searcher
	opts     RetrievalOptions
	observer Observer
	logger   *zap.Logger
}

// NewRetriever creates a retriever. Non-positive options fall back to defaults.
func NewRetriever(embedder providers.Embedder, searcher providers.Searcher, opts RetrievalOptions, observer Observer, logger *zap.Logger) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Neighbors <= 0 {
		opts.Neighbors = DefaultNeighbors
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		opts:     opts,
		observer: observer,
		logger:   logger,
	}
}

// Retrieve returns one Source per search hit, in provider order, and the
// context built from the same hits. No retry and no caching. A cancelled ctx
// is returned as is, not as a stage error.
func (r *Retriever) Retrieve(ctx context.Context, text string) (*Retrieval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	vector, err := r.embedder.Embed(ctx, text)
	if err == nil && len(vector) == 0 {
		err = NewEmbeddingError("embedding provider returned no vector", nil)
	} else if err != nil {
		err = NewEmbeddingError("failed to embed query", err)
	}
	r.observer.ObserveStage(StageEmbed, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("query embedded",
		zap.String("provider", r.embedder.Name()),
		zap.Int("dimensions", len(vector)),
		zap.Duration("elapsed", time.Since(start)))

	// a cancellation during the embed call must not reach the search backend
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	records, err := r.searcher.HybridSearch(ctx, providers.SearchRequest{
		Text:      text,
		Vector:    vector,
		TopK:      r.opts.TopK,
		Neighbors: r.opts.Neighbors,
	})
	if err != nil {
		err = NewSearchError("hybrid search failed", err)
	}
	r.observer.ObserveStage(StageSearch, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("hybrid search completed",
		zap.String("provider", r.searcher.Name()),
		zap.Int("results", len(records)),
		zap.Duration("elapsed", time.Since(start)))

	return project(records), nil
}

// project applies the per-field defaults and builds the context string.
func project(records []providers.SearchRecord) *Retrieval {
	sources := make([]Source, 0, len(records))
	entries := make([]string, 0, len(records))
	for _, rec := range records {
		src := Source{
			ReferenceID: orDefault(rec.ReferenceID, DefaultReferenceID),
			Title:       orDefault(rec.Title, DefaultTitle),
			Filename:    orDefault(rec.Filename, DefaultFilename),
		}
		sources = append(sources, src)
		entries = append(entries, contextEntry(src.Filename, orDefault(rec.Content, DefaultContent)))
	}
	return &Retrieval{
		Sources: sources,
		Context: strings.Join(entries, "\n\n"),
	}
}

func contextEntry(filename, content string) string {
	return "Source (" + filename + "): " + content
}

func orDefault(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
