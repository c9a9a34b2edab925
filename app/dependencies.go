package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/rag-gateway/config"
	"github.com/upb/rag-gateway/internal/observability"
	"github.com/upb/rag-gateway/middleware"
	"github.com/upb/rag-gateway/repositories"
	"github.com/upb/rag-gateway/repositories/postgres"
	"github.com/upb/rag-gateway/services"
	"github.com/upb/rag-gateway/services/audit"
	"github.com/upb/rag-gateway/services/providers"
	"github.com/upb/rag-gateway/services/providers/azuresearch"
	"github.com/upb/rag-gateway/services/providers/claude"
	"github.com/upb/rag-gateway/services/providers/gemini"
	"github.com/upb/rag-gateway/services/providers/openai"
	"github.com/upb/rag-gateway/services/providers/weaviatesearch"
	"github.com/upb/rag-gateway/services/rag"
	"go.uber.org/zap"
)

const defaultDrainTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Provider handles, shared by every request
	Providers *providers.Registry

	// Pipeline
	Orchestrator *rag.Orchestrator

	// Interaction log; nil when no database is configured
	DB             *postgres.DB
	Interactions   repositories.InteractionRepository
	InteractionLog *audit.Service

	// Optional request guards; nil when disabled
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter

	closeOnce sync.Once
	closeErr  error
}

// NewDependencies creates and wires up all application dependencies.
// On failure everything built so far is released.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   observability.NewMetrics(),
		Providers: providers.NewRegistry(),
	}

	if err := deps.initPipeline(ctx); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := deps.initInteractionLog(ctx); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize interaction log: %w", err)
	}

	deps.initGuards()

	logger.Info("all dependencies initialized successfully",
		zap.Strings("providers", deps.Providers.ListProviders()),
		zap.String("search", cfg.Search.Provider),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("generation", cfg.Generation.Provider),
		zap.Bool("interaction_log", deps.InteractionLog != nil))
	return deps, nil
}

// initPipeline builds the three provider roles, wraps them in breakers and
// assembles the retrieval and answer stages.
func (d *Dependencies) initPipeline(ctx context.Context) error {
	cfg := d.Config

	if err := d.registerSearcher(); err != nil {
		return err
	}
	searcher, err := d.Providers.Searcher(cfg.Search.Provider)
	if err != nil {
		return err
	}

	if err := d.registerModelProvider(ctx, cfg.Embedding.Provider); err != nil {
		return err
	}
	embedder, err := d.Providers.Embedder(cfg.Embedding.Provider)
	if err != nil {
		return err
	}

	if err := d.registerModelProvider(ctx, cfg.Generation.Provider); err != nil {
		return err
	}
	generator, err := d.Providers.Generator(cfg.Generation.Provider)
	if err != nil {
		return err
	}

	settings := providers.BreakerSettings{
		ConsecutiveFailures: uint32(max(cfg.Breaker.FailureThreshold, 0)),
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		HalfOpenRequests:    providers.DefaultBreakerSettings().HalfOpenRequests,
	}
	embedder = providers.WithEmbedderBreaker(embedder, settings, d.Logger)
	searcher = providers.WithSearcherBreaker(searcher, settings, d.Logger)
	generator = providers.WithGeneratorBreaker(generator, settings, d.Logger)

	retriever := rag.NewRetriever(embedder, searcher, rag.RetrievalOptions{
		TopK:      cfg.Retrieval.TopK,
		Neighbors: cfg.Retrieval.Neighbors,
	}, d.Metrics, d.Logger)
	answerer := rag.NewAnswerer(generator, cfg.Generation.SystemPrompt, d.Metrics, d.Logger)
	d.Orchestrator = rag.NewOrchestrator(retriever, answerer, d.Metrics, d.Logger)

	return nil
}

func (d *Dependencies) registerSearcher() error {
	cfg := d.Config

	var (
		searcher providers.Provider
		err      error
	)
	switch cfg.Search.Provider {
	case config.SearchAzure:
		searcher, err = azuresearch.NewClient(azuresearch.Config{
			ProviderConfig: providers.ProviderConfig{
				APIKey:  cfg.Search.APIKey,
				BaseURL: cfg.Search.Endpoint,
				Timeout: cfg.Search.Timeout,
			},
			IndexName:             cfg.Search.IndexName,
			VectorField:           cfg.Search.VectorField,
			APIVersion:            cfg.Search.APIVersion,
			SemanticConfiguration: cfg.Search.SemanticConfig,
		})
	case config.SearchWeaviate:
		searcher, err = weaviatesearch.NewSearcher(weaviatesearch.Config{
			Host:   cfg.Weaviate.Host,
			Scheme: cfg.Weaviate.Scheme,
			APIKey: cfg.Weaviate.APIKey,
			Class:  cfg.Weaviate.Class,
			Alpha:  float32(cfg.Weaviate.Alpha),
		})
	default:
		return fmt.Errorf("search provider %q: %w", cfg.Search.Provider, services.ErrUnknownProvider)
	}
	if err != nil {
		return err
	}

	d.Logger.Info("registered search provider", zap.String("provider", cfg.Search.Provider))
	return d.Providers.RegisterAs(cfg.Search.Provider, searcher)
}

// registerModelProvider builds the named embedding/generation backend once.
// A backend serving both roles is shared.
func (d *Dependencies) registerModelProvider(ctx context.Context, name string) error {
	if _, err := d.Providers.GetProvider(name); err == nil {
		return nil
	}

	cfg := d.Config
	var temperature *float64
	if cfg.Generation.Temperature > 0 {
		t := cfg.Generation.Temperature
		temperature = &t
	}

	var (
		provider providers.Provider
		err      error
	)
	switch name {
	case config.ProviderAzureOpenAI:
		provider = openai.NewOpenAIAdapter(openai.Config{
			ProviderConfig: providers.ProviderConfig{
				APIKey:  cfg.OpenAI.AzureAPIKey,
				BaseURL: cfg.OpenAI.AzureEndpoint,
				Timeout: cfg.OpenAI.Timeout,
			},
			Azure:          true,
			APIVersion:     cfg.OpenAI.AzureAPIVersion,
			ChatModel:      cfg.OpenAI.ChatDeployment,
			EmbeddingModel: cfg.OpenAI.EmbeddingDeployment,
			MaxTokens:      cfg.Generation.MaxTokens,
			Temperature:    temperature,
		})
	case config.ProviderOpenAI:
		provider = openai.NewOpenAIAdapter(openai.Config{
			ProviderConfig: providers.ProviderConfig{
				APIKey:  cfg.OpenAI.APIKey,
				BaseURL: cfg.OpenAI.BaseURL,
				Timeout: cfg.OpenAI.Timeout,
			},
			ChatModel:      cfg.OpenAI.ChatModel,
			EmbeddingModel: cfg.OpenAI.EmbeddingModel,
			MaxTokens:      cfg.Generation.MaxTokens,
			Temperature:    temperature,
		})
	case config.ProviderAnthropic:
		provider, err = claude.NewGenerator(claude.Config{
			ProviderConfig: providers.ProviderConfig{
				APIKey:  cfg.Anthropic.APIKey,
				BaseURL: cfg.Anthropic.BaseURL,
				Timeout: cfg.Anthropic.Timeout,
			},
			Model:       cfg.Anthropic.Model,
			MaxTokens:   cfg.Generation.MaxTokens,
			Temperature: temperature,
		})
	case config.ProviderGemini:
		provider, err = gemini.NewProvider(ctx, gemini.Config{
			ProviderConfig:      providers.ProviderConfig{APIKey: cfg.Gemini.APIKey},
			ChatModel:           cfg.Gemini.ChatModel,
			EmbeddingModel:      cfg.Gemini.EmbeddingModel,
			EmbeddingDimensions: cfg.Gemini.EmbeddingDimensions,
			Temperature:         temperature,
		})
	default:
		return fmt.Errorf("model provider %q: %w", name, services.ErrUnknownProvider)
	}
	if err != nil {
		return err
	}

	d.Logger.Info("registered model provider", zap.String("provider", name))
	return d.Providers.RegisterAs(name, provider)
}

// initInteractionLog opens the optional database and starts the async
// interaction writer.
func (d *Dependencies) initInteractionLog(ctx context.Context) error {
	cfg := d.Config
	if !cfg.Database.Enabled() {
		d.Logger.Info("no database configured, interaction log disabled")
		return nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database, d.Logger)
	if err != nil {
		return err
	}
	d.DB = db

	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	d.Interactions = postgres.NewInteractionRepository(db, d.Logger)
	service := audit.NewService(d.Interactions, d.Metrics, d.Logger, audit.Config{
		BufferSize:  cfg.Database.LogQueueSize,
		WorkerCount: cfg.Database.LogWorkers,
	})
	if err := service.Start(); err != nil {
		return err
	}
	d.InteractionLog = service
	return nil
}

func (d *Dependencies) initGuards() {
	cfg := d.Config

	if cfg.Auth.JWTSecret != "" {
		validator := middleware.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
		d.Logger.Info("bearer authentication enabled")
	} else {
		d.Logger.Warn("AUTH_JWT_SECRET not set, /chat/stream is unauthenticated")
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		d.RateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, d.Logger)
		d.Logger.Info("rate limiting enabled",
			zap.Float64("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
	}
}

// Close gracefully shuts down all dependencies. It drains the interaction
// log, then closes provider handles and the database. Only the first call
// does any work.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.Logger.Info("shutting down dependencies")

		var errs []error

		if d.InteractionLog != nil {
			timeout := defaultDrainTimeout
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			if err := d.InteractionLog.Stop(timeout); err != nil {
				errs = append(errs, fmt.Errorf("failed to drain interaction log: %w", err))
			}
		}

		if err := d.Providers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close providers: %w", err))
		}

		if d.DB != nil {
			if err := d.DB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close database: %w", err))
			}
		}

		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
