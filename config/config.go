package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted by the *_PROVIDER variables.
const (
	SearchAzure    = "azure"
	SearchWeaviate = "weaviate"

	ProviderAzureOpenAI = "azure-openai"
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGemini      = "gemini"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Search        SearchConfig
	Weaviate      WeaviateConfig
	Embedding     EmbeddingConfig
	Generation    GenerationConfig
	OpenAI        OpenAIConfig
	Anthropic     AnthropicConfig
	Gemini        GeminiConfig
	Retrieval     RetrievalConfig
	Breaker       BreakerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout applies to every route except the streaming one
	RequestTimeout time.Duration
}

// SearchConfig selects the hybrid search backend and holds the Azure AI
// Search settings.
type SearchConfig struct {
	Provider    string
	Endpoint    string
	APIKey      string
	IndexName   string
	VectorField string
	APIVersion  string
	Timeout     time.Duration
	// SemanticConfig turns on semantic reranking when set
	SemanticConfig string
}

// WeaviateConfig holds the Weaviate connection used when Search.Provider is
// "weaviate".
type WeaviateConfig struct {
	Host   string
	Scheme string
	APIKey string
	Class  string
	Alpha  float64
}

// EmbeddingConfig selects the embedding backend
type EmbeddingConfig struct {
	Provider string
}

// GenerationConfig selects the completion backend and its sampling settings
type GenerationConfig struct {
	Provider     string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// OpenAIConfig covers both Azure OpenAI and the public OpenAI API.
type OpenAIConfig struct {
	AzureEndpoint       string
	AzureAPIKey         string
	AzureAPIVersion     string
	ChatDeployment      string
	EmbeddingDeployment string

	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string

	Timeout time.Duration
}

// AnthropicConfig holds Anthropic provider configuration
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// GeminiConfig holds Gemini provider configuration
type GeminiConfig struct {
	APIKey              string
	ChatModel           string
	EmbeddingModel      string
	EmbeddingDimensions int
}

// RetrievalConfig holds the hybrid query sizes
type RetrievalConfig struct {
	TopK      int
	Neighbors int
}

// BreakerConfig holds circuit breaker settings shared by every provider.
// A zero FailureThreshold disables the breakers.
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration. The database is
// optional; an empty ConnectionString disables the interaction log.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	LogWorkers       int
	LogQueueSize     int
}

// AuthConfig holds bearer token settings. An empty JWTSecret disables auth.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// RateLimitConfig holds the /chat/stream limiter. Zero RequestsPerSecond
// disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
		},
		Search: SearchConfig{
			Provider:    strings.ToLower(getEnv("SEARCH_PROVIDER", SearchAzure)),
			Endpoint:    getEnv("AZURE_SEARCH_ENDPOINT", ""),
			APIKey:      getEnv("AZURE_SEARCH_KEY", ""),
			IndexName:   getEnv("AZURE_SEARCH_INDEX_NAME", "medtech-docs"),
			VectorField: getEnv("AZURE_SEARCH_VECTOR_FIELD", "contentVector"),
			APIVersion:  getEnv("AZURE_SEARCH_API_VERSION", "2023-11-01"),
			Timeout:     getEnvAsDuration("AZURE_SEARCH_TIMEOUT", 30*time.Second),

			SemanticConfig: getEnv("AZURE_SEARCH_SEMANTIC_CONFIG", ""),
		},
		Weaviate: WeaviateConfig{
			Host:   getEnv("WEAVIATE_HOST", ""),
			Scheme: getEnv("WEAVIATE_SCHEME", "https"),
			APIKey: getEnv("WEAVIATE_API_KEY", ""),
			Class:  getEnv("WEAVIATE_CLASS", "Document"),
			Alpha:  getEnvAsFloat("WEAVIATE_ALPHA", 0.5),
		},
		Embedding: EmbeddingConfig{
			Provider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", ProviderAzureOpenAI)),
		},
		Generation: GenerationConfig{
			Provider:     strings.ToLower(getEnv("GENERATION_PROVIDER", ProviderAzureOpenAI)),
			SystemPrompt: getEnv("GENERATION_SYSTEM_PROMPT", ""),
			MaxTokens:    getEnvAsInt("GENERATION_MAX_TOKENS", 0),
			Temperature:  getEnvAsFloat("GENERATION_TEMPERATURE", 0),
		},
		OpenAI: OpenAIConfig{
			AzureEndpoint:       getEnv("AZURE_OPENAI_ENDPOINT", ""),
			AzureAPIKey:         getEnv("AZURE_OPENAI_API_KEY", ""),
			AzureAPIVersion:     getEnv("AZURE_OPENAI_API_VERSION", "2024-02-15-preview"),
			ChatDeployment:      getEnv("AZURE_OPENAI_DEPLOYMENT_NAME", "gpt-4o"),
			EmbeddingDeployment: getEnv("AZURE_OPENAI_EMBEDDING_DEPLOYMENT", "text-embedding-3-small"),
			APIKey:              getEnv("OPENAI_API_KEY", ""),
			BaseURL:             getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			ChatModel:           getEnv("OPENAI_CHAT_MODEL", "gpt-4o"),
			EmbeddingModel:      getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			Timeout:             getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
		},
		Anthropic: AnthropicConfig{
			APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
			Model:   getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			Timeout: getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:              getEnv("GEMINI_API_KEY", ""),
			ChatModel:           getEnv("GEMINI_CHAT_MODEL", "gemini-2.0-flash"),
			EmbeddingModel:      getEnv("GEMINI_EMBEDDING_MODEL", "gemini-embedding-001"),
			EmbeddingDimensions: getEnvAsInt("GEMINI_EMBEDDING_DIMENSIONS", 1536),
		},
		Retrieval: RetrievalConfig{
			TopK:      getEnvAsInt("RETRIEVAL_TOP_K", 5),
			Neighbors: getEnvAsInt("RETRIEVAL_NEIGHBORS", 3),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			OpenTimeout:      getEnvAsDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			ConnectionString: getEnv("DATABASE_URL", ""),
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			LogWorkers:       getEnvAsInt("INTERACTION_LOG_WORKERS", 2),
			LogQueueSize:     getEnvAsInt("INTERACTION_LOG_QUEUE_SIZE", 256),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_JWT_ISSUER", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 0),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:8000"}),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that provider selections are known and that credentials
// exist for the selected backends in production.
func (c *Config) Validate() error {
	switch c.Search.Provider {
	case SearchAzure, SearchWeaviate:
	default:
		return fmt.Errorf("unknown search provider %q", c.Search.Provider)
	}
	switch c.Embedding.Provider {
	case ProviderAzureOpenAI, ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	switch c.Generation.Provider {
	case ProviderAzureOpenAI, ProviderOpenAI, ProviderAnthropic, ProviderGemini:
	default:
		return fmt.Errorf("unknown generation provider %q", c.Generation.Provider)
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval top k must be positive")
	}
	if c.Retrieval.Neighbors <= 0 {
		return fmt.Errorf("retrieval neighbors must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if c.IsProduction() {
		if err := c.validateCredentials(); err != nil {
			return err
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

func (c *Config) validateCredentials() error {
	switch c.Search.Provider {
	case SearchAzure:
		if c.Search.Endpoint == "" || c.Search.APIKey == "" {
			return fmt.Errorf("azure search endpoint and key are required in production")
		}
	case SearchWeaviate:
		if c.Weaviate.Host == "" {
			return fmt.Errorf("weaviate host is required in production")
		}
	}

	for _, p := range []string{c.Embedding.Provider, c.Generation.Provider} {
		if !c.hasCredentials(p) {
			return fmt.Errorf("credentials for provider %q are required in production", p)
		}
	}
	return nil
}

func (c *Config) hasCredentials(provider string) bool {
	switch provider {
	case ProviderAzureOpenAI:
		return c.OpenAI.AzureEndpoint != "" && c.OpenAI.AzureAPIKey != ""
	case ProviderOpenAI:
		return c.OpenAI.APIKey != ""
	case ProviderAnthropic:
		return c.Anthropic.APIKey != ""
	case ProviderGemini:
		return c.Gemini.APIKey != ""
	}
	return false
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Enabled reports whether an interaction log database is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != ""
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString == "" {
		return "disabled"
	}
	u, err := url.Parse(c.ConnectionString)
	if err != nil || u.Host == "" {
		return "host=<from DATABASE_URL>"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8000)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8000
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
