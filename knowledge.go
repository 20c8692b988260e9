// Package knowledge turns documents into searchable memories. Documents are
// extracted to plain text, chunked, optionally contextualized with an LLM,
// embedded, and persisted to a vector store, scoped per agent.
package knowledge

import (
	"fmt"
	"net/http"

	"github.com/zpark/knowledge/config"
	"github.com/zpark/knowledge/rag"
	"github.com/zpark/knowledge/store"
)

// Service is the entry point for ingesting and retrieving knowledge.
type Service struct {
	config   *config.Config
	store    store.MemoryStore
	gateway  *rag.Gateway
	limiter  *rag.ProviderLimiter
	enricher *rag.Enricher
	chunker  *rag.TextChunker
	counter  rag.TokenCounter
	logger   Logger

	httpClient *http.Client
}

// Option configures a Service.
type Option func(*Service)

// WithConfig supplies an already resolved configuration. Without it the
// environment is read via config.Load.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) { s.config = cfg }
}

// WithStore supplies the memory store. Defaults to an in-memory chromem
// store.
func WithStore(st store.MemoryStore) Option {
	return func(s *Service) { s.store = st }
}

// WithGateway replaces the provider gateway; used by tests.
func WithGateway(gw *rag.Gateway) Option {
	return func(s *Service) { s.gateway = gw }
}

// WithHTTPClient sets the HTTP client shared by all provider backends.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.httpClient = client }
}

// WithTokenCounter replaces the token counter used for chunking, rate
// limiting, and prompt sizing.
func WithTokenCounter(counter rag.TokenCounter) Option {
	return func(s *Service) { s.counter = counter }
}

// WithLogger sets the service logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New assembles a Service from the given options, filling the gaps from the
// environment configuration.
func New(opts ...Option) (*Service, error) {
	s := &Service{}
	for _, opt := range opts {
		opt(s)
	}

	if s.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		s.config = cfg
	}
	cfg := s.config

	if s.logger == nil {
		s.logger = rag.GlobalLogger
	}
	var level LogLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		s.logger.SetLevel(level)
	}

	if s.counter == nil {
		if counter, err := rag.NewTikTokenCounter("cl100k_base"); err == nil {
			s.counter = counter
		} else {
			s.logger.Warn("tiktoken unavailable, falling back to approximate token counting", "error", err)
			s.counter = &rag.ApproxTokenCounter{}
		}
	}

	if s.gateway == nil {
		gwCfg := rag.GatewayConfig{
			EmbeddingProvider:  cfg.EmbeddingProvider,
			EmbeddingModel:     cfg.TextEmbeddingModel,
			EmbeddingAPIKey:    cfg.EmbeddingAPIKey(),
			EmbeddingBaseURL:   cfg.EmbeddingBaseURL(),
			EmbeddingDimension: cfg.EmbeddingDimension,
			MaxOutputTokens:    cfg.MaxOutputTokens,
			HTTPClient:         s.httpClient,
		}
		if cfg.CtxRAGEnabled {
			key, err := cfg.TextAPIKey()
			if err != nil {
				return nil, err
			}
			gwCfg.TextProvider = cfg.TextProvider
			gwCfg.TextModel = cfg.TextModel
			gwCfg.TextAPIKey = key
			gwCfg.TextBaseURL = cfg.TextBaseURL()
		}
		gateway, err := rag.NewGateway(gwCfg)
		if err != nil {
			return nil, err
		}
		s.gateway = gateway
	}

	if s.store == nil {
		st, err := store.NewChromemStore("")
		if err != nil {
			return nil, fmt.Errorf("failed to create default store: %w", err)
		}
		s.store = st
	}

	if s.limiter == nil {
		s.limiter = rag.NewProviderLimiter(cfg.RequestsPerMinute, cfg.TokensPerMinute)
	}

	chunker, err := rag.NewTextChunker(rag.WithTokenCounter(s.counter))
	if err != nil {
		return nil, err
	}
	s.chunker = chunker

	s.enricher = rag.NewEnricher(s.gateway, s.limiter, s.counter, cfg.CtxRAGEnabled, s.batchSize())
	return s, nil
}

// batchSize is the enrichment and embedding fan-out per batch.
func (s *Service) batchSize() int {
	k := s.config.MaxConcurrentRequests
	if k > 30 {
		k = 30
	}
	if k < 1 {
		k = 1
	}
	return k
}

// Store exposes the underlying memory store.
func (s *Service) Store() store.MemoryStore {
	return s.store
}

// Config exposes the resolved configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
