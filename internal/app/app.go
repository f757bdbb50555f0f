// Package app assembles the retrieval pipeline from configuration. It is
// shared by the server and the evaluation CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/knoguchi/hybridrank/internal/config"
	"github.com/knoguchi/hybridrank/internal/embedder"
	"github.com/knoguchi/hybridrank/internal/llm"
	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/knoguchi/hybridrank/internal/repository"
	"github.com/knoguchi/hybridrank/internal/repository/postgres"
	"github.com/knoguchi/hybridrank/internal/reranker"
	"github.com/knoguchi/hybridrank/internal/reranker/crossencoder"
	"github.com/knoguchi/hybridrank/internal/server"
	"github.com/knoguchi/hybridrank/internal/service"
	"github.com/knoguchi/hybridrank/internal/vectorstore"
)

// App holds the wired pipeline and the connections it owns.
type App struct {
	Service   *service.RetrievalService
	Judgments *postgres.JudgmentRepo
	Checks    server.Checks

	closers []func() error
	logger  *slog.Logger
}

// New connects to every backing store and builds the retrieval service.
// On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Checks: server.Checks{}, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// PostgreSQL: sparse ranker and judgments
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func() error { db.Close(); return nil })
	a.Checks["postgres"] = db
	logger.Info("connected to PostgreSQL")

	// Qdrant: dense ranker
	qc, err := vectorstore.Dial(cfg.QdrantGRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	a.onClose(qc.Close)
	a.Checks["qdrant"] = qc
	logger.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	var embed embedder.Embedder = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	logger.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	if cfg.RedisURL != "" {
		rdb, err := embedder.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.onClose(rdb.Close)
		a.Checks["redis"] = server.CheckerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		embed = embedder.NewCachedEmbedder(embed, rdb,
			embedder.WithTTL(cfg.EmbeddingCacheTTL),
			embedder.WithCacheLogger(logger),
		)
		logger.Info("enabled embedding cache", "ttl", cfg.EmbeddingCacheTTL)
	}

	scorer, err := a.newScorer(cfg)
	if err != nil {
		return nil, err
	}

	policy, err := ranking.ParseMergePolicy(cfg.MergePolicy)
	if err != nil {
		return nil, err
	}

	dense := vectorstore.NewQdrantRanker(qc, embed,
		vectorstore.WithCollection(cfg.QdrantCollection),
		vectorstore.WithLogger(logger),
	)
	sparse := postgres.NewKeywordRanker(db.Pool,
		postgres.WithDefaultCollection(cfg.QdrantCollection),
		postgres.WithKeywordLogger(logger),
	)
	a.Judgments = postgres.NewJudgmentRepo(db.Pool)

	a.Service = service.NewRetrievalService(dense, sparse,
		reranker.NewReranker(scorer, reranker.WithTopK(cfg.TopK), reranker.WithLogger(logger)),
		service.WithMergePolicy(policy),
		service.WithJudgments(a.Judgments),
		service.WithLogger(logger),
		service.WithDefaults(
			service.WithWeights(cfg.DenseWeight, cfg.SparseWeight),
			service.WithCandidateLimit(cfg.CandidateLimit),
			service.WithMinScore(cfg.MinScore),
		),
	)

	return a, nil
}

func (a *App) newScorer(cfg *config.Config) (reranker.PairwiseScorer, error) {
	switch cfg.Scorer {
	case config.ScorerHTTP:
		a.logger.Info("using HTTP cross-encoder scorer", "url", cfg.ScorerURL, "model", cfg.ScorerModel)
		return reranker.NewHTTPScorer(
			reranker.WithScorerURL(cfg.ScorerURL),
			reranker.WithScorerModel(cfg.ScorerModel),
		), nil
	case config.ScorerONNX:
		s, err := crossencoder.New(crossencoder.Config{
			LibraryPath:   cfg.ONNXLibraryPath,
			ModelPath:     cfg.ONNXModelPath,
			TokenizerPath: cfg.ONNXTokenizerPath,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load cross-encoder: %w", err)
		}
		a.onClose(s.Close)
		a.logger.Info("using ONNX cross-encoder scorer", "model", cfg.ONNXModelPath)
		return s, nil
	default:
		client := llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
		)
		a.logger.Info("using LLM scorer", "model", cfg.OllamaLLMModel)
		return reranker.NewLLMScorer(client, reranker.WithModel(cfg.OllamaLLMModel)), nil
	}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Ensure interfaces are satisfied at compile time
var (
	_ ranking.Ranker                = (*vectorstore.QdrantRanker)(nil)
	_ ranking.Ranker                = (*postgres.KeywordRanker)(nil)
	_ repository.JudgmentRepository = (*postgres.JudgmentRepo)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ embedder.Embedder             = (*embedder.CachedEmbedder)(nil)
	_ reranker.PairwiseScorer       = (*reranker.LLMScorer)(nil)
	_ reranker.PairwiseScorer       = (*reranker.HTTPScorer)(nil)
	_ reranker.PairwiseScorer       = (*crossencoder.Scorer)(nil)
	_ vectorstore.PointQuerier      = (*vectorstore.Client)(nil)
	_ server.Checker                = (*postgres.DB)(nil)
	_ server.Checker                = (*vectorstore.Client)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
)
