package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/panjf2000/ants/v2"
)

// DefaultConcurrency is the number of cases evaluated at once.
const DefaultConcurrency = 4

// Retriever runs the full retrieval pipeline for one query.
type Retriever interface {
	Retrieve(ctx context.Context, query, collection string) ([]ranking.Candidate, error)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, query, collection string) ([]ranking.Candidate, error)

// Retrieve calls f.
func (f RetrieverFunc) Retrieve(ctx context.Context, query, collection string) ([]ranking.Candidate, error) {
	return f(ctx, query, collection)
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Query     string        `json:"query" yaml:"query"`
	Metrics   Metrics       `json:"metrics" yaml:"metrics"`
	Retrieved []string      `json:"retrieved" yaml:"retrieved"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Err       error         `json:"-" yaml:"-"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report aggregates a run. Mean metrics are macro averages over the cases
// that did not fail.
type Report struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	Dataset   string        `json:"dataset" yaml:"dataset"`
	Cases     []CaseResult  `json:"cases" yaml:"cases"`
	Mean      Metrics       `json:"mean" yaml:"mean"`
	Failed    int           `json:"failed" yaml:"failed"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Runner evaluates a dataset through a Retriever on a worker pool.
type Runner struct {
	retriever   Retriever
	judgments   RelevantIDSource
	concurrency int
	logger      *slog.Logger
}

// RunnerOption is a functional option for configuring Runner.
type RunnerOption func(*Runner)

// WithConcurrency sets the pool size.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithJudgments fills in relevant ids for cases that list none.
func WithJudgments(source RelevantIDSource) RunnerOption {
	return func(r *Runner) {
		r.judgments = source
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a dataset runner.
func NewRunner(retriever Retriever, opts ...RunnerOption) *Runner {
	r := &Runner{
		retriever:   retriever,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run evaluates every case. Per-case failures are recorded in the report and
// do not stop the run; a cancelled context does.
func (r *Runner) Run(ctx context.Context, ds *Dataset) (*Report, error) {
	pool, err := ants.NewPool(r.concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	report := &Report{
		RunID:     uuid.NewString(),
		Dataset:   ds.Name,
		Cases:     make([]CaseResult, len(ds.Cases)),
		StartedAt: time.Now(),
	}

	var wg sync.WaitGroup
	for i, c := range ds.Cases {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			report.Cases[i] = r.runCase(ctx, c)
		})
		if submitErr != nil {
			wg.Done()
			report.Cases[i] = CaseResult{Query: c.Query, Err: submitErr, Error: submitErr.Error()}
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sum Metrics
	for _, res := range report.Cases {
		if res.Err != nil {
			report.Failed++
			continue
		}
		sum.Precision += res.Metrics.Precision
		sum.Recall += res.Metrics.Recall
	}
	if ok := len(report.Cases) - report.Failed; ok > 0 {
		report.Mean = Metrics{
			Precision: sum.Precision / float64(ok),
			Recall:    sum.Recall / float64(ok),
		}
	}
	report.Duration = time.Since(report.StartedAt)

	r.logger.Info("evaluation run finished",
		"run_id", report.RunID,
		"dataset", report.Dataset,
		"cases", len(report.Cases),
		"failed", report.Failed,
		"mean_precision", report.Mean.Precision,
		"mean_recall", report.Mean.Recall,
	)
	return report, nil
}

func (r *Runner) runCase(ctx context.Context, c Case) CaseResult {
	start := time.Now()
	res := CaseResult{Query: c.Query}

	relevant := c.RelevantIDs
	if len(relevant) == 0 && r.judgments != nil {
		ids, err := r.judgments.RelevantIDs(ctx, c.Query)
		if err != nil {
			res.Err = fmt.Errorf("failed to load judgments: %w", err)
			res.Error = res.Err.Error()
			return res
		}
		relevant = ids
	}

	results, err := r.retriever.Retrieve(ctx, c.Query, c.Collection)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		r.logger.Warn("evaluation case failed", "query", c.Query, "error", err)
		return res
	}

	for _, cand := range results {
		if id, ok := docID(cand); ok {
			res.Retrieved = append(res.Retrieved, id)
		}
	}
	res.Metrics = evaluate(r.logger, c.Query, results, relevant)
	return res
}
