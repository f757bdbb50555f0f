package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/knoguchi/hybridrank/internal/citation"
	"github.com/knoguchi/hybridrank/internal/evaluation"
	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/knoguchi/hybridrank/internal/service"
)

const maxBodyBytes = 1 << 20

// Retriever is the part of service.RetrievalService the API needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts ...service.RetrieveOption) ([]ranking.Candidate, error)
	Evaluate(ctx context.Context, query string, relevantIDs []string, opts ...service.RetrieveOption) (*service.EvaluationResult, error)
}

var _ Retriever = (*service.RetrievalService)(nil)

type handlers struct {
	service Retriever
	checks  Checks
	logger  *slog.Logger
}

// retrieveRequest carries the query and optional per-call overrides.
type retrieveRequest struct {
	Query          string   `json:"query"`
	TopK           *int     `json:"top_k,omitempty"`
	DenseWeight    *float64 `json:"dense_weight,omitempty"`
	SparseWeight   *float64 `json:"sparse_weight,omitempty"`
	CandidateLimit int      `json:"candidate_limit,omitempty"`
	Collection     string   `json:"collection,omitempty"`
	MinScore       *float32 `json:"min_score,omitempty"`
}

func (req retrieveRequest) options() ([]service.RetrieveOption, error) {
	var opts []service.RetrieveOption
	if req.TopK != nil {
		opts = append(opts, service.WithTopK(*req.TopK))
	}
	switch {
	case req.DenseWeight != nil && req.SparseWeight != nil:
		opts = append(opts, service.WithWeights(*req.DenseWeight, *req.SparseWeight))
	case req.DenseWeight != nil || req.SparseWeight != nil:
		return nil, fmt.Errorf("%w: dense_weight and sparse_weight must be set together", ranking.ErrInvalidInput)
	}
	if req.CandidateLimit != 0 {
		opts = append(opts, service.WithCandidateLimit(req.CandidateLimit))
	}
	if req.Collection != "" {
		opts = append(opts, service.WithCollection(req.Collection))
	}
	if req.MinScore != nil {
		opts = append(opts, service.WithMinScore(*req.MinScore))
	}
	return opts, nil
}

type evaluateRequest struct {
	retrieveRequest
	RelevantIDs []string `json:"relevant_ids,omitempty"`
}

// candidateJSON is the wire form of a candidate. Score is null when the
// scorer did not score the candidate.
type candidateJSON struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    *float64       `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func toJSON(cs []ranking.Candidate) []candidateJSON {
	out := make([]candidateJSON, len(cs))
	for i, c := range cs {
		out[i] = candidateJSON{ID: c.ID, Text: c.Text, Score: c.Score, Metadata: c.Metadata}
	}
	return out
}

type retrieveResponse struct {
	Results []candidateJSON `json:"results"`
	TookMs  int64           `json:"took_ms"`
}

type evaluateResponse struct {
	Query       string             `json:"query"`
	Results     []candidateJSON    `json:"results"`
	RelevantIDs []string           `json:"relevant_ids"`
	Metrics     evaluation.Metrics `json:"metrics"`
	TookMs      int64              `json:"took_ms"`
}

// retrieve handles POST /v1/retrieve. With ?format=text the results are
// rendered as plain text followed by a source listing.
func (h *handlers) retrieve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req retrieveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	results, err := h.service.Retrieve(r.Context(), req.Query, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(citation.FormatSources(renderText(results), results)))
		return
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Results: toJSON(results),
		TookMs:  time.Since(start).Milliseconds(),
	})
}

// evaluate handles POST /v1/evaluate.
func (h *handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.Evaluate(r.Context(), req.Query, req.RelevantIDs, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateResponse{
		Query:       res.Query,
		Results:     toJSON(res.Results),
		RelevantIDs: res.RelevantIDs,
		Metrics:     res.Metrics,
		TookMs:      time.Since(start).Milliseconds(),
	})
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readyz pings every backing store.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := h.checks.Run(ctx)
	checks := make(map[string]string, len(h.checks))
	for _, name := range h.checks.Names() {
		if err, failed := failures[name]; failed {
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func renderText(results []ranking.Candidate) string {
	var b strings.Builder
	for i, c := range results {
		score := "n/a"
		if c.HasScore() {
			score = fmt.Sprintf("%.3f", *c.Score)
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, score, c.Text)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", ranking.ErrInvalidInput, err)
	}
	return nil
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var depErr *service.DependencyError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ranking.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &depErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
