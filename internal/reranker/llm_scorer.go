package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/knoguchi/hybridrank/internal/llm"
)

// ErrUnparseableScores is returned when the LLM response carries no valid score JSON.
var ErrUnparseableScores = errors.New("unparseable LLM scores")

// maxPromptChars bounds each document's text inside the scoring prompt.
const maxPromptChars = 500

// LLMScorer uses an LLM to score query-document pairs.
// This is a cross-encoder-like approach: the model sees the query and every
// document together in one prompt and returns one score per document.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// NewLLMScorer creates a new LLM-based pairwise scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		model:     llm.DefaultModel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// relevanceScore represents one entry of the structured LLM output.
type relevanceScore struct {
	DocIndex int      `json:"doc_index"`
	Score    *float64 `json:"score"`
}

type scoreResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Predict asks the LLM for a 0.0-1.0 relevance score per pair.
// Pairs the model leaves out come back as nil scores.
func (s *LLMScorer) Predict(ctx context.Context, pairs []Pair) ([]*float64, error) {
	if len(pairs) == 0 {
		return []*float64{}, nil
	}

	prompt := buildScorePrompt(pairs)

	opts := llm.GenerateOptions{
		Model:       s.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
		Format:      llm.FormatJSON,
	}

	response, err := s.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("LLM scoring failed: %w", err)
	}

	return parseScoreResponse(response, len(pairs))
}

// buildScorePrompt constructs the scoring prompt. All pairs of one batch share
// the query of the first pair; differing queries are listed per document.
func buildScorePrompt(pairs []Pair) string {
	var sb strings.Builder

	sharedQuery := pairs[0].Query
	for _, p := range pairs[1:] {
		if p.Query != sharedQuery {
			sharedQuery = ""
			break
		}
	}

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	if sharedQuery != "" {
		sb.WriteString("Query: ")
		sb.WriteString(sharedQuery)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Documents to score:\n")
	for i, p := range pairs {
		content := truncateText(p.Text, maxPromptChars)
		if sharedQuery == "" {
			fmt.Fprintf(&sb, "[Doc %d] (Query: %s): %s\n\n", i, p.Query, content)
		} else {
			fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, content)
		}
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScoreResponse extracts scores from the LLM response.
func parseScoreResponse(response string, numPairs int) ([]*float64, error) {
	response = extractJSON(response)

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, errors.Join(ErrUnparseableScores, err)
	}

	scores := make([]*float64, numPairs)
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= numPairs || s.Score == nil {
			continue
		}
		score := min(max(*s.Score, 0), 1)
		scores[s.DocIndex] = &score
	}

	return scores, nil
}

// extractJSON strips markdown code fences around a JSON payload.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	return strings.TrimSpace(response)
}

// Ensure LLMScorer implements PairwiseScorer.
var _ PairwiseScorer = (*LLMScorer)(nil)

// truncateText cuts s to at most n bytes on a rune boundary and marks the cut.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
