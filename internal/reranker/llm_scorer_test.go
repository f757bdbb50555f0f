package reranker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/knoguchi/hybridrank/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	response string
	err      error
	prompts  []string
	opts     []llm.GenerateOptions
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	return f.response, f.err
}

func TestLLMScorer_ParsesFencedJSON(t *testing.T) {
	client := &fakeLLM{response: "```json\n{\"scores\": [{\"doc_index\": 1, \"score\": 0.8}, {\"doc_index\": 0, \"score\": 1.7}]}\n```"}
	scorer := NewLLMScorer(client, WithModel("qwen"))

	scores, err := scorer.Predict(context.Background(), []Pair{{"q", "first"}, {"q", "second"}, {"q", "third"}})

	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Equal(t, 1.0, *scores[0], "scores are clamped to [0,1]")
	assert.Equal(t, 0.8, *scores[1])
	assert.Nil(t, scores[2], "missing entries stay unscored")

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Query: q")
	assert.Contains(t, client.prompts[0], "[Doc 2]: third")
	assert.Equal(t, "qwen", client.opts[0].Model)
	assert.Equal(t, llm.FormatJSON, client.opts[0].Format)
}

func TestLLMScorer_Errors(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := NewLLMScorer(&fakeLLM{err: boom}).Predict(context.Background(), []Pair{{"q", "t"}})
	assert.ErrorIs(t, err, boom)

	_, err = NewLLMScorer(&fakeLLM{response: "I think doc 0 is great"}).Predict(context.Background(), []Pair{{"q", "t"}})
	assert.ErrorIs(t, err, ErrUnparseableScores)
}

func TestLLMScorer_EmptyPairs(t *testing.T) {
	client := &fakeLLM{}

	scores, err := NewLLMScorer(client).Predict(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Empty(t, client.prompts)
}

func TestBuildScorePrompt_TruncatesAndListsMixedQueries(t *testing.T) {
	long := strings.Repeat("x", maxPromptChars+50)

	prompt := buildScorePrompt([]Pair{{"q1", long}, {"q2", "short"}})

	assert.NotContains(t, prompt, "Query: q1\n")
	assert.Contains(t, prompt, "(Query: q2): short")
	assert.Contains(t, prompt, strings.Repeat("x", maxPromptChars)+"...")
}

func TestTruncateText_KeepsRuneBoundary(t *testing.T) {
	text := strings.Repeat("x", maxPromptChars-1) + "日本語"

	got := truncateText(text, maxPromptChars)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxPromptChars-1)+"...", got)
	assert.Equal(t, "short", truncateText("short", maxPromptChars))
}
