// Package crossencoder runs a sentence-transformers style cross-encoder
// (for example cross-encoder/ms-marco-MiniLM-L-6-v2 exported to ONNX) in
// process through ONNX Runtime.
//
// The package needs cgo and the ONNX Runtime shared library at run time.
package crossencoder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/knoguchi/hybridrank/internal/reranker"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// DefaultMaxSeqLen matches the cross-encoder's position embedding size.
const DefaultMaxSeqLen = 512

var (
	inputNames  = []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames = []string{"logits"}
)

// Config locates the runtime, model and tokenizer files.
type Config struct {
	LibraryPath   string // onnxruntime shared library
	ModelPath     string // model.onnx
	TokenizerPath string // tokenizer.json
	MaxSeqLen     int

	// RawLogits returns the model logits instead of sigmoid probabilities.
	RawLogits bool
}

// Scorer implements reranker.PairwiseScorer with a local ONNX model.
type Scorer struct {
	mu        sync.Mutex
	tk        *tokenizer.Tokenizer
	session   *ort.DynamicAdvancedSession
	maxSeqLen int
	rawLogits bool
}

// New loads the tokenizer, initializes ONNX Runtime and opens the model.
// Close must be called to release the runtime.
func New(cfg Config) (*Scorer, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, errors.New("crossencoder: model and tokenizer paths are required")
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = DefaultMaxSeqLen
	}

	tk, err := loadTokenizer(cfg.TokenizerPath, cfg.MaxSeqLen)
	if err != nil {
		return nil, err
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to open model: %w", err)
	}

	return &Scorer{
		tk:        tk,
		session:   session,
		maxSeqLen: cfg.MaxSeqLen,
		rawLogits: cfg.RawLogits,
	}, nil
}

// loadTokenizer reads tokenizer.json and truncates every pair to maxSeqLen
// tokens, special tokens included, trimming the longer side first.
func loadTokenizer(path string, maxSeqLen int) (*tokenizer.Tokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	tk.WithTruncation(&tokenizer.TruncationParams{
		MaxLength: maxSeqLen,
		Strategy:  tokenizer.LongestFirst,
	})
	return tk, nil
}

// Close releases the session and the runtime environment.
func (s *Scorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return errors.Join(err, ort.DestroyEnvironment())
}

// Predict runs one forward pass over the whole batch.
func (s *Scorer) Predict(ctx context.Context, pairs []reranker.Pair) ([]*float64, error) {
	if len(pairs) == 0 {
		return []*float64{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, errors.New("crossencoder: scorer is closed")
	}

	batch, err := s.encode(ctx, pairs)
	if err != nil {
		return nil, err
	}

	shape := ort.NewShape(int64(len(pairs)), int64(batch.seqLen))
	ids, err := ort.NewTensor(shape, batch.ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer ids.Destroy()
	mask, err := ort.NewTensor(shape, batch.mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer mask.Destroy()
	types, err := ort.NewTensor(shape, batch.types)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer types.Destroy()

	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(len(pairs)), 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer logits.Destroy()

	if err := s.session.Run([]ort.Value{ids, mask, types}, []ort.Value{logits}); err != nil {
		return nil, fmt.Errorf("cross-encoder inference failed: %w", err)
	}

	data := logits.GetData()
	scores := make([]*float64, len(pairs))
	for i := range scores {
		v := float64(data[i])
		if !s.rawLogits {
			v = sigmoid(v)
		}
		scores[i] = &v
	}
	return scores, nil
}

type encodedBatch struct {
	ids, mask, types []int64
	seqLen           int
}

// encode tokenizes every pair and pads the batch to its longest sequence.
func (s *Scorer) encode(ctx context.Context, pairs []reranker.Pair) (encodedBatch, error) {
	encodings := make([]*tokenizer.Encoding, len(pairs))
	seqLen := 0
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return encodedBatch{}, err
		}
		en, err := s.tk.EncodePair(p.Query, p.Text, true)
		if err != nil {
			return encodedBatch{}, fmt.Errorf("failed to tokenize pair %d: %w", i, err)
		}
		if len(en.Ids) > s.maxSeqLen {
			return encodedBatch{}, fmt.Errorf("pair %d tokenized to %d ids, limit is %d", i, len(en.Ids), s.maxSeqLen)
		}
		encodings[i] = en
		seqLen = max(seqLen, len(en.Ids))
	}

	b := encodedBatch{
		ids:    make([]int64, len(pairs)*seqLen),
		mask:   make([]int64, len(pairs)*seqLen),
		types:  make([]int64, len(pairs)*seqLen),
		seqLen: seqLen,
	}
	for i, en := range encodings {
		row := i * seqLen
		for j := range en.Ids {
			b.ids[row+j] = int64(en.Ids[j])
			b.mask[row+j] = 1
			if j < len(en.TypeIds) {
				b.types[row+j] = int64(en.TypeIds[j])
			}
		}
	}
	return b, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

var _ reranker.PairwiseScorer = (*Scorer)(nil)
