// Package tokens estimates token counts for interactions that arrive without
// provider-reported usage.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	EstimatorWords    = "words"
	EstimatorTiktoken = "tiktoken"
)

// TokensPerWord is a policy constant, not a measured ratio.
const TokensPerWord = 1.3

// Estimator returns a token count of at least 1 for any text, including
// empty text. The same estimator must feed both recorded counts and cost.
type Estimator interface {
	Name() string
	Estimate(model, text string) int64
}

// New builds the estimator selected by name. An empty name selects words.
func New(name string) (Estimator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EstimatorWords:
		return Words{}, nil
	case EstimatorTiktoken:
		return NewTiktoken(), nil
	default:
		return nil, fmt.Errorf("unknown token estimator %q", name)
	}
}

// Words applies round(words * TokensPerWord), minimum 1.
type Words struct{}

func (Words) Name() string { return EstimatorWords }

func (Words) Estimate(_ string, text string) int64 {
	count := int64(math.Round(float64(len(strings.Fields(text))) * TokensPerWord))
	if count < 1 {
		return 1
	}
	return count
}

type encodingLoader func(model string) (*tiktoken.Tiktoken, error)

// Tiktoken counts BPE tokens for the model's encoding, falling back to
// cl100k_base for unknown models and to Words when no encoding can be
// loaded. Load results, including failures, are cached per model.
type Tiktoken struct {
	load     encodingLoader
	fallback Words

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

func NewTiktoken() *Tiktoken {
	return newTiktoken(loadEncoding)
}

func newTiktoken(load encodingLoader) *Tiktoken {
	return &Tiktoken{load: load, encoders: make(map[string]*tiktoken.Tiktoken)}
}

func (t *Tiktoken) Name() string { return EstimatorTiktoken }

func (t *Tiktoken) Estimate(model, text string) int64 {
	enc := t.encoder(model)
	if enc == nil {
		return t.fallback.Estimate(model, text)
	}
	count := int64(len(enc.Encode(text, nil, nil)))
	if count < 1 {
		return 1
	}
	return count
}

func (t *Tiktoken) encoder(model string) *tiktoken.Tiktoken {
	key := strings.ToLower(strings.TrimSpace(model))
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encoders[key]; ok {
		return enc
	}
	enc, err := t.load(key)
	if err != nil {
		enc = nil
	}
	t.encoders[key] = enc
	return enc
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return enc, nil
		}
	}
	return tiktoken.GetEncoding("cl100k_base")
}
