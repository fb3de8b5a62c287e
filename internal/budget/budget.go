// Package budget estimates token costs and trims the fixed schema context so
// that requests stay inside the model's window. Estimates are advisory
// budgets, not billing-grade counts: the only contract is that an estimator
// is monotonic in text length and stable for the same input.
package budget

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates the token cost of a piece of text.
type Estimator interface {
	Estimate(text string) int
}

// TiktokenEstimator counts tokens with a tiktoken BPE encoding.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding (e.g. "cl100k_base").
func NewTiktokenEstimator(encodingName string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{encoding: enc}, nil
}

// Estimate returns the number of BPE tokens in text.
func (e *TiktokenEstimator) Estimate(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// HeuristicEstimator approximates one token per four bytes. Used as a
// fallback when the BPE vocabulary cannot be loaded (offline environments).
type HeuristicEstimator struct{}

// Estimate returns len(text)/4, with a floor of 1 for non-empty text.
func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}

// TruncateTail reduces context to at most maxTokens estimated tokens by
// dropping whole lines from the start. Lines are walked in reverse order,
// accumulating per-line estimates; once the running total would exceed the
// ceiling no earlier lines are included. The retained suffix keeps its
// original relative order. Deterministic and idempotent for a fixed
// estimator and ceiling.
func TruncateTail(context string, maxTokens int, est Estimator) string {
	lines := strings.Split(strings.TrimSpace(context), "\n")
	retained := make([]string, 0, len(lines))
	total := 0
	for i := len(lines) - 1; i >= 0; i-- {
		total += est.Estimate(lines[i])
		if total > maxTokens {
			break
		}
		retained = append(retained, lines[i])
	}
	// retained is in reverse order; flip it back.
	for i, j := 0, len(retained)-1; i < j; i, j = i+1, j-1 {
		retained[i], retained[j] = retained[j], retained[i]
	}
	return strings.Join(retained, "\n")
}
