package ai

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when the configured encoding is empty.
const DefaultEncoding = "cl100k_base"

// Estimator counts tokens with a tiktoken encoding. The encoding is loaded
// on first use, so constructing one never touches the network.
type Estimator struct {
	encoding string

	once sync.Once
	tkm  *tiktoken.Tiktoken
	err  error
}

func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Estimator{encoding: encoding}
}

// CountTokens returns the number of tokens in text.
func (e *Estimator) CountTokens(text string) (int, error) {
	e.once.Do(func() {
		e.tkm, e.err = tiktoken.GetEncoding(e.encoding)
		if e.err != nil {
			e.err = fmt.Errorf("load encoding %s: %w", e.encoding, e.err)
		}
	})
	if e.err != nil {
		return 0, e.err
	}
	return len(e.tkm.Encode(text, nil, nil)), nil
}
