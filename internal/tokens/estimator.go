// Package tokens estimates token counts for snapshot rollups.
package tokens

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when no encoding, or an unknown model, is
// configured.
const DefaultEncoding = "cl100k_base"

// Options choose between a real BPE tokenizer and the character heuristic.
type Options struct {
	// Encoding is a tiktoken encoding ("cl100k_base") or a model name
	// ("gpt-4o").
	Encoding string
	// UseTiktoken enables the BPE tokenizer. Loading it may fetch the
	// vocabulary over the network on first use.
	UseTiktoken bool
}

// Estimator counts tokens. The zero value uses the heuristic.
type Estimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// New returns an estimator. When the tokenizer cannot be loaded the
// estimator falls back to the heuristic and reports the error.
func New(opts Options) (*Estimator, error) {
	e := &Estimator{}
	if !opts.UseTiktoken {
		return e, nil
	}
	enc, err := loadEncoding(opts.Encoding)
	if err != nil {
		slog.Warn("tokenizer unavailable, using heuristic", "encoding", opts.Encoding, "error", err)
		return e, err
	}
	e.enc = enc
	return e, nil
}

func loadEncoding(name string) (*tiktoken.Tiktoken, error) {
	if name == "" {
		name = DefaultEncoding
	}
	if enc, err := tiktoken.GetEncoding(name); err == nil {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		// Unknown model names fall back to cl100k_base.
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return enc, nil
}

// Exact reports whether counts come from a real tokenizer.
func (e *Estimator) Exact() bool {
	return e != nil && e.enc != nil
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if !e.Exact() {
		return Heuristic(text)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.enc.Encode(text, nil, nil))
}

// Heuristic approximates one token per four characters, rounding up.
func Heuristic(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
