package session

import (
	"errors"
	"fmt"
	"math"

	"saaya/internal/engine"
)

// pieceBufSize bounds a single detokenized fragment.
const pieceBufSize = 256

var (
	ErrTokenize   = errors.New("session: tokenization failed")
	ErrDetokenize = errors.New("session: detokenization failed")
)

// Tokenizer converts between text and token ids using the engine's
// two-pass buffer protocol. It is not safe for concurrent use.
type Tokenizer struct {
	vocab        engine.Vocab
	addSpecial   bool
	parseSpecial bool
	piece        []byte
}

// NewTokenizer returns a tokenizer that adds the model's special tokens
// (BOS when the vocabulary asks for it) and treats special-token text in
// prompts as plain text.
func NewTokenizer(v engine.Vocab) *Tokenizer {
	return &Tokenizer{
		vocab:      v,
		addSpecial: true,
		piece:      make([]byte, pieceBufSize),
	}
}

// WithSpecial returns a copy with different special-token flags.
func (t *Tokenizer) WithSpecial(addSpecial, parseSpecial bool) *Tokenizer {
	c := *t
	c.addSpecial = addSpecial
	c.parseSpecial = parseSpecial
	c.piece = make([]byte, pieceBufSize)
	return &c
}

// Tokenize estimates the token count as len(text)+2, and retries exactly
// once with the size the engine reports if that was too small.
func (t *Tokenizer) Tokenize(text string) ([]engine.Token, error) {
	buf := make([]engine.Token, len(text)+2)
	n := t.vocab.Tokenize(text, buf, t.addSpecial, t.parseSpecial)
	if n == math.MinInt32 {
		return nil, fmt.Errorf("%w: engine rejected input", ErrTokenize)
	}
	if n < 0 {
		buf = make([]engine.Token, -n)
		n = t.vocab.Tokenize(text, buf, t.addSpecial, t.parseSpecial)
		if n < 0 {
			return nil, fmt.Errorf("%w: buffer of %d still too small (%d)", ErrTokenize, len(buf), n)
		}
	}
	return buf[:n], nil
}

// Detokenize renders one token into the fixed piece buffer. A negative
// length is never retried: the fragment would be lost, so the caller gets
// an error instead.
func (t *Tokenizer) Detokenize(tok engine.Token) (string, error) {
	n := t.vocab.TokenToPiece(tok, t.piece, 0, false)
	if n < 0 {
		return "", fmt.Errorf("%w: token %d needs %d bytes", ErrDetokenize, tok, -n)
	}
	return string(t.piece[:n]), nil
}
