package engine

import "fmt"

// Entry is one token slot in a Batch.
type Entry struct {
	Token  Token
	Pos    Pos
	SeqIDs []SeqID
	Logits bool
}

// Batch is a fixed-capacity set of tokens submitted to one decode step.
// The storage is allocated once; Clear rewinds it without reallocating.
type Batch struct {
	entries []Entry
	seqs    []SeqID
	seqMax  int
	n       int
}

// NewBatch allocates a batch holding up to capacity tokens, each belonging
// to at most seqMax sequences.
func NewBatch(capacity, seqMax int) *Batch {
	if capacity < 1 {
		capacity = 1
	}
	if seqMax < 1 {
		seqMax = 1
	}
	b := &Batch{
		entries: make([]Entry, capacity),
		seqs:    make([]SeqID, capacity*seqMax),
		seqMax:  seqMax,
	}
	for i := range b.entries {
		b.entries[i].SeqIDs = b.seqs[i*seqMax : i*seqMax : (i+1)*seqMax]
	}
	return b
}

// Add appends a token. It never overwrites: a full batch returns
// ErrBatchFull and is left unchanged.
func (b *Batch) Add(tok Token, pos Pos, logits bool, seqIDs ...SeqID) error {
	if b.n >= len(b.entries) {
		return fmt.Errorf("%w (capacity %d)", ErrBatchFull, len(b.entries))
	}
	if len(seqIDs) > b.seqMax {
		return fmt.Errorf("%w: %d > %d", ErrTooManySeqIDs, len(seqIDs), b.seqMax)
	}
	e := &b.entries[b.n]
	e.Token = tok
	e.Pos = pos
	e.Logits = logits
	e.SeqIDs = append(e.SeqIDs[:0], seqIDs...)
	b.n++
	return nil
}

// Clear empties the batch for reuse.
func (b *Batch) Clear() { b.n = 0 }

// Len is the number of tokens currently in the batch.
func (b *Batch) Len() int { return b.n }

// Cap is the fixed token capacity.
func (b *Batch) Cap() int { return len(b.entries) }

// SeqMax is the per-entry sequence id limit.
func (b *Batch) SeqMax() int { return b.seqMax }

// At returns the i'th entry. The SeqIDs slice aliases batch storage and is
// only valid until the next Add or Clear.
func (b *Batch) At(i int) Entry { return b.entries[i] }

// Outputs counts the entries that requested logits.
func (b *Batch) Outputs() int {
	n := 0
	for i := 0; i < b.n; i++ {
		if b.entries[i].Logits {
			n++
		}
	}
	return n
}

// FillPrompt clears b and loads tokens at positions 0..n-1 for seq, with
// logits requested only on the final entry.
func (b *Batch) FillPrompt(tokens []Token, seq SeqID) error {
	b.Clear()
	for i, tok := range tokens {
		if err := b.Add(tok, Pos(i), i == len(tokens)-1, seq); err != nil {
			return err
		}
	}
	return nil
}

// FillSingle clears b and loads one token that requests logits.
func (b *Batch) FillSingle(tok Token, pos Pos, seq SeqID) error {
	b.Clear()
	return b.Add(tok, pos, true, seq)
}
