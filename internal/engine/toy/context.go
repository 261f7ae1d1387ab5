package toy

import (
	"sync"

	"saaya/internal/engine"
)

// Decode return codes, matching the native engine.
const (
	decodeOK        int32 = 0
	decodeNoSlot    int32 = 1
	decodeBadBatch  int32 = -1
	decodeInjected  int32 = -3
	decodeFreedCtxt int32 = -4
)

// Context implements engine.Context. Each sequence must be fed contiguous
// positions starting at zero.
type Context struct {
	model   *Model
	nCtx    uint32
	nSeqMax uint32
	params  engine.ContextParams

	mu      sync.Mutex
	freed   bool
	used    int
	next    map[engine.SeqID]engine.Pos
	decodes int

	// outputs maps a batch index to the logits computed for it.
	outputs map[int32][]float32
	lastOut int32
}

func (c *Context) NCtx() uint32 { return c.nCtx }

// Params returns the parameters the context was created with.
func (c *Context) Params() engine.ContextParams { return c.params }

// Used is the number of occupied KV cells.
func (c *Context) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Context) Decode(b *engine.Batch) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return decodeFreedCtxt
	}
	if b == nil || b.Len() == 0 {
		return decodeBadBatch
	}
	c.decodes++
	if c.model.file.FailDecodeAt > 0 && c.decodes == c.model.file.FailDecodeAt {
		return decodeInjected
	}
	if c.used+b.Len() > int(c.nCtx) {
		return decodeNoSlot
	}

	nVocab := c.model.vocab.NTokens()
	next := make(map[engine.SeqID]engine.Pos, len(c.next))
	for k, v := range c.next {
		next[k] = v
	}
	for i := 0; i < b.Len(); i++ {
		e := b.At(i)
		if e.Token < 0 || int32(e.Token) >= nVocab || len(e.SeqIDs) == 0 {
			return decodeBadBatch
		}
		for _, s := range e.SeqIDs {
			if s < 0 || uint32(s) >= c.nSeqMax || next[s] != e.Pos {
				return decodeBadBatch
			}
			next[s] = e.Pos + 1
		}
	}

	c.next = next
	c.used += b.Len()
	c.outputs = make(map[int32][]float32, b.Outputs())
	c.lastOut = -1
	for i := 0; i < b.Len(); i++ {
		e := b.At(i)
		if !e.Logits {
			continue
		}
		c.outputs[int32(i)] = c.model.logitsAfter(e.Token)
		c.lastOut = int32(i)
	}
	return decodeOK
}

// Logits returns the scores for batch index idx of the last decode, or for
// the last output when idx is negative. It returns nil when idx did not
// request logits.
func (c *Context) Logits(idx int32) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 {
		idx = c.lastOut
	}
	return c.outputs[idx]
}

func (c *Context) MemoryClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = 0
	c.next = make(map[engine.SeqID]engine.Pos)
	c.outputs = nil
	c.lastOut = -1
}

func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return
	}
	c.freed = true
	c.outputs = nil
	c.model.eng.contexts.Add(-1)
}
