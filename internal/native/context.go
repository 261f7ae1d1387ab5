//go:build native

package native

/*
#include "llama.h"
*/
import "C"
import (
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"saaya/internal/engine"
)

// Context wraps a llama.cpp inference context. It is not safe for
// concurrent use; the session's single-flight rule serializes access.
type Context struct {
	handle *C.struct_llama_context
	log    *zap.Logger
	mu     sync.Mutex
	closed bool

	// batch is the C mirror of the last engine.Batch, grown on demand.
	batch    C.struct_llama_batch
	batchCap int
	batchSeq int
}

func (c *Context) NCtx() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	return uint32(C.llama_n_ctx(c.handle))
}

// Decode copies b into the C batch and evaluates it.
func (c *Context) Decode(b *engine.Batch) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || b == nil || b.Len() == 0 {
		return -1
	}
	c.ensureBatch(b.Cap(), b.SeqMax())
	c.fill(b)
	return int32(C.llama_decode(c.handle, c.batch))
}

func (c *Context) ensureBatch(capacity, seqMax int) {
	if c.batchCap >= capacity && c.batchSeq >= seqMax {
		return
	}
	if c.batchCap > 0 {
		C.llama_batch_free(c.batch)
	}
	c.batch = C.llama_batch_init(C.int32_t(capacity), 0, C.int32_t(seqMax))
	c.batchCap = capacity
	c.batchSeq = seqMax
	c.log.Debug("batch allocated", zap.Int("capacity", capacity), zap.Int("seq_max", seqMax))
}

func (c *Context) fill(b *engine.Batch) {
	n := c.batchCap
	tokens := unsafe.Slice(c.batch.token, n)
	pos := unsafe.Slice(c.batch.pos, n)
	nSeq := unsafe.Slice(c.batch.n_seq_id, n)
	seqIDs := unsafe.Slice(c.batch.seq_id, n)
	logits := unsafe.Slice(c.batch.logits, n)

	for i := 0; i < b.Len(); i++ {
		e := b.At(i)
		tokens[i] = C.llama_token(e.Token)
		pos[i] = C.llama_pos(e.Pos)
		nSeq[i] = C.int32_t(len(e.SeqIDs))
		seqs := unsafe.Slice(seqIDs[i], c.batchSeq)
		for j, s := range e.SeqIDs {
			seqs[j] = C.llama_seq_id(s)
		}
		if e.Logits {
			logits[i] = 1
		} else {
			logits[i] = 0
		}
	}
	c.batch.n_tokens = C.int32_t(b.Len())
}

func (c *Context) MemoryClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	C.llama_memory_clear(C.llama_get_memory(c.handle), C.bool(true))
}

// Free releases the KV cache and the C batch.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.batchCap > 0 {
		C.llama_batch_free(c.batch)
		c.batchCap = 0
	}
	C.llama_free(c.handle)
	c.handle = nil
}
