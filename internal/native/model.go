//go:build native

package native

/*
#include <stdlib.h>
#include "llama.h"
*/
import "C"
import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"saaya/internal/engine"
)

// Model wraps a loaded GGUF model. The underlying llama_model is safe for
// concurrent reads.
type Model struct {
	handle *C.struct_llama_model
	vocab  *Vocab
	desc   string
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func (m *Model) Desc() string { return m.desc }

func (m *Model) Vocab() engine.Vocab { return m.vocab }

func (m *Model) NCtxTrain() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0
	}
	return int32(C.llama_model_n_ctx_train(m.handle))
}

// NewContext creates an inference context holding the KV cache.
func (m *Model) NewContext(opts engine.ContextParams) (engine.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("native: model is closed")
	}

	params := C.llama_context_default_params()
	params.n_ctx = C.uint32_t(opts.NCtx)
	if opts.NBatch > 0 {
		params.n_batch = C.uint32_t(opts.NBatch)
		params.n_ubatch = C.uint32_t(opts.NBatch)
	}
	if opts.NSeqMax > 0 {
		params.n_seq_max = C.uint32_t(opts.NSeqMax)
	}
	if opts.NThreads > 0 {
		params.n_threads = C.int32_t(opts.NThreads)
		params.n_threads_batch = C.int32_t(opts.NThreads)
	}
	if opts.NThreadsBatch > 0 {
		params.n_threads_batch = C.int32_t(opts.NThreadsBatch)
	}

	handle := C.llama_init_from_model(m.handle, params)
	if handle == nil {
		return nil, fmt.Errorf("native: failed to create context")
	}
	return &Context{handle: handle, log: m.log}, nil
}

// Free releases the model weights.
func (m *Model) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	C.llama_model_free(m.handle)
	m.handle = nil
	m.vocab.handle = nil
}

// Vocab wraps the model-owned vocabulary.
type Vocab struct {
	handle *C.struct_llama_vocab
}

func (v *Vocab) NTokens() int32 { return int32(C.llama_vocab_n_tokens(v.handle)) }

func (v *Vocab) BOS() engine.Token { return engine.Token(C.llama_vocab_bos(v.handle)) }

func (v *Vocab) EOS() engine.Token { return engine.Token(C.llama_vocab_eos(v.handle)) }

func (v *Vocab) AddBOS() bool { return bool(C.llama_vocab_get_add_bos(v.handle)) }

func (v *Vocab) IsEOG(tok engine.Token) bool {
	return bool(C.llama_vocab_is_eog(v.handle, C.llama_token(tok)))
}

// Tokenize returns the number of tokens written, or the negated required
// length when buf is too small.
func (v *Vocab) Tokenize(text string, buf []engine.Token, addSpecial, parseSpecial bool) int32 {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	var tokPtr *C.llama_token
	if len(buf) > 0 {
		tokPtr = (*C.llama_token)(unsafe.Pointer(&buf[0]))
	}
	n := int32(C.llama_tokenize(v.handle, ctext, C.int32_t(len(text)),
		tokPtr, C.int32_t(len(buf)),
		C.bool(addSpecial), C.bool(parseSpecial)))
	runtime.KeepAlive(buf)
	return n
}

// TokenToPiece writes the bytes of tok into buf.
func (v *Vocab) TokenToPiece(tok engine.Token, buf []byte, lstrip int32, special bool) int32 {
	if len(buf) == 0 {
		return int32(C.llama_token_to_piece(v.handle, C.llama_token(tok), nil, 0,
			C.int32_t(lstrip), C.bool(special)))
	}
	n := int32(C.llama_token_to_piece(v.handle, C.llama_token(tok),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)),
		C.int32_t(lstrip), C.bool(special)))
	runtime.KeepAlive(buf)
	return n
}
