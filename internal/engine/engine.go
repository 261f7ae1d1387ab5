// Package engine defines the foreign-function surface a text-generation
// engine must expose to the session layer: model loading, vocabulary
// lookups, batch decode and the sampler chain. Two implementations exist in
// this module: the cgo binding to llama.cpp (internal/native, built with
// -tags native) and a pure-Go bigram engine (internal/engine/toy) used for
// tests and hosts without the native library.
//
// The interfaces deliberately mirror the C calling conventions, including
// negative-length returns for undersized buffers, so the session layer owns
// the buffer-sizing protocol regardless of which engine is plugged in.
package engine

import "errors"

// Token is a vocabulary index.
type Token int32

// Pos is a position in a sequence's KV cache.
type Pos int32

// SeqID identifies a sequence stored in the KV cache.
type SeqID int32

// DefaultSeed asks the engine to pick a random seed for the final draw.
const DefaultSeed uint32 = 0xFFFFFFFF

// NUMAStrategy selects how the engine distributes work across NUMA nodes.
type NUMAStrategy int32

const (
	NUMADisabled NUMAStrategy = iota
	NUMADistribute
	NUMAIsolate
	NUMANumactl
	NUMAMirror
)

func (s NUMAStrategy) String() string {
	switch s {
	case NUMADisabled:
		return "disabled"
	case NUMADistribute:
		return "distribute"
	case NUMAIsolate:
		return "isolate"
	case NUMANumactl:
		return "numactl"
	case NUMAMirror:
		return "mirror"
	default:
		return "unknown"
	}
}

// ParseNUMA maps a configuration string to a strategy. Unknown or empty
// values disable NUMA handling.
func ParseNUMA(s string) NUMAStrategy {
	switch s {
	case "distribute":
		return NUMADistribute
	case "isolate":
		return NUMAIsolate
	case "numactl":
		return NUMANumactl
	case "mirror":
		return NUMAMirror
	default:
		return NUMADisabled
	}
}

var (
	ErrBatchFull          = errors.New("engine: batch is full")
	ErrTooManySeqIDs      = errors.New("engine: too many sequence ids for batch entry")
	ErrBackendNotReady    = errors.New("engine: backend not initialized")
	ErrBackendInitialized = errors.New("engine: backend already initialized")
	ErrSessionsAlive      = errors.New("engine: sessions still attached to backend")
)

// ModelParams configures how model weights are loaded.
type ModelParams struct {
	// GPULayers is the number of layers offloaded to an accelerator.
	// 0 keeps the model on the CPU.
	GPULayers int32
	UseMmap   bool
	UseMlock  bool
}

// DefaultModelParams loads CPU-only with mmap on and mlock off.
func DefaultModelParams() ModelParams {
	return ModelParams{GPULayers: 0, UseMmap: true, UseMlock: false}
}

// ContextParams configures an inference context.
type ContextParams struct {
	NCtx          uint32
	NBatch        uint32
	NSeqMax       uint32
	NThreads      int32
	NThreadsBatch int32
}

// Engine is a process-wide inference backend.
type Engine interface {
	Name() string

	// BackendInit and BackendFree bracket the lifetime of every model.
	// Use Backend to get once-only semantics.
	BackendInit()
	NUMAInit(NUMAStrategy)
	BackendFree()

	LoadModel(path string, params ModelParams) (Model, error)
	NewSamplerChain() SamplerChain
}

// SystemInfoer is implemented by engines that can describe the CPU features
// and build options they were compiled with.
type SystemInfoer interface {
	SystemInfo() string
}

// SystemInfo returns e's build description, or "" when it has none.
func SystemInfo(e Engine) string {
	if si, ok := e.(SystemInfoer); ok {
		return si.SystemInfo()
	}
	return ""
}

// Model is a loaded set of weights plus its vocabulary.
type Model interface {
	Desc() string
	Vocab() Vocab
	NCtxTrain() int32
	NewContext(params ContextParams) (Context, error)
	Free()
}

// Vocab exposes tokenization in the engine's raw calling convention.
type Vocab interface {
	NTokens() int32
	BOS() Token
	EOS() Token
	AddBOS() bool
	IsEOG(tok Token) bool

	// Tokenize writes token ids for text into buf and returns the count.
	// A negative return means buf was too small and its magnitude is the
	// required length. math.MinInt32 signals an unrecoverable failure.
	Tokenize(text string, buf []Token, addSpecial, parseSpecial bool) int32

	// TokenToPiece writes the UTF-8 bytes of tok into buf and returns the
	// count, or the negated required length when buf is too small.
	TokenToPiece(tok Token, buf []byte, lstrip int32, special bool) int32
}

// Context holds the KV cache and the logits of the last decode.
type Context interface {
	NCtx() uint32

	// Decode evaluates a batch. 0 is success, 1 means no KV slot could be
	// found for the batch, other positive values are warnings and negative
	// values are errors.
	Decode(b *Batch) int32

	// MemoryClear drops every sequence from the KV cache.
	MemoryClear()
	Free()
}

// SamplerChain is an ordered pipeline of sampling stages. The chain owns
// every stage added to it.
type SamplerChain interface {
	AddTemp(t float32)
	AddTopK(k int32)
	AddTopP(p float32, minKeep int)
	AddDist(seed uint32)
	AddGreedy()
	Len() int

	// Sample picks a token from the logits at output index idx of the last
	// decode. idx -1 means the last output.
	Sample(ctx Context, idx int32) Token
	Reset()
	Free()
}
