// Package toy is a deterministic pure-Go engine. It loads a small YAML model
// file describing a text corpus, tokenizes it with a byte-level vocabulary
// plus optional multi-byte pieces, and predicts the next token from bigram
// counts. It speaks the same raw calling convention as the llama.cpp binding
// so the session layer can be exercised end to end without native libraries.
package toy

import (
	goruntime "runtime"
	"sync"
	"sync/atomic"

	"saaya/internal/engine"
)

// Name is the registry key of the toy engine.
const Name = "toy"

// Live counts handles that have been created and not yet freed.
type Live struct {
	Models   int64
	Contexts int64
	Samplers int64
}

// Engine implements engine.Engine.
type Engine struct {
	mu       sync.Mutex
	inits    int
	frees    int
	numa     engine.NUMAStrategy
	models   atomic.Int64
	contexts atomic.Int64
	samplers atomic.Int64
}

// New returns a fresh engine with zeroed counters.
func New() *Engine { return &Engine{} }

func (e *Engine) Name() string { return Name }

// SystemInfo reports the pure-Go build.
func (e *Engine) SystemInfo() string {
	return "toy (pure Go, " + goruntime.GOOS + "/" + goruntime.GOARCH + ")"
}

func (e *Engine) BackendInit() {
	e.mu.Lock()
	e.inits++
	e.mu.Unlock()
}

func (e *Engine) NUMAInit(s engine.NUMAStrategy) {
	e.mu.Lock()
	e.numa = s
	e.mu.Unlock()
}

func (e *Engine) BackendFree() {
	e.mu.Lock()
	e.frees++
	e.mu.Unlock()
}

// Lifecycle reports how often the backend was initialized and freed.
func (e *Engine) Lifecycle() (inits, frees int, numa engine.NUMAStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inits, e.frees, e.numa
}

// Live reports outstanding handles.
func (e *Engine) Live() Live {
	return Live{
		Models:   e.models.Load(),
		Contexts: e.contexts.Load(),
		Samplers: e.samplers.Load(),
	}
}

func (e *Engine) LoadModel(path string, params engine.ModelParams) (engine.Model, error) {
	mf, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := newModel(e, mf, params)
	e.models.Add(1)
	return m, nil
}

func (e *Engine) NewSamplerChain() engine.SamplerChain {
	e.samplers.Add(1)
	return &Chain{eng: e}
}
