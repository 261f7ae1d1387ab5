//go:build native

// Package native provides direct cgo bindings to llama.cpp. It implements
// the engine interfaces on top of the llama.h C API so sessions can drive a
// GGUF model in-process.
//
// Build with: go build -tags native
// Requires: pre-built libllama.a and libggml*.a from the vendored llama.cpp.
package native

/*
#cgo CFLAGS: -I${SRCDIR}/../../llama.cpp/include -I${SRCDIR}/../../llama.cpp/ggml/include -O2
#cgo LDFLAGS: -L${SRCDIR}/../../llama.cpp/build/src -L${SRCDIR}/../../llama.cpp/build/ggml/src -lllama -lggml -lggml-cpu -lggml-base -lm -lstdc++ -lpthread -lgomp
#include <stdlib.h>
#include "llama.h"

extern void saayaLog(int level, char* text, void* user_data);
*/
import "C"
import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"saaya/internal/config"
	"saaya/internal/engine"
	"saaya/internal/logging"
)

var (
	logOnce sync.Once
	cLog    = zap.NewNop()
)

//export saayaLog
func saayaLog(level C.int, text *C.char, _ unsafe.Pointer) {
	msg := strings.TrimRight(C.GoString(text), "\n")
	if msg == "" {
		return
	}
	if ce := cLog.Check(levelFor(int(level)), msg); ce != nil {
		ce.Write()
	}
}

// Engine implements engine.Engine against llama.cpp.
type Engine struct {
	log *zap.Logger
}

func newEngine(cfg config.RuntimeConfig) (engine.Engine, error) {
	e := &Engine{log: logging.New("native")}
	logOnce.Do(func() {
		cLog = logging.New("llama")
		C.llama_log_set(C.ggml_log_callback(C.saayaLog), nil)
	})
	return e, nil
}

func (e *Engine) Name() string { return "llama" }

// ---------------------------------------------------------------------------
// Backend lifecycle
// ---------------------------------------------------------------------------

func (e *Engine) BackendInit() {
	C.llama_backend_init()
}

func (e *Engine) NUMAInit(s engine.NUMAStrategy) {
	C.llama_numa_init(C.enum_ggml_numa_strategy(s))
}

func (e *Engine) BackendFree() {
	C.llama_backend_free()
}

// SystemInfo returns a string describing CPU features and build info.
func (e *Engine) SystemInfo() string {
	return C.GoString(C.llama_print_system_info())
}

// ---------------------------------------------------------------------------
// Model loading
// ---------------------------------------------------------------------------

func (e *Engine) LoadModel(path string, opts engine.ModelParams) (engine.Model, error) {
	params := C.llama_model_default_params()
	params.n_gpu_layers = C.int32_t(opts.GPULayers)
	params.use_mmap = C.bool(opts.UseMmap)
	params.use_mlock = C.bool(opts.UseMlock)

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.llama_model_load_from_file(cpath, params)
	if handle == nil {
		return nil, fmt.Errorf("native: failed to load model from %q", path)
	}

	m := &Model{
		handle: handle,
		vocab:  &Vocab{handle: C.llama_model_get_vocab(handle)},
		log:    e.log,
	}
	m.desc = cModelDesc(handle)
	e.log.Debug("model loaded", zap.String("path", path), zap.String("desc", m.desc))
	return m, nil
}

func (e *Engine) NewSamplerChain() engine.SamplerChain {
	return &SamplerChain{handle: C.llama_sampler_chain_init(C.llama_sampler_chain_default_params())}
}

// ---------------------------------------------------------------------------
// Low-level C wrappers
// ---------------------------------------------------------------------------

func cModelDesc(m *C.struct_llama_model) string {
	buf := make([]byte, 256)
	n := C.llama_model_desc(m, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)))
	if n <= 0 {
		return ""
	}
	if int(n) >= len(buf) {
		n = C.int32_t(len(buf) - 1)
	}
	return string(buf[:n])
}
