// Package bridge is the host-facing boundary. Every call returns a neutral
// value (false, "", 0) instead of an error, and recovers panics so nothing
// unwinds into a foreign caller.
package bridge

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"saaya/internal/config"
	"saaya/internal/engine"
	"saaya/internal/logging"
	"saaya/internal/runtime"
	"saaya/internal/session"
)

// Bridge adapts a runtime.Manager to flat, handle-based calls.
type Bridge struct {
	cfg      config.RuntimeConfig
	registry runtime.Registry
	log      *zap.Logger

	mu  sync.Mutex
	mgr *runtime.Manager
}

// New returns a bridge that builds its manager on the first InitBackend.
func New(cfg config.RuntimeConfig, registry runtime.Registry, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{cfg: cfg, registry: registry, log: log}
}

var (
	defaultOnce   sync.Once
	defaultBridge *Bridge
)

// Default returns the process-wide bridge configured from saaya.yaml and
// the environment.
func Default() *Bridge {
	defaultOnce.Do(func() {
		cfg, err := config.Resolve()
		if err != nil {
			cfg = config.Default()
		}
		if lerr := logging.Init(cfg.Logging); lerr != nil {
			_ = logging.Init(config.Default().Logging)
		}
		log := logging.New("bridge")
		if err != nil {
			log.Warn("config not loaded, using defaults", zap.Error(err))
		}
		defaultBridge = New(cfg.Runtime, runtime.DefaultRegistry, log)
	})
	return defaultBridge
}

// guard turns a panic in op into a logged error.
func (b *Bridge) guard(op string) {
	if r := recover(); r != nil {
		b.log.Error("recovered panic", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
	}
}

func (b *Bridge) manager() *runtime.Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mgr
}

func (b *Bridge) session(op string, h int64) *session.Session {
	mgr := b.manager()
	if mgr == nil {
		b.log.Warn("backend not initialized", zap.String("op", op))
		return nil
	}
	sess, err := mgr.Session(runtime.Handle(h))
	if err != nil {
		b.log.Warn("invalid handle", zap.String("op", op), zap.Int64("handle", h))
		return nil
	}
	return sess
}

// InitBackend brings the engine up. Calling it again is a logged no-op.
func (b *Bridge) InitBackend() {
	defer b.guard("init_backend")
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mgr == nil {
		mgr, err := runtime.NewManager(b.cfg, b.registry, b.log)
		if err != nil {
			b.log.Error("engine unavailable", zap.Error(err))
			return
		}
		b.mgr = mgr
	}
	if err := b.mgr.Init(); err != nil {
		if errors.Is(err, engine.ErrBackendInitialized) {
			b.log.Debug("backend already initialized")
			return
		}
		b.log.Error("backend init failed", zap.Error(err))
	}
}

// FreeBackend tears the engine down. It is refused while models are loaded.
func (b *Bridge) FreeBackend() {
	defer b.guard("free_backend")
	mgr := b.manager()
	if mgr == nil {
		return
	}
	if err := mgr.Backend().Free(); err != nil {
		b.log.Warn("backend free failed", zap.Error(err))
	}
}

// Close unloads everything and frees the backend.
func (b *Bridge) Close() {
	defer b.guard("close")
	b.mu.Lock()
	mgr := b.mgr
	b.mgr = nil
	b.mu.Unlock()
	if mgr == nil {
		return
	}
	if err := mgr.Close(); err != nil {
		b.log.Warn("close failed", zap.Error(err))
	}
}

// LoadModel opens path and returns its handle, or 0 on failure.
func (b *Bridge) LoadModel(path string, contextLength, threads int) int64 {
	defer b.guard("load_model")
	mgr := b.manager()
	if mgr == nil {
		b.log.Warn("backend not initialized", zap.String("op", "load_model"))
		return 0
	}
	h, err := mgr.Load(path, runtime.LoadOptions{ContextSize: contextLength, Threads: threads})
	if err != nil {
		b.log.Warn("load failed", zap.String("path", path), zap.Error(err))
		return 0
	}
	return int64(h)
}

// Generate returns the whole completion, or "" on failure. A negative
// maxTokens uses the session default.
func (b *Bridge) Generate(h int64, prompt string, maxTokens int) string {
	defer b.guard("generate")
	mgr := b.manager()
	if b.session("generate", h) == nil {
		return ""
	}
	resp, err := mgr.Generate(context.Background(), runtime.Handle(h), runtime.Request{
		Prompt:  prompt,
		Options: runtime.GenerationOptions{MaxTokens: &maxTokens},
	})
	if err != nil {
		b.log.Warn("generate failed", zap.Int64("handle", h), zap.Error(err))
		return ""
	}
	if resp.Warning != "" {
		b.log.Warn("generation ended early", zap.Int64("handle", h), zap.String("warning", resp.Warning))
	}
	return resp.Text
}

// GenerateStream calls onToken with each fragment in order. The sampler
// parameters apply to this call only.
func (b *Bridge) GenerateStream(h int64, prompt string, maxTokens int, temperature float32, topK int, topP float32, onToken func(string)) {
	defer b.guard("generate_stream")
	mgr := b.manager()
	if b.session("generate_stream", h) == nil {
		return
	}
	temp, p := float64(temperature), float64(topP)
	req := runtime.Request{
		Prompt: prompt,
		Options: runtime.GenerationOptions{
			MaxTokens:   &maxTokens,
			Temperature: &temp,
			TopK:        &topK,
			TopP:        &p,
		},
	}
	err := mgr.Stream(context.Background(), runtime.Handle(h), req, func(evt runtime.StreamEvent) error {
		if !evt.Final && onToken != nil {
			onToken(evt.Token)
		}
		return nil
	})
	if err != nil {
		b.log.Warn("stream failed", zap.Int64("handle", h), zap.Error(err))
	}
}

// UnloadModel releases h. Unknown handles are ignored.
func (b *Bridge) UnloadModel(h int64) {
	defer b.guard("unload_model")
	mgr := b.manager()
	if mgr == nil {
		return
	}
	if err := mgr.Unload(runtime.Handle(h)); err != nil {
		b.log.Debug("unload ignored", zap.Int64("handle", h), zap.Error(err))
	}
}

// GetModelInfo returns the multi-line summary, or session.NoModelInfo.
func (b *Bridge) GetModelInfo(h int64) (out string) {
	out = session.NoModelInfo
	defer b.guard("get_model_info")
	if sess := b.session("get_model_info", h); sess != nil {
		out = sess.Info().String()
	}
	return out
}

// GetContextSize returns the loaded context length, or 0.
func (b *Bridge) GetContextSize(h int64) int {
	defer b.guard("get_context_size")
	if sess := b.session("get_context_size", h); sess != nil {
		return sess.ContextSize()
	}
	return 0
}

// IsModelLoaded reports whether h holds a model.
func (b *Bridge) IsModelLoaded(h int64) bool {
	defer b.guard("is_model_loaded")
	if sess := b.session("is_model_loaded", h); sess != nil {
		return sess.Loaded()
	}
	return false
}
