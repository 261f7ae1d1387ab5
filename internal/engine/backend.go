package engine

import (
	"sync"

	"go.uber.org/zap"
)

// Backend guards the process-wide engine lifecycle. The engine must be
// initialized exactly once before any model is loaded and may only be torn
// down once every session has detached.
type Backend struct {
	eng Engine
	log *zap.Logger

	mu       sync.Mutex
	ready    bool
	attached int
	numa     NUMAStrategy
}

// NewBackend wraps eng. A nil logger discards output.
func NewBackend(eng Engine, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{eng: eng, log: log}
}

// Engine returns the wrapped engine.
func (b *Backend) Engine() Engine { return b.eng }

// Init initializes the engine and applies the NUMA strategy. Calling Init
// again before Free returns ErrBackendInitialized and leaves the engine
// untouched.
func (b *Backend) Init(numa NUMAStrategy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return ErrBackendInitialized
	}
	b.eng.BackendInit()
	b.eng.NUMAInit(numa)
	b.ready = true
	b.numa = numa
	b.log.Info("backend initialized",
		zap.String("engine", b.eng.Name()),
		zap.Stringer("numa", numa))
	return nil
}

// Free tears the engine down. It refuses while sessions are attached and
// is a no-op when the backend is not initialized.
func (b *Backend) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil
	}
	if b.attached > 0 {
		b.log.Warn("backend free refused", zap.Int("sessions", b.attached))
		return ErrSessionsAlive
	}
	b.eng.BackendFree()
	b.ready = false
	b.log.Info("backend freed", zap.String("engine", b.eng.Name()))
	return nil
}

// Ready reports whether Init has run without a matching Free.
func (b *Backend) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Attach registers a live model against the backend.
func (b *Backend) Attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return ErrBackendNotReady
	}
	b.attached++
	return nil
}

// Detach releases a registration taken with Attach.
func (b *Backend) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached > 0 {
		b.attached--
	}
}

// Attached is the number of live registrations.
func (b *Backend) Attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}
