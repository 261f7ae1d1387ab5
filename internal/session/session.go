// Package session drives one model through the load, generate and unload
// cycle. A Session owns its model, context and sampler chain and allows a
// single generation at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"saaya/internal/config"
	"saaya/internal/engine"
	"saaya/internal/metrics"
)

// NoModelInfo is what Info renders for an unloaded session.
const NoModelInfo = "No model loaded"

var (
	ErrNotLoaded       = errors.New("session: no model loaded")
	ErrBusy            = errors.New("session: generation already in progress")
	ErrDecode          = errors.New("session: decode failed")
	ErrContextOverflow = errors.New("session: prompt does not fit in context")
	ErrEmptyPrompt     = errors.New("session: prompt produced no tokens")
)

// State is the lifecycle position of a session.
type State int32

const (
	StateUnloaded State = iota
	StateLoaded
	StateReady
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateReady:
		return "ready"
	case StateGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// Finish explains why a generation ended.
type Finish string

const (
	FinishStop        Finish = "stop"
	FinishLength      Finish = "length"
	FinishContext     Finish = "context"
	FinishDecodeError Finish = "decode_error"
	FinishCancelled   Finish = "cancelled"
	FinishSink        Finish = "sink"
	FinishError       Finish = "error"
)

// Options configures Load.
type Options struct {
	ContextSize int
	Threads     int
	// BatchSize caps the prompt batch. 0 uses the context size.
	BatchSize int
	Model     engine.ModelParams
	Sampler   SamplerParams
	// MaxTokens is used when a request asks for a negative budget. 0 means
	// the configured default.
	MaxTokens int
	Stop      []string
}

// DefaultOptions mirrors the reference session: 2048 context, 4 threads,
// CPU-only mmap load.
func DefaultOptions() Options {
	return Options{
		ContextSize: config.DefaultContextSize,
		Threads:     config.DefaultThreads,
		Model:       engine.DefaultModelParams(),
		Sampler:     DefaultSamplerParams(),
		MaxTokens:   config.DefaultMaxTokens,
	}
}

// Request is one generate call.
type Request struct {
	Prompt string
	// MaxTokens < 0 uses the session default. 0 decodes the prompt only.
	MaxTokens int
	// Sampler overrides the session chain for this call when non-nil.
	Sampler *SamplerParams
	// Stop overrides the session stop sequences when non-nil.
	Stop []string
	// AddSpecial controls whether the model's special tokens (BOS) are added
	// to the prompt. Nil keeps the default of adding them.
	AddSpecial *bool
	// ParseSpecial treats special-token text in the prompt as control tokens.
	ParseSpecial bool
}

// Result summarises a finished generation.
type Result struct {
	Text         string
	PromptTokens int
	Generated    int
	Finish       Finish
	// Warning is set when generation ended early without failing the call.
	Warning  string
	Duration time.Duration
}

// Info is a read-only snapshot of a loaded session.
type Info struct {
	Loaded      bool
	Engine      string
	Path        string
	Description string
	ContextSize int
	Threads     int
	VocabSize   int
	State       State
	// SystemInfo is the engine build description, when it reports one.
	SystemInfo string
}

func (i Info) String() string {
	if !i.Loaded {
		return NoModelInfo
	}
	return fmt.Sprintf("Model: %s\nContext: %d\nThreads: %d\nVocab: %d",
		i.Description, i.ContextSize, i.Threads, i.VocabSize)
}

// Session holds one model, its context and its sampler chain.
type Session struct {
	backend *engine.Backend
	eng     engine.Engine
	log     *zap.Logger

	// slot admits one generate, load or unload at a time.
	slot   *semaphore.Weighted
	cancel atomic.Bool

	mu       sync.RWMutex
	state    State
	model    engine.Model
	ctx      engine.Context
	chain    engine.SamplerChain
	tok      *Tokenizer
	path     string
	opts     Options
	active   SamplerParams
	attached bool
}

// New creates an unloaded session bound to backend.
func New(backend *engine.Backend, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		backend: backend,
		eng:     backend.Engine(),
		log:     log,
		slot:    semaphore.NewWeighted(1),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Loaded reports whether a model is held.
func (s *Session) Loaded() bool {
	st := s.State()
	return st == StateReady || st == StateGenerating
}

// ContextSize is the configured context length, or 0 when unloaded.
func (s *Session) ContextSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateUnloaded {
		return 0
	}
	return s.opts.ContextSize
}

// Info snapshots the loaded model.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateUnloaded || s.model == nil {
		return Info{State: s.state}
	}
	return Info{
		Loaded:      true,
		Engine:      s.eng.Name(),
		Path:        s.path,
		Description: s.model.Desc(),
		ContextSize: s.opts.ContextSize,
		Threads:     s.opts.Threads,
		VocabSize:   int(s.model.Vocab().NTokens()),
		State:       s.state,
		SystemInfo:  engine.SystemInfo(s.eng),
	}
}

// acquire waits for the slot after asking any running generation to stop.
func (s *Session) acquire() {
	s.cancel.Store(true)
	_ = s.slot.Acquire(context.Background(), 1)
	s.cancel.Store(false)
}

// Load opens path, replacing any model already held. The previous session
// is torn down before the new one is built. On failure everything allocated
// so far is released and the session is left unloaded.
func (s *Session) Load(path string, opts Options) error {
	if opts.ContextSize <= 0 {
		opts.ContextSize = config.DefaultContextSize
	}
	if opts.Threads <= 0 {
		opts.Threads = config.DefaultThreads
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = config.DefaultMaxTokens
	}
	if opts.BatchSize <= 0 || opts.BatchSize > opts.ContextSize {
		opts.BatchSize = opts.ContextSize
	}
	opts.Stop = append([]string(nil), opts.Stop...)

	s.acquire()
	defer s.slot.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()

	err := s.loadLocked(path, opts)
	result := "ok"
	if err != nil {
		result = "error"
		s.log.Warn("model load failed", zap.String("path", path), zap.Error(err))
	}
	metrics.ModelLoads.WithLabelValues(s.eng.Name(), result).Inc()
	return err
}

func (s *Session) loadLocked(path string, opts Options) error {
	if err := opts.Sampler.Validate(); err != nil {
		return err
	}
	if err := s.backend.Attach(); err != nil {
		return err
	}

	model, err := s.eng.LoadModel(path, opts.Model)
	if err != nil {
		s.backend.Detach()
		return fmt.Errorf("session: load model: %w", err)
	}

	ctx, err := model.NewContext(engine.ContextParams{
		NCtx:          uint32(opts.ContextSize),
		NBatch:        uint32(opts.BatchSize),
		NSeqMax:       1,
		NThreads:      int32(opts.Threads),
		NThreadsBatch: int32(opts.Threads),
	})
	if err != nil {
		model.Free()
		s.backend.Detach()
		return fmt.Errorf("session: create context: %w", err)
	}
	s.model, s.ctx, s.state = model, ctx, StateLoaded

	chain, err := BuildChain(s.eng, opts.Sampler)
	if err != nil {
		s.teardownLocked()
		return err
	}

	s.chain = chain
	s.tok = NewTokenizer(model.Vocab())
	s.path = path
	s.opts = opts
	s.active = opts.Sampler
	s.attached = true
	s.state = StateReady
	metrics.SessionsLoaded.Inc()

	s.log.Info("model loaded",
		zap.String("path", path),
		zap.String("desc", model.Desc()),
		zap.Int("ctx", opts.ContextSize),
		zap.Int("threads", opts.Threads),
		zap.Int32("vocab", model.Vocab().NTokens()))
	return nil
}

// teardownLocked frees sampler, context and model in that order.
func (s *Session) teardownLocked() {
	wasReady := s.attached
	if s.chain != nil {
		s.chain.Free()
		s.chain = nil
	}
	if s.ctx != nil {
		s.ctx.Free()
		s.ctx = nil
	}
	if s.model != nil {
		s.model.Free()
		s.model = nil
		s.backend.Detach()
	}
	s.tok = nil
	s.path = ""
	s.attached = false
	s.state = StateUnloaded
	if wasReady {
		metrics.SessionsLoaded.Dec()
		s.log.Info("model unloaded")
	}
}

// Unload releases the model. A running generation is asked to stop and
// waited for. Unloading an empty session does nothing.
func (s *Session) Unload() {
	s.acquire()
	defer s.slot.Release(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// ConfigureSampler replaces the session's default chain.
func (s *Session) ConfigureSampler(p SamplerParams) error {
	if !s.slot.TryAcquire(1) {
		return ErrBusy
	}
	defer s.slot.Release(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return ErrNotLoaded
	}
	if err := s.rebuildChainLocked(p); err != nil {
		return err
	}
	s.opts.Sampler = p
	return nil
}

// SetGenerationDefaults replaces the session budget and stop sequences used
// when a request does not carry its own. maxTokens <= 0 keeps the current
// budget.
func (s *Session) SetGenerationDefaults(maxTokens int, stop []string) error {
	if !s.slot.TryAcquire(1) {
		return ErrBusy
	}
	defer s.slot.Release(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return ErrNotLoaded
	}
	if maxTokens > 0 {
		s.opts.MaxTokens = maxTokens
	}
	s.opts.Stop = append([]string(nil), stop...)
	return nil
}

// Defaults returns the options the session was loaded with, including any
// later sampler or stop changes.
func (s *Session) Defaults() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.opts
	o.Stop = append([]string(nil), s.opts.Stop...)
	return o
}

// rebuildChainLocked frees the current chain before installing one for p.
func (s *Session) rebuildChainLocked(p SamplerParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if s.chain != nil && p == s.active {
		return nil
	}
	if s.chain != nil {
		s.chain.Free()
		s.chain = nil
	}
	chain, err := BuildChain(s.eng, p)
	if err != nil {
		return err
	}
	s.chain = chain
	s.active = p
	s.log.Debug("sampler rebuilt",
		zap.Float32("temperature", p.Temperature),
		zap.Int32("top_k", p.TopK),
		zap.Float32("top_p", p.TopP))
	return nil
}

// Reset clears the KV cache and sampler state between unrelated requests.
func (s *Session) Reset() error {
	if !s.slot.TryAcquire(1) {
		return ErrBusy
	}
	defer s.slot.Release(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return ErrNotLoaded
	}
	s.ctx.MemoryClear()
	s.chain.Reset()
	return nil
}

// Generate runs one request, streaming fragments to sink when non-nil. It
// returns ErrBusy when another generation holds the session.
func (s *Session) Generate(ctx context.Context, req Request, sink Sink) (Result, error) {
	if !s.slot.TryAcquire(1) {
		metrics.BusyRejections.Inc()
		return Result{}, ErrBusy
	}
	defer s.slot.Release(1)

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return Result{}, ErrNotLoaded
	}
	s.state = StateGenerating
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateGenerating {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	start := time.Now()
	res, err := s.run(ctx, req, sink)
	res.Duration = time.Since(start)
	if err == nil || res.Finish == FinishError {
		metrics.Generations.WithLabelValues(string(res.Finish)).Inc()
		metrics.GenerationDuration.Observe(res.Duration.Seconds())
	}
	return res, err
}

func (s *Session) run(c context.Context, req Request, sink Sink) (Result, error) {
	var res Result

	// The slot keeps Load and Unload out, so these stay valid for the call.
	s.mu.RLock()
	lctx, vocab, tok, opts := s.ctx, s.model.Vocab(), s.tok, s.opts
	s.mu.RUnlock()

	if req.AddSpecial != nil || req.ParseSpecial {
		add := true
		if req.AddSpecial != nil {
			add = *req.AddSpecial
		}
		tok = tok.WithSpecial(add, req.ParseSpecial)
	}
	tokens, err := tok.Tokenize(req.Prompt)
	if err != nil {
		s.log.Warn("tokenize failed", zap.Error(err))
		return res, err
	}
	if len(tokens) == 0 {
		return res, ErrEmptyPrompt
	}
	nCtx := opts.ContextSize
	if len(tokens) > nCtx {
		return res, fmt.Errorf("%w: %d tokens, context %d", ErrContextOverflow, len(tokens), nCtx)
	}
	res.PromptTokens = len(tokens)

	sampler := opts.Sampler
	if req.Sampler != nil {
		sampler = *req.Sampler
	}
	s.mu.Lock()
	err = s.rebuildChainLocked(sampler)
	chain := s.chain
	s.mu.Unlock()
	if err != nil {
		return res, err
	}

	lctx.MemoryClear()
	chain.Reset()

	batch := engine.NewBatch(len(tokens), 1)
	if err := batch.FillPrompt(tokens, 0); err != nil {
		return res, err
	}
	if rc := lctx.Decode(batch); rc != 0 {
		metrics.DecodeFailures.WithLabelValues("prompt").Inc()
		err := decodeError(rc)
		s.log.Warn("prompt decode failed", zap.Int("tokens", len(tokens)), zap.Error(err))
		return res, err
	}
	metrics.PromptTokens.Add(float64(len(tokens)))

	budget := req.MaxTokens
	if budget < 0 {
		budget = opts.MaxTokens
	}
	// The last sampled token is never decoded, so the loop can produce one
	// token more than the context has free positions.
	limit := FinishLength
	if room := nCtx - len(tokens) + 1; budget > room {
		budget = room
		limit = FinishContext
	}

	stops := opts.Stop
	if req.Stop != nil {
		stops = req.Stop
	}

	var (
		text    []byte
		pending string
		nVocab  = vocab.NTokens()
	)
	emit := func(frag string) bool {
		if frag == "" {
			return true
		}
		text = append(text, frag...)
		if sink == nil {
			return true
		}
		return sink.Emit(frag)
	}

	res.Finish = limit
	for i := 0; i < budget; i++ {
		if s.cancel.Load() || c.Err() != nil {
			res.Finish = FinishCancelled
			break
		}

		next := chain.Sample(lctx, -1)
		if next < 0 || int32(next) >= nVocab {
			metrics.DecodeFailures.WithLabelValues("sample").Inc()
			res.Finish = FinishDecodeError
			res.Warning = fmt.Sprintf("sampler returned invalid token %d", next)
			s.log.Warn("sample failed", zap.Int32("token", int32(next)))
			break
		}
		if vocab.IsEOG(next) {
			res.Finish = FinishStop
			break
		}

		piece, err := tok.Detokenize(next)
		if err != nil {
			emit(pending)
			res.Text = string(text)
			res.Finish = FinishError
			s.log.Warn("detokenize failed", zap.Error(err))
			return res, err
		}
		res.Generated++
		metrics.GeneratedTokens.Inc()

		pending += piece
		if shouldStop(pending, stops) {
			emit(trimAtStop(pending, stops))
			pending = ""
			res.Finish = FinishStop
			break
		}
		ready, held := holdback(pending, stops)
		pending = held
		if !emit(ready) {
			res.Finish = FinishSink
			break
		}

		if i == budget-1 {
			break
		}
		if err := batch.FillSingle(next, engine.Pos(len(tokens)+i), 0); err != nil {
			return res, err
		}
		if rc := lctx.Decode(batch); rc != 0 {
			metrics.DecodeFailures.WithLabelValues("step").Inc()
			res.Finish = FinishDecodeError
			res.Warning = decodeError(rc).Error()
			s.log.Warn("decode failed, ending stream early",
				zap.Int("pos", len(tokens)+i), zap.Int32("rc", rc))
			break
		}
	}

	if pending != "" && res.Finish != FinishSink && res.Finish != FinishCancelled {
		emit(pending)
	}
	res.Text = string(text)
	return res, nil
}

func decodeError(rc int32) error {
	if rc == 1 {
		return fmt.Errorf("%w: KV cache full, need larger context or shorter prompt", ErrDecode)
	}
	return fmt.Errorf("%w: code %d", ErrDecode, rc)
}
