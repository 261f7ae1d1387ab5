package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"saaya/internal/config"
	"saaya/internal/engine"
	"saaya/internal/session"
)

// Registry maps engine names to factories.
type Registry map[string]EngineFactory

// EngineFactory constructs an engine from configuration.
type EngineFactory func(config.RuntimeConfig) (engine.Engine, error)

const defaultEngine = "llama"

type entry struct {
	sess   *session.Session
	preset string
}

// Manager owns the engine backend and every session loaded against it.
// Sessions are addressed by handle so several models can be live at once.
type Manager struct {
	cfg     config.RuntimeConfig
	backend *engine.Backend
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[Handle]*entry
	next     Handle
}

// NewManager constructs the runtime manager using the provided configuration.
func NewManager(cfg config.RuntimeConfig, registry Registry, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	name := strings.TrimSpace(strings.ToLower(cfg.Engine))
	if name == "" {
		name = defaultEngine
	}

	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	eng, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: engine %q: %w", name, err)
	}

	return &Manager{
		cfg:      cfg,
		backend:  engine.NewBackend(eng, log.Named("backend")),
		log:      log,
		sessions: make(map[Handle]*entry),
	}, nil
}

// Backend exposes the engine lifecycle guard.
func (m *Manager) Backend() *engine.Backend { return m.backend }

// Engine is the name of the engine in use.
func (m *Manager) Engine() string { return m.backend.Engine().Name() }

// Init initializes the backend with the configured NUMA strategy.
func (m *Manager) Init() error {
	return m.backend.Init(engine.ParseNUMA(m.cfg.NUMA))
}

// Close unloads every session and frees the backend.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	var err error
	for _, info := range m.List() {
		err = multierr.Append(err, m.Unload(info.Handle))
	}
	return multierr.Append(err, m.backend.Free())
}

// Load opens a model in a new session and returns its handle.
func (m *Manager) Load(path string, opts LoadOptions) (Handle, error) {
	sess := session.New(m.backend, m.log.Named("session"))
	preset, err := m.load(sess, path, opts)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.next++
	h := m.next
	m.sessions[h] = &entry{sess: sess, preset: preset}
	m.mu.Unlock()

	m.log.Info("session registered", zap.Int64("handle", int64(h)), zap.String("path", path))
	return h, nil
}

// Reload replaces the model behind h. The old model is released first, so a
// failed reload leaves the handle registered but unloaded.
func (m *Manager) Reload(h Handle, path string, opts LoadOptions) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	preset, err := m.load(e.sess, path, opts)
	m.mu.Lock()
	e.preset = preset
	m.mu.Unlock()
	return err
}

func (m *Manager) load(sess *session.Session, path string, lo LoadOptions) (string, error) {
	opts, preset := m.sessionOptions(path, lo)
	if err := sess.Load(path, opts); err != nil {
		return "", err
	}
	if preset != "" || !m.cfg.PresetsEnabled() {
		return preset, nil
	}

	// The path did not identify the family; try the model's own description.
	p, ok := MatchPreset(sess.Info().Description, "")
	if !ok {
		return "", nil
	}
	d := m.cfg.Defaults
	applyPreset(&d, p)
	if err := sess.SetGenerationDefaults(d.MaxTokens, d.Stop); err != nil {
		return "", err
	}
	m.log.Info("model preset applied", zap.String("preset", p.Name), zap.String("source", "description"))
	return p.Name, nil
}

func (m *Manager) sessionOptions(path string, lo LoadOptions) (session.Options, string) {
	d := m.cfg.Defaults
	preset := ""
	if m.cfg.PresetsEnabled() {
		if p, ok := MatchPreset("", path); ok {
			applyPreset(&d, p)
			preset = p.Name
			m.log.Info("model preset applied", zap.String("preset", p.Name), zap.String("source", "path"))
		}
	}

	mp := engine.DefaultModelParams()
	mp.GPULayers = lo.GPULayers
	if m.cfg.Mmap != nil {
		mp.UseMmap = *m.cfg.Mmap
	}
	if m.cfg.Mlock != nil {
		mp.UseMlock = *m.cfg.Mlock
	}

	opts := session.Options{
		ContextSize: firstPositive(lo.ContextSize, m.cfg.ContextSize),
		Threads:     firstPositive(lo.Threads, m.cfg.Threads),
		BatchSize:   firstPositive(lo.BatchSize, m.cfg.BatchSize),
		Model:       mp,
		Sampler:     session.SamplerFromDefaults(d),
		MaxTokens:   d.MaxTokens,
		Stop:        d.Stop,
	}
	return opts, preset
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Unload releases the session behind h and forgets the handle.
func (m *Manager) Unload(h Handle) error {
	m.mu.Lock()
	e, ok := m.sessions[h]
	delete(m.sessions, h)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	e.sess.Unload()
	m.log.Info("session released", zap.Int64("handle", int64(h)))
	return nil
}

// Session returns the session behind h.
func (m *Manager) Session(h Handle) (*session.Session, error) {
	e, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return e.sess, nil
}

func (m *Manager) lookup(h Handle) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return e, nil
}

// Info describes the session behind h.
func (m *Manager) Info(h Handle) (SessionInfo, error) {
	e, err := m.lookup(h)
	if err != nil {
		return SessionInfo{}, err
	}
	m.mu.RLock()
	preset := e.preset
	m.mu.RUnlock()
	return SessionInfo{Handle: h, Info: e.sess.Info(), Preset: preset}, nil
}

// List describes every registered session ordered by handle.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	handles := make([]Handle, 0, len(m.sessions))
	for h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]SessionInfo, 0, len(handles))
	for _, h := range handles {
		if info, err := m.Info(h); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Generate runs a single-shot completion request.
func (m *Manager) Generate(ctx context.Context, h Handle, req Request) (Response, error) {
	sess, err := m.Session(h)
	if err != nil {
		return Response{}, err
	}
	sreq, err := m.sessionRequest(sess, req)
	if err != nil {
		return Response{}, err
	}

	res, err := sess.Generate(ctx, sreq, nil)
	resp := Response{Text: res.Text, Stats: statsFor(res, 0), Finish: string(res.Finish), Warning: res.Warning}
	return resp, err
}

// Stream requests a streaming generation. cb sees every fragment in order
// and a final event carrying the stats.
func (m *Manager) Stream(ctx context.Context, h Handle, req Request, cb StreamCallback) error {
	sess, err := m.Session(h)
	if err != nil {
		return err
	}
	sreq, err := m.sessionRequest(sess, req)
	if err != nil {
		return err
	}

	start := time.Now()
	var (
		ttft  time.Duration
		index int
		cbErr error
	)
	sink := session.SinkFunc(func(frag string) bool {
		if index == 0 && ttft == 0 {
			ttft = time.Since(start)
		}
		if cbErr = cb(StreamEvent{Token: frag, Index: index}); cbErr != nil {
			return false
		}
		index++
		return true
	})

	res, err := sess.Generate(ctx, sreq, sink)
	if err != nil {
		_ = cb(StreamEvent{Final: true, Err: err, Index: index, Finish: string(res.Finish)})
		return err
	}
	if cbErr != nil {
		return cbErr
	}
	st := statsFor(res, ttft)
	return cb(StreamEvent{Final: true, Index: index, Stats: &st, Finish: string(res.Finish), Warning: res.Warning})
}

// sessionRequest layers per-call overrides over the session defaults.
func (m *Manager) sessionRequest(sess *session.Session, req Request) (session.Request, error) {
	o := req.Options
	sreq := session.Request{
		Prompt:       req.Prompt,
		MaxTokens:    -1,
		Stop:         o.Stop,
		AddSpecial:   o.AddSpecial,
		ParseSpecial: o.ParseSpecial,
	}
	if o.MaxTokens != nil {
		sreq.MaxTokens = *o.MaxTokens
	}
	if o.Temperature == nil && o.TopK == nil && o.TopP == nil && o.Seed == nil {
		return sreq, nil
	}

	p := sess.Defaults().Sampler
	if o.Temperature != nil {
		p.Temperature = float32(*o.Temperature)
	}
	if o.TopK != nil {
		p.TopK = int32(*o.TopK)
	}
	if o.TopP != nil {
		p.TopP = float32(*o.TopP)
	}
	if o.Seed != nil {
		p.Seed = *o.Seed
	}
	if err := p.Validate(); err != nil {
		return sreq, err
	}
	sreq.Sampler = &p
	return sreq, nil
}
