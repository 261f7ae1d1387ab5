package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"saaya/internal/engine"
	"saaya/internal/engine/toy"
	"saaya/internal/metrics"
)

type fixture struct {
	eng     *toy.Engine
	backend *engine.Backend
	sess    *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := toy.New()
	b := engine.NewBackend(eng, zaptest.NewLogger(t))
	require.NoError(t, b.Init(engine.NUMADisabled))
	return &fixture{eng: eng, backend: b, sess: New(b, zaptest.NewLogger(t))}
}

func writeModel(t *testing.T, mf toy.ModelFile) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, toy.Save(path, mf))
	return path
}

func greedyOptions() Options {
	o := DefaultOptions()
	o.ContextSize = 64
	o.Sampler = SamplerParams{Temperature: 0, TopP: 1}
	return o
}

func (f *fixture) load(t *testing.T, mf toy.ModelFile, o Options) {
	t.Helper()
	require.NoError(t, f.sess.Load(writeModel(t, mf), o))
	t.Cleanup(f.sess.Unload)
}

func (f *fixture) generate(t *testing.T, req Request) Result {
	t.Helper()
	res, err := f.sess.Generate(context.Background(), req, nil)
	require.NoError(t, err)
	return res
}

// ---------------------------------------------------------------------------
// Load / Unload
// ---------------------------------------------------------------------------

func TestLoadRequiresBackend(t *testing.T) {
	eng := toy.New()
	s := New(engine.NewBackend(eng, nil), nil)
	err := s.Load(writeModel(t, toy.ModelFile{Corpus: "abc"}), greedyOptions())
	require.ErrorIs(t, err, engine.ErrBackendNotReady)
	assert.Equal(t, StateUnloaded, s.State())
	assert.Equal(t, toy.Live{}, eng.Live())
}

func TestLoadMissingFile(t *testing.T) {
	f := newFixture(t)
	err := f.sess.Load(filepath.Join(t.TempDir(), "missing.yaml"), greedyOptions())
	require.Error(t, err)
	assert.False(t, f.sess.Loaded())
	assert.Equal(t, 0, f.backend.Attached())
}

func TestLoadContextFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	err := f.sess.Load(writeModel(t, toy.ModelFile{Corpus: "abc", FailContext: true}), greedyOptions())
	require.Error(t, err)
	assert.Equal(t, StateUnloaded, f.sess.State())
	assert.Equal(t, toy.Live{}, f.eng.Live())
	assert.Equal(t, 0, f.backend.Attached())
}

func TestLoadInvalidSampler(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.Sampler.TopP = 0
	err := f.sess.Load(writeModel(t, toy.ModelFile{Corpus: "abc"}), o)
	require.ErrorIs(t, err, ErrInvalidSampler)
	assert.Equal(t, toy.Live{}, f.eng.Live())
}

func TestLoadAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc", Description: "tiny"}, Options{Sampler: DefaultSamplerParams()})

	info := f.sess.Info()
	assert.True(t, info.Loaded)
	assert.Equal(t, 2048, info.ContextSize)
	assert.Equal(t, 4, info.Threads)
	assert.Equal(t, "tiny", info.Description)
	assert.Equal(t, toy.Name, info.Engine)
	assert.Equal(t, StateReady, info.State)
	assert.Equal(t, 2048, f.sess.ContextSize())
	assert.Equal(t, toy.Live{Models: 1, Contexts: 1, Samplers: 1}, f.eng.Live())
	assert.Equal(t, 1, f.backend.Attached())
}

func TestReloadReleasesPrevious(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc", Description: "first"}, greedyOptions())
	require.NoError(t, f.sess.Load(writeModel(t, toy.ModelFile{Corpus: "xyz", Description: "second"}), greedyOptions()))

	assert.Equal(t, "second", f.sess.Info().Description)
	assert.Equal(t, toy.Live{Models: 1, Contexts: 1, Samplers: 1}, f.eng.Live())
	assert.Equal(t, 1, f.backend.Attached())
}

func TestFailedReloadLeavesUnloaded(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc"}, greedyOptions())
	err := f.sess.Load(filepath.Join(t.TempDir(), "missing.yaml"), greedyOptions())
	require.Error(t, err)
	assert.False(t, f.sess.Loaded())
	assert.Equal(t, toy.Live{}, f.eng.Live())
}

func TestUnloadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc"}, greedyOptions())

	f.sess.Unload()
	f.sess.Unload()

	assert.Equal(t, StateUnloaded, f.sess.State())
	assert.Equal(t, 0, f.sess.ContextSize())
	assert.Equal(t, toy.Live{}, f.eng.Live())
	require.NoError(t, f.backend.Free())
}

func TestBackendFreeRefusedWhileLoaded(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc"}, greedyOptions())
	require.ErrorIs(t, f.backend.Free(), engine.ErrSessionsAlive)
}

func TestInfoString(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, NoModelInfo, f.sess.Info().String())

	o := greedyOptions()
	o.Threads = 2
	f.load(t, toy.ModelFile{Corpus: "abc", Description: "tiny"}, o)
	assert.Equal(t, "Model: tiny\nContext: 64\nThreads: 2\nVocab: 258", f.sess.Info().String())
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func TestGenerateNotLoaded(t *testing.T) {
	f := newFixture(t)
	_, err := f.sess.Generate(context.Background(), Request{Prompt: "a"}, nil)
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestGenerateGreedyRunsToEOS(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc"}, greedyOptions())

	res := f.generate(t, Request{Prompt: "a", MaxTokens: 10})
	assert.Equal(t, "bc", res.Text)
	assert.Equal(t, FinishStop, res.Finish)
	assert.Equal(t, 2, res.PromptTokens)
	assert.Equal(t, 2, res.Generated)
	assert.Empty(t, res.Warning)
	assert.Equal(t, StateReady, f.sess.State())
}

func TestGenerateIsRepeatable(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())

	first := f.generate(t, Request{Prompt: "a", MaxTokens: 3})
	second := f.generate(t, Request{Prompt: "a", MaxTokens: 3})
	assert.Equal(t, "bcd", first.Text)
	assert.Equal(t, first.Text, second.Text)
}

func TestGenerateRespectsMaxTokens(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())

	res := f.generate(t, Request{Prompt: "a", MaxTokens: 1})
	assert.Equal(t, "b", res.Text)
	assert.Equal(t, FinishLength, res.Finish)
}

func TestGenerateZeroMaxTokens(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc"}, greedyOptions())

	res := f.generate(t, Request{Prompt: "a", MaxTokens: 0})
	assert.Empty(t, res.Text)
	assert.Equal(t, 0, res.Generated)
	assert.Equal(t, 2, res.PromptTokens)
}

func TestGenerateNegativeMaxTokensUsesDefault(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.MaxTokens = 2
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, o)

	res := f.generate(t, Request{Prompt: "a", MaxTokens: -1})
	assert.Equal(t, "bc", res.Text)
	assert.Equal(t, FinishLength, res.Finish)
}

func TestGenerateClampsToContext(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.ContextSize = 4
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, o)

	// BOS + 'a' leaves two free positions. The third token is sampled but
	// never fed back, so it fits too.
	res := f.generate(t, Request{Prompt: "a", MaxTokens: 100})
	assert.Equal(t, "bcd", res.Text)
	assert.Equal(t, 3, res.Generated)
	assert.Equal(t, FinishContext, res.Finish)
	assert.Empty(t, res.Warning)
}

func TestGenerateFillsContextExactly(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.ContextSize = 4
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, o)

	// A budget equal to the clamp ends on length without a decode failure.
	res := f.generate(t, Request{Prompt: "a", MaxTokens: 3})
	assert.Equal(t, "bcd", res.Text)
	assert.Equal(t, FinishLength, res.Finish)
	assert.Empty(t, res.Warning)
}

func TestGenerateSpecialTokenFlags(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())
	noBOS := false

	tests := []struct {
		name   string
		req    Request
		tokens int
	}{
		{"default adds bos", Request{Prompt: "a"}, 2},
		{"without bos", Request{Prompt: "a", AddSpecial: &noBOS}, 1},
		{"special text kept literal", Request{Prompt: "<s>a", AddSpecial: &noBOS}, 4},
		{"special text parsed", Request{Prompt: "<s>a", AddSpecial: &noBOS, ParseSpecial: true}, 2},
		{"parsed with bos", Request{Prompt: "<s>a", ParseSpecial: true}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.MaxTokens = 0
			res := f.generate(t, tt.req)
			assert.Equal(t, tt.tokens, res.PromptTokens)
		})
	}

	// The override is per call: the next default request adds BOS again.
	res := f.generate(t, Request{Prompt: "a", MaxTokens: 2})
	assert.Equal(t, 2, res.PromptTokens)
	assert.Equal(t, "bc", res.Text)
}

func TestGeneratePromptOverflow(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.ContextSize = 3
	f.load(t, toy.ModelFile{Corpus: "abc"}, o)

	_, err := f.sess.Generate(context.Background(), Request{Prompt: "abcd"}, nil)
	require.ErrorIs(t, err, ErrContextOverflow)
	assert.Equal(t, StateReady, f.sess.State())
}

func TestGenerateEmptyPrompt(t *testing.T) {
	f := newFixture(t)
	noBOS := false
	f.load(t, toy.ModelFile{Corpus: "abc", AddBOS: &noBOS}, greedyOptions())

	_, err := f.sess.Generate(context.Background(), Request{Prompt: ""}, nil)
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestGenerateInvalidUTF8Prompt(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc"}, greedyOptions())

	_, err := f.sess.Generate(context.Background(), Request{Prompt: "\xff"}, nil)
	require.ErrorIs(t, err, ErrTokenize)
}

func TestGeneratePromptDecodeFailure(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abc", FailDecodeAt: 1}, greedyOptions())

	_, err := f.sess.Generate(context.Background(), Request{Prompt: "a"}, nil)
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, StateReady, f.sess.State())
}

func TestGenerateStepDecodeFailureEndsEarly(t *testing.T) {
	f := newFixture(t)
	// Decode 1 is the prompt, 2 feeds 'b', 3 feeds 'c' and fails.
	f.load(t, toy.ModelFile{Corpus: "abcdef", FailDecodeAt: 3}, greedyOptions())

	res := f.generate(t, Request{Prompt: "a", MaxTokens: 10})
	assert.Equal(t, "bc", res.Text)
	assert.Equal(t, FinishDecodeError, res.Finish)
	assert.NotEmpty(t, res.Warning)
}

func TestGenerateDetokenizeFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("x", pieceBufSize+1)
	f.load(t, toy.ModelFile{Corpus: "a" + long, Pieces: []string{long}}, greedyOptions())

	errored := metrics.Generations.WithLabelValues(string(FinishError))
	before := testutil.ToFloat64(errored)

	res, err := f.sess.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 4}, nil)
	require.ErrorIs(t, err, ErrDetokenize)
	assert.Equal(t, FinishError, res.Finish)
	assert.Empty(t, res.Text)
	assert.Equal(t, before+1, testutil.ToFloat64(errored))
	assert.Equal(t, StateReady, f.sess.State())
}

func TestGenerateStopSequence(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())

	var c Collector
	res, err := f.sess.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 10, Stop: []string{"cd"}}, &c)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Text)
	assert.Equal(t, "b", c.String())
	assert.Equal(t, FinishStop, res.Finish)
}

func TestGenerateSessionStopSequence(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.Stop = []string{"d"}
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, o)

	res := f.generate(t, Request{Prompt: "a", MaxTokens: 10})
	assert.Equal(t, "bc", res.Text)

	// A request list replaces the session list.
	res = f.generate(t, Request{Prompt: "a", MaxTokens: 10, Stop: []string{}})
	assert.Equal(t, "bcdef", res.Text)
}

func TestGenerateHoldsIncompleteRunes(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "aé"}, greedyOptions())

	var frags []string
	sink := SinkFunc(func(s string) bool {
		frags = append(frags, s)
		return true
	})
	res, err := f.sess.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 10}, sink)
	require.NoError(t, err)
	assert.Equal(t, "é", res.Text)
	assert.Equal(t, []string{"é"}, frags)
	assert.Equal(t, 2, res.Generated)
}

func TestGenerateStreamsFragmentsInOrder(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())

	var c Collector
	res, err := f.sess.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 10}, &c)
	require.NoError(t, err)
	assert.Equal(t, "bcdef", c.String())
	assert.Equal(t, 5, c.Fragments())
	assert.Equal(t, c.String(), res.Text)
}

func TestGenerateSinkCanStop(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())

	n := 0
	sink := SinkFunc(func(string) bool {
		n++
		return n < 2
	})
	res, err := f.sess.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 10}, sink)
	require.NoError(t, err)
	assert.Equal(t, FinishSink, res.Finish)
	assert.Equal(t, "bc", res.Text)
}

func TestGenerateContextCancel(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())

	ctx, cancel := context.WithCancel(context.Background())
	sink := SinkFunc(func(string) bool {
		cancel()
		return true
	})
	res, err := f.sess.Generate(ctx, Request{Prompt: "a", MaxTokens: 10}, sink)
	require.NoError(t, err)
	assert.Equal(t, FinishCancelled, res.Finish)
	assert.Equal(t, "b", res.Text)
}

func TestGenerateBusy(t *testing.T) {
	f := newFixture(t)
	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := SinkFunc(func(string) bool {
		once.Do(func() { close(entered) })
		<-release
		return true
	})

	done := make(chan Result)
	go func() {
		res, _ := f.sess.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 3}, sink)
		done <- res
	}()

	<-entered
	assert.Equal(t, StateGenerating, f.sess.State())
	_, err := f.sess.Generate(context.Background(), Request{Prompt: "a"}, nil)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, f.sess.Reset(), ErrBusy)
	require.ErrorIs(t, f.sess.ConfigureSampler(DefaultSamplerParams()), ErrBusy)

	close(release)
	select {
	case res := <-done:
		assert.Equal(t, "bcd", res.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finish")
	}
	assert.Equal(t, StateReady, f.sess.State())
}

func TestUnloadStopsGeneration(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.ContextSize = 1024
	require.NoError(t, f.sess.Load(writeModel(t, toy.ModelFile{Corpus: strings.Repeat("ab", 100)}), o))

	entered := make(chan struct{})
	var once sync.Once
	sink := SinkFunc(func(string) bool {
		once.Do(func() { close(entered) })
		time.Sleep(time.Millisecond)
		return true
	})

	done := make(chan Result)
	go func() {
		res, _ := f.sess.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 500}, sink)
		done <- res
	}()

	<-entered
	f.sess.Unload()
	res := <-done
	assert.Equal(t, FinishCancelled, res.Finish)
	assert.Equal(t, StateUnloaded, f.sess.State())
	assert.Equal(t, toy.Live{}, f.eng.Live())
}

// ---------------------------------------------------------------------------
// Sampler configuration
// ---------------------------------------------------------------------------

func TestRequestSamplerOverride(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.Sampler = SamplerParams{Temperature: 5, TopK: 0, TopP: 1, Seed: 7}
	f.load(t, toy.ModelFile{Corpus: "abc"}, o)

	greedy := SamplerParams{Temperature: 0, TopP: 1}
	res := f.generate(t, Request{Prompt: "a", MaxTokens: 10, Sampler: &greedy})
	assert.Equal(t, "bc", res.Text)
	assert.Equal(t, toy.Live{Models: 1, Contexts: 1, Samplers: 1}, f.eng.Live())
}

func TestSeededSamplingIsReproducible(t *testing.T) {
	f := newFixture(t)
	o := greedyOptions()
	o.Sampler = SamplerParams{Temperature: 1.5, TopK: 0, TopP: 1, Seed: 42}
	f.load(t, toy.ModelFile{Corpus: "abcabd\nacbd\nbadc"}, o)

	first := f.generate(t, Request{Prompt: "a", MaxTokens: 8})
	second := f.generate(t, Request{Prompt: "a", MaxTokens: 8})
	assert.Equal(t, first.Text, second.Text)
}

func TestConfigureSampler(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.sess.ConfigureSampler(DefaultSamplerParams()), ErrNotLoaded)

	f.load(t, toy.ModelFile{Corpus: "abc"}, Options{Sampler: DefaultSamplerParams()})
	require.NoError(t, f.sess.ConfigureSampler(SamplerParams{Temperature: 0, TopP: 1}))
	res := f.generate(t, Request{Prompt: "a", MaxTokens: 10})
	assert.Equal(t, "bc", res.Text)

	require.ErrorIs(t, f.sess.ConfigureSampler(SamplerParams{Temperature: -1, TopP: 1}), ErrInvalidSampler)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.sess.Reset(), ErrNotLoaded)
	f.load(t, toy.ModelFile{Corpus: "abc"}, greedyOptions())
	require.NoError(t, f.sess.Reset())
}

func TestSetGenerationDefaults(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.sess.SetGenerationDefaults(1, nil), ErrNotLoaded)

	f.load(t, toy.ModelFile{Corpus: "abcdef"}, greedyOptions())
	require.NoError(t, f.sess.SetGenerationDefaults(0, []string{"e"}))
	assert.Equal(t, []string{"e"}, f.sess.Defaults().Stop)
	assert.Equal(t, 512, f.sess.Defaults().MaxTokens)

	res := f.generate(t, Request{Prompt: "a", MaxTokens: -1})
	assert.Equal(t, "bcd", res.Text)
	assert.Equal(t, FinishStop, res.Finish)
}
