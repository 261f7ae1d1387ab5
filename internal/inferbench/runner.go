// Package inferbench measures generation throughput and latency of a loaded
// session on the current machine.
package inferbench

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"saaya/internal/runtime"
)

// Target is what the runner drives. *runtime.Manager satisfies it.
type Target interface {
	Stream(ctx context.Context, h runtime.Handle, req runtime.Request, cb runtime.StreamCallback) error
	Info(h runtime.Handle) (runtime.SessionInfo, error)
}

// Config controls the benchmark parameters.
type Config struct {
	// Iterations is how many recorded runs each prompt gets.
	Iterations int `json:"iterations"`

	// WarmupIterations are throw-away runs before recording.
	WarmupIterations int `json:"warmup_iterations"`

	// MaxTokens caps generation length per run.
	MaxTokens int `json:"max_tokens"`

	// Prompts to benchmark. If empty, StandardPrompts() is used.
	Prompts []Prompt `json:"prompts"`

	// OutputPath is the optional JSON file to write results to.
	OutputPath string `json:"-"`
}

// DefaultConfig returns reasonable defaults for edge benchmarking.
func DefaultConfig() Config {
	return Config{
		Iterations:       5,
		WarmupIterations: 1,
		MaxTokens:        128,
	}
}

// Prompt is a single benchmark prompt.
type Prompt struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// StandardPrompts returns prompts of increasing length.
func StandardPrompts() []Prompt {
	return []Prompt{
		{Name: "short", Text: "Hello! How are you today?"},
		{Name: "medium", Text: "Explain the difference between a stack and a queue in computer science. Give a real-world analogy for each."},
		{Name: "long", Text: "I'm building a small weather station with a single-board computer. I want to measure temperature, humidity, " +
			"barometric pressure, wind speed and rainfall. Which sensors should I use, how should I wire them, and what software " +
			"would you recommend for logging the data every five minutes and serving a dashboard on my local network?"},
	}
}

// IterationResult captures metrics from a single run.
type IterationResult struct {
	PromptName      string        `json:"prompt_name"`
	Iteration       int           `json:"iteration"`
	TTFT            time.Duration `json:"ttft_ns"`
	Duration        time.Duration `json:"duration_ns"`
	TokensEvaluated int           `json:"tokens_evaluated"`
	TokensGenerated int           `json:"tokens_generated"`
	GenerationTPS   float64       `json:"generation_tps"`
	ChunkCount      int           `json:"chunk_count"`
	AvgChunkLatency time.Duration `json:"avg_chunk_latency_ns"`
	MaxChunkLatency time.Duration `json:"max_chunk_latency_ns"`
	Finish          string        `json:"finish,omitempty"`
	RSSBytes        int64         `json:"rss_bytes"`
	Error           string        `json:"error,omitempty"`
}

// PromptSummary aggregates results across iterations for a single prompt.
type PromptSummary struct {
	Name          string        `json:"name"`
	Iterations    int           `json:"iterations"`
	Errors        int           `json:"errors"`
	TTFT          DurationStats `json:"ttft"`
	Duration      DurationStats `json:"duration"`
	GenerationTPS FloatStats    `json:"generation_tps"`
	ChunkLatency  DurationStats `json:"chunk_latency"`
	AvgTokensGen  float64       `json:"avg_tokens_generated"`
	PeakRSSBytes  int64         `json:"peak_rss_bytes"`
}

// DurationStats summarises a collection of time.Duration values.
type DurationStats struct {
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	P95    time.Duration `json:"p95_ns"`
}

// FloatStats summarises a collection of float64 values.
type FloatStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// Report is the top-level result container.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Engine    string            `json:"engine"`
	Model     string            `json:"model"`
	Context   int               `json:"context_size"`
	Threads   int               `json:"threads"`
	MemTotal  int64             `json:"mem_total_bytes,omitempty"`
	System    string            `json:"system_info,omitempty"`
	Config    Config            `json:"config"`
	Summaries []PromptSummary   `json:"summaries"`
	Raw       []IterationResult `json:"raw_results,omitempty"`
}

// Runner executes benchmarks against one session.
type Runner struct {
	target Target
	handle runtime.Handle
	cfg    Config
	log    *zap.Logger
}

// NewRunner creates a benchmark runner for the session behind h.
func NewRunner(target Target, h runtime.Handle, cfg Config, log *zap.Logger) *Runner {
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = StandardPrompts()
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{target: target, handle: h, cfg: cfg, log: log}
}

// Run executes the full suite and returns a report. Failed runs are recorded
// and counted; only a cancelled context aborts the suite.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	info, err := r.target.Info(r.handle)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Timestamp: time.Now(),
		Engine:    info.Engine,
		Model:     info.Description,
		Context:   info.ContextSize,
		Threads:   info.Threads,
		MemTotal:  totalMemory(),
		System:    info.SystemInfo,
		Config:    r.cfg,
	}

	for _, prompt := range r.cfg.Prompts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r.log.Info("benchmarking prompt", zap.String("prompt", prompt.Name))

		for i := 0; i < r.cfg.WarmupIterations; i++ {
			_, _ = r.runOnce(ctx, prompt, -1)
		}

		var results []IterationResult
		for i := 0; i < r.cfg.Iterations; i++ {
			res, err := r.runOnce(ctx, prompt, i)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return report, err
				}
				res.Error = err.Error()
				r.log.Warn("benchmark run failed", zap.String("prompt", prompt.Name), zap.Int("iteration", i), zap.Error(err))
			}
			results = append(results, res)
		}

		report.Raw = append(report.Raw, results...)
		report.Summaries = append(report.Summaries, summarize(prompt, results))
	}

	if r.cfg.OutputPath != "" {
		if err := Save(report, r.cfg.OutputPath); err != nil {
			return report, fmt.Errorf("save report: %w", err)
		}
		r.log.Info("benchmark report saved", zap.String("path", r.cfg.OutputPath))
	}
	return report, nil
}

// runOnce streams one generation and captures its metrics.
func (r *Runner) runOnce(ctx context.Context, prompt Prompt, iteration int) (IterationResult, error) {
	result := IterationResult{PromptName: prompt.Name, Iteration: iteration}

	maxTokens := r.cfg.MaxTokens
	req := runtime.Request{Prompt: prompt.Text}
	if maxTokens > 0 {
		req.Options.MaxTokens = &maxTokens
	}

	var (
		last     = time.Now()
		gapTotal time.Duration
	)
	err := r.target.Stream(ctx, r.handle, req, func(evt runtime.StreamEvent) error {
		now := time.Now()
		switch {
		case evt.Err != nil:
		case evt.Final:
			if evt.Stats != nil {
				result.TTFT = evt.Stats.TTFT
				result.Duration = evt.Stats.Duration
				result.TokensEvaluated = evt.Stats.TokensEvaluated
				result.TokensGenerated = evt.Stats.TokensGenerated
				result.GenerationTPS = evt.Stats.GenerationTPS
			}
			result.Finish = evt.Finish
		default:
			// The first gap is the time to first fragment, reported as TTFT.
			if result.ChunkCount > 0 {
				gap := now.Sub(last)
				gapTotal += gap
				if gap > result.MaxChunkLatency {
					result.MaxChunkLatency = gap
				}
			}
			result.ChunkCount++
		}
		last = now
		return nil
	})
	if result.ChunkCount > 1 {
		result.AvgChunkLatency = gapTotal / time.Duration(result.ChunkCount-1)
	}
	result.RSSBytes = readRSS()
	return result, err
}

// summarize aggregates the successful runs of one prompt.
func summarize(prompt Prompt, results []IterationResult) PromptSummary {
	ok := make([]IterationResult, 0, len(results))
	for _, r := range results {
		if r.Error == "" {
			ok = append(ok, r)
		}
	}
	out := PromptSummary{Name: prompt.Name, Iterations: len(ok), Errors: len(results) - len(ok)}
	if len(ok) == 0 {
		return out
	}

	ttft := make([]time.Duration, len(ok))
	dur := make([]time.Duration, len(ok))
	gap := make([]time.Duration, len(ok))
	tps := make([]float64, len(ok))
	var generated int
	for i, r := range ok {
		ttft[i], dur[i], gap[i], tps[i] = r.TTFT, r.Duration, r.AvgChunkLatency, r.GenerationTPS
		generated += r.TokensGenerated
		out.PeakRSSBytes = max(out.PeakRSSBytes, r.RSSBytes)
	}
	out.TTFT = computeDurationStats(ttft)
	out.Duration = computeDurationStats(dur)
	out.ChunkLatency = computeDurationStats(gap)
	out.GenerationTPS = computeFloatStats(tps)
	out.AvgTokensGen = float64(generated) / float64(len(ok))
	return out
}

type number interface {
	~int64 | ~float64
}

// describe returns min, max, mean, median and p95 of vals, which must be
// non-empty.
func describe[T number](vals []T) (lo, hi, mean, median, p95 T) {
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	n := len(sorted)

	var sum T
	for _, v := range sorted {
		sum += v
	}
	median = sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[0], sorted[n-1], sum / T(n), median, sorted[percentileIndex(n, 95)]
}

func computeDurationStats(vals []time.Duration) DurationStats {
	if len(vals) == 0 {
		return DurationStats{}
	}
	var s DurationStats
	s.Min, s.Max, s.Mean, s.Median, s.P95 = describe(vals)
	return s
}

func computeFloatStats(vals []float64) FloatStats {
	if len(vals) == 0 {
		return FloatStats{}
	}
	var s FloatStats
	s.Min, s.Max, s.Mean, s.Median, s.P95 = describe(vals)
	return s
}

// percentileIndex is the nearest-rank index ceil(n*pct/100)-1 within [0, n).
func percentileIndex(n, pct int) int {
	if n <= 0 {
		return 0
	}
	return min(max((n*pct+99)/100-1, 0), n-1)
}
