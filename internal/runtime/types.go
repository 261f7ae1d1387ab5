package runtime

import (
	"errors"
	"time"

	"saaya/internal/session"
)

var (
	// ErrUnknownHandle is returned for handles that were never issued or
	// have been unloaded.
	ErrUnknownHandle = errors.New("runtime: unknown session handle")
	// ErrUnknownEngine is returned when the configured engine is not registered.
	ErrUnknownEngine = errors.New("runtime: engine not registered")
)

// Handle identifies a loaded session. Handles are positive and never reused
// within a process.
type Handle int64

// LoadOptions overrides the configured runtime values for one load. Zero
// fields fall back to configuration.
type LoadOptions struct {
	ContextSize int
	Threads     int
	BatchSize   int
	GPULayers   int32
}

// Request captures a prompt along with per-call generation overrides.
type Request struct {
	Prompt  string
	Options GenerationOptions
}

// GenerationOptions maps to the inference controls exposed per call. Nil
// fields keep the session default.
type GenerationOptions struct {
	MaxTokens   *int
	Temperature *float64
	TopK        *int
	TopP        *float64
	Seed        *uint32
	Stop        []string

	// AddSpecial nil adds the model's special tokens to the prompt.
	AddSpecial   *bool
	ParseSpecial bool
}

// Response contains the final text plus statistics.
type Response struct {
	Text    string
	Stats   Stats
	Finish  string
	Warning string
}

// Stats summarises one generation.
type Stats struct {
	TokensEvaluated int
	TokensGenerated int
	Duration        time.Duration

	// TTFT is the time from request start until the first fragment.
	TTFT time.Duration

	// GenerationTPS is the token generation throughput (tokens/second).
	GenerationTPS float64
}

// StreamEvent is emitted for each fragment and once more at the end.
type StreamEvent struct {
	Token string
	Index int
	Final bool
	Err   error

	// Stats, Finish and Warning are populated on the final event.
	Stats   *Stats
	Finish  string
	Warning string
}

// StreamCallback is invoked for each StreamEvent while streaming results.
// Returning an error stops generation.
type StreamCallback func(StreamEvent) error

// SessionInfo describes one registered session.
type SessionInfo struct {
	Handle Handle
	session.Info
	// Preset is the name of the applied model-family preset, if any.
	Preset string
}

func statsFor(res session.Result, ttft time.Duration) Stats {
	st := Stats{
		TokensEvaluated: res.PromptTokens,
		TokensGenerated: res.Generated,
		Duration:        res.Duration,
		TTFT:            ttft,
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		st.GenerationTPS = float64(res.Generated) / secs
	}
	return st
}
