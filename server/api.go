package server

import (
	"time"

	"saaya/internal/runtime"
)

// LoadRequest opens a model in a new session.
type LoadRequest struct {
	Path        string `json:"path"`
	ContextSize int    `json:"context_size,omitempty"`
	Threads     int    `json:"threads,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	GPULayers   int32  `json:"gpu_layers,omitempty"`
}

// LoadResponse carries the handle of a loaded session.
type LoadResponse struct {
	Handle int64 `json:"handle"`
}

// SessionResponse describes a session.
type SessionResponse struct {
	Handle      int64  `json:"handle"`
	Loaded      bool   `json:"loaded"`
	State       string `json:"state"`
	Engine      string `json:"engine,omitempty"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
	ContextSize int    `json:"context_size,omitempty"`
	Threads     int    `json:"threads,omitempty"`
	VocabSize   int    `json:"vocab_size,omitempty"`
	Preset      string `json:"preset,omitempty"`
}

// ListResponse is returned by GET /api/sessions.
type ListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// GenerateRequest represents an inference request. Unset sampler fields keep
// the session defaults.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *uint32  `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	// AddSpecial false leaves out BOS and other model-added tokens.
	AddSpecial   *bool `json:"add_special,omitempty"`
	ParseSpecial bool  `json:"parse_special,omitempty"`
}

// GenerateResponse is either one streamed fragment or the final record.
type GenerateResponse struct {
	Token   string         `json:"token,omitempty"`
	Text    string         `json:"text,omitempty"`
	Done    bool           `json:"done"`
	Finish  string         `json:"finish,omitempty"`
	Warning string         `json:"warning,omitempty"`
	Stats   *StatsResponse `json:"stats,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// StatsResponse summarises a finished generation.
type StatsResponse struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	DurationMs      float64 `json:"duration_ms"`
	TTFTMs          float64 `json:"ttft_ms,omitempty"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	Backend  bool   `json:"backend_ready"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (r GenerateRequest) runtimeRequest() runtime.Request {
	return runtime.Request{
		Prompt: r.Prompt,
		Options: runtime.GenerationOptions{
			MaxTokens:   r.MaxTokens,
			Temperature: r.Temperature,
			TopK:        r.TopK,
			TopP:        r.TopP,
			Seed:        r.Seed,
			Stop:        r.Stop,

			AddSpecial:   r.AddSpecial,
			ParseSpecial: r.ParseSpecial,
		},
	}
}

func sessionResponse(info runtime.SessionInfo) SessionResponse {
	return SessionResponse{
		Handle:      int64(info.Handle),
		Loaded:      info.Loaded,
		State:       info.State.String(),
		Engine:      info.Engine,
		Path:        info.Path,
		Description: info.Description,
		ContextSize: info.ContextSize,
		Threads:     info.Threads,
		VocabSize:   info.VocabSize,
		Preset:      info.Preset,
	}
}

func statsResponse(st runtime.Stats) *StatsResponse {
	return &StatsResponse{
		PromptTokens:    st.TokensEvaluated,
		GeneratedTokens: st.TokensGenerated,
		DurationMs:      float64(st.Duration) / float64(time.Millisecond),
		TTFTMs:          float64(st.TTFT) / float64(time.Millisecond),
		TokensPerSecond: st.GenerationTPS,
	}
}
