package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"saaya/internal/config"
	"saaya/internal/engine/toy"
	"saaya/internal/runtime"
)

func init() { gin.SetMode(gin.TestMode) }

type harness struct {
	mgr *runtime.Manager
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default().Runtime
	cfg.Engine = toy.Name
	cfg.ContextSize = 64
	cfg.Defaults.Temperature = 0

	mgr, err := runtime.NewManager(cfg, runtime.DefaultRegistry, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, mgr.Init())

	srv := httptest.NewServer(NewHTTPServer("127.0.0.1", "0", mgr, zaptest.NewLogger(t)).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return &harness{mgr: mgr, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) loadModel(t *testing.T, mf toy.ModelFile) int64 {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, toy.Save(path, mf))
	resp := h.do(t, http.MethodPost, "/api/sessions", LoadRequest{Path: path})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[LoadResponse](t, resp).Handle
}

func intPtr(v int) *int { return &v }

// ---------------------------------------------------------------------------
// Health and metrics
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, toy.Name, body.Engine)
	assert.True(t, body.Backend)
	assert.Equal(t, 0, body.Sessions)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abc"})
	h.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/generate", id), GenerateRequest{Prompt: "a"})

	resp := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "saaya_generations_total")
	assert.Contains(t, string(data), "saaya_sessions_loaded")
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestLoadListInfoUnload(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abc", Description: "tiny"})

	list := decode[ListResponse](t, h.do(t, http.MethodGet, "/api/sessions", nil))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].Handle)

	resp := h.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[SessionResponse](t, resp)
	assert.True(t, info.Loaded)
	assert.Equal(t, "tiny", info.Description)
	assert.Equal(t, 64, info.ContextSize)
	assert.Equal(t, "ready", info.State)

	resp = h.do(t, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoadValidation(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/sessions", LoadRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/sessions", LoadRequest{Path: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)

	resp = h.do(t, http.MethodGet, "/api/sessions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReloadEndpoint(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abc", Description: "first"})

	path := filepath.Join(t.TempDir(), "second.yaml")
	require.NoError(t, toy.Save(path, toy.ModelFile{Corpus: "xyz", Description: "second"}))
	resp := h.do(t, http.MethodPut, fmt.Sprintf("/api/sessions/%d", id), LoadRequest{Path: path})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "second", decode[SessionResponse](t, resp).Description)
}

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

func TestGenerateNonStreaming(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abcdef"})

	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/generate", id), GenerateRequest{Prompt: "a", MaxTokens: intPtr(3)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[GenerateResponse](t, resp)
	assert.Equal(t, "bcd", body.Text)
	assert.True(t, body.Done)
	assert.Equal(t, "length", body.Finish)
	require.NotNil(t, body.Stats)
	assert.Equal(t, 2, body.Stats.PromptTokens)
	assert.Equal(t, 3, body.Stats.GeneratedTokens)
}

func TestGenerateStreaming(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abcdef"})

	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/generate", id), GenerateRequest{Prompt: "a", Stream: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var (
		tokens []string
		final  GenerateResponse
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var rec GenerateResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec.Done {
			final = rec
			continue
		}
		tokens = append(tokens, rec.Token)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, "bcdef", strings.Join(tokens, ""))
	assert.True(t, final.Done)
	assert.Equal(t, "stop", final.Finish)
	require.NotNil(t, final.Stats)
	assert.Equal(t, 5, final.Stats.GeneratedTokens)
}

func TestGenerateStreamingWarning(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abcdef", FailDecodeAt: 3})

	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/generate", id), GenerateRequest{Prompt: "a", Stream: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var final GenerateResponse
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var rec GenerateResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec.Done {
			final = rec
		}
	}
	require.NoError(t, sc.Err())
	assert.True(t, final.Done)
	assert.Equal(t, "decode_error", final.Finish)
	assert.NotEmpty(t, final.Warning)
}

func TestGenerateSpecialTokenFields(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abcdef"})
	gen := fmt.Sprintf("/api/sessions/%d/generate", id)
	noBOS := false

	resp := h.do(t, http.MethodPost, gen, GenerateRequest{Prompt: "a", MaxTokens: intPtr(0)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[GenerateResponse](t, resp).Stats.PromptTokens)

	resp = h.do(t, http.MethodPost, gen, GenerateRequest{Prompt: "a", MaxTokens: intPtr(0), AddSpecial: &noBOS})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[GenerateResponse](t, resp).Stats.PromptTokens)

	resp = h.do(t, http.MethodPost, gen, map[string]any{"prompt": "<s>a", "max_tokens": 0, "add_special": false, "parse_special": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[GenerateResponse](t, resp).Stats.PromptTokens)
}

func TestGenerateErrors(t *testing.T) {
	h := newHarness(t)
	id := h.loadModel(t, toy.ModelFile{Corpus: "abc"})
	gen := fmt.Sprintf("/api/sessions/%d/generate", id)

	tests := []struct {
		name   string
		path   string
		req    GenerateRequest
		status int
	}{
		{"unknown handle", "/api/sessions/999/generate", GenerateRequest{Prompt: "a"}, http.StatusNotFound},
		{"unknown handle streaming", "/api/sessions/999/generate", GenerateRequest{Prompt: "a", Stream: true}, http.StatusNotFound},
		{"prompt too long", gen, GenerateRequest{Prompt: strings.Repeat("a", 100)}, http.StatusBadRequest},
		{"bad sampler", gen, GenerateRequest{Prompt: "a", TopK: intPtr(-1)}, http.StatusBadRequest},
		{"bad sampler streaming", gen, GenerateRequest{Prompt: "a", TopK: intPtr(-1), Stream: true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, tt.path, tt.req)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("wrapped: %w", runtime.ErrUnknownHandle)))
}
