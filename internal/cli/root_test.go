package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"saaya/internal/config"
	"saaya/internal/engine/toy"
	"saaya/internal/logging"
	"saaya/internal/runtime"
	"saaya/server"
)

func writeModel(t *testing.T, corpus string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, toy.Save(path, toy.ModelFile{Corpus: corpus, Description: "toy model"}))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("SAAYA_CONFIG", "")
	t.Setenv("SAAYA_MODEL", "")

	cmd := NewCLI(runtime.DefaultRegistry)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--engine", toy.Name, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRunStreams(t *testing.T) {
	model := writeModel(t, "abcdef")
	out, _, err := execute(t, "", "run", "--model", model, "--temperature", "0", "a")
	require.NoError(t, err)
	assert.Equal(t, "bcdef\n", out)
}

func TestRunReadsStdin(t *testing.T) {
	model := writeModel(t, "abcdef")
	out, _, err := execute(t, "a\n", "run", "-m", model, "--temperature", "0", "--no-stream", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "bc\n", out)
}

func TestRunStats(t *testing.T) {
	model := writeModel(t, "abcdef")
	_, errOut, err := execute(t, "", "run", "-m", model, "--temperature", "0", "--stats", "--stop", "d", "a")
	require.NoError(t, err)
	assert.Contains(t, errOut, "generated tokens: 3")
	assert.Contains(t, errOut, "finish:           stop")
}

func TestRunErrors(t *testing.T) {
	model := writeModel(t, "abc")

	_, _, err := execute(t, "", "run", "a")
	assert.ErrorContains(t, err, "no model given")

	_, _, err = execute(t, "", "run", "-m", model)
	assert.ErrorContains(t, err, "no prompt given")

	_, _, err = execute(t, "", "run", "-m", model, "--top-p", "2", "a")
	assert.Error(t, err)

	_, _, err = execute(t, "", "--engine", "missing", "run", "-m", model, "a")
	assert.ErrorIs(t, err, runtime.ErrUnknownEngine)
}

func TestInfo(t *testing.T) {
	model := writeModel(t, "abc")
	out, _, err := execute(t, "", "info", "-m", model, "--ctx", "128", "--threads", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "toy model")
	assert.Contains(t, out, "128")
	assert.Contains(t, out, "258")
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "pure Go")
}

func TestRunWithoutSpecialTokens(t *testing.T) {
	model := writeModel(t, "abcdef")
	_, errOut, err := execute(t, "", "run", "-m", model, "--temperature", "0", "--stats", "-n", "0", "a")
	require.NoError(t, err)
	assert.Contains(t, errOut, "prompt tokens:    2")

	_, errOut, err = execute(t, "", "run", "-m", model, "--temperature", "0", "--stats", "-n", "0", "--no-special", "a")
	require.NoError(t, err)
	assert.Contains(t, errOut, "prompt tokens:    1")
}

func TestRunStreamReportsWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, toy.Save(path, toy.ModelFile{Corpus: "abcdef", FailDecodeAt: 3}))

	out, errOut, err := execute(t, "", "run", "-m", path, "--temperature", "0", "a")
	require.NoError(t, err)
	assert.Equal(t, "bc\n", out)
	assert.Contains(t, errOut, "warning: ")
}

func TestVerboseRaisesLogLevel(t *testing.T) {
	model := writeModel(t, "abc")
	_, _, err := execute(t, "", "-v", "info", "-m", model)
	require.NoError(t, err)
	assert.True(t, logging.New("test").Core().Enabled(zapcore.DebugLevel))

	_, _, err = execute(t, "", "info", "-m", model)
	require.NoError(t, err)
	assert.False(t, logging.New("test").Core().Enabled(zapcore.DebugLevel))
}

func TestSessionsAgainstServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default().Runtime
	cfg.Engine = toy.Name
	mgr, err := runtime.NewManager(cfg, runtime.DefaultRegistry, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, mgr.Init())
	ts := httptest.NewServer(server.NewHTTPServer("127.0.0.1", "0", mgr, zaptest.NewLogger(t)).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = mgr.Close()
	})

	model := writeModel(t, "abc")
	out, _, err := execute(t, "", "sessions", "--addr", ts.URL, "load", model)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, _, err = execute(t, "", "sessions", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "HANDLE")
	assert.Contains(t, out, "toy model")

	_, _, err = execute(t, "", "sessions", "--addr", ts.URL, "unload", "1")
	require.NoError(t, err)
	assert.Empty(t, mgr.List())

	_, _, err = execute(t, "", "sessions", "--addr", ts.URL, "unload", "1")
	assert.ErrorContains(t, err, "404")

	_, _, err = execute(t, "", "sessions", "--addr", ts.URL, "unload", "x")
	assert.ErrorContains(t, err, "invalid handle")
}

func TestBench(t *testing.T) {
	model := writeModel(t, "abcdef")
	report := filepath.Join(t.TempDir(), "bench.json")
	out, _, err := execute(t, "", "bench", "-m", model, "--iterations", "2", "--warmup", "0",
		"-n", "3", "--prompt", "a", "--prompt", "b", "-o", report)
	require.NoError(t, err)
	assert.Contains(t, out, "custom-1")
	assert.Contains(t, out, "custom-2")
	assert.FileExists(t, report)
}
