// Package logging configures the process-wide zap logger. Components ask for
// a named child with New and never build their own cores.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"saaya/internal/config"
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logFile *os.File
	logPath string
)

// Init builds the root logger from cfg. With File set, output goes to
// ~/.saaya/logs/saaya-YYYY-MM-DD.log so stdout stays clean for streamed text.
func Init(cfg config.LoggingConfig) error {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil && cfg.Level != "" {
		return fmt.Errorf("logging: %w", err)
	}
	if cfg.Level == "" {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	out := zapcore.Lock(os.Stderr)
	tty := term.IsTerminal(int(os.Stderr.Fd()))
	var (
		f    *os.File
		path string
	)
	if cfg.File {
		f, path, err = openLogFile()
		if err != nil {
			return err
		}
		out = zapcore.AddSync(f)
		tty = false
	}

	l := zap.New(zapcore.NewCore(encoder(cfg.Format, tty), out, level))

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	root, logFile, logPath = l, f, path
	mu.Unlock()

	if f != nil {
		l.Info("=== saaya session started ===")
	}
	return nil
}

func encoder(format string, tty bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = "msg"
	cfg.LevelKey = "lvl"
	cfg.TimeKey = "ts"
	cfg.NameKey = "log"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}

	switch strings.ToLower(format) {
	case "json":
		return zapcore.NewJSONEncoder(cfg)
	case "console":
	default:
		// If stderr is not a terminal, we use JSON encoding for logs.
		if !tty {
			return zapcore.NewJSONEncoder(cfg)
		}
	}
	if tty {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func openLogFile() (*os.File, string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	dir := filepath.Join(homeDir, ".saaya", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("saaya-%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log file: %w", err)
	}
	return f, path, nil
}

// New returns a logger named after subsystem. Loggers obtained before Init
// discard their output.
func New(subsystem string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(subsystem)
}

// SetLevel changes the level of every logger built from the root.
func SetLevel(l zapcore.Level) { level.SetLevel(l) }

// Replace installs l as the root logger. Tests use it with zaptest or
// observer cores.
func Replace(l *zap.Logger) {
	mu.Lock()
	root = l
	mu.Unlock()
}

// Close flushes the root logger and closes the log file if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	if logFile != nil {
		root.Info("=== saaya session ended ===")
		logFile.Close()
		logFile = nil
	}
}

// FilePath returns the active log file, or "" when logging to stderr.
func FilePath() string {
	mu.RLock()
	defer mu.RUnlock()
	return logPath
}
