package native

import (
	"errors"

	"go.uber.org/zap/zapcore"
)

// EngineName is the registry key of the llama.cpp engine.
const EngineName = "llama"

// ErrUnavailable is returned by the engine factory in builds without cgo
// bindings.
var ErrUnavailable = errors.New("native: llama.cpp engine not compiled in")

// ggml_log_level values.
const (
	ggmlLogNone = iota
	ggmlLogDebug
	ggmlLogInfo
	ggmlLogWarn
	ggmlLogError
	ggmlLogCont
)

// levelFor maps a ggml log level onto zap. llama.cpp is chatty at info, so
// everything below warn is demoted to debug.
func levelFor(level int) zapcore.Level {
	switch level {
	case ggmlLogWarn:
		return zapcore.WarnLevel
	case ggmlLogError:
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}
