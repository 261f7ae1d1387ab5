//go:build native

// build_native.go registers the llama.cpp engine with the runtime registry
// when building with -tags native.
package native

import "saaya/internal/runtime"

func init() {
	runtime.Register(EngineName, newEngine)
}
