// Command libsaaya builds the C shared library:
//
//	go build -tags native -buildmode=c-shared -o libsaaya.so ./cmd/libsaaya
//
// Strings returned to C are allocated with malloc and must be released with
// saaya_free_string.
package main

/*
#include <stdlib.h>
#include "libsaaya.h"
*/
import "C"
import (
	"unsafe"

	"saaya/internal/bridge"

	_ "saaya/internal/native"
)

func main() {}

func boolInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

//export saaya_init_backend
func saaya_init_backend() { bridge.Default().InitBackend() }

//export saaya_free_backend
func saaya_free_backend() { bridge.Default().FreeBackend() }

//export saaya_shutdown
func saaya_shutdown() { bridge.Default().Close() }

//export saaya_load_model
func saaya_load_model(path *C.char, contextLength, threads C.int) C.longlong {
	return C.longlong(bridge.Default().LoadModel(C.GoString(path), int(contextLength), int(threads)))
}

//export saaya_generate
func saaya_generate(handle C.longlong, prompt *C.char, maxTokens C.int) *C.char {
	return C.CString(bridge.Default().Generate(int64(handle), C.GoString(prompt), int(maxTokens)))
}

//export saaya_generate_stream
func saaya_generate_stream(handle C.longlong, prompt *C.char, maxTokens C.int, temperature C.float, topK C.int, topP C.float, cb C.saaya_token_cb, userData unsafe.Pointer) {
	bridge.Default().GenerateStream(int64(handle), C.GoString(prompt), int(maxTokens),
		float32(temperature), int(topK), float32(topP), tokenCallback(cb, userData))
}

//export saaya_unload_model
func saaya_unload_model(handle C.longlong) { bridge.Default().UnloadModel(int64(handle)) }

//export saaya_get_model_info
func saaya_get_model_info(handle C.longlong) *C.char {
	return C.CString(bridge.Default().GetModelInfo(int64(handle)))
}

//export saaya_get_context_size
func saaya_get_context_size(handle C.longlong) C.int {
	return C.int(bridge.Default().GetContextSize(int64(handle)))
}

//export saaya_is_model_loaded
func saaya_is_model_loaded(handle C.longlong) C.int {
	return boolInt(bridge.Default().IsModelLoaded(int64(handle)))
}

//export saaya_free_string
func saaya_free_string(s *C.char) { C.free(unsafe.Pointer(s)) }
