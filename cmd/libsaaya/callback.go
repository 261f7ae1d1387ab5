package main

/*
#include <stdlib.h>
#include "libsaaya.h"

void saaya_call_token_cb(saaya_token_cb cb, const char *token, void *user_data) {
	if (cb != 0) {
		cb(token, user_data);
	}
}
*/
import "C"
import "unsafe"

// tokenCallback adapts a C callback to the bridge's fragment func.
func tokenCallback(cb C.saaya_token_cb, user unsafe.Pointer) func(string) {
	return func(token string) {
		cs := C.CString(token)
		defer C.free(unsafe.Pointer(cs))
		C.saaya_call_token_cb(cb, cs, user)
	}
}
