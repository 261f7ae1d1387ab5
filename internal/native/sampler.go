//go:build native

package native

/*
#include "llama.h"
*/
import "C"

import "saaya/internal/engine"

// SamplerChain wraps a llama.cpp sampler chain. The chain takes ownership
// of every sampler added to it and frees them on Free.
type SamplerChain struct {
	handle *C.struct_llama_sampler
}

func (s *SamplerChain) add(smpl *C.struct_llama_sampler) {
	if s.handle != nil {
		C.llama_sampler_chain_add(s.handle, smpl)
	}
}

func (s *SamplerChain) AddTemp(t float32) { s.add(C.llama_sampler_init_temp(C.float(t))) }

func (s *SamplerChain) AddTopK(k int32) { s.add(C.llama_sampler_init_top_k(C.int32_t(k))) }

func (s *SamplerChain) AddTopP(p float32, minKeep int) {
	s.add(C.llama_sampler_init_top_p(C.float(p), C.size_t(minKeep)))
}

func (s *SamplerChain) AddDist(seed uint32) { s.add(C.llama_sampler_init_dist(C.uint32_t(seed))) }

func (s *SamplerChain) AddGreedy() { s.add(C.llama_sampler_init_greedy()) }

func (s *SamplerChain) Len() int {
	if s.handle == nil {
		return 0
	}
	return int(C.llama_sampler_chain_n(s.handle))
}

// Sample picks a token from the logits at output idx of ctx's last decode.
func (s *SamplerChain) Sample(ctx engine.Context, idx int32) engine.Token {
	nc, ok := ctx.(*Context)
	if !ok || s.handle == nil {
		return -1
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.closed {
		return -1
	}
	return engine.Token(C.llama_sampler_sample(s.handle, nc.handle, C.int32_t(idx)))
}

// Reset clears per-request state such as the dist sampler's RNG.
func (s *SamplerChain) Reset() {
	if s.handle != nil {
		C.llama_sampler_reset(s.handle)
	}
}

// Free releases the chain and all samplers it owns.
func (s *SamplerChain) Free() {
	if s.handle != nil {
		C.llama_sampler_free(s.handle)
		s.handle = nil
	}
}
