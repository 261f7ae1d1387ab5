package session

import (
	"errors"
	"fmt"

	"saaya/internal/config"
	"saaya/internal/engine"
)

var ErrInvalidSampler = errors.New("session: invalid sampler parameters")

// SamplerParams configures the sampler chain.
type SamplerParams struct {
	// Temperature divides logits before the draw. 0 selects greedy decoding.
	Temperature float32
	// TopK keeps the k best candidates. 0 disables the filter.
	TopK int32
	// TopP keeps the smallest prefix reaching this cumulative probability.
	TopP float32
	// Seed for the final draw. engine.DefaultSeed picks one at random.
	Seed uint32
}

// DefaultSamplerParams matches the reference session chain.
func DefaultSamplerParams() SamplerParams {
	return SamplerParams{
		Temperature: 0.7,
		TopK:        40,
		TopP:        0.9,
		Seed:        engine.DefaultSeed,
	}
}

// SamplerFromDefaults converts configured generation defaults.
func SamplerFromDefaults(d config.GenerationDefaults) SamplerParams {
	p := SamplerParams{
		Temperature: float32(d.Temperature),
		TopK:        int32(d.TopK),
		TopP:        float32(d.TopP),
		Seed:        engine.DefaultSeed,
	}
	if d.Seed != nil {
		p.Seed = *d.Seed
	}
	return p
}

// Greedy reports whether the chain reduces to an argmax.
func (p SamplerParams) Greedy() bool { return p.Temperature == 0 }

// Validate rejects values the chain cannot represent.
func (p SamplerParams) Validate() error {
	switch {
	case p.Temperature < 0:
		return fmt.Errorf("%w: temperature %v < 0", ErrInvalidSampler, p.Temperature)
	case p.TopK < 0:
		return fmt.Errorf("%w: top_k %d < 0", ErrInvalidSampler, p.TopK)
	case p.TopP <= 0 || p.TopP > 1:
		return fmt.Errorf("%w: top_p %v outside (0, 1]", ErrInvalidSampler, p.TopP)
	}
	return nil
}

// BuildChain assembles temp, top-k, top-p and dist in that order, or a single
// greedy stage when the temperature is zero.
func BuildChain(eng engine.Engine, p SamplerParams) (engine.SamplerChain, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	chain := eng.NewSamplerChain()
	if p.Greedy() {
		chain.AddGreedy()
		return chain, nil
	}
	chain.AddTemp(p.Temperature)
	chain.AddTopK(p.TopK)
	chain.AddTopP(p.TopP, 1)
	chain.AddDist(p.Seed)
	return chain, nil
}
