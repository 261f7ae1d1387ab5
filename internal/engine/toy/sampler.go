package toy

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"saaya/internal/engine"
)

type candidate struct {
	id    engine.Token
	logit float32
	p     float64
}

type stage interface {
	apply(c []candidate) []candidate
	reset()
}

// Chain implements engine.SamplerChain in pure Go. Stages run in the order
// they were added; a selection stage (dist or greedy) must be last.
type Chain struct {
	eng    *Engine
	mu     sync.Mutex
	stages []stage
	freed  bool
	cands  []candidate
	picked engine.Token
}

func (ch *Chain) add(s stage) {
	ch.mu.Lock()
	ch.stages = append(ch.stages, s)
	ch.mu.Unlock()
}

func (ch *Chain) AddTemp(t float32)              { ch.add(&tempStage{t: t}) }
func (ch *Chain) AddTopK(k int32)                { ch.add(&topKStage{k: int(k)}) }
func (ch *Chain) AddTopP(p float32, minKeep int) { ch.add(&topPStage{p: p, minKeep: minKeep}) }
func (ch *Chain) AddGreedy()                     { ch.add(&greedyStage{ch: ch}) }

func (ch *Chain) AddDist(seed uint32) {
	d := &distStage{ch: ch, seed: seed}
	d.reset()
	ch.add(d)
}

func (ch *Chain) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.stages)
}

// Sample draws from the logits of ctx, which must be a toy Context. It
// returns -1 when no logits are available at idx.
func (ch *Chain) Sample(ctx engine.Context, idx int32) engine.Token {
	tc, ok := ctx.(*Context)
	if !ok {
		return -1
	}
	logits := tc.Logits(idx)
	if logits == nil {
		return -1
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.freed {
		return -1
	}
	if cap(ch.cands) < len(logits) {
		ch.cands = make([]candidate, len(logits))
	}
	cands := ch.cands[:len(logits)]
	for i, l := range logits {
		cands[i] = candidate{id: engine.Token(i), logit: l}
	}
	ch.picked = -1
	for _, s := range ch.stages {
		cands = s.apply(cands)
	}
	if ch.picked < 0 {
		ch.picked = argmax(cands)
	}
	return ch.picked
}

func (ch *Chain) Reset() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, s := range ch.stages {
		s.reset()
	}
}

func (ch *Chain) Free() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.freed {
		return
	}
	ch.freed = true
	ch.stages = nil
	ch.eng.samplers.Add(-1)
}

// Stages lists the stage kinds in order, for inspection in tests.
func (ch *Chain) Stages() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, len(ch.stages))
	for i, s := range ch.stages {
		switch s.(type) {
		case *tempStage:
			out[i] = "temp"
		case *topKStage:
			out[i] = "top_k"
		case *topPStage:
			out[i] = "top_p"
		case *distStage:
			out[i] = "dist"
		case *greedyStage:
			out[i] = "greedy"
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

type tempStage struct{ t float32 }

func (s *tempStage) apply(c []candidate) []candidate {
	if s.t <= 0 {
		// Zero temperature keeps only the maximum.
		best := argmaxIndex(c)
		if best < 0 {
			return c
		}
		for i := range c {
			if i != best {
				c[i].logit = float32(math.Inf(-1))
			}
		}
		return c
	}
	for i := range c {
		c[i].logit /= s.t
	}
	return c
}

func (s *tempStage) reset() {}

type topKStage struct{ k int }

func (s *topKStage) apply(c []candidate) []candidate {
	if s.k <= 0 || s.k >= len(c) {
		return c
	}
	sortDesc(c)
	return c[:s.k]
}

func (s *topKStage) reset() {}

type topPStage struct {
	p       float32
	minKeep int
}

func (s *topPStage) apply(c []candidate) []candidate {
	if s.p >= 1 || len(c) == 0 {
		return c
	}
	sortDesc(c)
	softmax(c)
	var cum float64
	keep := len(c)
	for i := range c {
		cum += c[i].p
		if cum >= float64(s.p) && i+1 >= s.minKeep {
			keep = i + 1
			break
		}
	}
	return c[:keep]
}

func (s *topPStage) reset() {}

type distStage struct {
	ch   *Chain
	seed uint32
	rng  *rand.Rand
}

func (s *distStage) apply(c []candidate) []candidate {
	if len(c) == 0 {
		return c
	}
	softmax(c)
	r := s.rng.Float64()
	var cum float64
	for i := range c {
		cum += c[i].p
		if r < cum {
			s.ch.picked = c[i].id
			return c
		}
	}
	s.ch.picked = c[len(c)-1].id
	return c
}

func (s *distStage) reset() {
	seed := int64(s.seed)
	if s.seed == engine.DefaultSeed {
		seed = time.Now().UnixNano()
	}
	s.rng = rand.New(rand.NewSource(seed))
}

type greedyStage struct{ ch *Chain }

func (s *greedyStage) apply(c []candidate) []candidate {
	s.ch.picked = argmax(c)
	return c
}

func (s *greedyStage) reset() {}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func sortDesc(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].logit > c[j].logit })
}

// softmax fills p from logit, subtracting the maximum for stability.
func softmax(c []candidate) {
	maxv := float32(math.Inf(-1))
	for i := range c {
		if c[i].logit > maxv {
			maxv = c[i].logit
		}
	}
	var sum float64
	for i := range c {
		e := math.Exp(float64(c[i].logit - maxv))
		c[i].p = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range c {
		c[i].p /= sum
	}
}

func argmaxIndex(c []candidate) int {
	best := -1
	for i := range c {
		if best < 0 || c[i].logit > c[best].logit {
			best = i
		}
	}
	return best
}

func argmax(c []candidate) engine.Token {
	if i := argmaxIndex(c); i >= 0 {
		return c[i].id
	}
	return -1
}
