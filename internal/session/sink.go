package session

import "strings"

// Sink receives generated fragments in order on the decode goroutine.
// Returning false stops generation after the current token.
type Sink interface {
	Emit(fragment string) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(fragment string) bool

func (f SinkFunc) Emit(fragment string) bool { return f(fragment) }

// Collector accumulates every fragment.
type Collector struct {
	b         strings.Builder
	fragments int
}

func (c *Collector) Emit(fragment string) bool {
	c.b.WriteString(fragment)
	c.fragments++
	return true
}

// String returns the concatenated output.
func (c *Collector) String() string { return c.b.String() }

// Fragments is the number of Emit calls seen.
func (c *Collector) Fragments() int { return c.fragments }

type fanout []Sink

func (t fanout) Emit(fragment string) bool {
	ok := true
	for _, s := range t {
		if !s.Emit(fragment) {
			ok = false
		}
	}
	return ok
}

// tee fans out to every sink. Generation stops if any of them asks to.
func tee(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
