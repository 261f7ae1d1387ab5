package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	var c Collector
	assert.True(t, c.Emit("he"))
	assert.True(t, c.Emit("llo"))
	assert.Equal(t, "hello", c.String())
	assert.Equal(t, 2, c.Fragments())
}

func TestTeeStopsWhenAnySinkDoes(t *testing.T) {
	var a, b Collector
	stopper := SinkFunc(func(string) bool { return false })

	s := tee(&a, nil, &b)
	assert.True(t, s.Emit("x"))
	assert.Equal(t, "x", a.String())
	assert.Equal(t, "x", b.String())

	s = tee(&a, stopper, &b)
	assert.False(t, s.Emit("y"))
	assert.Equal(t, "xy", a.String())
	assert.Equal(t, "xy", b.String())
}
