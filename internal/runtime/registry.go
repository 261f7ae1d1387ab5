package runtime

import (
	"saaya/internal/config"
	"saaya/internal/engine"
	"saaya/internal/engine/toy"
)

// DefaultRegistry provides the engines compiled into this binary.
var DefaultRegistry = Registry{}

// Register adds a new engine factory to the default registry.
func Register(name string, factory EngineFactory) {
	DefaultRegistry[name] = factory
}

func init() {
	Register(toy.Name, func(config.RuntimeConfig) (engine.Engine, error) {
		return toy.New(), nil
	})
}
