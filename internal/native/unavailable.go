//go:build !native

package native

import (
	"fmt"

	"saaya/internal/config"
	"saaya/internal/engine"
	"saaya/internal/runtime"
)

func init() {
	runtime.Register(EngineName, func(config.RuntimeConfig) (engine.Engine, error) {
		return nil, fmt.Errorf("%w: rebuild with -tags native", ErrUnavailable)
	})
}
