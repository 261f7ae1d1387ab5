//go:build !native

package native

import (
	"testing"

	"github.com/stretchr/testify/require"

	"saaya/internal/config"
	"saaya/internal/runtime"
)

func TestStubFactoryReportsMissingBuildTag(t *testing.T) {
	factory, ok := runtime.DefaultRegistry[EngineName]
	require.True(t, ok)
	_, err := factory(config.RuntimeConfig{})
	require.ErrorIs(t, err, ErrUnavailable)
}
