package vmm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorUnwrapExposesUnderlyingError(t *testing.T) {
	sentinel := errors.New("boom")
	err := newError(KindStartFailed, "load_kernel", sentinel)

	require.ErrorIs(t, err, sentinel)
	require.Contains(t, err.Error(), "start_failed")
	require.Contains(t, err.Error(), "load_kernel")
	require.Contains(t, err.Error(), "boom")
}

func TestErrorWithoutWrappedErrOmitsTrailingColon(t *testing.T) {
	err := newError(KindConsole, "attach", nil)
	require.Equal(t, "vmm: console: attach", err.Error())
}

func TestKindStringCoversEveryKind(t *testing.T) {
	kinds := []Kind{
		KindInvalidConfig, KindStartFailed, KindHypervisorRuntime,
		KindConsole, KindAgent, KindTimeout, KindPool,
	}

	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		require.NotEqual(t, "unknown", s)
		require.False(t, seen[s], "Kind.String() values must be distinct")
		seen[s] = true
	}

	require.Equal(t, "unknown", Kind(999).String())
}
