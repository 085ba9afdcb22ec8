package fuse

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleTableOpenFileReleaseRoundTrip(t *testing.T) {
	tbl := NewHandleTable()

	f, err := os.CreateTemp(t.TempDir(), "fuse-handle-*")
	require.NoError(t, err)

	h, err := tbl.OpenFile(f, 42, os.O_RDWR)
	require.NoError(t, err)

	got, ok := tbl.File(h)
	require.True(t, ok)
	require.Same(t, f, got)

	require.NoError(t, tbl.ReleaseFile(h))

	_, ok = tbl.File(h)
	require.False(t, ok)
}

func TestHandleTableRejectsBeyondCap(t *testing.T) {
	tbl := NewHandleTable()

	for i := 0; i < MaxHandles; i++ {
		_, err := tbl.OpenDir(nil, uint64(i))
		require.NoError(t, err)
	}

	_, err := tbl.OpenDir(nil, 999999)
	require.Error(t, err, "the table must reject a new handle once MaxHandles are live")
}
