package frameio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSocketPairRecvReturnsZeroWhenNothingAvailable(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	buf := make([]byte, 1500)
	n, err := a.Recv(buf)
	require.NoError(t, err)
	require.Zero(t, n, "Recv must not block or error when no frame is queued")
}

func TestSocketPairSendThenRecvDeliversTheFrame(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	frame := []byte("an ethernet frame's worth of bytes")
	require.NoError(t, a.Send(frame))

	var n int

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		buf := make([]byte, 1500)
		n, err = b.Recv(buf)
		require.NoError(t, err)

		if n > 0 {
			require.Equal(t, frame, buf[:n])
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("frame sent on one end never arrived on the other")
}

func TestSocketPairMTUReportsDefault(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	require.Equal(t, DefaultMTU, a.MTU())
	require.Equal(t, DefaultMTU, b.MTU())
}

func TestSocketPairFDIsDistinctPerEnd(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	require.NotEqual(t, a.FD(), b.FD())
}
