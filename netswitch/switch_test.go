package netswitch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ethFrame(dst, src [6]byte, payload string) []byte {
	frame := make([]byte, 12+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	copy(frame[12:], payload)

	return frame
}

func TestSwitchLearnsAndUnicastsToLearnedPort(t *testing.T) {
	sw := New(nil)
	a := sw.NewPort()
	b := sw.NewPort()
	c := sw.NewPort()

	macA := [6]byte{1, 1, 1, 1, 1, 1}
	macB := [6]byte{2, 2, 2, 2, 2, 2}

	// b announces itself by sending a frame; the switch learns macB -> b.
	// The announce's all-zero destination is unlearned, so it floods to c.
	require.NoError(t, b.Send(ethFrame([6]byte{}, macB, "announce")))

	buf := make([]byte, 1500)
	n, err := c.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "announce", string(buf[12:n]))

	// a sends a unicast frame addressed to macB: only b should receive it.
	require.NoError(t, a.Send(ethFrame(macB, macA, "hello")))

	n, err = b.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[12:n]))

	n, err = c.Recv(buf)
	require.NoError(t, err)
	require.Zero(t, n, "a unicast to a learned destination must not reach an uninvolved port")
}

func TestSwitchFloodsBroadcast(t *testing.T) {
	sw := New(nil)
	a := sw.NewPort()
	b := sw.NewPort()
	c := sw.NewPort()

	macA := [6]byte{9, 9, 9, 9, 9, 9}
	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	require.NoError(t, a.Send(ethFrame(broadcast, macA, "dhcp-discover")))

	buf := make([]byte, 1500)

	n, err := b.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "dhcp-discover", string(buf[12:n]))

	n, err = c.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "dhcp-discover", string(buf[12:n]))
}

func TestSwitchUnknownUnicastFloods(t *testing.T) {
	sw := New(nil)
	a := sw.NewPort()
	b := sw.NewPort()

	macA := [6]byte{3, 3, 3, 3, 3, 3}
	unknownDst := [6]byte{7, 7, 7, 7, 7, 7}

	require.NoError(t, a.Send(ethFrame(unknownDst, macA, "who-has")))

	buf := make([]byte, 1500)
	n, err := b.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "who-has", string(buf[12:n]), "a destination with no learned port must fall back to flooding")
}

func TestSwitchNATPortReceivesFlood(t *testing.T) {
	sw := New(nil)
	a := sw.NewPort()
	nat := sw.NewPort()
	sw.SetNATPort(nat)

	macA := [6]byte{4, 4, 4, 4, 4, 4}
	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	require.NoError(t, a.Send(ethFrame(broadcast, macA, "discover")))

	buf := make([]byte, 1500)
	n, err := nat.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "discover", string(buf[12:n]))
}
