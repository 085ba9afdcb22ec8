package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvisor/mvisor/virtio"
)

func TestBusPIOInReturnsFloatingBusFF(t *testing.T) {
	b := NewBus(virtio.NewBus(), nil)

	data := make([]byte, 4)
	require.NoError(t, b.PIOIn(0x3f8, data))

	for _, v := range data {
		require.Equal(t, byte(0xFF), v)
	}
}

func TestBusPIOOutIsAcceptedSilently(t *testing.T) {
	b := NewBus(virtio.NewBus(), nil)
	require.NoError(t, b.PIOOut(0x3f8, []byte{1, 2, 3}))
}

func TestBusMMIODelegatesToVirtioTable(t *testing.T) {
	vb := virtio.NewBus()
	b := NewBus(vb, nil)

	// No device is registered at this address; the virtio bus zero-fills
	// reads and silently drops writes, and Bus must surface that as-is.
	data := []byte{1, 2, 3, 4}
	require.NoError(t, b.MMIORead(0xFFFFFFFF, data))
	require.Equal(t, []byte{0, 0, 0, 0}, data)

	require.NoError(t, b.MMIOWrite(0xFFFFFFFF, []byte{9, 9}))
}
