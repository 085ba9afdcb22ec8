package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvisor/mvisor/memory"
)

// fakeFrameIO is an in-process frameio.FrameIO double so net device tests
// don't depend on real sockets.
type fakeFrameIO struct {
	inbound [][]byte
	sent    [][]byte
}

func (f *fakeFrameIO) Recv(buf []byte) (int, error) {
	if len(f.inbound) == 0 {
		return 0, nil
	}

	frame := f.inbound[0]
	f.inbound = f.inbound[1:]

	return copy(buf, frame), nil
}

func (f *fakeFrameIO) Send(frame []byte) error {
	cp := append([]byte(nil), frame...)
	f.sent = append(f.sent, cp)

	return nil
}

func (f *fakeFrameIO) MTU() int    { return 1500 }
func (f *fakeFrameIO) Close() error { return nil }

func activateQueue(t *testing.T, tr *Transport, mem *memory.Memory, idx int, size uint16, descAddr, availAddr, usedAddr int64) {
	t.Helper()

	writeReg(tr, RegQueueSel, uint32(idx))
	writeReg(tr, RegQueueNum, uint32(size))
	writeReg(tr, RegQueueDescLow, uint32(descAddr))
	writeReg(tr, RegQueueAvailLow, uint32(availAddr))
	writeReg(tr, RegQueueUsedLow, uint32(usedAddr))
	writeReg(tr, RegQueueReady, 1)

	require.True(t, tr.Queue(idx).Ready())
}

func publishAvail(t *testing.T, mem *memory.Memory, availAddr int64, head uint16, ringIdx uint16) {
	t.Helper()

	require.NoError(t, mem.WriteUint16(availAddr+4+int64(ringIdx)*2, head))
	require.NoError(t, mem.WriteUint16(availAddr+2, ringIdx+1))
}

func TestNetConfigReportsMAC(t *testing.T) {
	mac := [6]byte{0xAA, 0xBB, 0xCC, 0x01, 0x02, 0x03}
	dev := NewNet(mac, &fakeFrameIO{}, nil)

	var cfg [6]byte
	dev.ReadConfig(0, cfg[:])
	require.Equal(t, mac, cfg)
}

func TestNetDrainTXStripsHeaderAndSends(t *testing.T) {
	io := &fakeFrameIO{}
	dev := NewNet([6]byte{}, io, nil)
	tr, mem := newTestTransport(t, dev)

	const size = 4
	activateQueue(t, tr, mem, netQueueTX, size, 0, 0x1000, 0x2000)

	payload := append(make([]byte, netHeaderLen), []byte("ethframe")...)
	_, err := mem.WriteAt(payload, 0x3000)
	require.NoError(t, err)

	writeDesc(t, mem, 0, 0, Descriptor{Addr: 0x3000, Len: uint32(len(payload))})
	publishAvail(t, mem, 0x1000, 0, 0)

	require.NoError(t, dev.OnQueueNotify(tr, netQueueTX))

	require.Len(t, io.sent, 1)
	require.Equal(t, "ethframe", string(io.sent[0]))
}

func TestNetPollDeliversFramesToRXQueue(t *testing.T) {
	io := &fakeFrameIO{inbound: [][]byte{[]byte("inbound-frame")}}
	dev := NewNet([6]byte{}, io, nil)
	tr, mem := newTestTransport(t, dev)

	const size = 4
	activateQueue(t, tr, mem, netQueueRX, size, 0, 0x1000, 0x2000)

	writeDesc(t, mem, 0, 0, Descriptor{Addr: 0x3000, Len: 128, Flags: descFWrite})
	publishAvail(t, mem, 0x1000, 0, 0)

	dev.Poll(tr)

	got := make([]byte, netHeaderLen+len("inbound-frame"))
	_, err := mem.ReadAt(got, 0x3000)
	require.NoError(t, err)
	require.Equal(t, "inbound-frame", string(got[netHeaderLen:]))

	require.Equal(t, uint32(1), readReg(tr, RegInterruptStatus))
}
