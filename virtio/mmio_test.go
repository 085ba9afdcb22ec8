package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvisor/mvisor/memory"
)

// stubDevice is the minimal Device implementation needed to exercise
// Transport in isolation, independent of any real virtio device.
type stubDevice struct {
	id      uint32
	queues  int
	maxSize uint16
	feat    uint64

	notified []int
	resets   int
}

func (s *stubDevice) DeviceID() uint32         { return s.id }
func (s *stubDevice) NumQueues() int           { return s.queues }
func (s *stubDevice) QueueMaxSize(int) uint16  { return s.maxSize }
func (s *stubDevice) Features() uint64         { return s.feat }
func (s *stubDevice) OnReset()                 { s.resets++ }
func (s *stubDevice) ReadConfig(uint64, []byte)  {}
func (s *stubDevice) WriteConfig(uint64, []byte) {}

func (s *stubDevice) OnQueueNotify(t *Transport, i int) error {
	s.notified = append(s.notified, i)
	return nil
}

func newTestTransport(t *testing.T, dev Device) (*Transport, *memory.Memory) {
	t.Helper()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	var pulses []uint32
	tr := NewTransport(mem, dev, 5, func(irq uint32) error {
		pulses = append(pulses, irq)
		return nil
	}, nil)

	return tr, mem
}

func readReg(t *Transport, offset uint64) uint32 {
	var b [4]byte
	_ = t.Read(offset, b[:])

	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func writeReg(t *Transport, offset uint64, v uint32) {
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	_ = t.Write(offset, b[:])
}

func TestTransportIdentityRegisters(t *testing.T) {
	dev := &stubDevice{id: DeviceIDNet, queues: 2, maxSize: MaxQueueSize}
	tr, _ := newTestTransport(t, dev)

	require.Equal(t, uint32(Magic), readReg(tr, RegMagic))
	require.Equal(t, uint32(Version), readReg(tr, RegVersion))
	require.Equal(t, uint32(DeviceIDNet), readReg(tr, RegDeviceID))
	require.Equal(t, uint32(VendorID), readReg(tr, RegVendorID))
}

func TestQueueActivationRejectsOutOfRangeRings(t *testing.T) {
	dev := &stubDevice{id: DeviceIDNet, queues: 1, maxSize: MaxQueueSize}
	tr, mem := newTestTransport(t, dev)

	writeReg(tr, RegQueueSel, 0)
	writeReg(tr, RegQueueNum, 8)

	// Point the descriptor table just past the end of guest memory.
	writeReg(tr, RegQueueDescLow, uint32(mem.Size()))
	writeReg(tr, RegQueueAvailLow, 0)
	writeReg(tr, RegQueueUsedLow, 0x1000)
	writeReg(tr, RegQueueReady, 1)

	require.False(t, tr.Queue(0).Ready(), "activation must be rejected when the descriptor table falls outside guest memory")
	require.Zero(t, readReg(tr, RegQueueReady))
}

func TestQueueActivationAcceptsInRangeRings(t *testing.T) {
	dev := &stubDevice{id: DeviceIDNet, queues: 1, maxSize: MaxQueueSize}
	tr, _ := newTestTransport(t, dev)

	const size = 4

	writeReg(tr, RegQueueSel, 0)
	writeReg(tr, RegQueueNum, size)
	writeReg(tr, RegQueueDescLow, 0)
	writeReg(tr, RegQueueAvailLow, 0x1000)
	writeReg(tr, RegQueueUsedLow, 0x2000)
	writeReg(tr, RegQueueReady, 1)

	require.True(t, tr.Queue(0).Ready())
	require.Equal(t, uint16(size), tr.Queue(0).Size())
	require.Equal(t, uint32(1), readReg(tr, RegQueueReady))
}

func TestQueueNotifyDrainsViaDevice(t *testing.T) {
	dev := &stubDevice{id: DeviceIDConsole, queues: 2, maxSize: MaxQueueSize}
	tr, _ := newTestTransport(t, dev)

	writeReg(tr, RegQueueNotify, 1)

	require.Equal(t, []int{1}, dev.notified)
}

func TestDeviceStatusResetClearsQueues(t *testing.T) {
	dev := &stubDevice{id: DeviceIDConsole, queues: 1, maxSize: MaxQueueSize}
	tr, _ := newTestTransport(t, dev)

	writeReg(tr, RegQueueSel, 0)
	writeReg(tr, RegQueueNum, 4)
	writeReg(tr, RegQueueDescLow, 0)
	writeReg(tr, RegQueueAvailLow, 0x1000)
	writeReg(tr, RegQueueUsedLow, 0x2000)
	writeReg(tr, RegQueueReady, 1)
	require.True(t, tr.Queue(0).Ready())

	writeReg(tr, RegDeviceStatus, 0)

	require.False(t, tr.Queue(0).Ready())
	require.Equal(t, 1, dev.resets)
}

func TestDescriptorChainReadWrite(t *testing.T) {
	dev := &stubDevice{id: DeviceIDNet, queues: 1, maxSize: MaxQueueSize}
	tr, mem := newTestTransport(t, dev)

	q := &Queue{size: 4, descAddr: 0, availAddr: 0x1000, usedAddr: 0x2000}

	payload := []byte("hello chain")
	_, err := mem.WriteAt(payload, 0x3000)
	require.NoError(t, err)

	writeDesc(t, mem, q.descAddr, 0, Descriptor{Addr: 0x3000, Len: uint32(len(payload)), Flags: descFNext, Next: 1})
	writeDesc(t, mem, q.descAddr, 1, Descriptor{Addr: 0x4000, Len: 64, Flags: descFWrite})

	got, err := tr.ReadChain(q, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	n, err := tr.WriteChain(q, 0, []byte("reply"))
	require.NoError(t, err)
	require.Equal(t, uint32(5), n)

	reply := make([]byte, 5)
	_, err = mem.ReadAt(reply, 0x4000)
	require.NoError(t, err)
	require.Equal(t, "reply", string(reply))
}

func TestDescriptorChainTruncatesOversizedLen(t *testing.T) {
	dev := &stubDevice{id: DeviceIDNet, queues: 1, maxSize: MaxQueueSize}
	tr, mem := newTestTransport(t, dev)

	q := &Queue{size: 1, descAddr: 0, availAddr: 0x1000, usedAddr: 0x2000}
	writeDesc(t, mem, q.descAddr, 0, Descriptor{Addr: 0x3000, Len: maxDescriptorLen + 1})

	d, err := tr.ReadDescriptor(q, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(maxDescriptorLen), d.Len, "oversized descriptor lengths must be clamped")
}

func TestPushUsedAndInterrupt(t *testing.T) {
	dev := &stubDevice{id: DeviceIDNet, queues: 1, maxSize: MaxQueueSize}
	tr, mem := newTestTransport(t, dev)

	q := &Queue{size: 4, descAddr: 0, availAddr: 0x1000, usedAddr: 0x2000}

	require.NoError(t, tr.PushUsed(q, 3, 128))
	tr.RaiseInterrupt()

	idx, err := mem.ReadUint16(int64(q.usedAddr) + 2)
	require.NoError(t, err)
	require.Equal(t, uint16(1), idx)

	require.Equal(t, uint32(1), readReg(tr, RegInterruptStatus))

	writeReg(tr, RegInterruptAck, 1)
	require.Zero(t, readReg(tr, RegInterruptStatus))
}

func writeDesc(t *testing.T, mem *memory.Memory, base uint64, idx uint16, d Descriptor) {
	t.Helper()

	off := int64(base) + int64(idx)*16

	require.NoError(t, mem.WriteUint64(off, d.Addr))
	require.NoError(t, mem.WriteUint32(off+8, d.Len))
	require.NoError(t, mem.WriteUint16(off+12, d.Flags))
	require.NoError(t, mem.WriteUint16(off+14, d.Next))
}
