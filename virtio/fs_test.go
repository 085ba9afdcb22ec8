package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvisor/mvisor/fuse"
	"github.com/mvisor/mvisor/memory"
)

func encodeFuseInHeader(opcode uint32, unique, nodeID uint64) []byte {
	b := make([]byte, fuse.InHeaderLen)
	binary.LittleEndian.PutUint32(b[0:4], fuse.InHeaderLen)
	binary.LittleEndian.PutUint32(b[4:8], opcode)
	binary.LittleEndian.PutUint64(b[8:16], unique)
	binary.LittleEndian.PutUint64(b[16:24], nodeID)

	return b
}

func newTestFS(t *testing.T) (*FS, *memory.Memory, *Transport) {
	t.Helper()

	server := fuse.NewServer(t.TempDir(), false, nil)
	dev := NewFS("myfs", server, nil)
	tr, mem := newTestTransport(t, dev)

	return dev, mem, tr
}

func TestFSConfigReportsTagAndQueueCount(t *testing.T) {
	dev, _, _ := newTestFS(t)

	cfg := make([]byte, 40)
	dev.ReadConfig(0, cfg)

	require.Equal(t, "myfs", string(cfg[:4]))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(cfg[36:40]))
}

func TestFSDrainDispatchesGetattrAndWritesReply(t *testing.T) {
	dev, mem, tr := newTestFS(t)

	const size = 4
	activateQueue(t, tr, mem, fsQueueRequest, size, 0, 0x1000, 0x2000)

	req := encodeFuseInHeader(fuse.OpGetattr, 1, fuse.RootNodeID)
	_, err := mem.WriteAt(req, 0x3000)
	require.NoError(t, err)

	writeDesc(t, mem, 0, 0, Descriptor{Addr: 0x3000, Len: uint32(len(req)), Flags: descFNext, Next: 1})
	writeDesc(t, mem, 0, 1, Descriptor{Addr: 0x4000, Len: 256, Flags: descFWrite})
	publishAvail(t, mem, 0x1000, 0, 0)

	require.NoError(t, dev.OnQueueNotify(tr, fsQueueRequest))

	reply := make([]byte, fuse.OutHeaderLen)
	_, err = mem.ReadAt(reply, 0x4000)
	require.NoError(t, err)

	errno := int32(binary.LittleEndian.Uint32(reply[4:8]))
	require.Zero(t, errno, "a getattr on the root inode must succeed")

	require.Equal(t, uint32(1), readReg(tr, RegInterruptStatus), "a completed chain must raise the interrupt")
}

func TestFSDrainWithNoReplyStillCompletesTheChain(t *testing.T) {
	dev, mem, tr := newTestFS(t)

	const size = 4
	activateQueue(t, tr, mem, fsQueueHiprio, size, 0, 0x1000, 0x2000)

	// A chain with no device-readable descriptor yields an empty request,
	// which Dispatch rejects with a nil reply; the chain must still be
	// completed (a zero-length used entry) rather than left pending.
	writeDesc(t, mem, 0, 0, Descriptor{Addr: 0x4000, Len: 256, Flags: descFWrite})
	publishAvail(t, mem, 0x1000, 0, 0)

	require.NoError(t, dev.OnQueueNotify(tr, fsQueueHiprio))
	require.Equal(t, uint32(1), readReg(tr, RegInterruptStatus))
}
