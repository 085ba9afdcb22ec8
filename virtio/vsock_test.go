package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvisor/mvisor/vsockbridge"
)

func newTestVsock(t *testing.T) (*Vsock, chan interface{}, chan interface{}) {
	t.Helper()

	toBridge := make(chan interface{}, 16)
	fromBridge := make(chan interface{}, 16)
	dev := NewVsock(GuestCID, toBridge, fromBridge, nil)

	return dev, toBridge, fromBridge
}

func TestVsockRequestProducesResponseAndNotifiesBridge(t *testing.T) {
	dev, toBridge, _ := newTestVsock(t)
	tr, mem := newTestTransport(t, dev)

	activateQueue(t, tr, mem, vsockQueueTX, 4, 0, 0x1000, 0x2000)
	activateQueue(t, tr, mem, vsockQueueRX, 4, 0x10000, 0x11000, 0x12000)

	req := vsockHeader{SrcCID: GuestCID, DstCID: HostCID, SrcPort: 1234, DstPort: 9, Type: vsockTypeStream, Op: vsockOpRequest}.encode()
	_, err := mem.WriteAt(req, 0x3000)
	require.NoError(t, err)
	writeDesc(t, mem, 0, 0, Descriptor{Addr: 0x3000, Len: uint32(len(req))})
	publishAvail(t, mem, 0x1000, 0, 0)

	require.NoError(t, dev.OnQueueNotify(tr, vsockQueueTX))

	select {
	case msg := <-toBridge:
		require.Equal(t, vsockbridge.Connect{Port: 1234}, msg)
	default:
		t.Fatal("expected a Connect message to the bridge")
	}

	// A Poll before any RX buffer is posted leaves the RESPONSE queued; the
	// Poll after a buffer is published delivers it into the RX queue.
	dev.Poll(tr)

	writeDesc(t, mem, 0x10000, 0, Descriptor{Addr: 0x20000, Len: 128, Flags: descFWrite})
	publishAvail(t, mem, 0x11000, 0, 0)
	dev.Poll(tr)

	got := make([]byte, vsockHeaderLen)
	_, err = mem.ReadAt(got, 0x20000)
	require.NoError(t, err)
	resp := decodeHeader(got)
	require.Equal(t, uint16(vsockOpResponse), resp.Op)
	require.Equal(t, uint32(1234), resp.DstPort)
}

func TestVsockConnectionLimitRejectsFurtherRequests(t *testing.T) {
	dev, toBridge, _ := newTestVsock(t)

	dev.conns = make(map[uint32]*vsockConn, maxConnectionsPerDevice)
	for i := 0; i < maxConnectionsPerDevice; i++ {
		dev.conns[uint32(i)] = &vsockConn{localPort: uint32(i)}
	}

	dev.handleRequest(vsockHeader{SrcCID: GuestCID, DstCID: HostCID, SrcPort: 99999, DstPort: 9, Type: vsockTypeStream, Op: vsockOpRequest})

	require.Len(t, dev.conns, maxConnectionsPerDevice, "connection limit must not be exceeded")

	select {
	case <-toBridge:
		t.Fatal("a rejected request must not notify the bridge")
	default:
	}

	require.Len(t, dev.pendingTX, 1, "a rejected request must still queue an RST back to the guest")

	rst := decodeHeader(dev.pendingTX[0])
	require.Equal(t, uint16(vsockOpRST), rst.Op)
	require.Equal(t, uint32(99999), rst.DstPort, "the RST must route back to the guest port that sent the REQUEST")
	require.Equal(t, uint32(9), rst.SrcPort)
}

func TestVsockBridgeDataBecomesRWPacket(t *testing.T) {
	dev, _, fromBridge := newTestVsock(t)
	tr, mem := newTestTransport(t, dev)

	dev.conns[55] = &vsockConn{localPort: 55, peerPort: 9}

	activateQueue(t, tr, mem, vsockQueueRX, 4, 0x10000, 0x11000, 0x12000)
	writeDesc(t, mem, 0x10000, 0, Descriptor{Addr: 0x20000, Len: 256, Flags: descFWrite})
	publishAvail(t, mem, 0x11000, 0, 0)

	fromBridge <- vsockbridge.Data{Port: 55, Bytes: []byte("payload")}
	dev.Poll(tr)

	got := make([]byte, vsockHeaderLen+len("payload"))
	_, err := mem.ReadAt(got, 0x20000)
	require.NoError(t, err)

	hdr := decodeHeader(got[:vsockHeaderLen])
	require.Equal(t, uint16(vsockOpRW), hdr.Op)
	require.Equal(t, "payload", string(got[vsockHeaderLen:]))
}
