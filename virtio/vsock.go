package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/vsockbridge"
)

const (
	vsockQueueRX    = 0
	vsockQueueTX    = 1
	vsockQueueEvent = 2
	vsockNumQueues  = 3

	vsockHeaderLen = 44

	vsockTypeStream = 1

	vsockOpRequest       = 1
	vsockOpResponse      = 2
	vsockOpRST           = 3
	vsockOpShutdown      = 4
	vsockOpRW            = 5
	vsockOpCreditUpdate  = 6
	vsockOpCreditRequest = 7

	// HostCID/GuestCID are fixed in this system per spec.md §6.
	HostCID  = 2
	GuestCID = 3

	vsockBufAlloc = 64 * 1024

	maxConnectionsPerDevice = 1024
)

// vsockHeader mirrors the 44-byte little-endian packet header of spec.md
// §4.6/§6.
type vsockHeader struct {
	SrcCID    uint64
	DstCID    uint64
	SrcPort   uint32
	DstPort   uint32
	Len       uint32
	Type      uint16
	Op        uint16
	Flags     uint32
	BufAlloc  uint32
	FwdCnt    uint32
}

func decodeHeader(b []byte) vsockHeader {
	return vsockHeader{
		SrcCID:   binary.LittleEndian.Uint64(b[0:8]),
		DstCID:   binary.LittleEndian.Uint64(b[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(b[16:20]),
		DstPort:  binary.LittleEndian.Uint32(b[20:24]),
		Len:      binary.LittleEndian.Uint32(b[24:28]),
		Type:     binary.LittleEndian.Uint16(b[28:30]),
		Op:       binary.LittleEndian.Uint16(b[30:32]),
		Flags:    binary.LittleEndian.Uint32(b[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(b[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(b[40:44]),
	}
}

func (h vsockHeader) encode() []byte {
	b := make([]byte, vsockHeaderLen)
	binary.LittleEndian.PutUint64(b[0:8], h.SrcCID)
	binary.LittleEndian.PutUint64(b[8:16], h.DstCID)
	binary.LittleEndian.PutUint32(b[16:20], h.SrcPort)
	binary.LittleEndian.PutUint32(b[20:24], h.DstPort)
	binary.LittleEndian.PutUint32(b[24:28], h.Len)
	binary.LittleEndian.PutUint16(b[28:30], h.Type)
	binary.LittleEndian.PutUint16(b[30:32], h.Op)
	binary.LittleEndian.PutUint32(b[32:36], h.Flags)
	binary.LittleEndian.PutUint32(b[36:40], h.BufAlloc)
	binary.LittleEndian.PutUint32(b[40:44], h.FwdCnt)

	return b
}

type vsockConn struct {
	localPort    uint32 // guest-facing port this device owns the connection for
	peerPort     uint32
	fwdCnt       uint32
	peerBufAlloc uint32
}

// Vsock is the virtio-vsock device (spec.md §4.6): it forwards guest
// connect/data/shutdown events to a vsockbridge.Bridge over an outbound
// channel, and drains the bridge's inbound channel on Poll to deliver Data
// and Closed events to the guest as RW/RST packets.
type Vsock struct {
	guestCID uint64
	toBridge chan<- interface{}
	fromBridge <-chan interface{}
	log      *logrus.Entry

	mu        sync.Mutex
	conns     map[uint32]*vsockConn // keyed by (dst_port == guest's local port)
	pendingTX [][]byte               // packets awaiting delivery to the guest RX queue
}

// NewVsock returns a vsock device advertising guestCID, exchanging bridge
// messages over the two given channels (device->bridge, bridge->device).
func NewVsock(guestCID uint64, toBridge chan<- interface{}, fromBridge <-chan interface{}, log *logrus.Entry) *Vsock {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Vsock{guestCID: guestCID, toBridge: toBridge, fromBridge: fromBridge, log: log, conns: make(map[uint32]*vsockConn)}
}

// DeviceID implements Device.
func (v *Vsock) DeviceID() uint32 { return DeviceIDVsock }

// NumQueues implements Device.
func (v *Vsock) NumQueues() int { return vsockNumQueues }

// QueueMaxSize implements Device.
func (v *Vsock) QueueMaxSize(int) uint16 { return MaxQueueSize }

// Features implements Device.
func (v *Vsock) Features() uint64 { return 0 }

// OnReset implements Device.
func (v *Vsock) OnReset() {
	v.mu.Lock()
	v.conns = make(map[uint32]*vsockConn)
	v.mu.Unlock()
}

// ReadConfig implements Device: the 8-byte little-endian guest CID.
func (v *Vsock) ReadConfig(offset uint64, data []byte) {
	var cfg [8]byte
	binary.LittleEndian.PutUint32(cfg[0:4], uint32(v.guestCID))
	binary.LittleEndian.PutUint32(cfg[4:8], uint32(v.guestCID>>32))

	for i := range data {
		idx := offset + uint64(i)
		if idx < 8 {
			data[i] = cfg[idx]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements Device; vsock config is read-only.
func (v *Vsock) WriteConfig(uint64, []byte) {}

// OnQueueNotify implements Device.
func (v *Vsock) OnQueueNotify(t *Transport, i int) error {
	if i == vsockQueueTX {
		return v.drainTX(t)
	}

	return nil
}

func (v *Vsock) drainTX(t *Transport) error {
	q := t.Queue(vsockQueueTX)
	if q == nil || !q.Ready() {
		return nil
	}

	used := false

	for {
		has, _, err := t.HasAvail(q)
		if err != nil {
			return err
		}

		if !has {
			break
		}

		head, err := t.NextHead(q)
		if err != nil {
			return err
		}

		buf, err := t.ReadChain(q, head)
		if err != nil || len(buf) < vsockHeaderLen {
			v.log.WithError(err).Trace("vsock tx: abandoning malformed chain")
			_ = t.PushUsed(q, head, 0)
			used = true

			continue
		}

		hdr := decodeHeader(buf)
		payload := buf[vsockHeaderLen:]
		if int(hdr.Len) < len(payload) {
			payload = payload[:hdr.Len]
		}

		v.handlePacket(hdr, payload)

		if err := t.PushUsed(q, head, 0); err != nil {
			return err
		}

		used = true
	}

	if used {
		t.RaiseInterrupt()
	}

	return nil
}

func (v *Vsock) handlePacket(hdr vsockHeader, payload []byte) {
	if hdr.Type != vsockTypeStream {
		return
	}

	switch hdr.Op {
	case vsockOpRequest:
		v.handleRequest(hdr)
	case vsockOpResponse:
		v.handleResponse(hdr)
	case vsockOpRW:
		v.handleRW(hdr, payload)
	case vsockOpShutdown, vsockOpRST:
		v.handleClose(hdr)
	case vsockOpCreditRequest:
		v.handleCreditRequest(hdr)
	}
}

func (v *Vsock) handleRequest(hdr vsockHeader) {
	if hdr.DstCID != HostCID {
		return
	}

	v.mu.Lock()
	if len(v.conns) >= maxConnectionsPerDevice {
		rst := vsockHeader{SrcCID: HostCID, DstCID: GuestCID, SrcPort: hdr.DstPort, DstPort: hdr.SrcPort, Type: vsockTypeStream, Op: vsockOpRST}
		v.pendingTX = append(v.pendingTX, rst.encode())
		v.mu.Unlock()
		v.log.Warn("vsock: connection limit reached, resetting request")

		return
	}

	v.conns[hdr.SrcPort] = &vsockConn{localPort: hdr.SrcPort, peerPort: hdr.DstPort, peerBufAlloc: hdr.BufAlloc}

	resp := vsockHeader{SrcCID: HostCID, DstCID: GuestCID, SrcPort: hdr.DstPort, DstPort: hdr.SrcPort, Type: vsockTypeStream, Op: vsockOpResponse, BufAlloc: vsockBufAlloc}
	v.pendingTX = append(v.pendingTX, resp.encode())
	v.mu.Unlock()

	v.toBridge <- vsockbridge.Connect{Port: hdr.SrcPort}
}

// handleResponse marks a device-initiated (connect-mode) REQUEST as
// accepted by the guest; the bridge is told so it can start bridging.
func (v *Vsock) handleResponse(hdr vsockHeader) {
	v.mu.Lock()
	c, ok := v.conns[hdr.DstPort]
	if ok {
		c.peerBufAlloc = hdr.BufAlloc
	}
	v.mu.Unlock()

	if ok {
		v.toBridge <- vsockbridge.Connected{Port: hdr.DstPort}
	}
}

func (v *Vsock) handleRW(hdr vsockHeader, payload []byte) {
	v.mu.Lock()
	c, ok := v.conns[hdr.SrcPort]
	if ok {
		c.fwdCnt += uint32(len(payload))
	}
	v.mu.Unlock()

	if !ok {
		return
	}

	v.toBridge <- vsockbridge.Data{Port: hdr.SrcPort, Bytes: append([]byte(nil), payload...)}
}

func (v *Vsock) handleClose(hdr vsockHeader) {
	v.mu.Lock()
	_, ok := v.conns[hdr.SrcPort]
	delete(v.conns, hdr.SrcPort)
	v.mu.Unlock()

	if ok {
		v.toBridge <- vsockbridge.Closed{Port: hdr.SrcPort}
	}
}

func (v *Vsock) handleCreditRequest(hdr vsockHeader) {
	v.mu.Lock()
	c, ok := v.conns[hdr.SrcPort]
	v.mu.Unlock()

	if !ok {
		return
	}

	v.pendingTX = append(v.pendingTX, v.creditUpdatePacket(c))
}

func (v *Vsock) creditUpdatePacket(c *vsockConn) []byte {
	hdr := vsockHeader{
		SrcCID: HostCID, DstCID: GuestCID,
		SrcPort: c.peerPort, DstPort: c.localPort,
		Type: vsockTypeStream, Op: vsockOpCreditUpdate,
		BufAlloc: vsockBufAlloc, FwdCnt: c.fwdCnt,
	}

	return hdr.encode()
}

// Connect is called by the bridge (connect mode) once a host connection is
// waiting: the device initiates an outbound REQUEST on behalf of the
// guest-visible localPort.
func (v *Vsock) Connect(localPort uint32) {
	v.mu.Lock()
	v.conns[localPort] = &vsockConn{localPort: localPort, peerBufAlloc: vsockBufAlloc}
	v.mu.Unlock()

	hdr := vsockHeader{SrcCID: HostCID, DstCID: GuestCID, SrcPort: localPort, DstPort: localPort, Type: vsockTypeStream, Op: vsockOpRequest, BufAlloc: vsockBufAlloc}
	v.mu.Lock()
	v.pendingTX = append(v.pendingTX, hdr.encode())
	v.mu.Unlock()
}

// Poll drains the bridge->device channel non-blockingly and, via t,
// delivers any resulting RW/RST packets (or queued local packets such as
// CREDIT_UPDATE/REQUEST) to the guest's RX queue.
func (v *Vsock) Poll(t *Transport) {
	for {
		select {
		case msg := <-v.fromBridge:
			v.handleBridgeMessage(msg)
		default:
			v.flushPending(t)

			return
		}
	}
}

func (v *Vsock) handleBridgeMessage(msg interface{}) {
	switch m := msg.(type) {
	case vsockbridge.Data:
		v.mu.Lock()
		c, ok := v.conns[m.Port]
		v.mu.Unlock()

		if !ok {
			return
		}

		hdr := vsockHeader{SrcCID: HostCID, DstCID: GuestCID, SrcPort: c.peerPort, DstPort: c.localPort, Type: vsockTypeStream, Op: vsockOpRW, Len: uint32(len(m.Bytes)), BufAlloc: vsockBufAlloc, FwdCnt: c.fwdCnt}
		v.mu.Lock()
		v.pendingTX = append(v.pendingTX, append(hdr.encode(), m.Bytes...))
		v.mu.Unlock()

	case vsockbridge.Closed:
		v.mu.Lock()
		c, ok := v.conns[m.Port]
		delete(v.conns, m.Port)
		v.mu.Unlock()

		if !ok {
			return
		}

		hdr := vsockHeader{SrcCID: HostCID, DstCID: GuestCID, SrcPort: c.peerPort, DstPort: c.localPort, Type: vsockTypeStream, Op: vsockOpRST}
		v.mu.Lock()
		v.pendingTX = append(v.pendingTX, hdr.encode())
		v.mu.Unlock()
	}
}

func (v *Vsock) flushPending(t *Transport) {
	q := t.Queue(vsockQueueRX)
	if q == nil || !q.Ready() {
		return
	}

	v.mu.Lock()
	pending := v.pendingTX
	v.pendingTX = nil
	v.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	used := false
	delivered := 0

	for _, pkt := range pending {
		has, _, err := t.HasAvail(q)
		if err != nil || !has {
			break
		}

		head, err := t.NextHead(q)
		if err != nil {
			break
		}

		written, err := t.WriteChain(q, head, pkt)
		if err != nil {
			break
		}

		_ = t.PushUsed(q, head, written)
		used = true
		delivered++
	}

	// Packets that found no RX buffer stay queued, ahead of any queued since.
	if delivered < len(pending) {
		v.mu.Lock()
		v.pendingTX = append(pending[delivered:], v.pendingTX...)
		v.mu.Unlock()
	}

	if used {
		t.RaiseInterrupt()
	}
}
