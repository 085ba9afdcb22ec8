package virtio

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/frameio"
)

const (
	netQueueRX = 0
	netQueueTX = 1
	netNumQueues = 2

	netHeaderLen = 12

	featureMAC = 1 << 5
)

// Net is the virtio-net device (spec.md §4.5): it shuttles ethernet frames
// between the guest and a frameio.FrameIO (a socketpair endpoint or a
// netswitch.Port), prefixing/stripping the 12-byte virtio-net header the
// guest driver expects but the host-side peer never sees.
type Net struct {
	mac  [6]byte
	io   frameio.FrameIO
	log  *logrus.Entry
	mu   sync.Mutex
	rxQ  [][]byte // frames queued for delivery to the guest, header-prefixed
}

// NewNet returns a net device bridging the guest to io, reporting mac in
// its config space.
func NewNet(mac [6]byte, io frameio.FrameIO, log *logrus.Entry) *Net {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Net{mac: mac, io: io, log: log}
}

// DeviceID implements Device.
func (n *Net) DeviceID() uint32 { return DeviceIDNet }

// NumQueues implements Device.
func (n *Net) NumQueues() int { return netNumQueues }

// QueueMaxSize implements Device.
func (n *Net) QueueMaxSize(int) uint16 { return MaxQueueSize }

// Features implements Device.
func (n *Net) Features() uint64 { return featureMAC }

// OnReset implements Device.
func (n *Net) OnReset() {
	n.mu.Lock()
	n.rxQ = nil
	n.mu.Unlock()
}

// ReadConfig implements Device: the 6-byte MAC address.
func (n *Net) ReadConfig(offset uint64, data []byte) {
	for i := range data {
		idx := offset + uint64(i)
		if idx < 6 {
			data[i] = n.mac[idx]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements Device; net config is read-only here (the MAC is
// device-assigned, not driver-settable).
func (n *Net) WriteConfig(uint64, []byte) {}

// OnQueueNotify implements Device.
func (n *Net) OnQueueNotify(t *Transport, i int) error {
	switch i {
	case netQueueTX:
		return n.drainTX(t)
	case netQueueRX:
		return n.fillRX(t)
	}

	return nil
}

// drainTX concatenates each available chain, strips the 12-byte virtio-net
// header, and writes the remaining ethernet frame to the host peer. Send
// errors are dropped silently per spec.md §4.5 (the NAT/switch layer above
// tolerates loss).
func (n *Net) drainTX(t *Transport) error {
	q := t.Queue(netQueueTX)
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
		if err != nil {
			n.log.WithError(err).Trace("net tx: abandoning malformed chain")
			_ = t.PushUsed(q, head, 0)
			used = true

			continue
		}

		if len(buf) > netHeaderLen {
			if err := n.io.Send(buf[netHeaderLen:]); err != nil {
				n.log.WithError(err).Trace("net tx: send dropped")
			}
		}

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

// Poll is driven by the VM's background pump: it non-blockingly reads
// frames from the host peer, queues them with a zeroed virtio-net header
// prefix, and attempts delivery.
func (n *Net) Poll(t *Transport) {
	mtu := n.io.MTU()
	if mtu <= 0 {
		mtu = 65536
	}

	buf := make([]byte, mtu)

	for {
		nbytes, err := n.io.Recv(buf)
		if err != nil || nbytes == 0 {
			break
		}

		framed := make([]byte, netHeaderLen+nbytes)
		copy(framed[netHeaderLen:], buf[:nbytes])

		n.mu.Lock()
		n.rxQ = append(n.rxQ, framed)
		n.mu.Unlock()
	}

	if err := n.fillRX(t); err != nil {
		n.log.WithError(err).Trace("net rx: fill error")
	}
}

// fillRX delivers queued frames to writable descriptor chains, splitting a
// frame across chained descriptors as needed (spec.md §4.5).
func (n *Net) fillRX(t *Transport) error {
	q := t.Queue(netQueueRX)
	if q == nil || !q.Ready() {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	used := false

	for len(n.rxQ) > 0 {
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

		frame := n.rxQ[0]

		written, err := t.WriteChain(q, head, frame)
		if err != nil {
			return err
		}

		if err := t.PushUsed(q, head, written); err != nil {
			return err
		}

		n.rxQ = n.rxQ[1:]
		used = true
	}

	if used {
		t.RaiseInterrupt()
	}

	return nil
}
