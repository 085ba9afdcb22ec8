// Package netswitch implements a software L2 switch with MAC learning,
// multiplexing several VMs' virtio-net devices into one broadcast domain
// (spec.md §2 item 6, §4.10).
package netswitch

import (
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/frameio"
)

// ageTimeout is how long a learned MAC entry is trusted before it is
// dropped, per spec.md §3/§4.10.
const ageTimeout = 300 * time.Second

type macEntry struct {
	port     int
	lastSeen time.Time
}

// Switch is a MAC-learning L2 bridge. Each attached VM gets its own Port;
// an optional NAT port provides external connectivity for broadcast
// traffic (DHCP discovers, ARP).
type Switch struct {
	mu      sync.Mutex
	ports   []*Port
	mac     map[[6]byte]macEntry
	natPort int // -1 if none configured
	log     *logrus.Entry
	stop    chan struct{}
}

// New returns an empty switch. Call NewPort for each VM to attach, then
// Run to start the ageing ticker.
func New(log *logrus.Entry) *Switch {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Switch{mac: make(map[[6]byte]macEntry), natPort: -1, log: log, stop: make(chan struct{})}
}

// Port is one attachment point on the switch: it implements frameio.FrameIO
// so a virtio-net device (or the NAT stack) can use it as its frame duplex.
type Port struct {
	sw    *Switch
	index int
	rx    chan []byte
}

var _ frameio.FrameIO = (*Port)(nil)

// NewPort attaches a new port to the switch and returns it.
func (s *Switch) NewPort() *Port {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Port{sw: s, index: len(s.ports), rx: make(chan []byte, 256)}
	s.ports = append(s.ports, p)

	return p
}

// SetNATPort designates p as the port connected to the NAT stack, used for
// default flooding of broadcast/multicast frames so DHCP/ARP requests
// reach the gateway.
func (s *Switch) SetNATPort(p *Port) {
	s.mu.Lock()
	s.natPort = p.index
	s.mu.Unlock()
}

// Run starts the MAC-table ageing ticker; it returns when ctx-equivalent
// Stop is called.
func (s *Switch) Run() {
	ticker := time.NewTicker(ageTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.age()
		}
	}
}

// Stop halts the ageing ticker.
func (s *Switch) Stop() {
	close(s.stop)
}

func (s *Switch) age() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ageTimeout)
	for mac, e := range s.mac {
		if e.lastSeen.Before(cutoff) {
			delete(s.mac, mac)
		}
	}
}

// dispatch implements spec.md §4.10's per-frame algorithm: learn the
// source, then flood broadcast/multicast, unicast to a learned port, or
// flood as a fallback.
func (s *Switch) dispatch(from int, frame []byte) {
	if len(frame) < 12 {
		return
	}

	var src, dst [6]byte
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])

	s.mu.Lock()
	if src != ([6]byte{}) {
		s.mac[src] = macEntry{port: from, lastSeen: time.Now()}
	}

	broadcast := dst == [6]byte(layers.EthernetBroadcast)
	multicast := dst[0]&0x01 != 0

	if broadcast || multicast {
		// Flooding to every other port already reaches the NAT port (it is
		// just another attached Port), satisfying spec.md's "flood to all
		// ports != p and, if configured, to the NAT port".
		ports := append([]*Port(nil), s.ports...)
		s.mu.Unlock()

		for _, p := range ports {
			if p.index != from {
				p.deliver(frame)
			}
		}

		return
	}

	entry, ok := s.mac[dst]
	ports := s.ports
	s.mu.Unlock()

	if ok && entry.port != from && entry.port < len(ports) {
		ports[entry.port].deliver(frame)

		return
	}

	for _, p := range ports {
		if p.index != from {
			p.deliver(frame)
		}
	}
}

func (p *Port) deliver(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case p.rx <- cp:
	default:
		p.sw.log.WithField("port", p.index).Trace("switch port rx full, dropping frame")
	}
}

// Recv implements frameio.FrameIO.
func (p *Port) Recv(buf []byte) (int, error) {
	select {
	case frame := <-p.rx:
		return copy(buf, frame), nil
	default:
		return 0, nil
	}
}

// Send implements frameio.FrameIO: the VM behind this port is transmitting
// a frame onto the switch.
func (p *Port) Send(frame []byte) error {
	p.sw.dispatch(p.index, frame)

	return nil
}

// MTU implements frameio.FrameIO.
func (p *Port) MTU() int { return frameio.DefaultMTU }

// Close implements frameio.FrameIO; ports live for the switch's lifetime
// and detaching one is not supported (clusters are torn down as a whole).
func (p *Port) Close() error { return nil }
