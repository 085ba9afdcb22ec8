package netstack

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

const (
	protoTCP = 6
	protoUDP = 17

	tcpIdleTimeout = 5 * time.Minute
	udpIdleTimeout = 30 * time.Second

	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// tcpState is the simplified per-connection FSM spec.md §3 calls for: just
// enough states to sequence the handshake and teardown, not a full RFC 793
// state machine (no retransmission, no window scaling).
type tcpState int

const (
	tcpSynSent tcpState = iota
	tcpEstablished
	tcpClosing
)

type fiveTuple struct {
	proto       byte
	guestIP     [4]byte
	guestPort   uint16
	remoteIP    [4]byte
	remotePort  uint16
}

type reverseKey struct {
	proto       byte
	gatewayPort uint16
	remoteIP    [4]byte
	remotePort  uint16
}

type natEntry struct {
	key         fiveTuple
	guestMAC    net.HardwareAddr
	gatewayPort uint16
	conn        net.Conn // TCP: stream; UDP: "connected" UDP socket

	lastActivity time.Time

	// TCP sequencing, host(gateway)->guest direction.
	state      tcpState
	guestISN   uint32 // guest's initial sequence number (from its SYN)
	guestNext  uint32 // next guest seq number we expect (== our ack)
	hostSeq    uint32 // our next sequence number toward the guest
}

// Table is the NAT table of spec.md §3/§4.9: TCP and UDP 5-tuple maps with
// their reverse gateway-port keys, ephemeral port allocation, and host-side
// sockets carrying the actual traffic.
type Table struct {
	gatewayIP  net.IP
	gatewayMAC net.HardwareAddr
	log        *logrus.Entry

	mu       sync.Mutex
	tcp      map[fiveTuple]*natEntry
	udp      map[fiveTuple]*natEntry
	tcpRev   map[reverseKey]*natEntry
	udpRev   map[reverseKey]*natEntry
	nextPort uint16

	out chan []byte
}

// NewTable returns an empty NAT table fronted by gatewayIP/gatewayMAC.
func NewTable(gatewayIP net.IP, gatewayMAC net.HardwareAddr, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Table{
		gatewayIP:  gatewayIP.To4(),
		gatewayMAC: gatewayMAC,
		log:        log,
		tcp:        make(map[fiveTuple]*natEntry),
		udp:        make(map[fiveTuple]*natEntry),
		tcpRev:     make(map[reverseKey]*natEntry),
		udpRev:     make(map[reverseKey]*natEntry),
		nextPort:   ephemeralLow,
		out:        make(chan []byte, 256),
	}
}

// Outbound returns the channel of guest-destined frames synthesised by
// return host traffic; Stack.poll drains it every tick.
func (t *Table) Outbound() <-chan []byte { return t.out }

// HandleEgress processes one guest->external frame already decoded as
// ethernet/IPv4/{tcp,udp}.
func (t *Table) HandleEgress(eth *layers.Ethernet, ip *layers.IPv4, tcpL *layers.TCP, udpL *layers.UDP) {
	if tcpL != nil {
		t.handleTCPEgress(eth, ip, tcpL)

		return
	}

	if udpL != nil {
		t.handleUDPEgress(eth, ip, udpL)
	}
}

func (t *Table) handleTCPEgress(eth *layers.Ethernet, ip *layers.IPv4, tcpL *layers.TCP) {
	key := fiveTuple{proto: protoTCP, guestPort: uint16(tcpL.SrcPort), remotePort: uint16(tcpL.DstPort)}
	copy(key.guestIP[:], ip.SrcIP.To4())
	copy(key.remoteIP[:], ip.DstIP.To4())

	t.mu.Lock()
	e, ok := t.tcp[key]
	if !ok {
		gwPort := t.allocPort()
		e = &natEntry{key: key, guestMAC: append(net.HardwareAddr(nil), eth.SrcMAC...), gatewayPort: gwPort, guestISN: tcpL.Seq, guestNext: tcpL.Seq + 1, hostSeq: 1}
		t.tcp[key] = e
		rk := reverseKey{proto: protoTCP, gatewayPort: gwPort, remoteIP: key.remoteIP, remotePort: key.remotePort}
		t.tcpRev[rk] = e
		t.mu.Unlock()

		remote := net.JoinHostPort(ip.DstIP.String(), portStr(uint16(tcpL.DstPort)))

		go t.dialTCP(e, remote)
	} else {
		t.mu.Unlock()
	}

	e.lastActivity = time.Now()

	if tcpL.RST {
		t.closeEntry(&t.tcp, &t.tcpRev, e)

		return
	}

	if len(tcpL.Payload) > 0 && e.conn != nil {
		if _, err := e.conn.Write(tcpL.Payload); err != nil {
			t.log.WithError(err).Trace("nat tcp: write to remote failed")
		}

		e.guestNext = tcpL.Seq + uint32(len(tcpL.Payload))
	}

	if tcpL.FIN {
		e.guestNext = tcpL.Seq + 1
		e.state = tcpClosing

		if e.conn != nil {
			_ = e.conn.Close()
		}
	}
}

func (t *Table) dialTCP(e *natEntry, remote string) {
	conn, err := net.DialTimeout("tcp", remote, 5*time.Second)
	if err != nil {
		t.log.WithError(err).WithField("remote", remote).Trace("nat tcp: dial failed")
		t.mu.Lock()
		t.closeEntryLocked(t.tcp, t.tcpRev, e)
		t.mu.Unlock()

		return
	}

	e.conn = conn
	e.state = tcpEstablished

	t.out <- t.synAck(e)

	buf := make([]byte, 16384)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.out <- t.dataSegment(e, buf[:n], protoTCP)
			e.hostSeq += uint32(n)
			e.lastActivity = time.Now()
		}

		if err != nil {
			t.out <- t.finSegment(e, protoTCP)
			t.mu.Lock()
			t.closeEntryLocked(t.tcp, t.tcpRev, e)
			t.mu.Unlock()

			return
		}
	}
}

func (t *Table) handleUDPEgress(eth *layers.Ethernet, ip *layers.IPv4, udpL *layers.UDP) {
	key := fiveTuple{proto: protoUDP, guestPort: uint16(udpL.SrcPort), remotePort: uint16(udpL.DstPort)}
	copy(key.guestIP[:], ip.SrcIP.To4())
	copy(key.remoteIP[:], ip.DstIP.To4())

	t.mu.Lock()
	e, ok := t.udp[key]
	if !ok {
		gwPort := t.allocPort()
		e = &natEntry{key: key, guestMAC: append(net.HardwareAddr(nil), eth.SrcMAC...), gatewayPort: gwPort}
		t.udp[key] = e
		rk := reverseKey{proto: protoUDP, gatewayPort: gwPort, remoteIP: key.remoteIP, remotePort: key.remotePort}
		t.udpRev[rk] = e
		t.mu.Unlock()

		remote := net.JoinHostPort(ip.DstIP.String(), portStr(uint16(udpL.DstPort)))

		conn, err := net.Dial("udp", remote)
		if err != nil {
			t.log.WithError(err).Trace("nat udp: dial failed")
			t.mu.Lock()
			t.closeEntryLocked(t.udp, t.udpRev, e)
			t.mu.Unlock()

			return
		}

		e.conn = conn

		go t.readUDP(e)
	} else {
		t.mu.Unlock()
	}

	e.lastActivity = time.Now()

	if e.conn != nil {
		if _, err := e.conn.Write(udpL.Payload); err != nil {
			t.log.WithError(err).Trace("nat udp: write failed")
		}
	}
}

func (t *Table) readUDP(e *natEntry) {
	buf := make([]byte, 16384)

	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			t.out <- t.dataSegment(e, buf[:n], protoUDP)
			e.lastActivity = time.Now()
		}

		if err != nil {
			t.mu.Lock()
			t.closeEntryLocked(t.udp, t.udpRev, e)
			t.mu.Unlock()

			return
		}
	}
}

// allocPort must be called with t.mu held.
func (t *Table) allocPort() uint16 {
	p := t.nextPort
	if t.nextPort == ephemeralHigh {
		t.nextPort = ephemeralLow
	} else {
		t.nextPort++
	}

	return p
}

func (t *Table) closeEntry(fwd *map[fiveTuple]*natEntry, rev *map[reverseKey]*natEntry, e *natEntry) {
	t.mu.Lock()
	t.closeEntryLocked(*fwd, *rev, e)
	t.mu.Unlock()
}

func (t *Table) closeEntryLocked(fwd map[fiveTuple]*natEntry, rev map[reverseKey]*natEntry, e *natEntry) {
	delete(fwd, e.key)

	rk := reverseKey{proto: e.key.proto, gatewayPort: e.gatewayPort, remoteIP: e.key.remoteIP, remotePort: e.key.remotePort}
	delete(rev, rk)

	if e.conn != nil {
		_ = e.conn.Close()
	}
}

// ExpireIdle drops entries idle longer than their protocol timeout, per
// spec.md §4.9's 10s expiry tick.
func (t *Table) ExpireIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	for k, e := range t.tcp {
		if now.Sub(e.lastActivity) > tcpIdleTimeout {
			delete(t.tcp, k)
			delete(t.tcpRev, reverseKey{proto: protoTCP, gatewayPort: e.gatewayPort, remoteIP: e.key.remoteIP, remotePort: e.key.remotePort})

			if e.conn != nil {
				_ = e.conn.Close()
			}
		}
	}

	for k, e := range t.udp {
		if now.Sub(e.lastActivity) > udpIdleTimeout {
			delete(t.udp, k)
			delete(t.udpRev, reverseKey{proto: protoUDP, gatewayPort: e.gatewayPort, remoteIP: e.key.remoteIP, remotePort: e.key.remotePort})

			if e.conn != nil {
				_ = e.conn.Close()
			}
		}
	}
}

// synAck crafts the gateway's SYN-ACK, reusing the guest MAC learned during
// egress (spec.md §4.9).
func (t *Table) synAck(e *natEntry) []byte {
	tcpL := &layers.TCP{
		SrcPort: layers.TCPPort(e.key.remotePort),
		DstPort: layers.TCPPort(e.key.guestPort),
		Seq:     e.hostSeq,
		Ack:     e.guestNext,
		SYN:     true,
		ACK:     true,
		Window:  65535,
	}
	e.hostSeq++

	return t.craftTCP(e, tcpL, nil)
}

func (t *Table) dataSegment(e *natEntry, payload []byte, proto byte) []byte {
	if proto == protoUDP {
		return t.craftUDP(e, payload)
	}

	tcpL := &layers.TCP{
		SrcPort: layers.TCPPort(e.key.remotePort),
		DstPort: layers.TCPPort(e.key.guestPort),
		Seq:     e.hostSeq,
		Ack:     e.guestNext,
		ACK:     true,
		Window:  65535,
	}

	return t.craftTCP(e, tcpL, payload)
}

func (t *Table) finSegment(e *natEntry, proto byte) []byte {
	tcpL := &layers.TCP{
		SrcPort: layers.TCPPort(e.key.remotePort),
		DstPort: layers.TCPPort(e.key.guestPort),
		Seq:     e.hostSeq,
		Ack:     e.guestNext,
		FIN:     true,
		ACK:     true,
		Window:  65535,
	}
	e.hostSeq++

	return t.craftTCP(e, tcpL, nil)
}

func (t *Table) craftTCP(e *natEntry, tcpL *layers.TCP, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: t.gatewayMAC, DstMAC: e.guestMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IP(e.key.remoteIP[:]), DstIP: net.IP(e.key.guestIP[:])}

	tcpL.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	var err error
	if len(payload) > 0 {
		err = gopacket.SerializeLayers(buf, opts, eth, ip, tcpL, gopacket.Payload(payload))
	} else {
		err = gopacket.SerializeLayers(buf, opts, eth, ip, tcpL)
	}

	if err != nil {
		t.log.WithError(err).Trace("nat: serialize tcp frame failed")

		return nil
	}

	return buf.Bytes()
}

func (t *Table) craftUDP(e *natEntry, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: t.gatewayMAC, DstMAC: e.guestMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IP(e.key.remoteIP[:]), DstIP: net.IP(e.key.guestIP[:])}
	udpL := &layers.UDP{SrcPort: layers.UDPPort(e.key.remotePort), DstPort: layers.UDPPort(e.key.guestPort)}
	udpL.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udpL, gopacket.Payload(payload)); err != nil {
		t.log.WithError(err).Trace("nat: serialize udp frame failed")

		return nil
	}

	return buf.Bytes()
}

func portStr(p uint16) string {
	return strconv.Itoa(int(p))
}
