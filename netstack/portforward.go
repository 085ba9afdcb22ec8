package netstack

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// Rule configures one host port -> guest port forward (spec.md §4.9).
type Rule struct {
	Proto     string // "tcp" or "udp"
	HostPort  int
	GuestIP   net.IP
	GuestPort int
}

type pfConn struct {
	rule        Rule
	virtualPort uint16
	hostConn    net.Conn
	established bool
	hostSeq     uint32
	guestNext   uint32
	lastActive  time.Time

	// UDP-only: the host-side socket the datagram arrived on and the
	// remote address to relay the guest's reply back to.
	udpConn   *net.UDPConn
	udpRemote *net.UDPAddr
}

// PortForwarder proxies host listeners into the guest, crafting the
// initial SYN/UDP datagram itself since the connection originates
// host-side (spec.md §4.9's port-forwarder, the mirror image of Table's
// guest-initiated NAT).
type PortForwarder struct {
	gatewayIP  net.IP
	gatewayMAC net.HardwareAddr
	log        *logrus.Entry

	mu       sync.Mutex
	guestMAC net.HardwareAddr // learned from the guest's first reply
	conns    map[uint16]*pfConn
	nextPort uint16

	out chan []byte
}

// NewPortForwarder returns an empty forwarder; call AddRule for each
// configured rule once the listeners should start.
func NewPortForwarder(gatewayIP net.IP, gatewayMAC net.HardwareAddr, log *logrus.Entry) *PortForwarder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &PortForwarder{
		gatewayIP:  gatewayIP.To4(),
		gatewayMAC: gatewayMAC,
		log:        log,
		conns:      make(map[uint16]*pfConn),
		nextPort:   ephemeralLow,
		out:        make(chan []byte, 256),
	}
}

// Outbound returns the channel of frames the forwarder wants injected into
// the guest; Stack.poll drains it every tick alongside Table's.
func (f *PortForwarder) Outbound() <-chan []byte { return f.out }

// SetGuestMAC records the guest's ethernet address, learned from the first
// frame it sends back to the gateway IP (spec.md §4.9).
func (f *PortForwarder) SetGuestMAC(mac net.HardwareAddr) {
	f.mu.Lock()
	f.guestMAC = append(net.HardwareAddr(nil), mac...)
	f.mu.Unlock()
}

// AddRule binds a host listener for rule and starts accepting/relaying.
func (f *PortForwarder) AddRule(rule Rule) error {
	switch rule.Proto {
	case "tcp":
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rule.HostPort))
		if err != nil {
			return fmt.Errorf("netstack: port forward listen: %w", err)
		}

		go f.acceptTCP(ln, rule)
	case "udp":
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: rule.HostPort})
		if err != nil {
			return fmt.Errorf("netstack: port forward listen udp: %w", err)
		}

		go f.serveUDP(conn, rule)
	default:
		return fmt.Errorf("netstack: unknown forward proto %q", rule.Proto)
	}

	return nil
}

func (f *PortForwarder) acceptTCP(ln net.Listener, rule Rule) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		vport := f.allocPort()
		pc := &pfConn{rule: rule, virtualPort: vport, hostConn: conn, hostSeq: 1, lastActive: time.Now()}
		f.conns[vport] = pc
		mac := append(net.HardwareAddr(nil), f.guestMAC...)
		f.mu.Unlock()

		if len(mac) == 0 {
			mac = layers.EthernetBroadcast
		}

		f.out <- f.craftTCP(pc, mac, &layers.TCP{
			SrcPort: layers.TCPPort(vport),
			DstPort: layers.TCPPort(rule.GuestPort),
			Seq:     pc.hostSeq,
			SYN:     true,
			Window:  65535,
		}, nil)
		pc.hostSeq++
	}
}

// HandleIngressTCP is called by Stack for any TCP segment from the guest
// addressed to the gateway IP whose destination port matches a pending or
// established forward connection.
func (f *PortForwarder) HandleIngressTCP(eth *layers.Ethernet, tcpL *layers.TCP) bool {
	f.mu.Lock()
	pc, ok := f.conns[uint16(tcpL.DstPort)]
	f.mu.Unlock()

	if !ok {
		return false
	}

	f.SetGuestMAC(eth.SrcMAC)
	pc.lastActive = time.Now()

	if !pc.established && tcpL.SYN && tcpL.ACK {
		pc.established = true
		pc.guestNext = tcpL.Seq + 1

		f.out <- f.craftTCP(pc, eth.SrcMAC, &layers.TCP{
			SrcPort: layers.TCPPort(pc.virtualPort),
			DstPort: tcpL.SrcPort,
			Seq:     pc.hostSeq,
			Ack:     pc.guestNext,
			ACK:     true,
			Window:  65535,
		}, nil)

		go f.relay(pc, eth.SrcMAC)

		return true
	}

	if len(tcpL.Payload) > 0 {
		if _, err := pc.hostConn.Write(tcpL.Payload); err != nil {
			f.log.WithError(err).Trace("port forward: write to host conn failed")
		}

		pc.guestNext = tcpL.Seq + uint32(len(tcpL.Payload))
	}

	if tcpL.FIN || tcpL.RST {
		pc.guestNext = tcpL.Seq + 1
		_ = pc.hostConn.Close()
	}

	return true
}

func (f *PortForwarder) relay(pc *pfConn, guestMAC net.HardwareAddr) {
	buf := make([]byte, 16384)

	for {
		n, err := pc.hostConn.Read(buf)
		if n > 0 {
			f.out <- f.craftTCP(pc, guestMAC, &layers.TCP{
				SrcPort: layers.TCPPort(pc.virtualPort),
				DstPort: layers.TCPPort(pc.rule.GuestPort),
				Seq:     pc.hostSeq,
				Ack:     pc.guestNext,
				ACK:     true,
				Window:  65535,
			}, buf[:n])
			pc.hostSeq += uint32(n)
			pc.lastActive = time.Now()
		}

		if err != nil {
			f.mu.Lock()
			delete(f.conns, pc.virtualPort)
			f.mu.Unlock()

			return
		}
	}
}

func (f *PortForwarder) serveUDP(conn *net.UDPConn, rule Rule) {
	buf := make([]byte, 16384)

	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		f.mu.Lock()
		vport := f.allocPort()
		f.conns[vport] = &pfConn{rule: rule, virtualPort: vport, lastActive: time.Now(), udpConn: conn, udpRemote: addr}
		mac := append(net.HardwareAddr(nil), f.guestMAC...)
		f.mu.Unlock()

		if len(mac) == 0 {
			mac = layers.EthernetBroadcast
		}

		f.out <- f.craftUDP(vport, rule.GuestIP, rule.GuestPort, mac, buf[:n])
	}
}

// HandleIngressUDP is called by Stack for any UDP datagram from the guest
// addressed to the gateway IP whose destination port matches a pending
// forward, relaying the guest's reply to the original host-side remote.
func (f *PortForwarder) HandleIngressUDP(eth *layers.Ethernet, udpL *layers.UDP) bool {
	f.mu.Lock()
	pc, ok := f.conns[uint16(udpL.DstPort)]
	f.mu.Unlock()

	if !ok || pc.udpConn == nil {
		return false
	}

	f.SetGuestMAC(eth.SrcMAC)
	pc.lastActive = time.Now()

	if _, err := pc.udpConn.WriteToUDP(udpL.Payload, pc.udpRemote); err != nil {
		f.log.WithError(err).Trace("port forward: udp reply write failed")
	}

	return true
}

// allocPort must be called with f.mu held.
func (f *PortForwarder) allocPort() uint16 {
	p := f.nextPort
	if f.nextPort == ephemeralHigh {
		f.nextPort = ephemeralLow
	} else {
		f.nextPort++
	}

	return p
}

func (f *PortForwarder) craftTCP(pc *pfConn, guestMAC net.HardwareAddr, tcpL *layers.TCP, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: f.gatewayMAC, DstMAC: guestMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: f.gatewayIP, DstIP: pc.rule.GuestIP}

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
		f.log.WithError(err).Trace("port forward: serialize tcp failed")

		return nil
	}

	return buf.Bytes()
}

func (f *PortForwarder) craftUDP(vport uint16, guestIP net.IP, guestPort int, guestMAC net.HardwareAddr, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: f.gatewayMAC, DstMAC: guestMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: f.gatewayIP, DstIP: guestIP}
	udpL := &layers.UDP{SrcPort: layers.UDPPort(vport), DstPort: layers.UDPPort(guestPort)}
	udpL.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udpL, gopacket.Payload(payload)); err != nil {
		f.log.WithError(err).Trace("port forward: serialize udp failed")

		return nil
	}

	return buf.Bytes()
}
