// Package netstack implements the userspace NAT stack of spec.md §4.9: a
// DHCP server, a NAT table with TCP/UDP tracking, and an optional port
// forwarder, all driven off one frameio.FrameIO by a 1ms poll tick.
package netstack

import (
	"context"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/frameio"
)

// The Default* and ClusterGateway* values are the two address plans spec.md §6
// specifies: per-VM NAT networks use 10.0.2.0/24, clusters use 10.0.3.0/24.
var (
	DefaultGatewayIP   = net.IPv4(10, 0, 2, 2)
	DefaultPoolStart   = net.IPv4(10, 0, 2, 15)
	DefaultPoolEnd     = net.IPv4(10, 0, 2, 254)
	DefaultGatewayMAC  = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
	DefaultSubnetMask  = net.CIDRMask(24, 32)
	DefaultDNS         = []net.IP{net.IPv4(8, 8, 8, 8), net.IPv4(8, 8, 4, 4)}

	ClusterGatewayIP  = net.IPv4(10, 0, 3, 2)
	ClusterGatewayMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0xC0, 0x00, 0x01}
)

const pollTick = time.Millisecond
const expireTick = 10 * time.Second

// Config carries the gateway-relative addressing this Stack instance uses.
type Config struct {
	GatewayIP  net.IP
	GatewayMAC net.HardwareAddr
	SubnetMask net.IPMask
	PoolStart  net.IP
	PoolEnd    net.IP
	DNS        []net.IP
}

// DefaultConfig returns the per-VM NAT defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		GatewayIP:  DefaultGatewayIP,
		GatewayMAC: DefaultGatewayMAC,
		SubnetMask: DefaultSubnetMask,
		PoolStart:  DefaultPoolStart,
		PoolEnd:    DefaultPoolEnd,
		DNS:        DefaultDNS,
	}
}

// Stack ties a DHCP server, NAT table and port forwarder to one frame
// duplex, matching spec.md §4.9's 5-step per-tick algorithm.
type Stack struct {
	cfg Config
	io  frameio.FrameIO
	dhcp *DHCPServer
	nat  *Table
	pf   *PortForwarder
	log  *logrus.Entry
}

// New builds a Stack bound to io (typically a frameio.SocketPair end or a
// netswitch.Port).
func New(cfg Config, io frameio.FrameIO, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	dhcpCfg := DHCPConfig{Gateway: cfg.GatewayIP, SubnetMask: cfg.SubnetMask, PoolStart: cfg.PoolStart, PoolEnd: cfg.PoolEnd, DNS: cfg.DNS}

	return &Stack{
		cfg:  cfg,
		io:   io,
		dhcp: NewDHCPServer(dhcpCfg, log),
		nat:  NewTable(cfg.GatewayIP, cfg.GatewayMAC, log),
		pf:   NewPortForwarder(cfg.GatewayIP, cfg.GatewayMAC, log),
		log:  log,
	}
}

// AddForward registers a host<->guest port-forward rule.
func (s *Stack) AddForward(rule Rule) error {
	return s.pf.AddRule(rule)
}

// Run drives the stack until ctx is cancelled.
func (s *Stack) Run(ctx context.Context) {
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	expire := time.NewTicker(expireTick)
	defer expire.Stop()

	buf := make([]byte, frameio.DefaultMTU)

	for {
		select {
		case <-ctx.Done():
			return
		case <-expire.C:
			s.nat.ExpireIdle()
		case <-ticker.C:
			s.tick(buf)
		}
	}
}

func (s *Stack) tick(buf []byte) {
	// Step 1: poll for guest frames, dispatching each as it's read.
	for {
		n, err := s.io.Recv(buf)
		if err != nil || n == 0 {
			break
		}

		s.dispatch(append([]byte(nil), buf[:n]...))
	}

	// Step 2: forward any NAT/port-forward response frames already queued.
	s.drainOutbound(s.nat.Outbound())
	s.drainOutbound(s.pf.Outbound())
}

func (s *Stack) drainOutbound(ch <-chan []byte) {
	for {
		select {
		case frame := <-ch:
			if frame != nil {
				if err := s.io.Send(frame); err != nil {
					s.log.WithError(err).Trace("netstack: send failed")
				}
			}
		default:
			return
		}
	}
}

// dispatch implements spec.md §4.9 steps 3-4: ARP for the gateway, ICMP
// echo, the DHCP server, port-forward responses, and NAT egress, in that
// priority order.
func (s *Stack) dispatch(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethL, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if ethL == nil {
		return
	}

	if arpL, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		s.handleARP(ethL, arpL)

		return
	}

	ipL, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ipL == nil {
		return
	}

	if icmpL, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		s.handleICMP(ethL, ipL, icmpL)

		return
	}

	if udpL, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		if udpL.DstPort == 67 {
			s.handleDHCP(udpL)

			return
		}

		if ipL.DstIP.Equal(s.cfg.GatewayIP) {
			s.pf.HandleIngressUDP(ethL, udpL)

			return
		}

		if s.isExternal(ipL.DstIP) {
			s.nat.HandleEgress(ethL, ipL, nil, udpL)
		}

		return
	}

	if tcpL, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		if ipL.DstIP.Equal(s.cfg.GatewayIP) {
			s.pf.HandleIngressTCP(ethL, tcpL)

			return
		}

		if s.isExternal(ipL.DstIP) {
			s.nat.HandleEgress(ethL, ipL, tcpL, nil)
		}
	}
}

func (s *Stack) isExternal(dst net.IP) bool {
	if dst.Equal(s.cfg.GatewayIP) || dst.IsMulticast() {
		return false
	}

	if bcast := broadcastAddr(s.cfg.GatewayIP, s.cfg.SubnetMask); dst.Equal(bcast) {
		return false
	}

	return true
}

func broadcastAddr(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	out := make(net.IP, 4)

	for i := range out {
		out[i] = ip4[i] | ^mask[i]
	}

	return out
}

func (s *Stack) handleARP(eth *layers.Ethernet, arp *layers.ARP) {
	if arp.Operation != layers.ARPRequest || !net.IP(arp.DstProtAddress).Equal(s.cfg.GatewayIP) {
		return
	}

	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   s.cfg.GatewayMAC,
		SourceProtAddress: s.cfg.GatewayIP.To4(),
		DstHwAddress:      arp.SourceHwAddress,
		DstProtAddress:    arp.SourceProtAddress,
	}
	ethReply := &layers.Ethernet{SrcMAC: s.cfg.GatewayMAC, DstMAC: eth.SrcMAC, EthernetType: layers.EthernetTypeARP}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, ethReply, reply); err != nil {
		s.log.WithError(err).Trace("netstack: serialize arp reply failed")

		return
	}

	if err := s.io.Send(buf.Bytes()); err != nil {
		s.log.WithError(err).Trace("netstack: send arp reply failed")
	}
}

func (s *Stack) handleICMP(eth *layers.Ethernet, ip *layers.IPv4, icmp *layers.ICMPv4) {
	if !ip.DstIP.Equal(s.cfg.GatewayIP) || icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return
	}

	ethReply := &layers.Ethernet{SrcMAC: s.cfg.GatewayMAC, DstMAC: eth.SrcMAC, EthernetType: layers.EthernetTypeIPv4}
	ipReply := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: s.cfg.GatewayIP, DstIP: ip.SrcIP}
	icmpReply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	if err := gopacket.SerializeLayers(buf, opts, ethReply, ipReply, icmpReply, gopacket.Payload(icmp.Payload)); err != nil {
		s.log.WithError(err).Trace("netstack: serialize icmp reply failed")

		return
	}

	if err := s.io.Send(buf.Bytes()); err != nil {
		s.log.WithError(err).Trace("netstack: send icmp reply failed")
	}
}

func (s *Stack) handleDHCP(udpL *layers.UDP) {
	req, err := dhcpv4.FromBytes(udpL.Payload)
	if err != nil {
		return
	}

	respBytes, err := s.dhcp.Handle(req)
	if err != nil {
		s.log.WithError(err).Trace("netstack: dhcp handle failed")

		return
	}

	if respBytes == nil {
		return
	}

	ethReply := &layers.Ethernet{SrcMAC: s.cfg.GatewayMAC, DstMAC: req.ClientHWAddr, EthernetType: layers.EthernetTypeIPv4}
	if len(req.ClientHWAddr) == 0 {
		ethReply.DstMAC = layers.EthernetBroadcast
	}

	ipReply := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: s.cfg.GatewayIP, DstIP: net.IPv4bcast}
	udpReply := &layers.UDP{SrcPort: 67, DstPort: 68}
	udpReply.SetNetworkLayerForChecksum(ipReply)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	if err := gopacket.SerializeLayers(buf, opts, ethReply, ipReply, udpReply, gopacket.Payload(respBytes)); err != nil {
		s.log.WithError(err).Trace("netstack: serialize dhcp reply failed")

		return
	}

	if err := s.io.Send(buf.Bytes()); err != nil {
		s.log.WithError(err).Trace("netstack: send dhcp reply failed")
	}
}
