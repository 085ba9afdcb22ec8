package netstack

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/sirupsen/logrus"
)

// leaseDuration is the fixed 1-hour lease spec.md §4.9/§8 specifies.
const leaseDuration = time.Hour

type lease struct {
	ip       net.IP
	expires  time.Time
	acked    bool
}

// DHCPConfig carries the gateway-relative parameters a DHCPServer offers.
type DHCPConfig struct {
	Gateway    net.IP
	SubnetMask net.IPMask
	PoolStart  net.IP
	PoolEnd    net.IP
	DNS        []net.IP
}

// DHCPServer implements the minimal DISCOVER/OFFER/REQUEST/ACK exchange of
// spec.md §4.9, keeping a mac->ipv4 lease table within a configured range.
type DHCPServer struct {
	cfg DHCPConfig
	log *logrus.Entry

	mu     sync.Mutex
	leases map[string]*lease // keyed by client MAC string
	used   map[string]bool   // keyed by IP string
}

// NewDHCPServer returns a server bound to cfg.
func NewDHCPServer(cfg DHCPConfig, log *logrus.Entry) *DHCPServer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &DHCPServer{
		cfg:    cfg,
		log:    log,
		leases: make(map[string]*lease),
		used:   make(map[string]bool),
	}
}

// Handle processes a raw DHCPv4 request and returns the raw bytes of the
// response to send (broadcast on UDP 68), or nil if no reply is warranted.
func (s *DHCPServer) Handle(req *dhcpv4.DHCPv4) ([]byte, error) {
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return s.discover(req)
	case dhcpv4.MessageTypeRequest:
		return s.request(req)
	default:
		return nil, nil
	}
}

func (s *DHCPServer) discover(req *dhcpv4.DHCPv4) ([]byte, error) {
	mac := req.ClientHWAddr.String()

	s.mu.Lock()
	l, ok := s.leases[mac]
	if !ok {
		ip, err := s.allocate()
		if err != nil {
			s.mu.Unlock()
			s.log.WithField("mac", mac).Warn("dhcp pool exhausted")

			return nil, nil
		}

		l = &lease{ip: ip}
		s.leases[mac] = l
	}
	ip := append(net.IP(nil), l.ip...)
	s.mu.Unlock()

	return s.build(req, dhcpv4.MessageTypeOffer, ip)
}

func (s *DHCPServer) request(req *dhcpv4.DHCPv4) ([]byte, error) {
	mac := req.ClientHWAddr.String()
	requested := req.RequestedIPAddress()

	s.mu.Lock()
	l, ok := s.leases[mac]
	if !ok || requested == nil || !l.ip.Equal(requested) {
		s.mu.Unlock()
		// Per spec.md §4.9: REQUEST with a mismatched IP is silently
		// ignored, not NAKed.
		return nil, nil
	}

	l.acked = true
	l.expires = time.Now().Add(leaseDuration)
	ip := append(net.IP(nil), l.ip...)
	s.mu.Unlock()

	return s.build(req, dhcpv4.MessageTypeAck, ip)
}

// allocate must be called with s.mu held; it returns the lowest free
// address in [PoolStart, PoolEnd].
func (s *DHCPServer) allocate() (net.IP, error) {
	start := ipToUint32(s.cfg.PoolStart)
	end := ipToUint32(s.cfg.PoolEnd)

	for v := start; v <= end; v++ {
		ip := uint32ToIP(v)
		if !s.used[ip.String()] {
			s.used[ip.String()] = true

			return ip, nil
		}
	}

	return nil, fmt.Errorf("netstack: dhcp pool exhausted")
}

func (s *DHCPServer) build(req *dhcpv4.DHCPv4, mt dhcpv4.MessageType, yourIP net.IP) ([]byte, error) {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithTransactionID(req.TransactionID),
		dhcpv4.WithYourIP(yourIP),
		dhcpv4.WithServerIP(s.cfg.Gateway),
		dhcpv4.WithHwAddr(req.ClientHWAddr),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(s.cfg.Gateway)),
		dhcpv4.WithOption(dhcpv4.OptSubnetMask(s.cfg.SubnetMask)),
		dhcpv4.WithOption(dhcpv4.OptRouter(s.cfg.Gateway)),
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(leaseDuration)),
	}

	if len(s.cfg.DNS) > 0 {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptDNS(s.cfg.DNS...)))
	}

	resp, err := dhcpv4.New(mods...)
	if err != nil {
		return nil, fmt.Errorf("netstack: build dhcp response: %w", err)
	}

	return resp.ToBytes(), nil
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()

	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
