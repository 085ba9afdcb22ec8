package netstack

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"
)

func testDHCPConfig() DHCPConfig {
	return DHCPConfig{
		Gateway:    net.IPv4(10, 0, 2, 2),
		SubnetMask: net.CIDRMask(24, 32),
		PoolStart:  net.IPv4(10, 0, 2, 15),
		PoolEnd:    net.IPv4(10, 0, 2, 16),
		DNS:        []net.IP{net.IPv4(8, 8, 8, 8)},
	}
}

func TestDHCPDiscoverRequestAckFlow(t *testing.T) {
	srv := NewDHCPServer(testDHCPConfig(), nil)

	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0x11, 0x22, 0x33}

	discover, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)

	offerBytes, err := srv.Handle(discover)
	require.NoError(t, err)
	require.NotNil(t, offerBytes)

	offer, err := dhcpv4.FromBytes(offerBytes)
	require.NoError(t, err)
	require.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	require.Equal(t, "10.0.2.15", offer.YourIPAddr.String())

	request, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)

	ackBytes, err := srv.Handle(request)
	require.NoError(t, err)
	require.NotNil(t, ackBytes)

	ack, err := dhcpv4.FromBytes(ackBytes)
	require.NoError(t, err)
	require.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())
	require.Equal(t, "10.0.2.15", ack.YourIPAddr.String())
}

func TestDHCPDiscoverIsIdempotentPerMAC(t *testing.T) {
	srv := NewDHCPServer(testDHCPConfig(), nil)

	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0x11, 0x22, 0x44}

	discover, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)

	first, err := srv.Handle(discover)
	require.NoError(t, err)
	second, err := srv.Handle(discover)
	require.NoError(t, err)

	f, err := dhcpv4.FromBytes(first)
	require.NoError(t, err)
	s, err := dhcpv4.FromBytes(second)
	require.NoError(t, err)

	require.True(t, f.YourIPAddr.Equal(s.YourIPAddr), "the same MAC discovering twice must get the same offered address")
}

func TestDHCPPoolExhaustionReturnsNoOffer(t *testing.T) {
	cfg := testDHCPConfig()
	cfg.PoolStart = net.IPv4(10, 0, 2, 15)
	cfg.PoolEnd = net.IPv4(10, 0, 2, 15)
	srv := NewDHCPServer(cfg, nil)

	mac1 := net.HardwareAddr{0, 0, 0, 0, 0, 1}
	mac2 := net.HardwareAddr{0, 0, 0, 0, 0, 2}

	d1, err := dhcpv4.NewDiscovery(mac1)
	require.NoError(t, err)
	resp1, err := srv.Handle(d1)
	require.NoError(t, err)
	require.NotNil(t, resp1)

	d2, err := dhcpv4.NewDiscovery(mac2)
	require.NoError(t, err)
	resp2, err := srv.Handle(d2)
	require.NoError(t, err)
	require.Nil(t, resp2, "a second client must not get an offer once the single-address pool is exhausted")
}

func TestDHCPRequestWithMismatchedIPIsIgnored(t *testing.T) {
	srv := NewDHCPServer(testDHCPConfig(), nil)

	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0x55, 0x66, 0x77}

	discover, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	_, err = srv.Handle(discover)
	require.NoError(t, err)

	request, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.IPv4(10, 0, 2, 200))),
	)
	require.NoError(t, err)

	resp, err := srv.Handle(request)
	require.NoError(t, err)
	require.Nil(t, resp)
}
