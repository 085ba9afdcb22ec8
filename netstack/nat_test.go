package netstack

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func testGateway() (net.IP, net.HardwareAddr) {
	return net.IPv4(10, 0, 2, 2), net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
}

func TestNATAllocPortIsStablePerFlow(t *testing.T) {
	ip, mac := testGateway()
	nat := NewTable(ip, mac, nil)

	guestMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}
	eth := &layers.Ethernet{SrcMAC: guestMAC}
	ipL := &layers.IPv4{SrcIP: net.IPv4(10, 0, 2, 15), DstIP: net.IPv4(93, 184, 216, 34)}
	tcpL := &layers.TCP{SrcPort: 5000, DstPort: 80, Seq: 100}

	nat.handleTCPEgress(eth, ipL, tcpL)

	nat.mu.Lock()
	key := fiveTuple{proto: protoTCP, guestPort: 5000, remotePort: 80}
	copy(key.guestIP[:], ipL.SrcIP.To4())
	copy(key.remoteIP[:], ipL.DstIP.To4())
	e, ok := nat.tcp[key]
	nat.mu.Unlock()

	require.True(t, ok)
	firstPort := e.gatewayPort

	// A second packet on the same flow must reuse the same entry/port, not
	// allocate a fresh ephemeral port.
	tcpL2 := &layers.TCP{SrcPort: 5000, DstPort: 80, Seq: 101}
	nat.handleTCPEgress(eth, ipL, tcpL2)

	nat.mu.Lock()
	e2 := nat.tcp[key]
	nat.mu.Unlock()

	require.Same(t, e, e2)
	require.Equal(t, firstPort, e2.gatewayPort)
}

func TestNATTCPEgressDialsAndProducesSynAck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
	}()

	addr := ln.Addr().(*net.TCPAddr)

	gwIP, gwMAC := testGateway()
	nat := NewTable(gwIP, gwMAC, nil)

	guestMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}
	eth := &layers.Ethernet{SrcMAC: guestMAC}
	ipL := &layers.IPv4{SrcIP: net.IPv4(10, 0, 2, 15), DstIP: addr.IP}
	tcpL := &layers.TCP{SrcPort: 5001, DstPort: layers.TCPPort(addr.Port), Seq: 1000, SYN: true}

	nat.handleTCPEgress(eth, ipL, tcpL)

	select {
	case frame := <-nat.Outbound():
		require.NotNil(t, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a SYN-ACK frame on Outbound() after a successful dial")
	}
}

func TestNATExpireIdleDropsStaleTCPEntry(t *testing.T) {
	gwIP, gwMAC := testGateway()
	nat := NewTable(gwIP, gwMAC, nil)

	key := fiveTuple{proto: protoTCP, guestPort: 6000, remotePort: 80}
	e := &natEntry{key: key, lastActivity: time.Now().Add(-tcpIdleTimeout - time.Second)}
	nat.tcp[key] = e

	nat.ExpireIdle()

	_, ok := nat.tcp[key]
	require.False(t, ok, "an idle-too-long TCP entry must be expired")
}

func TestNATExpireIdleKeepsFreshEntry(t *testing.T) {
	gwIP, gwMAC := testGateway()
	nat := NewTable(gwIP, gwMAC, nil)

	key := fiveTuple{proto: protoUDP, guestPort: 6001, remotePort: 53}
	nat.udp[key] = &natEntry{key: key, lastActivity: time.Now()}

	nat.ExpireIdle()

	_, ok := nat.udp[key]
	require.True(t, ok, "a recently active UDP entry must not be expired")
}
