package netstack

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestPortForwardAcceptCraftsSYNTowardGuest(t *testing.T) {
	gwIP, gwMAC := testGateway()
	pf := NewPortForwarder(gwIP, gwMAC, nil)

	hostPort := freeTCPPort(t)
	rule := Rule{Proto: "tcp", HostPort: hostPort, GuestIP: net.IPv4(10, 0, 2, 15), GuestPort: 2222}
	require.NoError(t, pf.AddRule(rule))

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort)))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case frame := <-pf.Outbound():
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
		tcpL, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.True(t, ok)
		require.True(t, tcpL.SYN)
		require.Equal(t, layers.TCPPort(2222), tcpL.DstPort)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a crafted SYN frame once a host client connects")
	}
}

func TestPortForwardIngressSYNACKEstablishesAndRelays(t *testing.T) {
	gwIP, gwMAC := testGateway()
	pf := NewPortForwarder(gwIP, gwMAC, nil)

	hostPort := freeTCPPort(t)
	rule := Rule{Proto: "tcp", HostPort: hostPort, GuestIP: net.IPv4(10, 0, 2, 15), GuestPort: 2222}
	require.NoError(t, pf.AddRule(rule))

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort)))
	require.NoError(t, err)
	defer conn.Close()

	var vport uint16

	select {
	case frame := <-pf.Outbound():
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
		tcpL := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		vport = uint16(tcpL.SrcPort)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the initial SYN frame")
	}

	guestMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x01, 0x02, 0x03}
	eth := &layers.Ethernet{SrcMAC: guestMAC}
	synAck := &layers.TCP{SrcPort: 2222, DstPort: layers.TCPPort(vport), Seq: 500, SYN: true, ACK: true}

	handled := pf.HandleIngressTCP(eth, synAck)
	require.True(t, handled)

	// Completing the handshake produces the ACK toward the guest.
	select {
	case frame := <-pf.Outbound():
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
		tcpL := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.True(t, tcpL.ACK)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an ACK frame once the handshake completes")
	}

	// Bytes the host client writes are relayed to the guest's port.
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case frame := <-pf.Outbound():
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
		tcpL := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.Equal(t, layers.TCPPort(2222), tcpL.DstPort)
		require.Equal(t, "ping", string(tcpL.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("expected the host client's bytes relayed toward the guest")
	}
}
