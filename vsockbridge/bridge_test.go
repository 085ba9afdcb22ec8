package vsockbridge

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	connected chan uint32
}

func (f *fakeConnector) Connect(port uint32) {
	f.connected <- port
}

func recvWithTimeout(t *testing.T, ch <-chan interface{}) interface{} {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")

		return nil
	}
}

func TestListenModeEchoesClientBytesToDevice(t *testing.T) {
	toDevice := make(chan interface{}, 16)
	fromDevice := make(chan interface{}, 16)
	b := New(toDevice, fromDevice, &fakeConnector{connected: make(chan uint32, 1)}, nil)
	t.Cleanup(b.Stop)

	sock := filepath.Join(t.TempDir(), "listen.sock")
	require.NoError(t, b.AddPort(PortConfig{Port: 7, Mode: ModeListen, SocketPath: sock}))

	conn, err := dialWithRetry(t, sock)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("from-guest-client"))
	require.NoError(t, err)

	msg := recvWithTimeout(t, toDevice)
	data, ok := msg.(Data)
	require.True(t, ok)
	require.Equal(t, uint32(7), data.Port)
	require.Equal(t, "from-guest-client", string(data.Bytes))

	go b.Run()

	fromDevice <- Data{Port: 7, Bytes: []byte("from-device")}

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "from-device", string(buf[:n]))
}

func TestConnectModeInitiatesDeviceConnectThenBridges(t *testing.T) {
	toDevice := make(chan interface{}, 16)
	fromDevice := make(chan interface{}, 16)
	connector := &fakeConnector{connected: make(chan uint32, 1)}
	b := New(toDevice, fromDevice, connector, nil)
	t.Cleanup(b.Stop)

	sock := filepath.Join(t.TempDir(), "connect.sock")
	require.NoError(t, b.AddPort(PortConfig{Port: 11, Mode: ModeConnect, SocketPath: sock}))

	conn, err := dialWithRetry(t, sock)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case port := <-connector.connected:
		require.Equal(t, uint32(11), port)
	case <-time.After(2 * time.Second):
		t.Fatal("device.Connect was never called")
	}

	go b.Run()

	fromDevice <- Connected{Port: 11}

	// Give the dispatch loop a moment to promote the stashed conn, then
	// verify data flows both ways now that it's attached.
	time.Sleep(50 * time.Millisecond)

	fromDevice <- Data{Port: 11, Bytes: []byte("hello-guest")}

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello-guest", string(buf[:n]))
}

func TestClosedRemovesWriterSoFurtherDataIsDropped(t *testing.T) {
	toDevice := make(chan interface{}, 16)
	fromDevice := make(chan interface{}, 16)
	b := New(toDevice, fromDevice, &fakeConnector{connected: make(chan uint32, 1)}, nil)
	t.Cleanup(b.Stop)

	sock := filepath.Join(t.TempDir(), "closed.sock")
	require.NoError(t, b.AddPort(PortConfig{Port: 3, Mode: ModeListen, SocketPath: sock}))

	conn, err := dialWithRetry(t, sock)
	require.NoError(t, err)

	// Closing the client makes the read loop observe EOF and emit Closed.
	require.NoError(t, conn.Close())

	msg := recvWithTimeout(t, toDevice)
	_, ok := msg.(Closed)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.writers[3]

		return !ok
	}, 2*time.Second, 10*time.Millisecond, "Closed must remove the port's writer so further Data is dropped")
}

func dialWithRetry(t *testing.T, path string) (net.Conn, error) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	var lastErr error

	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}

		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}

	return nil, lastErr
}
