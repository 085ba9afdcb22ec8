// Package vsockbridge implements the host-side task that maps configured
// vsock ports to Unix domain sockets, in either listen mode (guest connects
// to host) or connect mode (host connects to guest), per spec.md §4.11.
package vsockbridge

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mode selects which side initiates the vsock connection.
type Mode int

const (
	// ModeListen: the guest connects to the host (device sends REQUEST,
	// the bridge matches it against a host accept on the configured
	// socket).
	ModeListen Mode = iota
	// ModeConnect: the host connects to the guest (a Unix accept triggers
	// the device to send an outbound REQUEST).
	ModeConnect
)

// PortConfig configures one bridged vsock port.
type PortConfig struct {
	Port       uint32
	Mode       Mode
	SocketPath string
}

// deviceConnector is the subset of virtio.Vsock the bridge needs in
// connect mode; kept as an interface to avoid an import cycle (virtio
// already imports vsockbridge for the message types).
type deviceConnector interface {
	Connect(localPort uint32)
}

// Bridge owns every configured port's Unix-socket plumbing and the
// dispatch loop that relays device<->bridge channel messages to the
// matching Unix connection's write half.
type Bridge struct {
	toDevice   chan<- interface{}
	fromDevice <-chan interface{}
	device     deviceConnector
	log        *logrus.Entry

	mu       sync.Mutex
	writers  map[uint32]net.Conn // established connection's write half, by port
	unixConn map[uint32]net.Conn // connect-mode: accepted stream awaiting Connected
	listeners []net.Listener

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a bridge exchanging messages with the vsock device over
// toDevice (bridge->device) and fromDevice (device->bridge).
func New(toDevice chan<- interface{}, fromDevice <-chan interface{}, device deviceConnector, log *logrus.Entry) *Bridge {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Bridge{
		toDevice:   toDevice,
		fromDevice: fromDevice,
		device:     device,
		log:        log,
		writers:    make(map[uint32]net.Conn),
		unixConn:   make(map[uint32]net.Conn),
		stop:       make(chan struct{}),
	}
}

// AddPort configures and starts one port per cfg.Mode.
func (b *Bridge) AddPort(cfg PortConfig) error {
	_ = os.Remove(cfg.SocketPath)

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("vsockbridge: listen %s: %w", cfg.SocketPath, err)
	}

	b.mu.Lock()
	b.listeners = append(b.listeners, ln)
	b.mu.Unlock()

	b.wg.Add(1)

	switch cfg.Mode {
	case ModeListen:
		go b.acceptListenMode(ln, cfg.Port)
	case ModeConnect:
		go b.acceptConnectMode(ln, cfg.Port)
	}

	return nil
}

// acceptListenMode accepts host connections for a guest-initiated
// (listen-mode) port. Per spec.md §4.11's documented limitation, only the
// first accepted connection per port is ever bridged.
func (b *Bridge) acceptListenMode(ln net.Listener, port uint32) {
	defer b.wg.Done()

	conn, err := ln.Accept()
	if err != nil {
		return
	}

	b.attach(port, conn)
}

// acceptConnectMode accepts a host connection, stashes it, and asks the
// device to initiate an outbound REQUEST; attach() completes once the
// device reports the guest accepted it (Connected).
func (b *Bridge) acceptConnectMode(ln net.Listener, port uint32) {
	defer b.wg.Done()

	conn, err := ln.Accept()
	if err != nil {
		return
	}

	b.mu.Lock()
	b.unixConn[port] = conn
	b.mu.Unlock()

	b.device.Connect(port)
}

// attach splits conn into read/write halves: the write half is held for
// the dispatch loop, and a goroutine owns the read half, forwarding bytes
// as Data and signalling Closed on EOF.
func (b *Bridge) attach(port uint32, conn net.Conn) {
	b.mu.Lock()
	b.writers[port] = conn
	b.mu.Unlock()

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		buf := make([]byte, 16384)

		for {
			n, err := conn.Read(buf)
			if n > 0 {
				b.toDevice <- Data{Port: port, Bytes: append([]byte(nil), buf[:n]...)}
			}

			if err != nil {
				b.toDevice <- Closed{Port: port}
				b.removeWriter(port)

				return
			}
		}
	}()
}

func (b *Bridge) removeWriter(port uint32) {
	b.mu.Lock()
	if c, ok := b.writers[port]; ok {
		_ = c.Close()
		delete(b.writers, port)
	}
	b.mu.Unlock()
}

// Run drains device->bridge messages until Stop is called.
func (b *Bridge) Run() {
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.fromDevice:
			b.handle(msg)
		}
	}
}

func (b *Bridge) handle(msg interface{}) {
	switch m := msg.(type) {
	case Connect:
		// Listen mode: the guest asked to connect to port m.Port. The
		// bridge keeps no set of waiting connections: acceptListenMode
		// attaches the first accepted host connection as soon as Accept
		// returns, and a guest Connect is not matched against anything
		// and has no effect here.
		b.mu.Lock()
		_, already := b.writers[m.Port]
		b.mu.Unlock()

		if already {
			return
		}

	case Connected:
		// Connect mode: the guest accepted our outbound REQUEST. Promote
		// the stashed stream to an active bridged connection.
		b.mu.Lock()
		conn, ok := b.unixConn[m.Port]
		delete(b.unixConn, m.Port)
		b.mu.Unlock()

		if ok {
			b.attach(m.Port, conn)
		}

	case Data:
		b.mu.Lock()
		conn, ok := b.writers[m.Port]
		b.mu.Unlock()

		if !ok {
			return
		}

		if _, err := conn.Write(m.Bytes); err != nil {
			b.log.WithError(err).Trace("vsockbridge: write_all failed")
			b.removeWriter(m.Port)
			b.toDevice <- Closed{Port: m.Port}
		}

	case Closed:
		b.removeWriter(m.Port)
	}
}

// Stop halts the dispatch loop and closes every listener and connection.
func (b *Bridge) Stop() {
	close(b.stop)

	b.mu.Lock()
	for _, ln := range b.listeners {
		_ = ln.Close()
	}

	for _, c := range b.writers {
		_ = c.Close()
	}

	for _, c := range b.unixConn {
		_ = c.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
}
