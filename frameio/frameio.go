// Package frameio implements the non-blocking ethernet-frame duplex
// abstraction (spec.md §2 item 1) consumed by the virtio-net device, the
// virtual switch, and the NAT stack.
package frameio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultMTU is the frame size used when a caller doesn't need a smaller
// one; it comfortably exceeds a standard 1500-byte ethernet MTU plus VLAN
// tagging slack.
const DefaultMTU = 65536

// FrameIO is a non-blocking, MTU-aware ethernet-frame duplex. Recv returns
// (0, nil) when no frame is currently available — callers poll it rather
// than blocking, matching spec.md's "readiness-driven" framing.
type FrameIO interface {
	// Recv copies the next available frame into buf and returns its
	// length, or (0, nil) if none is ready.
	Recv(buf []byte) (int, error)
	// Send writes one frame to the peer. Errors are the caller's to
	// handle; most callers in this system drop them (spec.md §4.5/§4.9).
	Send(frame []byte) error
	// MTU is the largest frame this duplex can carry.
	MTU() int
	// Close releases the underlying transport.
	Close() error
}

// SocketPair is a FrameIO backed by an AF_UNIX SOCK_DGRAM socketpair: one
// fd is handed to the virtio-net device (or switch port), the other stays
// with this process (or is handed to a peer VM/task) as its write/read
// counterpart.
type SocketPair struct {
	fd  int
	mtu int
}

// NewSocketPair creates a connected pair of non-blocking datagram sockets
// and returns both ends.
func NewSocketPair() (a, b *SocketPair, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("frameio: socketpair: %w", err)
	}

	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])

			return nil, nil, fmt.Errorf("frameio: set nonblock: %w", err)
		}
	}

	return &SocketPair{fd: fds[0], mtu: DefaultMTU}, &SocketPair{fd: fds[1], mtu: DefaultMTU}, nil
}

// Recv implements FrameIO.
func (s *SocketPair) Recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}

		return 0, err
	}

	return n, nil
}

// Send implements FrameIO.
func (s *SocketPair) Send(frame []byte) error {
	return unix.Sendto(s.fd, frame, unix.MSG_DONTWAIT, nil)
}

// MTU implements FrameIO.
func (s *SocketPair) MTU() int { return s.mtu }

// Close implements FrameIO.
func (s *SocketPair) Close() error { return unix.Close(s.fd) }

// FD exposes the raw descriptor for callers that need to select/poll on it
// directly (the NAT stack's epoll-ish 1ms tick loop reads via Recv instead,
// but tests and the builder want the fd for cleanup bookkeeping).
func (s *SocketPair) FD() int { return s.fd }
