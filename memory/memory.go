// Package memory implements the single contiguous guest-physical memory
// region shared, read/write, between the monitor, every vCPU thread and
// every virtio device.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned whenever an access would touch bytes outside the
// guest-physical address range backed by this region.
var ErrOutOfRange = errors.New("memory: access out of range")

// Memory is a refcounted handle onto an anonymous mmap region that backs
// guest-physical addresses [0, Size()). Devices and vCPU threads each hold
// their own Ref(); the backing mapping is released when the last ref is
// Closed. No caller ever sees the raw []byte or a pointer into it — every
// access goes through a bounds-checked method, per the "no raw pointers
// cross module boundaries" design note.
type Memory struct {
	shared *sharedRegion
}

type sharedRegion struct {
	bytes []byte
	refs  int32
	mu    sync.Mutex
	freed bool
}

// New mmaps an anonymous, shared region of size bytes and returns the first
// reference to it.
func New(size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory: invalid size %d", size)
	}

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap: %w", err)
	}

	s := &sharedRegion{bytes: b, refs: 1}

	return &Memory{shared: s}, nil
}

// Ref returns a new handle onto the same backing region. The caller must
// Close it independently of the original handle.
func (m *Memory) Ref() *Memory {
	atomic.AddInt32(&m.shared.refs, 1)

	return &Memory{shared: m.shared}
}

// Close releases this handle's reference. Once the last reference is
// closed, the mapping is munmapped and the region's size drops to 0, so any
// access through a handle afterward fails with ErrOutOfRange instead of
// touching freed memory.
func (m *Memory) Close() error {
	if atomic.AddInt32(&m.shared.refs, -1) > 0 {
		return nil
	}

	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()

	if m.shared.freed {
		return nil
	}

	m.shared.freed = true

	err := unix.Munmap(m.shared.bytes)
	m.shared.bytes = nil

	return err
}

// Size returns the guest-physical size of the region in bytes.
func (m *Memory) Size() int {
	return len(m.shared.bytes)
}

// BaseAddr returns the host virtual address of byte 0, for ioctls (e.g.
// KVM_SET_USER_MEMORY_REGION) that need the userspace address directly.
// This is the one sanctioned escape hatch for a raw address; it is never
// used to construct a pointer back into Go's address space from other
// threads beyond what the kernel itself dereferences.
func (m *Memory) BaseAddr() uintptr {
	if len(m.shared.bytes) == 0 {
		return 0
	}

	return uintptr(unsafeAddr(m.shared.bytes))
}

func (m *Memory) bounds(off int64, n int) error {
	if off < 0 || n < 0 {
		return ErrOutOfRange
	}

	end := off + int64(n)
	if end > int64(len(m.shared.bytes)) {
		return fmt.Errorf("%w: [%d,%d) exceeds size %d", ErrOutOfRange, off, end, len(m.shared.bytes))
	}

	return nil
}

// Contains reports whether the half-open byte range [off, off+n) lies
// wholly within this region — the check spec.md requires before a virtio
// queue's descriptor/avail/used rings may be activated.
func (m *Memory) Contains(off int64, n int) bool {
	return m.bounds(off, n) == nil
}

// ReadAt copies len(p) bytes starting at guest-physical offset off into p.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := m.bounds(off, len(p)); err != nil {
		return 0, err
	}

	return copy(p, m.shared.bytes[off:]), nil
}

// WriteAt copies p into guest-physical memory starting at offset off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if err := m.bounds(off, len(p)); err != nil {
		return 0, err
	}

	return copy(m.shared.bytes[off:], p), nil
}

// Slice returns a bounds-checked, directly-addressable view of [off,
// off+n). The returned slice aliases guest memory: callers may write
// through it, but must not retain it past the owning Memory's lifetime.
func (m *Memory) Slice(off int64, n int) ([]byte, error) {
	if err := m.bounds(off, n); err != nil {
		return nil, err
	}

	return m.shared.bytes[off : off+int64(n)], nil
}

// ReadUint16/ReadUint32/ReadUint64 read a little-endian value at off.
func (m *Memory) ReadUint16(off int64) (uint16, error) {
	var b [2]byte
	if _, err := m.ReadAt(b[:], off); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b[:]), nil
}

func (m *Memory) ReadUint32(off int64) (uint32, error) {
	var b [4]byte
	if _, err := m.ReadAt(b[:], off); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Memory) ReadUint64(off int64) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadAt(b[:], off); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteUint16/WriteUint32/WriteUint64 write a little-endian value at off.
func (m *Memory) WriteUint16(off int64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := m.WriteAt(b[:], off)

	return err
}

func (m *Memory) WriteUint32(off int64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := m.WriteAt(b[:], off)

	return err
}

func (m *Memory) WriteUint64(off int64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := m.WriteAt(b[:], off)

	return err
}
