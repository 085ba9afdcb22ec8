// Package virtio implements the virtio-MMIO transport shared by every
// device in this monitor (console, net, vsock, fs) and the four devices
// themselves.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/memory"
)

// Register offsets, bit-exact per spec.md §6.
const (
	RegMagic           = 0x00
	RegVersion         = 0x04
	RegDeviceID        = 0x08
	RegVendorID        = 0x0C
	RegDeviceFeatures  = 0x10
	RegDeviceFeatSel   = 0x14
	RegDriverFeatures  = 0x20
	RegDriverFeatSel   = 0x24
	RegQueueSel        = 0x30
	RegQueueNumMax     = 0x34
	RegQueueNum        = 0x38
	RegQueueReady      = 0x44
	RegQueueNotify     = 0x50
	RegInterruptStatus = 0x60
	RegInterruptAck    = 0x64
	RegDeviceStatus    = 0x70
	RegQueueDescLow    = 0x80
	RegQueueDescHigh   = 0x84
	RegQueueAvailLow   = 0x90
	RegQueueAvailHigh  = 0x94
	RegQueueUsedLow    = 0xA0
	RegQueueUsedHigh   = 0xA4
	RegConfig          = 0x100

	Magic   = 0x74726976
	Version = 2
	VendorID = 0x554D4551 // "QEMU", reused per spec.md §8's quantified invariant

	MaxQueueSize = 256

	// FeatureVersion1 is the modern-virtio negotiation bit every device here
	// advertises (spec.md §4.3 "all devices advertise version-1").
	FeatureVersion1 = 1 << 32

	maxDescriptorLen = 64 * 1024

	descFNext  = 1
	descFWrite = 2
)

// Device IDs, per spec.md §6.
const (
	DeviceIDNet     = 1
	DeviceIDConsole = 3
	DeviceIDVsock   = 19
	DeviceIDFS      = 26
)

var (
	// ErrOutOfRange is returned for an MMIO access past the device window.
	ErrOutOfRange = errors.New("virtio: offset out of range")
	// ErrBadDescriptor is returned when a descriptor chain is malformed
	// (e.g. a write descriptor found where a read one was expected).
	ErrBadDescriptor = errors.New("virtio: malformed descriptor")
)

// Descriptor mirrors one 16-byte virtq_desc entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// HasNext reports whether this descriptor chains to another.
func (d Descriptor) HasNext() bool { return d.Flags&descFNext != 0 }

// Writable reports whether the device may write through this descriptor.
func (d Descriptor) Writable() bool { return d.Flags&descFWrite != 0 }

// Queue holds one virtqueue's negotiated state. Devices never touch these
// fields directly except through Transport's accessor methods.
type Queue struct {
	index     int
	ready     bool
	size      uint16
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	nextAvail uint16
	usedIdx   uint16
}

// Ready reports whether the driver has activated this queue.
func (q *Queue) Ready() bool { return q.ready }

// Size returns the negotiated queue size (0 if inactive).
func (q *Queue) Size() uint16 { return q.size }

// Device is implemented by console/net/vsock/fs to plug into the shared
// Transport. Queue walking goes through Transport's bounds-checked helpers;
// devices never touch guest memory directly.
type Device interface {
	// DeviceID is the virtio device-type ID reported at RegDeviceID.
	DeviceID() uint32
	// NumQueues is the number of virtqueues this device exposes.
	NumQueues() int
	// QueueMaxSize is the max size of queue i (usually MaxQueueSize).
	QueueMaxSize(i int) uint16
	// Features are the device-specific feature bits ORed onto
	// FeatureVersion1.
	Features() uint64
	// OnQueueNotify is invoked when the driver writes to RegQueueNotify for
	// queue i; the device should drain it to completion.
	OnQueueNotify(t *Transport, i int) error
	// OnReset is invoked when the driver writes 0 to RegDeviceStatus.
	OnReset()
	// ReadConfig/WriteConfig access the device-specific config window at
	// RegConfig. offset is relative to RegConfig.
	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)
}

// Transport is one device's virtio-MMIO register window plus the queue
// machinery shared by every device (descriptor walking, used-ring
// production, interrupt pulsing).
type Transport struct {
	mu sync.Mutex

	mem    *memory.Memory
	dev    Device
	log    *logrus.Entry
	irq    uint32
	pulse  func(irq uint32) error

	deviceFeatSel uint32
	driverFeat    uint64
	driverFeatSel uint32

	queueSel uint32
	queues   []Queue

	intrStatus uint32
	status     uint32
}

// NewTransport builds the shared register/queue state for dev. pulseIRQ is
// called (assert then deassert, per spec.md §4.3) whenever the device needs
// to notify the guest of a new used-ring entry.
func NewTransport(mem *memory.Memory, dev Device, irq uint32, pulseIRQ func(irq uint32) error, log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	n := dev.NumQueues()
	queues := make([]Queue, n)
	for i := range queues {
		queues[i].index = i
	}

	return &Transport{
		mem:   mem,
		dev:   dev,
		log:   log.WithField("device", dev.DeviceID()),
		irq:   irq,
		pulse: pulseIRQ,
		queues: queues,
	}
}

// Queue returns queue i's state for the device to inspect (Ready/Size).
func (t *Transport) Queue(i int) *Queue {
	if i < 0 || i >= len(t.queues) {
		return nil
	}

	return &t.queues[i]
}

// Read services an MMIO read at offset (relative to the device's base
// address) into data, whose length selects the access width (1/2/4 bytes).
func (t *Transport) Read(offset uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= RegConfig {
		t.dev.ReadConfig(offset-RegConfig, data)
		return nil
	}

	var v uint32

	switch offset {
	case RegMagic:
		v = Magic
	case RegVersion:
		v = Version
	case RegDeviceID:
		v = t.dev.DeviceID()
	case RegVendorID:
		v = VendorID
	case RegDeviceFeatures:
		feat := FeatureVersion1 | t.dev.Features()
		if t.deviceFeatSel == 0 {
			v = uint32(feat)
		} else {
			v = uint32(feat >> 32)
		}
	case RegQueueNumMax:
		if q := t.Queue(int(t.queueSel)); q != nil {
			v = uint32(t.dev.QueueMaxSize(int(t.queueSel)))
		}
	case RegQueueReady:
		if q := t.Queue(int(t.queueSel)); q != nil && q.ready {
			v = 1
		}
	case RegInterruptStatus:
		v = t.intrStatus
	case RegDeviceStatus:
		v = t.status
	case RegQueueDescLow:
		v = uint32(t.curQueue().descAddr)
	case RegQueueDescHigh:
		v = uint32(t.curQueue().descAddr >> 32)
	case RegQueueAvailLow:
		v = uint32(t.curQueue().availAddr)
	case RegQueueAvailHigh:
		v = uint32(t.curQueue().availAddr >> 32)
	case RegQueueUsedLow:
		v = uint32(t.curQueue().usedAddr)
	case RegQueueUsedHigh:
		v = uint32(t.curQueue().usedAddr >> 32)
	default:
		// Floating-bus semantics don't apply to MMIO in this monitor;
		// unhandled registers simply read 0.
		v = 0
	}

	putWidth(data, v)

	return nil
}

// Write services an MMIO write at offset with the access-width-encoded
// value in data.
func (t *Transport) Write(offset uint64, data []byte) error {
	t.mu.Lock()

	if offset >= RegConfig {
		t.dev.WriteConfig(offset-RegConfig, data)
		t.mu.Unlock()

		return nil
	}

	v := getWidth(data)

	switch offset {
	case RegDeviceFeatSel:
		t.deviceFeatSel = v
	case RegDriverFeatures:
		if t.driverFeatSel == 0 {
			t.driverFeat = (t.driverFeat &^ 0xFFFFFFFF) | uint64(v)
		} else {
			t.driverFeat = (t.driverFeat & 0xFFFFFFFF) | (uint64(v) << 32)
		}
	case RegDriverFeatSel:
		t.driverFeatSel = v
	case RegQueueSel:
		t.queueSel = v
	case RegQueueNum:
		if q := t.Queue(int(t.queueSel)); q != nil {
			max := t.dev.QueueMaxSize(int(t.queueSel))
			if v > uint32(max) {
				v = uint32(max)
			}

			q.size = uint16(v)
		}
	case RegQueueReady:
		t.setQueueReady(v != 0)
	case RegQueueNotify:
		queueIdx := int(v)
		t.mu.Unlock()
		t.notify(queueIdx)

		return nil
	case RegInterruptAck:
		t.intrStatus &^= v
	case RegDeviceStatus:
		t.setStatus(v)
	case RegQueueDescLow:
		t.curQueue().descAddr = (t.curQueue().descAddr &^ 0xFFFFFFFF) | uint64(v)
	case RegQueueDescHigh:
		t.curQueue().descAddr = (t.curQueue().descAddr & 0xFFFFFFFF) | (uint64(v) << 32)
	case RegQueueAvailLow:
		t.curQueue().availAddr = (t.curQueue().availAddr &^ 0xFFFFFFFF) | uint64(v)
	case RegQueueAvailHigh:
		t.curQueue().availAddr = (t.curQueue().availAddr & 0xFFFFFFFF) | (uint64(v) << 32)
	case RegQueueUsedLow:
		t.curQueue().usedAddr = (t.curQueue().usedAddr &^ 0xFFFFFFFF) | uint64(v)
	case RegQueueUsedHigh:
		t.curQueue().usedAddr = (t.curQueue().usedAddr & 0xFFFFFFFF) | (uint64(v) << 32)
	}

	t.mu.Unlock()

	return nil
}

// curQueue must be called with mu held; it returns the currently-selected
// queue, panicking-free by clamping to a scratch queue if out of range
// (a misbehaving driver selecting an unimplemented queue index).
func (t *Transport) curQueue() *Queue {
	if q := t.Queue(int(t.queueSel)); q != nil {
		return q
	}

	return &Queue{}
}

// setQueueReady implements the activation-time bounds check from spec.md
// §3: the three ring addresses must lie wholly within guest memory or the
// queue stays inactive (readable back as 0).
func (t *Transport) setQueueReady(ready bool) {
	q := t.Queue(int(t.queueSel))
	if q == nil {
		return
	}

	if !ready {
		q.ready = false
		return
	}

	size := int(q.size)
	if size == 0 {
		t.log.Warn("queue ready requested with size 0")
		return
	}

	descLen := size * 16
	availLen := 6 + size*2
	usedLen := 6 + size*8

	if !t.mem.Contains(int64(q.descAddr), descLen) ||
		!t.mem.Contains(int64(q.availAddr), availLen) ||
		!t.mem.Contains(int64(q.usedAddr), usedLen) {
		t.log.WithField("queue", q.index).Warn("queue activation rejected: ring outside guest memory")
		return
	}

	q.ready = true
	q.nextAvail = 0
	q.usedIdx = 0
}

func (t *Transport) setStatus(v uint32) {
	if v == 0 {
		for i := range t.queues {
			t.queues[i] = Queue{index: i}
		}

		t.intrStatus = 0
		t.status = 0
		t.dev.OnReset()

		return
	}

	t.status = v
}

// notify drains queue i to completion via the device's OnQueueNotify hook.
// Per-descriptor-chain failures are logged and isolated (spec.md §7); they
// never abort the rest of the queue.
func (t *Transport) notify(i int) {
	if err := t.dev.OnQueueNotify(t, i); err != nil {
		t.log.WithError(err).WithField("queue", i).Trace("queue notify error")
	}
}

// RaiseInterrupt sets the used-ring bit in interrupt-status and pulses the
// device's IRQ line (assert, then deassert), the edge-triggered delivery
// spec.md §4.3/§9 mandates.
func (t *Transport) RaiseInterrupt() {
	t.mu.Lock()
	t.intrStatus |= 1
	t.mu.Unlock()

	if t.pulse == nil {
		return
	}

	if err := t.pulse(t.irq); err != nil {
		t.log.WithError(err).Trace("irq pulse failed")
	}
}

// ReadDescriptor fetches descriptor idx from queue q's descriptor table.
func (t *Transport) ReadDescriptor(q *Queue, idx uint16) (Descriptor, error) {
	if idx >= q.size {
		return Descriptor{}, fmt.Errorf("%w: index %d >= size %d", ErrBadDescriptor, idx, q.size)
	}

	off := int64(q.descAddr) + int64(idx)*16

	var raw [16]byte
	if _, err := t.mem.ReadAt(raw[:], off); err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		Addr:  binary.LittleEndian.Uint64(raw[0:8]),
		Len:   binary.LittleEndian.Uint32(raw[8:12]),
		Flags: binary.LittleEndian.Uint16(raw[12:14]),
		Next:  binary.LittleEndian.Uint16(raw[14:16]),
	}

	if d.Len > maxDescriptorLen {
		d.Len = maxDescriptorLen
	}

	return d, nil
}

// AvailIdx returns the avail ring's flags and current idx field.
func (t *Transport) AvailIdx(q *Queue) (flags uint16, idx uint16, err error) {
	var hdr [4]byte
	if _, err := t.mem.ReadAt(hdr[:], int64(q.availAddr)); err != nil {
		return 0, 0, err
	}

	return binary.LittleEndian.Uint16(hdr[0:2]), binary.LittleEndian.Uint16(hdr[2:4]), nil
}

// AvailRingEntry reads avail ring slot ringIdx (i.e. ring[ringIdx % size]).
func (t *Transport) AvailRingEntry(q *Queue, ringIdx uint16) (uint16, error) {
	slot := ringIdx % q.size
	off := int64(q.availAddr) + 4 + int64(slot)*2

	v, err := t.mem.ReadUint16(off)

	return v, err
}

// HasAvail reports whether the driver has published a new available entry
// since the last drain, returning the current idx for convenience.
func (t *Transport) HasAvail(q *Queue) (bool, uint16, error) {
	_, idx, err := t.AvailIdx(q)
	if err != nil {
		return false, 0, err
	}

	return q.nextAvail != idx, idx, nil
}

// NextHead pops the next available descriptor-chain head and advances the
// queue's shadow avail index.
func (t *Transport) NextHead(q *Queue) (uint16, error) {
	head, err := t.AvailRingEntry(q, q.nextAvail)
	if err != nil {
		return 0, err
	}

	q.nextAvail++

	return head, nil
}

// ReadChain concatenates every device-readable descriptor in the chain
// starting at head.
func (t *Transport) ReadChain(q *Queue, head uint16) ([]byte, error) {
	var out []byte

	idx := head
	for i := 0; i < int(q.size)+1; i++ {
		d, err := t.ReadDescriptor(q, idx)
		if err != nil {
			return out, err
		}

		if d.Writable() {
			break
		}

		if d.Len > 0 {
			buf := make([]byte, d.Len)
			if _, err := t.mem.ReadAt(buf, int64(d.Addr)); err != nil {
				return out, err
			}

			out = append(out, buf...)
		}

		if !d.HasNext() {
			break
		}

		idx = d.Next
	}

	return out, nil
}

// WriteChain writes data across the writable descriptors of the chain
// starting at head, splitting across chained descriptors as needed, and
// returns the number of bytes actually written.
func (t *Transport) WriteChain(q *Queue, head uint16, data []byte) (uint32, error) {
	var written uint32

	idx := head
	for i := 0; i < int(q.size)+1 && len(data) > 0; i++ {
		d, err := t.ReadDescriptor(q, idx)
		if err != nil {
			return written, err
		}

		if d.Writable() && d.Len > 0 {
			n := uint32(len(data))
			if n > d.Len {
				n = d.Len
			}

			if _, err := t.mem.WriteAt(data[:n], int64(d.Addr)); err != nil {
				return written, err
			}

			data = data[n:]
			written += n
		}

		if !d.HasNext() {
			break
		}

		idx = d.Next
	}

	return written, nil
}

// FirstWritableLen returns the length of the chain's head descriptor, which
// must be writable, without splitting a buffer across the rest of the chain.
func (t *Transport) FirstWritableLen(q *Queue, head uint16) (uint32, error) {
	d, err := t.ReadDescriptor(q, head)
	if err != nil {
		return 0, err
	}

	if !d.Writable() {
		return 0, fmt.Errorf("%w: expected writable descriptor", ErrBadDescriptor)
	}

	return d.Len, nil
}

// PushUsed appends (head, len) to the used ring and advances the shadow used
// index and the in-memory used.idx; it does not touch interrupt status. The
// caller (device) is responsible for batching PushUsed calls across a
// drained queue and calling RaiseInterrupt once at the end, matching the
// teacher's "drain then interrupt once" pattern.
func (t *Transport) PushUsed(q *Queue, head uint16, length uint32) error {
	slot := q.usedIdx % q.size
	off := int64(q.usedAddr) + 4 + int64(slot)*8

	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
	binary.LittleEndian.PutUint32(entry[4:8], length)

	if _, err := t.mem.WriteAt(entry[:], off); err != nil {
		return err
	}

	q.usedIdx++

	return t.mem.WriteUint16(int64(q.usedAddr)+2, q.usedIdx)
}

func putWidth(data []byte, v uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	default:
		binary.LittleEndian.PutUint32(data, v)
	}
}

func getWidth(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data)
	}
}
