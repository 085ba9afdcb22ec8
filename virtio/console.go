package virtio

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	consoleQueueRX = 0
	consoleQueueTX = 1
	consoleNumQueues = 2
)

// Console is the virtio-console device: a single-port byte pipe between
// the guest and a host-side sink/source (spec.md §4.4). No virtio-net
// header applies; bytes flow as-is.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	pending []byte
	log     *logrus.Entry
}

// NewConsole returns a console device that writes guest TX output to out.
// Host-to-guest bytes are queued with Feed and delivered on the next RX
// notify (or immediately if the guest has already posted RX buffers).
func NewConsole(out io.Writer, log *logrus.Entry) *Console {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Console{out: out, log: log}
}

// DeviceID implements Device.
func (c *Console) DeviceID() uint32 { return DeviceIDConsole }

// NumQueues implements Device.
func (c *Console) NumQueues() int { return consoleNumQueues }

// QueueMaxSize implements Device.
func (c *Console) QueueMaxSize(int) uint16 { return MaxQueueSize }

// Features implements Device. No port-multiplexing feature is advertised,
// so the device exposes a single port (spec.md §4.4).
func (c *Console) Features() uint64 { return 0 }

// OnReset implements Device.
func (c *Console) OnReset() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// ReadConfig implements Device. Config space reports 0 ports: zero-fill.
func (c *Console) ReadConfig(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// WriteConfig implements Device; console config is read-only.
func (c *Console) WriteConfig(uint64, []byte) {}

// OnQueueNotify implements Device.
func (c *Console) OnQueueNotify(t *Transport, i int) error {
	switch i {
	case consoleQueueTX:
		return c.drainTX(t)
	case consoleQueueRX:
		return c.fillRX(t)
	}

	return nil
}

// drainTX concatenates every readable descriptor of each available TX chain
// to the console's byte sink, per spec.md §4.4's output policy.
func (c *Console) drainTX(t *Transport) error {
	q := t.Queue(consoleQueueTX)
	if q == nil || !q.Ready() {
		return nil
	}

	used := false

	for {
		has, _, err := t.HasAvail(q)
		if err != nil {
			return err
		}

		if !has {
			break
		}

		head, err := t.NextHead(q)
		if err != nil {
			return err
		}

		data, err := t.ReadChain(q, head)
		if err != nil {
			c.log.WithError(err).Trace("console tx: abandoning malformed chain")
			_ = t.PushUsed(q, head, 0)
			used = true

			continue
		}

		if len(data) > 0 {
			if _, err := c.out.Write(data); err != nil {
				c.log.WithError(err).Trace("console tx: write error")
			}
		}

		if err := t.PushUsed(q, head, uint32(len(data))); err != nil {
			return err
		}

		used = true
	}

	if used {
		t.RaiseInterrupt()
	}

	return nil
}

// Feed queues host-originated bytes for delivery to the guest's RX queue,
// immediately filling any buffers the guest has already posted.
func (c *Console) Feed(t *Transport, data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	c.pending = append(c.pending, data...)
	c.mu.Unlock()

	if err := c.fillRX(t); err != nil {
		c.log.WithError(err).Trace("console rx: fill error")
	}
}

// fillRX fills as many writable RX descriptors as possible from the
// pending byte queue, per spec.md §4.4's input policy.
func (c *Console) fillRX(t *Transport) error {
	q := t.Queue(consoleQueueRX)
	if q == nil || !q.Ready() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	used := false

	for len(c.pending) > 0 {
		has, _, err := t.HasAvail(q)
		if err != nil {
			return err
		}

		if !has {
			break
		}

		head, err := t.NextHead(q)
		if err != nil {
			return err
		}

		n, err := t.WriteChain(q, head, c.pending)
		if err != nil {
			return err
		}

		c.pending = c.pending[n:]

		if err := t.PushUsed(q, head, n); err != nil {
			return err
		}

		used = true
	}

	if used {
		t.RaiseInterrupt()
	}

	return nil
}
