package vmm

import (
	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/virtio"
)

// Bus implements vcpu.DeviceBus: every MMIO access is routed to the
// virtio-MMIO device table, and every PIO access falls through to
// spec.md §4.2's floating-bus semantics — this monitor has no legacy PIO
// devices (the console is virtio-MMIO, not a 16550 UART), so PIO is pure
// fallback behavior, never delegated further.
type Bus struct {
	virtio *virtio.Bus
	log    *logrus.Entry
}

// NewBus wraps vb as a DeviceBus with floating-bus PIO fallback.
func NewBus(vb *virtio.Bus, log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Bus{virtio: vb, log: log}
}

// PIOIn returns 0xFF bytes for every unhandled port, per spec.md §4.2.
func (b *Bus) PIOIn(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0xFF
	}

	return nil
}

// PIOOut silently accepts (and traces) every unhandled port write.
func (b *Bus) PIOOut(port uint64, data []byte) error {
	b.log.WithField("port", port).Trace("pio out to unhandled port")

	return nil
}

// MMIORead delegates to the virtio device table.
func (b *Bus) MMIORead(addr uint64, data []byte) error {
	return b.virtio.MMIORead(addr, data)
}

// MMIOWrite delegates to the virtio device table.
func (b *Bus) MMIOWrite(addr uint64, data []byte) error {
	return b.virtio.MMIOWrite(addr, data)
}
