package virtio

import (
	"fmt"
	"sort"
)

// region associates one device's Transport with the MMIO address range the
// builder assigned it.
type region struct {
	base uint64
	size uint64
	t    *Transport
}

// Bus multiplexes MMIO exits across every virtio-MMIO device window
// configured for a VM, implementing vcpu.DeviceBus's MMIO half. vmm.Bus
// wraps this alongside its floating-bus PIO fallback.
type Bus struct {
	regions []region
}

// NewBus returns an empty virtio-MMIO bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds a device window [base, base+size) backed by t. Windows must
// not overlap; Register panics on overlap since it only ever runs during VM
// construction with builder-controlled addresses.
func (b *Bus) Register(base, size uint64, t *Transport) {
	for _, r := range b.regions {
		if base < r.base+r.size && r.base < base+size {
			panic(fmt.Sprintf("virtio: overlapping MMIO window [%#x,%#x) and [%#x,%#x)", base, base+size, r.base, r.base+r.size))
		}
	}

	b.regions = append(b.regions, region{base: base, size: size, t: t})

	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
}

func (b *Bus) find(addr uint64) *region {
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].base+b.regions[i].size > addr })
	if i < len(b.regions) && b.regions[i].base <= addr {
		return &b.regions[i]
	}

	return nil
}

// MMIORead implements vcpu.DeviceBus.
func (b *Bus) MMIORead(addr uint64, data []byte) error {
	r := b.find(addr)
	if r == nil {
		for i := range data {
			data[i] = 0
		}

		return nil
	}

	return r.t.Read(addr-r.base, data)
}

// MMIOWrite implements vcpu.DeviceBus.
func (b *Bus) MMIOWrite(addr uint64, data []byte) error {
	r := b.find(addr)
	if r == nil {
		return nil
	}

	return r.t.Write(addr-r.base, data)
}
