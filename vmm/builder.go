package vmm

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/frameio"
	"github.com/mvisor/mvisor/fuse"
	"github.com/mvisor/mvisor/internal/bootx86"
	"github.com/mvisor/mvisor/kvm"
	"github.com/mvisor/mvisor/memory"
	"github.com/mvisor/mvisor/netstack"
	"github.com/mvisor/mvisor/netswitch"
	"github.com/mvisor/mvisor/vcpu"
	"github.com/mvisor/mvisor/virtio"
	"github.com/mvisor/mvisor/vsockbridge"
)

var defaultNetMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// Builder starts VMs; each Start call opens its own /dev/kvm handle.
type Builder struct {
	Log *logrus.Entry

	// Switch, when set, attaches every built VM's net device to this
	// shared L2 switch instead of giving it its own NAT stack directly
	// (used by Cluster; see cluster.go).
Switch *netswitch.Switch
}

// NewBuilder returns a builder using log (or a default logger if nil).
func NewBuilder(log *logrus.Entry) *Builder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Builder{Log: log}
}

// Start builds and boots one VM per cfg, returning a Handle the caller
// uses to wait for or control its lifetime. On any failure, every
// resource allocated so far is released before returning.
func (b *Builder) Start(cfg Config) (h *Handle, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var cleanup cleanupStack
	defer func() {
		if err != nil {
			cleanup.unwind(b.Log)
		}
	}()

	kvmFd, err := kvm.OpenDevice("/dev/kvm")
	if err != nil {
		return nil, newError(KindStartFailed, "open /dev/kvm", err)
	}

	cleanup.add("kvm fd", func() error { return unixClose(kvmFd) })

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, newError(KindStartFailed, "create vm", err)
	}

	cleanup.add("vm fd", func() error { return unixClose(vmFd) })

	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return nil, newError(KindStartFailed, "set tss addr", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return nil, newError(KindStartFailed, "set identity map addr", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, newError(KindStartFailed, "create irqchip", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, newError(KindStartFailed, "create pit", err)
	}

	mem, err := memory.New(cfg.MemSize)
	if err != nil {
		return nil, newError(KindStartFailed, "alloc guest memory", err)
	}

	cleanup.add("guest memory", mem.Close)

	// Each transport holds its own reference; releasing them on cleanup lets
	// the last Close unmap guest memory.
	memRef := func() *memory.Memory {
		r := mem.Ref()
		cleanup.add("guest memory ref", r.Close)

		return r
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(cfg.MemSize),
		UserspaceAddr: uint64(mem.BaseAddr()),
	}); err != nil {
		return nil, newError(KindStartFailed, "install memory region", err)
	}

	loadResult, err := b.loadKernel(mem, cfg)
	if err != nil {
		return nil, err
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return nil, newError(KindStartFailed, "get vcpu mmap size", err)
	}

	cpuid, err := kvm.DefaultCPUID(kvmFd)
	if err != nil {
		return nil, newError(KindStartFailed, "get supported cpuid", err)
	}

	mpTable, err := bootx86.MPTable(cfg.NumCPUs, 0)
	if err != nil {
		return nil, newError(KindStartFailed, "build mp table", err)
	}

	if _, err := mem.WriteAt(mpTable, bootx86.MPTableAddr); err != nil {
		return nil, newError(KindStartFailed, "write mp table", err)
	}

	vcpus, vcpuFds, err := b.buildVCPUs(vmFd, mmapSize, cpuid, loadResult, cfg)
	if err != nil {
		return nil, err
	}

	cleanup.add("vcpu fds", func() error {
		var firstErr error
		for _, fd := range vcpuFds {
			if err := unixClose(fd); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		return firstErr
	})

	vbus := virtio.NewBus()

	console := virtio.NewConsole(consoleOut(cfg), b.Log)
	consoleT := virtio.NewTransport(memRef(), console, ConsoleIRQ, pulse(vmFd), b.Log)
	vbus.Register(ConsoleMMIOBase, mmioWindowSize, consoleT)

	var pumps []func(context.Context)

	var netTransport *virtio.Transport
	var netDev *virtio.Net
	var stack *netstack.Stack

	if cfg.Net != nil {
		mac := cfg.NetMAC
		if mac == ([6]byte{}) {
			mac = defaultNetMAC
		}

		if b.Switch != nil {
			// Clustered VM: the net device talks directly to the shared L2
			// switch. NAT/DHCP for the whole cluster is provided by
			// Cluster's own switch port, not a per-VM stack.
			port := b.Switch.NewPort()

			netDev = virtio.NewNet(mac, port, b.Log)
			netTransport = virtio.NewTransport(memRef(), netDev, NetIRQ, pulse(vmFd), b.Log)
			vbus.Register(NetMMIOBase, mmioWindowSize, netTransport)
		} else {
			a, bEnd, err := frameio.NewSocketPair()
			if err != nil {
				return nil, newError(KindStartFailed, "create net socketpair", err)
			}

			cleanup.add("net socketpair (guest side)", a.Close)
			cleanup.add("net socketpair (stack side)", bEnd.Close)

			netDev = virtio.NewNet(mac, a, b.Log)
			netTransport = virtio.NewTransport(memRef(), netDev, NetIRQ, pulse(vmFd), b.Log)
			vbus.Register(NetMMIOBase, mmioWindowSize, netTransport)

			stack = netstack.New(cfg.Net.Stack, bEnd, b.Log)
			for _, r := range cfg.Net.Forwards {
				if err := stack.AddForward(r); err != nil {
					return nil, newError(KindStartFailed, "add port-forward rule", err)
				}
			}

			pumps = append(pumps, func(ctx context.Context) { stack.Run(ctx) })
		}

		nd, nt := netDev, netTransport
		pumps = append(pumps, func(ctx context.Context) { pumpTicker(ctx, netPollTick, func() { nd.Poll(nt) }) })
	}

	var vsockTransport *virtio.Transport
	var bridges []*vsockbridge.Bridge

	if len(cfg.VsockPorts) > 0 {
		vsockToBridge := make(chan interface{}, 64)
		bridgeToVsock := make(chan interface{}, 64)

		vsockDev := virtio.NewVsock(virtio.GuestCID, vsockToBridge, bridgeToVsock, b.Log)
		vsockTransport = virtio.NewTransport(memRef(), vsockDev, VsockIRQ, pulse(vmFd), b.Log)
		vbus.Register(VsockMMIOBase, mmioWindowSize, vsockTransport)

		bridge := vsockbridge.New(bridgeToVsock, vsockToBridge, vsockDev, b.Log)

		for _, p := range cfg.VsockPorts {
			if p.SocketPath == "" {
				p.SocketPath = fmt.Sprintf("/tmp/%s-%d.sock", uuid.NewString()[:8], p.Port)
			}

			if err := bridge.AddPort(p); err != nil {
				bridge.Stop()

				return nil, newError(KindStartFailed, "add vsock port", err)
			}
		}

		bridges = append(bridges, bridge)
		pumps = append(pumps, func(context.Context) { bridge.Run() })

		vd, vt := vsockDev, vsockTransport
		pumps = append(pumps, func(ctx context.Context) { pumpTicker(ctx, netPollTick, func() { vd.Poll(vt) }) })
	}

	for i, share := range cfg.FS {
		server := fuse.NewServer(share.Root, share.ReadOnly, b.Log)
		fsDev := virtio.NewFS(share.Tag, server, b.Log)
		base := FSMMIOBase + uint64(i)*mmioWindowSize
		fsT := virtio.NewTransport(memRef(), fsDev, FSIRQ, pulse(vmFd), b.Log)
		vbus.Register(base, mmioWindowSize, fsT)
	}

	bus := NewBus(vbus, b.Log)

	h = &Handle{
		id:       uuid.NewString(),
		vmFd:     vmFd,
		kvmFd:    kvmFd,
		mem:      mem,
		vcpus:    vcpus,
		bus:      bus,
		console:  consoleT,
		net:      netTransport,
		netDev:   netDev,
		stack:    stack,
		vsock:    vsockTransport,
		bridges:  bridges,
		cleanup:  cleanup,
		log:      b.Log,
		exitCh:   make(chan int, len(vcpus)),
	}

	h.start(pumps)

	return h, nil
}

func consoleOut(cfg Config) io.Writer {
	if cfg.Console != nil {
		return cfg.Console
	}

	return os.Stdout
}

// pulse returns the edge-triggered IRQ delivery function every virtio-MMIO
// transport on this VM uses to notify the guest of a used-ring update.
func pulse(vmFd uintptr) func(irq uint32) error {
	return func(irq uint32) error { return kvm.PulseIRQ(vmFd, irq) }
}

const (
	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000

	// netPollTick matches spec.md §4.9's 1ms NAT-stack tick; the net and
	// vsock device RX pumps share the same cadence since both are simple
	// non-blocking drains of a host-side channel/socket.
	netPollTick = time.Millisecond
)

// pumpTicker calls fn every interval until ctx is cancelled, the shared
// shape behind the net and vsock devices' background RX pumps.
func pumpTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
