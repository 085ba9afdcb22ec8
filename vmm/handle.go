package vmm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mvisor/mvisor/memory"
	"github.com/mvisor/mvisor/netstack"
	"github.com/mvisor/mvisor/vcpu"
	"github.com/mvisor/mvisor/virtio"
	"github.com/mvisor/mvisor/vsockbridge"
)

// Handle controls one running VM: its vCPU threads, devices, and background
// pumps (netstack, vsock bridge). Every exported method is safe to call
// from any goroutine.
type Handle struct {
	id    string
	vmFd  uintptr
	kvmFd uintptr
	mem   *memory.Memory
	vcpus []*vcpu.VCPU

	bus     *Bus
	console *virtio.Transport
	net     *virtio.Transport
	netDev  *virtio.Net
	stack   *netstack.Stack
	vsock   *virtio.Transport
	bridges []*vsockbridge.Bridge

	cleanup cleanupStack
	log     *logrus.Entry

	cancel  context.CancelFunc
	pumps   *errgroup.Group
	exitCh  chan int

	waitOnce   sync.Once
	waitResult int
	running    int32

	closeOnce sync.Once
	closeErr  error
}

// ID returns the UUID assigned to this VM at Start time.
func (h *Handle) ID() string { return h.id }

// start launches one goroutine per vCPU and one per background pump, all
// cancelled together when the VM is shut down or killed. Background pumps
// (netstack, vsock bridge, net/vsock RX) run under an errgroup that Close
// waits on; each pump runs until its context is cancelled and always
// reports nil, so no pump cancels the others.
func (h *Handle) start(pumps []func(context.Context)) {
	parent, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.running = int32(len(h.vcpus))

	group, ctx := errgroup.WithContext(parent)
	h.pumps = group

	for _, p := range pumps {
		p := p
		group.Go(func() error {
			p(ctx)
			return nil
		})
	}

	for _, v := range h.vcpus {
		v := v

		go func() {
			code := h.runOne(ctx, v)
			atomic.AddInt32(&h.running, -1)
			h.exitCh <- code
		}()
	}
}

// runOne runs a single vCPU to completion, translating its outcome into the
// process-style exit code spec.md §4.8 defines: 0 on a clean HLT/shutdown,
// -1 if ctx was cancelled before or during the run, 1 on any other error.
func (h *Handle) runOne(ctx context.Context, v *vcpu.VCPU) int {
	if ctx.Err() != nil {
		return -1
	}

	err := v.RunLoop(ctx, h.bus)

	switch {
	case err == nil, err == vcpu.ErrHalted, err == vcpu.ErrShutdown:
		return 0
	case ctx.Err() != nil:
		return -1
	default:
		h.log.WithError(err).WithField("vcpu", v.ID()).Warn("vcpu exited with error")

		return 1
	}
}

// IsRunning reports whether any vCPU thread is still executing.
func (h *Handle) IsRunning() bool {
	return atomic.LoadInt32(&h.running) > 0
}

// Wait blocks until every vCPU has exited and returns the highest exit code
// observed (so one vCPU's fatal error fails the whole VM's result). It is
// safe to call more than once; later calls return the cached result.
func (h *Handle) Wait() int {
	h.waitOnce.Do(func() {
		worst := 0

		for i := 0; i < len(h.vcpus); i++ {
			if code := <-h.exitCh; i == 0 || code > worst {
				worst = code
			}
		}

		h.waitResult = worst
	})

	return h.waitResult
}

// Kill cancels every vCPU's run loop and every background pump without
// waiting for a graceful guest shutdown.
func (h *Handle) Kill() error {
	if h.cancel != nil {
		h.cancel()
	}

	for _, v := range h.vcpus {
		if err := v.Kick(); err != nil {
			h.log.WithError(err).WithField("vcpu", v.ID()).Debug("kick failed")
		}
	}

	for _, b := range h.bridges {
		b.Stop()
	}

	return nil
}

// Shutdown requests a stop and waits for every vCPU and background pump to
// exit before returning.
func (h *Handle) Shutdown() error {
	if err := h.Kill(); err != nil {
		return err
	}

	h.Wait()

	return nil
}

// Close releases every resource this VM's Start call allocated. It is safe
// to call more than once; only the first call does any work.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		_ = h.Kill()
		h.Wait()

		if h.pumps != nil {
			if err := h.pumps.Wait(); err != nil {
				h.log.WithError(err).Debug("background pump exited with error")
			}
		}

		h.closeErr = h.cleanup.unwind(h.log)
	})

	return h.closeErr
}
