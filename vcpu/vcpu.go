// Package vcpu runs a single KVM vCPU on its own locked OS thread, decoding
// exits into PIO/MMIO accesses dispatched to a DeviceBus.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mvisor/mvisor/kvm"
)

// DeviceBus dispatches port I/O and MMIO exits to whichever device owns the
// accessed port or address range.
type DeviceBus interface {
	PIOIn(port uint64, data []byte) error
	PIOOut(port uint64, data []byte) error
	MMIORead(addr uint64, data []byte) error
	MMIOWrite(addr uint64, data []byte) error
}

// ErrHalted is returned by RunLoop when the guest executes HLT.
var ErrHalted = errors.New("vcpu: guest halted")

// ErrShutdown is returned by RunLoop when KVM reports a triple fault or
// other unrecoverable shutdown exit.
var ErrShutdown = errors.New("vcpu: guest shutdown")

// kickSignal is the signal used to interrupt a vCPU's KVM_RUN ioctl so
// RunLoop can observe ctx cancellation promptly. SIGUSR1 is free for this
// use (unlike SIGURG, which the Go runtime itself uses for asynchronous
// goroutine preemption) and matches what the pack's tinyrange/cc KVM
// backend uses for the same purpose.
const kickSignal = unix.SIGUSR1

var installKickHandlerOnce sync.Once

// installKickHandler registers kickSignal with the Go runtime once per
// process. SIGUSR1's default disposition is to terminate the process;
// signal.Notify replaces that with delivery to a (here, drained and
// discarded) channel, which is enough for the blocking KVM_RUN ioctl on the
// targeted thread to return EINTR without tearing anything down.
func installKickHandler() {
	installKickHandlerOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, kickSignal)

		go func() {
			for range ch {
			}
		}()
	})
}

// VCPU owns one KVM vCPU file descriptor and its mmap'd kvm_run page.
type VCPU struct {
	id     int
	fd     uintptr
	run    *kvm.RunData
	vmFd   uintptr
	log   *logrus.Entry
	tidMu sync.Mutex
	tid   int
}

// New wraps an already-created vCPU fd and its mmap'd RunData.
func New(id int, vmFd, fd uintptr, run *kvm.RunData, log *logrus.Entry) *VCPU {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &VCPU{id: id, fd: fd, run: run, vmFd: vmFd, log: log.WithField("vcpu", id)}
}

// ID returns this vCPU's index within its VM.
func (v *VCPU) ID() int { return v.id }

// Kick interrupts this vCPU's in-flight KVM_RUN ioctl via tgkill(SIGUSR1),
// the signal-based equivalent of the teacher's RequestImmediateExit.
func (v *VCPU) Kick() error {
	v.tidMu.Lock()
	tid := v.tid
	v.tidMu.Unlock()

	if tid == 0 {
		return nil
	}

	return unix.Tgkill(unix.Getpid(), tid, kickSignal)
}

// RunLoop must be called from a dedicated goroutine: it locks the calling
// goroutine to its OS thread (KVM vCPU ioctls are thread-affine) and runs
// KVM_RUN in a loop, dispatching PIO/MMIO exits to bus, until ctx is
// cancelled or the guest halts/shuts down.
func (v *VCPU) RunLoop(ctx context.Context, bus DeviceBus) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	installKickHandler()

	v.tidMu.Lock()
	v.tid = unix.Gettid()
	v.tidMu.Unlock()

	defer func() {
		v.tidMu.Lock()
		v.tid = 0
		v.tidMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := kvm.Run(v.fd); err != nil {
			return fmt.Errorf("vcpu %d: run: %w", v.id, err)
		}

		cont, err := v.handleExit(bus)
		if cont {
			if err != nil {
				v.log.WithError(err).Debug("non-fatal exit handling error")
			}

			continue
		}

		return err
	}
}

func (v *VCPU) handleExit(bus DeviceBus) (bool, error) {
	switch v.run.ExitReason {
	case kvm.ExitHLT:
		return false, ErrHalted

	case kvm.ExitIO:
		direction, size, port, count, offset := v.run.IO()
		base := unsafe.Pointer(v.run)
		data := unsafe.Slice((*byte)(unsafe.Add(base, uintptr(offset))), int(size*count))

		for i := uint64(0); i < count; i++ {
			chunk := data[i*size : (i+1)*size]

			var err error
			if direction == kvm.ExitIOOut {
				err = bus.PIOOut(port, chunk)
			} else {
				err = bus.PIOIn(port, chunk)
			}

			if err != nil {
				return true, fmt.Errorf("vcpu %d: pio port %#x: %w", v.id, port, err)
			}
		}

		return true, nil

	case kvm.ExitMMIO:
		addr, data, isWrite := v.run.MMIO()

		var err error
		if isWrite {
			err = bus.MMIOWrite(addr, data)
		} else {
			err = bus.MMIORead(addr, data)
		}

		if err != nil {
			return true, fmt.Errorf("vcpu %d: mmio %#x: %w", v.id, addr, err)
		}

		return true, nil

	case kvm.ExitIntr:
		// A signal (our kick, or any other) interrupted KVM_RUN. Let the
		// caller's ctx.Done() check decide whether to keep going.
		return true, nil

	case kvm.ExitShutdown:
		return false, ErrShutdown

	case kvm.ExitUnknown:
		return true, nil

	default:
		return false, fmt.Errorf("%w: reason %d", kvm.ErrUnexpectedExitReason, v.run.ExitReason)
	}
}
