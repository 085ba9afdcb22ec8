package vmm

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mvisor/mvisor/internal/bootx86"
	"github.com/mvisor/mvisor/kvm"
	"github.com/mvisor/mvisor/memory"
	"github.com/mvisor/mvisor/vcpu"
)

// loadKernel opens cfg's kernel/initrd and writes them into mem at the
// fixed addresses bootx86 documents, returning the register values the
// first vCPU needs to start executing.
func (b *Builder) loadKernel(mem *memory.Memory, cfg Config) (bootx86.LoadResult, error) {
	kernel, err := os.Open(cfg.KernelPath)
	if err != nil {
		return bootx86.LoadResult{}, newError(KindStartFailed, "open kernel", err)
	}
	defer kernel.Close()

	var initrd io.ReaderAt
	if cfg.InitrdPath != "" {
		f, err := os.Open(cfg.InitrdPath)
		if err != nil {
			return bootx86.LoadResult{}, newError(KindStartFailed, "open initrd", err)
		}
		defer f.Close()

		initrd = f
	}

	memBytes, err := mem.Slice(0, mem.Size())
	if err != nil {
		return bootx86.LoadResult{}, newError(KindStartFailed, "slice guest memory", err)
	}

	lr, err := bootx86.LoadLinux(memBytes, kernel, initrd, cfg.Cmdline())
	if err != nil {
		return bootx86.LoadResult{}, newError(KindStartFailed, "load kernel", err)
	}

	return lr, nil
}

// buildVCPUs creates cfg.NumCPUs vCPUs, installs the shared CPUID set, and
// points each one at the kernel entry loaded by loadKernel, mirroring the
// teacher's initRegs/initSregs (every vCPU starts at the same RIP/RSI/CR3;
// this monitor has no INIT-SIPI handshake for real multi-vCPU Linux SMP
// boot, matching the teacher's own simplification).
func (b *Builder) buildVCPUs(vmFd uintptr, mmapSize uintptr, cpuid kvm.CPUID, lr bootx86.LoadResult, cfg Config) ([]*vcpu.VCPU, []uintptr, error) {
	vcpus := make([]*vcpu.VCPU, 0, cfg.NumCPUs)
	fds := make([]uintptr, 0, cfg.NumCPUs)

	for i := 0; i < cfg.NumCPUs; i++ {
		fd, err := kvm.CreateVCPU(vmFd, i)
		if err != nil {
			return vcpus, fds, newError(KindStartFailed, fmt.Sprintf("create vcpu %d", i), err)
		}

		fds = append(fds, fd)

		if err := kvm.SetCPUID2(fd, &cpuid); err != nil {
			return vcpus, fds, newError(KindStartFailed, fmt.Sprintf("set cpuid vcpu %d", i), err)
		}

		runBytes, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return vcpus, fds, newError(KindStartFailed, fmt.Sprintf("mmap vcpu %d run page", i), err)
		}

		run := (*kvm.RunData)(unsafe.Pointer(&runBytes[0]))

		if err := b.initRegs(fd, lr); err != nil {
			return vcpus, fds, err
		}

		if err := b.initSregs(fd, lr); err != nil {
			return vcpus, fds, err
		}

		vcpus = append(vcpus, vcpu.New(i, vmFd, fd, run, b.Log))
	}

	return vcpus, fds, nil
}

func (b *Builder) initRegs(fd uintptr, lr bootx86.LoadResult) error {
	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return newError(KindStartFailed, "get regs", err)
	}

	regs.RFLAGS = 2
	regs.RIP = lr.EntryRIP
	regs.RSI = lr.BootParamRSI

	if err := kvm.SetRegs(fd, regs); err != nil {
		return newError(KindStartFailed, "set regs", err)
	}

	return nil
}

func (b *Builder) initSregs(fd uintptr, lr bootx86.LoadResult) error {
	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return newError(KindStartFailed, "get sregs", err)
	}

	lm := bootx86.NewLongModeSregs(lr.CR3)

	applyFlatSegment(&sregs.CS, lm.Code)
	applyFlatSegment(&sregs.DS, lm.Data)
	applyFlatSegment(&sregs.ES, lm.Data)
	applyFlatSegment(&sregs.FS, lm.Data)
	applyFlatSegment(&sregs.GS, lm.Data)
	applyFlatSegment(&sregs.SS, lm.Data)

	sregs.CR0 = lm.CR0
	sregs.CR3 = lm.CR3
	sregs.CR4 = lm.CR4
	sregs.EFER = lm.EFER

	if err := kvm.SetSregs(fd, sregs); err != nil {
		return newError(KindStartFailed, "set sregs", err)
	}

	return nil
}

func applyFlatSegment(seg *kvm.Segment, fs bootx86.FlatSegment) {
	seg.Base = 0
	seg.Limit = 0xFFFFFFFF
	seg.Selector = fs.Selector
	seg.Typ = fs.Type
	seg.Present = 1
	seg.S = 1
	seg.G = 1
	seg.DB = 1

	if fs.Long {
		seg.L = 1
		seg.DB = 0
	}
}
