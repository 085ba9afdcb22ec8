package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl nr values, from linux/kvm.h. The full request codes are built from
// them by the iio/iiow/iior/iiowr helpers in ioctl.go.
const (
	nrGetAPIVersion          = 0x00
	nrCreateVM               = 0x01
	nrGetVCPUMMapSize        = 0x04
	nrCreateVCPU             = 0x41
	nrGetSupportedCPUID      = 0x05
	nrSetCPUID2              = 0x90
	nrSetTSSAddr             = 0x47
	nrSetIdentityMapAddr     = 0x48
	nrCreateIRQChip          = 0x60
	nrCreatePIT2             = 0x77
	nrIRQLine                = 0x61
	nrSetUserMemoryRegion    = 0x46
	nrGetRegs                 = 0x81
	nrSetRegs                 = 0x82
	nrGetSregs                = 0x83
	nrSetSregs                = 0x84
	nrRun                     = 0x80
)

// Exit reasons reported in RunData.ExitReason, straight out of linux/kvm.h.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitInternalError = 17
)

// IO exit directions, matching RunData.IO's decoded "direction" field.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

const (
	numInterrupts  = 0x100
	cpuidSignature = 0x40000000
	cpuidFeatures  = 0x40000001
	cpuidFuncPMU   = 0x0A
)

// ErrUnexpectedExitReason is returned when a vCPU run exits with a reason
// this monitor does not know how to handle.
var ErrUnexpectedExitReason = errors.New("kvm: unexpected exit reason")

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT descriptors).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                       DTable
	CR0, CR2, CR3, CR4, CR8        uint64
	EFER                           uint64
	ApicBase                       uint64
	InterruptBitmap                [(numInterrupts + 63) / 64]uint64
}

// RunData mirrors struct kvm_run, the mmap'd page shared between the kernel
// and userspace for a single vCPU.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the Data area for an ExitIO exit into (direction, size in
// bytes, port, repeat count, byte offset into RunData where the data lives).
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// mmioUnion mirrors the "mmio" arm of kvm_run's anonymous union, which
// shares its storage with RunData.Data.
type mmioUnion struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

// MMIO decodes the Data area for an ExitMMIO exit into (phys addr, data
// bytes sized to the access width, is-write).
func (r *RunData) MMIO() (addr uint64, data []byte, isWrite bool) {
	m := (*mmioUnion)(unsafe.Pointer(&r.Data[0]))
	length := m.Len
	if length > uint32(len(m.Data)) {
		length = uint32(len(m.Data))
	}

	return m.PhysAddr, m.Data[:length], m.IsWrite != 0
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memFlagLogDirtyPages = 1 << 0
	memFlagReadonly      = 1 << 1
)

// SetMemLogDirtyPages marks the region for dirty-page logging (unused by
// this monitor, which has no migration/snapshot support, but part of the
// faithful ioctl surface).
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= memFlagLogDirtyPages }

// SetMemReadonly marks a region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= memFlagReadonly }

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2, with a fixed-size entry array large
// enough for KVM_GET_SUPPORTED_CPUID's typical result count.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// OpenDevice opens /dev/kvm and returns its file descriptor.
func OpenDevice(path string) (uintptr, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, err
	}

	return uintptr(fd), nil
}

// GetAPIVersion returns the kernel's KVM API version (12 on every supported
// kernel; callers are not expected to branch on it, only sanity-check it).
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, iio(nrGetAPIVersion), 0)
}

// CreateVM creates a VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, iio(nrCreateVM), 0)
}

// CreateVCPU creates vCPU number id within vmFd's VM.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return ioctl(vmFd, iio(nrCreateVCPU), uintptr(id))
}

// GetVCPUMMapSize returns the size of the mmap region backing each vCPU's
// kvm_run structure.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, iio(nrGetVCPUMMapSize), 0)
}

// Run executes the vCPU until the next exit. EINTR/EAGAIN (delivery of the
// kick signal, or a transient retry) are folded into a nil error so callers
// only branch on RunData.ExitReason.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, iio(nrRun), 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return nil
		}

		return err
	}

	return nil
}

// GetRegs reads the vCPU's general-purpose registers.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	var regs Regs
	_, err := ioctlPtr(vcpuFd, iior(nrGetRegs, unsafe.Sizeof(regs)), unsafe.Pointer(&regs))

	return regs, err
}

// SetRegs writes the vCPU's general-purpose registers.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctlPtr(vcpuFd, iiow(nrSetRegs, unsafe.Sizeof(regs)), unsafe.Pointer(&regs))

	return err
}

// GetSregs reads the vCPU's special registers (segments, control regs).
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var sregs Sregs
	_, err := ioctlPtr(vcpuFd, iior(nrGetSregs, unsafe.Sizeof(sregs)), unsafe.Pointer(&sregs))

	return sregs, err
}

// SetSregs writes the vCPU's special registers.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctlPtr(vcpuFd, iiow(nrSetSregs, unsafe.Sizeof(sregs)), unsafe.Pointer(&sregs))

	return err
}

// SetUserMemoryRegion installs or updates a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctlPtr(vmFd, iiow(nrSetUserMemoryRegion, unsafe.Sizeof(*region)), unsafe.Pointer(region))

	return err
}

// SetTSSAddr configures the 3-page TSS region Intel hosts require below 4GiB.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, iio(nrSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr configures the 1-page EPT identity map Intel hosts
// require below 4GiB.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	a := uint64(addr)
	_, err := ioctlPtr(vmFd, iiow(nrSetIdentityMapAddr, unsafe.Sizeof(a)), unsafe.Pointer(&a))

	return err
}

// CreateIRQChip creates the in-kernel IOAPIC/PIC model this monitor relies
// on for edge-triggered interrupt delivery (spec.md §4.3).
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, iio(nrCreateIRQChip), 0)

	return err
}

// CreatePIT2 creates the in-kernel i8254 PIT device.
func CreatePIT2(vmFd uintptr) error {
	cfg := pitConfig{}
	_, err := ioctlPtr(vmFd, iiow(nrCreatePIT2, unsafe.Sizeof(cfg)), unsafe.Pointer(&cfg))

	return err
}

// IRQLine asserts or deasserts a GSI line. Edge-triggered interrupts are
// delivered by calling this with level=1 followed immediately by level=0,
// per spec.md §4.3's "pulse" requirement.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctlPtr(vmFd, iiow(nrIRQLine, unsafe.Sizeof(l)), unsafe.Pointer(&l))

	return err
}

// PulseIRQ asserts then deasserts irq, the edge-triggered delivery spec.md
// requires for every virtio-MMIO used-ring notification.
func PulseIRQ(vmFd uintptr, irq uint32) error {
	if err := IRQLine(vmFd, irq, 1); err != nil {
		return err
	}

	return IRQLine(vmFd, irq, 0)
}

// GetSupportedCPUID fills cpuid with the set of CPUID leaves this host/KVM
// combination supports.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = uint32(len(cpuid.Entries))
	_, err := ioctlPtr(kvmFd, iiowr(nrGetSupportedCPUID, unsafe.Sizeof(*cpuid)), unsafe.Pointer(cpuid))

	return err
}

// SetCPUID2 installs the CPUID leaves a vCPU will report to the guest.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := ioctlPtr(vcpuFd, iiow(nrSetCPUID2, unsafe.Sizeof(*cpuid)), unsafe.Pointer(cpuid))

	return err
}

// DefaultCPUID returns the host's supported CPUID set with the performance
// monitoring leaf disabled and the hypervisor signature leaf rewritten to
// identify this monitor, matching the teacher's initCPUID.
func DefaultCPUID(kvmFd uintptr) (CPUID, error) {
	var cpuid CPUID
	if err := GetSupportedCPUID(kvmFd, &cpuid); err != nil {
		return cpuid, err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case cpuidFuncPMU:
			cpuid.Entries[i].Eax = 0
		case cpuidSignature:
			cpuid.Entries[i].Eax = cpuidFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564d // "MVMK"
			cpuid.Entries[i].Ecx = 0x4d56534d // "MSVM"
			cpuid.Entries[i].Edx = 0
		}
	}

	return cpuid, nil
}
