// Package bootx86 builds the x86_64 boot environment a Linux bzImage kernel
// expects from its bootloader: the setup_header/boot_params block, the e820
// memory map, identity-mapped long-mode page tables, flat GDT/IDT
// descriptors, and the MP floating pointer/configuration tables the kernel
// reads to discover its IOAPIC routing.
//
// Address layout (guest-physical), following the teacher's gokvm layout:
//
//	0x00010000  boot_params (struct BootParams, written by LoadLinux)
//	0x00020000  kernel command line (nul terminated)
//	0x00100000  64-bit kernel payload (highMemBase)
//	0x0f000000  initrd
package bootx86

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Guest-physical addresses for the pieces LoadLinux assembles. Exported so
// vmm can point RIP/RSI/the memory map at the same offsets used here.
const (
	BootParamAddr = 0x10000
	CmdlineAddr   = 0x20000
	KernelAddr    = 0x100000
	InitrdAddr    = 0xf000000

	RealModeIVTBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
)

// e820 region types, per the Linux boot protocol.
const (
	E820Ram      = 1
	E820Reserved = 2
)

var ErrZeroSizeKernel = errors.New("bootx86: kernel image is 0 bytes")

// setupHeaderOffset is the byte offset of setup_header within boot_params.
const setupHeaderOffset = 0x1f1

// e820MapOffset/e820EntriesOffset locate the e820 table within boot_params.
const (
	e820EntriesOffset = 0x1e8
	e820MapOffset     = 0x2d0
	e820EntrySize     = 20
	maxE820Entries    = 128
)

// SetupHeader mirrors Linux's struct setup_header (x86/boot.h), starting at
// boot_params+0x1f1. Only the fields a bzImage loader must read or set are
// named; the rest are kept as padding so the struct stays the right size and
// field offsets line up.
type SetupHeader struct {
	SetupSects       uint8
	RootFlags        uint16
	SysSize          uint32
	RAMSize          uint16
	VidMode          uint16
	RootDev          uint16
	BootFlag         uint16
	Jump             uint16
	Header           uint32
	Version          uint16
	RealModeSwitch   uint32
	StartSysSeg      uint16
	KernelVersion    uint16
	TypeOfLoader     uint8
	LoadFlags        uint8
	SetupMoveSize    uint16
	Code32Start      uint32
	RamdiskImage     uint32
	RamdiskSize      uint32
	BootSectKludge   uint32
	HeapEndPtr       uint16
	ExtLoaderVer     uint8
	ExtLoaderType    uint8
	CmdlinePtr       uint32
	InitrdAddrMax    uint32
	KernelAlignment  uint32
	RelocatableKernel uint8
	MinAlignment     uint8
	XLoadFlags       uint16
	CmdlineSize      uint32
	HardwareSubarch  uint32
	HardwareSubarchData uint64
	PayloadOffset    uint32
	PayloadLength    uint32
	SetupData        uint64
	PrefAddress      uint64
	InitSize         uint32
	HandoverOffset   uint32
}

// Loader flag bits (setup_header.loadflags).
const (
	LoadedHigh    = 1 << 0
	CanUseHeap    = 1 << 7
	KeepSegments  = 1 << 6
)

// E820Entry is one row of the e820 memory map embedded in boot_params.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParams is the in-memory representation of Linux's struct boot_params,
// built incrementally by New/AddE820Entry and serialized to bytes for a
// direct copy into guest memory at BootParamAddr.
type BootParams struct {
	Hdr  SetupHeader
	e820 []E820Entry
}

// New parses a bzImage's setup_header out of kernel and returns a BootParams
// ready for e820 entries and loader-field overrides.
func New(kernel io.ReaderAt) (*BootParams, error) {
	hdr := make([]byte, 0x1000)
	if _, err := kernel.ReadAt(hdr, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("bootx86: read setup header: %w", err)
	}

	bp := &BootParams{}

	r := bytes.NewReader(hdr[setupHeaderOffset:])
	if err := binary.Read(r, binary.LittleEndian, &bp.Hdr); err != nil {
		return nil, fmt.Errorf("bootx86: decode setup header: %w", err)
	}

	if bp.Hdr.SetupSects == 0 {
		bp.Hdr.SetupSects = 4
	}

	return bp, nil
}

// AddE820Entry appends one e820 region. Entries must be added in address
// order; New does not sort them.
func (bp *BootParams) AddE820Entry(addr, size uint64, typ uint32) {
	bp.e820 = append(bp.e820, E820Entry{Addr: addr, Size: size, Type: typ})
}

// SetupSize returns the size in bytes of the real-mode setup code, i.e.
// (setup_sects+1)*512 — the offset within the kernel file at which the
// protected/long-mode kernel payload begins.
func (bp *BootParams) SetupSize() int64 {
	return int64(bp.Hdr.SetupSects+1) * 512
}

// Bytes serializes boot_params: the zeroed page, the setup_header at its
// fixed offset, and the e820 table with its count.
func (bp *BootParams) Bytes() ([]byte, error) {
	if len(bp.e820) > maxE820Entries {
		return nil, fmt.Errorf("bootx86: %d e820 entries exceeds max %d", len(bp.e820), maxE820Entries)
	}

	buf := make([]byte, 0x4000)

	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.LittleEndian, bp.Hdr); err != nil {
		return nil, fmt.Errorf("bootx86: encode setup header: %w", err)
	}

	copy(buf[setupHeaderOffset:], hdrBuf.Bytes())

	binary.LittleEndian.PutUint32(buf[e820EntriesOffset:], uint32(len(bp.e820)))

	for i, e := range bp.e820 {
		off := e820MapOffset + i*e820EntrySize
		binary.LittleEndian.PutUint64(buf[off:], e.Addr)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Size)
		binary.LittleEndian.PutUint32(buf[off+16:], e.Type)
	}

	return buf, nil
}

// DefaultE820Map builds the four-region map the teacher's loader always
// installs: real-mode IVT, EBDA, the VGA/BIOS reserved hole, and guest RAM
// from kernelAddr up to memSize.
func DefaultE820Map(bp *BootParams, memSize uint64) {
	bp.AddE820Entry(RealModeIVTBegin, EBDAStart-RealModeIVTBegin, E820Ram)
	bp.AddE820Entry(EBDAStart, VGARAMBegin-EBDAStart, E820Reserved)
	bp.AddE820Entry(MBBIOSBegin, MBBIOSEnd-MBBIOSBegin, E820Reserved)
	bp.AddE820Entry(KernelAddr, memSize-KernelAddr, E820Ram)
}
