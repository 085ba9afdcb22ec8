package bootx86

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MPTableAddr is where the floating pointer structure is placed; Linux
// scans the EBDA and the last KiB of conventional memory for the "_MP_"
// signature, so placing it inside the EBDA (like the teacher's ebda.New
// does for its own lightweight BIOS tables) is sufficient.
const MPTableAddr = EBDAStart

const (
	mpFloatingSignature = "_MP_"
	mpConfigSignature   = "PCMP"

	mpEntryProcessor        = 0
	mpEntryBus              = 1
	mpEntryIOAPIC           = 2
	mpEntryIOInterrupt      = 3
	mpEntryLocalInterrupt   = 4

	mpCPUFlagEnabled = 1 << 0
	mpCPUFlagBSP     = 1 << 1

	mpIOAPICFlagEnabled = 1 << 0

	defaultLAPICBase  = 0xfee00000
	defaultIOAPICBase = 0xfec00000
)

// MPTable builds the Intel MultiProcessor floating pointer structure and its
// configuration table (processor entries for each vCPU, one ISA bus, one
// IOAPIC, and an identity interrupt-routing entry per legacy IRQ), which
// Linux guests use to discover IOAPIC pin routing when booted without ACPI.
func MPTable(numCPUs int, ioapicID uint8) ([]byte, error) {
	if numCPUs <= 0 || numCPUs > 255 {
		return nil, fmt.Errorf("bootx86: invalid cpu count %d for MP table", numCPUs)
	}

	cfg := new(bytes.Buffer)

	writeMPHeader(cfg, numCPUs)

	for cpu := 0; cpu < numCPUs; cpu++ {
		flags := uint8(mpCPUFlagEnabled)
		if cpu == 0 {
			flags |= mpCPUFlagBSP
		}

		writeMPProcessorEntry(cfg, uint8(cpu), flags)
	}

	writeMPBusEntry(cfg, 0, "ISA   ")
	writeMPIOAPICEntry(cfg, ioapicID, defaultIOAPICBase)

	for irq := uint8(0); irq < 16; irq++ {
		writeMPIOInterruptEntry(cfg, irq, ioapicID, irq)
	}

	configBytes := cfg.Bytes()
	patchMPHeaderLengths(configBytes, numCPUs+1+16+1)

	floating := mpFloatingPointer(uint32(MPTableAddr + 16))

	out := make([]byte, 16+len(configBytes))
	copy(out, floating)
	copy(out[16:], configBytes)

	return out, nil
}

// mpFloatingPointer builds the 16-byte MP floating pointer structure
// pointing at the configuration table located at configAddr.
func mpFloatingPointer(configAddr uint32) []byte {
	b := make([]byte, 16)
	copy(b[0:4], mpFloatingSignature)
	binary.LittleEndian.PutUint32(b[4:8], configAddr)
	b[8] = 1    // length in 16-byte units
	b[9] = 4    // spec revision 1.4
	b[10] = 0   // checksum, filled below
	b[11] = 0   // MP feature byte 1: 0 means "config table is present"
	b[12] = 0
	b[13] = 0
	b[14] = 0
	b[15] = 0

	b[10] = checksum8(b)

	return b
}

// writeMPHeader writes the 44-byte MP configuration table header (Intel MP
// spec 1.4 §4.2): signature, base table length, spec rev, checksum, 8-byte
// OEM ID, 12-byte product ID, OEM table pointer/size, entry count, and the
// local APIC address every CPU in the table shares.
func writeMPHeader(buf *bytes.Buffer, numCPUs int) {
	hdr := make([]byte, 44)
	copy(hdr[0:4], mpConfigSignature)
	// hdr[4:6] base table length, patched later
	hdr[6] = 4 // spec revision 1.4
	// hdr[7] checksum, patched later
	copy(hdr[8:16], "MVISOR  ")     // OEM ID, 8 bytes
	copy(hdr[16:28], "MVISORCFG   ") // product ID, 12 bytes
	// hdr[28:32] OEM table pointer (unused, zero)
	// hdr[32:34] OEM table size (unused, zero)
	// hdr[34:36] entry count, patched later
	binary.LittleEndian.PutUint32(hdr[36:40], defaultLAPICBase)
	// hdr[40:42] extended table length (unused, zero)
	// hdr[42] extended table checksum (unused, zero)
	// hdr[43] reserved

	buf.Write(hdr)
}

func patchMPHeaderLengths(table []byte, entryCount int) {
	binary.LittleEndian.PutUint16(table[4:6], uint16(len(table)))
	binary.LittleEndian.PutUint16(table[34:36], uint16(entryCount))

	table[7] = 0
	table[7] = checksum8(table)
}

func writeMPProcessorEntry(buf *bytes.Buffer, apicID, flags uint8) {
	e := make([]byte, 20)
	e[0] = mpEntryProcessor
	e[1] = apicID
	e[2] = 0x14 // APIC version
	e[3] = flags
	// e[4:8] CPU signature (unused, zero)
	// e[8:12] feature flags (unused, zero)
	buf.Write(e)
}

func writeMPBusEntry(buf *bytes.Buffer, busID uint8, busType string) {
	e := make([]byte, 8)
	e[0] = mpEntryBus
	e[1] = busID
	copy(e[2:8], busType)
	buf.Write(e)
}

func writeMPIOAPICEntry(buf *bytes.Buffer, ioapicID uint8, addr uint32) {
	e := make([]byte, 8)
	e[0] = mpEntryIOAPIC
	e[1] = ioapicID
	e[2] = 0x11 // APIC version
	e[3] = mpIOAPICFlagEnabled
	binary.LittleEndian.PutUint32(e[4:8], addr)
	buf.Write(e)
}

func writeMPIOInterruptEntry(buf *bytes.Buffer, busIRQ, ioapicID, ioapicPin uint8) {
	e := make([]byte, 8)
	e[0] = mpEntryIOInterrupt
	e[1] = 0 // INT type: 0 = vectored interrupt
	// e[2:4] flags: 0 = conforms to bus defaults
	e[4] = 0 // source bus ID: ISA
	e[5] = busIRQ
	e[6] = ioapicID
	e[7] = ioapicPin
	buf.Write(e)
}

// checksum8 sums every byte of b and returns the value that makes the sum
// of all bytes (including the returned checksum byte itself) equal 0 mod
// 256 — the convention every MP/ACPI-style table checksum uses.
func checksum8(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}

	return uint8(-int8(sum))
}
