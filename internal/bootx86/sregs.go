package bootx86

// Control register bits needed to enter long mode, named the way the
// teacher's machine.go names them.
const (
	CR0ProtectedMode = 1 << 0
	CR0MonitorCoproc = 1 << 1
	CR0ExtensionType = 1 << 4
	CR0NumericError  = 1 << 5
	CR0WriteProtect  = 1 << 16
	CR0AlignmentMask = 1 << 18
	CR0Paging        = 1 << 31

	CR4PAE = 1 << 5

	EFERLME = 1 << 8 // long mode enable
	EFERLMA = 1 << 10 // long mode active
)

// FlatSegment describes a 4KiB-granularity, full-limit segment descriptor;
// the vcpu package applies it to kvm.Segment for CS/DS/ES/FS/GS/SS.
type FlatSegment struct {
	Selector uint16
	Type     uint8
	DPL      uint8
	Long     bool // L bit: 64-bit code segment
}

// CodeSegment64 and DataSegment64 are the two flat descriptors long-mode 64-bit
// kernels expect: a 64-bit code segment and a read/write data segment,
// matching the teacher's initSregs segment setup.
var (
	CodeSegment64 = FlatSegment{Selector: 1 << 3, Type: 11, DPL: 0, Long: true}
	DataSegment64 = FlatSegment{Selector: 2 << 3, Type: 3, DPL: 0, Long: false}
)

// LongModeSregs is the subset of kvm_sregs a 64-bit long-mode boot needs:
// CR0/CR3/CR4/EFER plus six identical flat segment selectors. The vcpu
// package copies these fields onto a kvm.Sregs obtained via GetSregs before
// calling SetSregs, leaving the teacher's segment-struct types untouched
// here so this package stays free of a kvm import.
type LongModeSregs struct {
	CR0, CR3, CR4, EFER uint64
	Code                FlatSegment
	Data                FlatSegment
}

// NewLongModeSregs builds the CR0/CR3/CR4/EFER and segment values for a
// 64-bit kernel entry, given the CR3 returned by IdentityPageTables.
func NewLongModeSregs(cr3 uint64) LongModeSregs {
	return LongModeSregs{
		CR0:  CR0ProtectedMode | CR0MonitorCoproc | CR0ExtensionType | CR0NumericError | CR0WriteProtect | CR0AlignmentMask | CR0Paging,
		CR3:  cr3,
		CR4:  CR4PAE,
		EFER: EFERLME | EFERLMA,
		Code: CodeSegment64,
		Data: DataSegment64,
	}
}
