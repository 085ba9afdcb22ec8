package vmm

import (
	"io"

	"github.com/mvisor/mvisor/netstack"
	"github.com/mvisor/mvisor/vsockbridge"
)

// Fixed IRQ lines, one per virtio-MMIO device, routed through the MP
// table's ISA bus per spec.md §4.1.
const (
	ConsoleIRQ = 5
	NetIRQ     = 6
	VsockIRQ   = 7
	FSIRQ      = 8
)

// Fixed MMIO base addresses, one 0x200-byte window per device, placed
// above the identity-mapped low memory this monitor's boot loader uses.
const (
	ConsoleMMIOBase uint64 = 0xD0000000
	NetMMIOBase     uint64 = 0xD0000200
	VsockMMIOBase   uint64 = 0xD0000400
	FSMMIOBase      uint64 = 0xD0000600

	mmioWindowSize = 0x200
)

// DefaultCmdline is the backend-default kernel command line spec.md §6
// specifies; callers append to it via Config.ExtraCmdline.
const DefaultCmdline = "console=hvc0 reboot=t panic=-1"

// FSShare configures one virtio-fs export.
type FSShare struct {
	Root     string
	Tag      string
	ReadOnly bool
}

// Config describes one VM to build. The zero value is not valid; use
// DefaultConfig as a starting point.
type Config struct {
	NumCPUs int
	MemSize int

	KernelPath string
	InitrdPath string

	// ExtraCmdline is appended to DefaultCmdline, per spec.md §6.
	ExtraCmdline string

	// Console receives the guest's serial output; nil selects os.Stdout.
	Console io.Writer

	// NetMAC is the guest-facing virtio-net device's MAC address. A zero
	// value selects a locally-administered default.
	NetMAC [6]byte

	// Net, if non-nil, configures the userspace NAT stack attached to
	// the net device. A nil value omits the net device entirely.
	Net *NetConfig

	// FS lists the virtio-fs shares exposed to the guest. An empty tag or
	// any duplicate tag is rejected at Start time.
	FS []FSShare

	// VsockPorts lists the vsock<->Unix-socket bridges to establish.
	VsockPorts []vsockbridge.PortConfig
}

// NetConfig configures the userspace NAT stack wired to the VM's net
// device when Config.Net is set.
type NetConfig struct {
	Stack    netstack.Config
	Forwards []netstack.Rule
}

// DefaultConfig returns a single-vCPU, 256MiB configuration with no net,
// fs, or vsock attachments — the caller fills in boot artefacts and any
// devices it needs.
func DefaultConfig() Config {
	return Config{
		NumCPUs: 1,
		MemSize: 256 << 20,
	}
}

// Cmdline returns the full kernel command line for this config.
func (c Config) Cmdline() string {
	if c.ExtraCmdline == "" {
		return DefaultCmdline
	}

	return DefaultCmdline + " " + c.ExtraCmdline
}

func (c Config) validate() error {
	if c.NumCPUs <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("num_cpus must be positive"))
	}

	if c.MemSize <= 0 {
		return newError(KindInvalidConfig, "validate", errInvalid("mem_size must be positive"))
	}

	if c.KernelPath == "" {
		return newError(KindInvalidConfig, "validate", errInvalid("kernel_path is required"))
	}

	seenTags := make(map[string]bool)
	for _, fs := range c.FS {
		if fs.Tag == "" {
			return newError(KindInvalidConfig, "validate", errInvalid("fs share tag is required"))
		}

		if seenTags[fs.Tag] {
			return newError(KindInvalidConfig, "validate", errInvalid("duplicate fs share tag "+fs.Tag))
		}

		seenTags[fs.Tag] = true
	}

	seenPorts := make(map[uint32]bool)
	for _, p := range c.VsockPorts {
		if p.Port == 0 {
			return newError(KindInvalidConfig, "validate", errInvalid("vsock port 0 is reserved"))
		}

		if seenPorts[p.Port] {
			return newError(KindInvalidConfig, "validate", errInvalid("duplicate vsock port"))
		}

		seenPorts[p.Port] = true
	}

	return nil
}

type configErr string

func (e configErr) Error() string { return string(e) }

func errInvalid(msg string) error { return configErr(msg) }
