// Command mvisor is a thin demo CLI over vmm.Builder: it wires a handful of
// flags into a vmm.Config, starts one VM, and waits for it to exit. Real
// argument parsing, sandbox-image resolution, and the guest init agent are
// out of this module's scope (spec.md §1); this binary exists only to
// exercise the package from the command line the way a developer poking at
// this repo would, mirroring the teacher's own minimal main.go.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/netstack"
	"github.com/mvisor/mvisor/vmm"
	"github.com/mvisor/mvisor/vsockbridge"
)

// repeatedFlag collects every occurrence of a flag.Var-backed flag, since
// stdlib flag has no native repeated-flag support.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }

func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var (
		kernelPath = flag.String("kernel", "", "path to a bzImage kernel (required)")
		initrdPath = flag.String("initrd", "", "path to an initrd image")
		cmdline    = flag.String("cmdline", "", "extra kernel command-line arguments")
		numCPUs    = flag.Int("cpus", 1, "number of vCPUs")
		memMiB     = flag.Int("mem", 256, "guest memory size in MiB")
		withNet    = flag.Bool("net", false, "attach a virtio-net device behind the userspace NAT stack")
	)

	var fsFlags, vsockFlags, forwardFlags repeatedFlag

	flag.Var(&fsFlags, "fs", "share root:tag[:ro], repeatable")
	flag.Var(&vsockFlags, "vsock", "vsock port[:path][:connect], repeatable")
	flag.Var(&forwardFlags, "forward", "port-forward tcp|udp:hostport:guestport, repeatable")

	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := buildConfig(*kernelPath, *initrdPath, *cmdline, *numCPUs, *memMiB, *withNet, fsFlags, vsockFlags, forwardFlags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mvisor:", err)
		os.Exit(1)
	}

	builder := vmm.NewBuilder(log)

	h, err := builder.Start(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mvisor:", err)
		os.Exit(1)
	}
	defer h.Close()

	code := h.Wait()
	if code != 0 {
		os.Exit(1)
	}
}

func buildConfig(kernelPath, initrdPath, cmdline string, numCPUs, memMiB int, withNet bool, fsFlags, vsockFlags, forwardFlags repeatedFlag) (vmm.Config, error) {
	if kernelPath == "" {
		return vmm.Config{}, fmt.Errorf("-kernel is required")
	}

	cfg := vmm.DefaultConfig()
	cfg.NumCPUs = numCPUs
	cfg.MemSize = memMiB << 20
	cfg.KernelPath = kernelPath
	cfg.InitrdPath = initrdPath
	cfg.ExtraCmdline = cmdline
	cfg.Console = os.Stdout

	for _, spec := range fsFlags {
		share, err := parseFSShare(spec)
		if err != nil {
			return vmm.Config{}, err
		}

		cfg.FS = append(cfg.FS, share)
	}

	for _, spec := range vsockFlags {
		port, err := parseVsockPort(spec)
		if err != nil {
			return vmm.Config{}, err
		}

		cfg.VsockPorts = append(cfg.VsockPorts, port)
	}

	if withNet || len(forwardFlags) > 0 {
		netCfg := &vmm.NetConfig{Stack: netstack.DefaultConfig()}

		for _, spec := range forwardFlags {
			rule, err := parseForwardRule(spec)
			if err != nil {
				return vmm.Config{}, err
			}

			netCfg.Forwards = append(netCfg.Forwards, rule)
		}

		cfg.Net = netCfg
	}

	return cfg, nil
}

// parseFSShare parses "root:tag[:ro]".
func parseFSShare(spec string) (vmm.FSShare, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return vmm.FSShare{}, fmt.Errorf("-fs %q: expected root:tag[:ro]", spec)
	}

	share := vmm.FSShare{Root: parts[0], Tag: parts[1]}
	if len(parts) >= 3 && parts[2] == "ro" {
		share.ReadOnly = true
	}

	return share, nil
}

// parseVsockPort parses "port[:path][:connect]"; listen mode is the
// default per spec.md §4.11.
func parseVsockPort(spec string) (vsockbridge.PortConfig, error) {
	parts := strings.Split(spec, ":")

	port, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return vsockbridge.PortConfig{}, fmt.Errorf("-vsock %q: bad port: %w", spec, err)
	}

	cfg := vsockbridge.PortConfig{Port: uint32(port), Mode: vsockbridge.ModeListen}

	for _, extra := range parts[1:] {
		switch extra {
		case "connect":
			cfg.Mode = vsockbridge.ModeConnect
		case "listen":
			cfg.Mode = vsockbridge.ModeListen
		default:
			cfg.SocketPath = extra
		}
	}

	return cfg, nil
}

// parseForwardRule parses "tcp|udp:hostport:guestport".
func parseForwardRule(spec string) (netstack.Rule, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return netstack.Rule{}, fmt.Errorf("-forward %q: expected proto:hostport:guestport", spec)
	}

	if parts[0] != "tcp" && parts[0] != "udp" {
		return netstack.Rule{}, fmt.Errorf("-forward %q: protocol must be tcp or udp", spec)
	}

	hostPort, err := strconv.Atoi(parts[1])
	if err != nil {
		return netstack.Rule{}, fmt.Errorf("-forward %q: bad host port: %w", spec, err)
	}

	guestPort, err := strconv.Atoi(parts[2])
	if err != nil {
		return netstack.Rule{}, fmt.Errorf("-forward %q: bad guest port: %w", spec, err)
	}

	return netstack.Rule{
		Proto:     parts[0],
		HostPort:  hostPort,
		GuestPort: guestPort,
		GuestIP:   netstack.DefaultPoolStart,
	}, nil
}
