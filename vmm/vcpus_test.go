package vmm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvisor/mvisor/internal/bootx86"
	"github.com/mvisor/mvisor/kvm"
	"github.com/mvisor/mvisor/memory"
)

func TestApplyFlatSegmentSetsFullFlatLimits(t *testing.T) {
	var seg kvm.Segment
	applyFlatSegment(&seg, bootx86.FlatSegment{Selector: 0x10, Type: 0xb})

	require.Equal(t, uint64(0), seg.Base)
	require.Equal(t, uint32(0xFFFFFFFF), seg.Limit)
	require.Equal(t, uint16(0x10), seg.Selector)
	require.Equal(t, uint8(0xb), seg.Typ)
	require.Equal(t, uint8(1), seg.Present)
	require.Equal(t, uint8(1), seg.S)
	require.Equal(t, uint8(1), seg.G)
	require.Equal(t, uint8(1), seg.DB)
	require.Equal(t, uint8(0), seg.L)
}

func TestApplyFlatSegmentLongModeClearsDB(t *testing.T) {
	var seg kvm.Segment
	applyFlatSegment(&seg, bootx86.FlatSegment{Selector: 0x8, Type: 0xb, Long: true})

	require.Equal(t, uint8(1), seg.L)
	require.Equal(t, uint8(0), seg.DB, "a 64-bit code segment must not also set D/B")
}

func TestLoadKernelMissingKernelFileFailsWithStartFailed(t *testing.T) {
	b := NewBuilder(nil)
	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	cfg := DefaultConfig()
	cfg.KernelPath = filepath.Join(t.TempDir(), "does-not-exist")

	_, err = b.loadKernel(mem, cfg)
	require.Error(t, err)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindStartFailed, verr.Kind)
}

func TestLoadKernelMissingInitrdFileFailsWithStartFailed(t *testing.T) {
	b := NewBuilder(nil)
	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	kernelPath := filepath.Join(t.TempDir(), "vmlinux")
	require.NoError(t, os.WriteFile(kernelPath, []byte("not a real bzImage"), 0o644))

	cfg := DefaultConfig()
	cfg.KernelPath = kernelPath
	cfg.InitrdPath = filepath.Join(t.TempDir(), "missing.img")

	_, err = b.loadKernel(mem, cfg)
	require.Error(t, err)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindStartFailed, verr.Kind)
}
