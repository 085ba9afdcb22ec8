package vcpu

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/mvisor/mvisor/kvm"
)

type recordingBus struct {
	pioIn, pioOut     []byte
	mmioRead, mmioWrite []byte
	lastPort, lastAddr uint64
}

func (b *recordingBus) PIOIn(port uint64, data []byte) error {
	b.lastPort = port
	b.pioIn = append(b.pioIn, data...)
	data[0] = 0x42

	return nil
}

func (b *recordingBus) PIOOut(port uint64, data []byte) error {
	b.lastPort = port
	b.pioOut = append(b.pioOut, data...)

	return nil
}

func (b *recordingBus) MMIORead(addr uint64, data []byte) error {
	b.lastAddr = addr
	b.mmioRead = append(b.mmioRead, data...)

	return nil
}

func (b *recordingBus) MMIOWrite(addr uint64, data []byte) error {
	b.lastAddr = addr
	b.mmioWrite = append(b.mmioWrite, data...)

	return nil
}

func TestHandleExitHalt(t *testing.T) {
	v := &VCPU{run: &kvm.RunData{ExitReason: kvm.ExitHLT}}

	cont, err := v.handleExit(&recordingBus{})
	require.False(t, cont)
	require.ErrorIs(t, err, ErrHalted)
}

func TestHandleExitShutdown(t *testing.T) {
	v := &VCPU{run: &kvm.RunData{ExitReason: kvm.ExitShutdown}}

	cont, err := v.handleExit(&recordingBus{})
	require.False(t, cont)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestHandleExitIntrContinues(t *testing.T) {
	v := &VCPU{run: &kvm.RunData{ExitReason: kvm.ExitIntr}}

	cont, err := v.handleExit(&recordingBus{})
	require.True(t, cont)
	require.NoError(t, err)
}

func TestHandleExitPIOOut(t *testing.T) {
	run := &kvm.RunData{ExitReason: kvm.ExitIO}
	// Data[0]/Data[1] hold the packed io-exit info IO() decodes; the actual
	// I/O bytes live further into the union, here at Data[2].
	dataOffset := uint64(unsafe.Offsetof(run.Data)) + 16
	run.Data[0] = uint64(kvm.ExitIOOut) | uint64(1)<<8 | uint64(0x3f8)<<16 | uint64(1)<<32
	run.Data[1] = dataOffset
	run.Data[2] = 0xAB // low byte read back as the single output byte

	v := &VCPU{run: run}
	bus := &recordingBus{}

	cont, err := v.handleExit(bus)
	require.True(t, cont)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3f8), bus.lastPort)
	require.Equal(t, []byte{0xAB}, bus.pioOut)
}

func TestHandleExitUnexpectedReason(t *testing.T) {
	v := &VCPU{run: &kvm.RunData{ExitReason: 0xFFFF}}

	cont, err := v.handleExit(&recordingBus{})
	require.False(t, cont)
	require.ErrorIs(t, err, kvm.ErrUnexpectedExitReason)
}
