package gate

import (
	"bytes"
	"testing"

	"chromaos/kernel/cpu"
	"chromaos/kernel/kfmt"

	"github.com/stretchr/testify/require"
)

func TestRaise(t *testing.T) {
	defer HandleInterrupt(PageFaultException, nil)

	var got *Registers
	HandleInterrupt(PageFaultException, func(regs *Registers) {
		got = regs
		regs.RIP += 4
	})

	regs := &Registers{Info: 2, RIP: 0x1000}
	Raise(PageFaultException, regs)
	require.Same(t, regs, got)
	require.Equal(t, uint64(0x1004), regs.RIP, "handler changes must be visible to the caller")
}

func TestRaiseWithoutHandler(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	defer cpu.SetCurrent(cpu.SetCurrent(cpu.NewEmulated(0)))

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	require.PanicsWithValue(t, cpu.ErrHalted, func() {
		Raise(GPFException, &Registers{RIP: 0xdead, Info: 0x10})
	})
	require.Contains(t, buf.String(), "vector=13")
	require.Contains(t, buf.String(), "regs.rip=0xdead")
	require.Contains(t, buf.String(), "unrecoverable error: vector 13: "+ErrUnhandledInterrupt.Message)
}

func TestHandleInterruptReplacesHandler(t *testing.T) {
	defer HandleInterrupt(DoubleFault, nil)

	var calls []string
	HandleInterrupt(DoubleFault, func(*Registers) { calls = append(calls, "first") })
	HandleInterrupt(DoubleFault, func(*Registers) { calls = append(calls, "second") })

	Raise(DoubleFault, &Registers{})
	require.Equal(t, []string{"second"}, calls)
}
