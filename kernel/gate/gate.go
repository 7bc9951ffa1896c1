// Package gate routes processor exceptions to registered handlers. On a
// hosted build the exception entry points are emulated: Raise plays the part
// of the interrupt gate and dispatches synchronously on the calling
// goroutine.
package gate

import (
	"log/slog"
	"sync"

	"chromaos/kernel"
	"chromaos/kernel/kfmt"

	"github.com/cockroachdb/errors"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// LogValue implements slog.LogValuer so a register dump can be attached to a
// log record as a single group.
func (r *Registers) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("rax", kfmt.Hex(r.RAX)), slog.Any("rbx", kfmt.Hex(r.RBX)),
		slog.Any("rcx", kfmt.Hex(r.RCX)), slog.Any("rdx", kfmt.Hex(r.RDX)),
		slog.Any("rsi", kfmt.Hex(r.RSI)), slog.Any("rdi", kfmt.Hex(r.RDI)),
		slog.Any("rbp", kfmt.Hex(r.RBP)),
		slog.Any("r8", kfmt.Hex(r.R8)), slog.Any("r9", kfmt.Hex(r.R9)),
		slog.Any("r10", kfmt.Hex(r.R10)), slog.Any("r11", kfmt.Hex(r.R11)),
		slog.Any("r12", kfmt.Hex(r.R12)), slog.Any("r13", kfmt.Hex(r.R13)),
		slog.Any("r14", kfmt.Hex(r.R14)), slog.Any("r15", kfmt.Hex(r.R15)),
		slog.Any("rip", kfmt.Hex(r.RIP)), slog.Any("cs", kfmt.Hex(r.CS)),
		slog.Any("rsp", kfmt.Hex(r.RSP)), slog.Any("ss", kfmt.Hex(r.SS)),
		slog.Any("rflags", kfmt.Hex(r.RFlags)),
	)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Handler services an exception. Changes to regs are visible to the code
// that raised it once the handler returns.
type Handler func(regs *Registers)

var (
	handlersMu sync.RWMutex
	handlers   [256]Handler

	log = kfmt.Logger("gate")

	// ErrUnhandledInterrupt is reported when an exception is raised with no
	// handler installed.
	ErrUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}
)

// HandleInterrupt ensures that handler will be invoked when intNumber is
// raised. Installing a nil handler removes the current one.
func HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	handlersMu.Lock()
	handlers[intNumber] = handler
	handlersMu.Unlock()
}

// Raise dispatches intNumber to its handler. An exception without a handler
// is unrecoverable and halts the local processor, as a double fault would.
func Raise(intNumber InterruptNumber, regs *Registers) {
	handlersMu.RLock()
	handler := handlers[intNumber]
	handlersMu.RUnlock()

	if handler == nil {
		log.Error("no handler installed", "vector", uint8(intNumber), "regs", regs)
		kfmt.Panic(errors.Wrapf(ErrUnhandledInterrupt, "vector %d", intNumber))
		return
	}
	handler(regs)
}
