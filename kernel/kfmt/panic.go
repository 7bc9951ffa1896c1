package kfmt

import (
	"chromaos/kernel"
	"chromaos/kernel/cpu"

	"github.com/cockroachdb/errors"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error (if not nil) and halts the local processor.
// Calls to Panic never return.
//
// Errors wrapping a *kernel.Error are reported under the wrapped error's
// module together with the full wrapped message, so the context attached by
// the caller (addresses, page levels, sizes) ends up in the log.
func Panic(e interface{}) {
	var (
		module  = errRuntimePanic.Module
		message = errRuntimePanic.Message
	)

	switch t := e.(type) {
	case *kernel.Error:
		module, message = t.Module, t.Message
	case error:
		var kErr *kernel.Error
		if errors.As(t, &kErr) {
			module = kErr.Module
		}
		message = t.Error()
	case string:
		message = t
	}

	Logger(module).Error("unrecoverable error: " + message)
	Logger("kfmt").Error("*** kernel panic: system halted ***")

	cpuHaltFn()
}
