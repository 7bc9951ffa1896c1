// Package kfmt provides the kernel's diagnostic output: structured log
// records tagged with the emitting module and the Panic routine used to
// report unrecoverable errors.
package kfmt

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
)

var (
	// outputMu serializes writes to the active sink and the early buffer.
	outputMu sync.Mutex

	// earlyPrintBuffer stores log output produced before an output sink
	// is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is where log records are written. If nil, records are
	// redirected to earlyPrintBuffer.
	outputSink io.Writer

	level = new(slog.LevelVar)

	rootLogger = slog.New(slog.NewTextHandler(sinkWriter{}, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: dropTime,
	}))
)

// sinkWriter routes each formatted record to the active output sink.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// dropTime removes the timestamp from top-level records; there is no wall
// clock while the memory subsystem boots.
func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// SetOutputSink sets the target for all log output to w and copies any data
// accumulated in the early buffer to it. Passing nil reverts to buffering.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// SetLevel sets the minimum level of emitted records.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Logger returns a logger whose records carry the given module name.
func Logger(module string) *slog.Logger {
	return rootLogger.With("module", module)
}

// Enabled reports whether records at level l are currently emitted. Hot
// paths use it to skip building attributes for suppressed debug records.
func Enabled(l slog.Level) bool {
	return rootLogger.Enabled(context.Background(), l)
}

// Hex wraps an address or size so that it is logged in hexadecimal.
type Hex uintptr

// String implements fmt.Stringer for Hex.
func (h Hex) String() string {
	return "0x" + strconv.FormatUint(uint64(h), 16)
}
