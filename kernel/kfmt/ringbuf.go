package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that keeps log output
// produced before an output sink is attached. It is large enough to hold the
// memory map listing of a typical machine. The ring buffer size must always
// be a power of 2.
const ringBufferSize = 16384

// ringBuffer captures log records emitted before SetOutputSink is called.
// When full, the oldest bytes are overwritten. Callers serialize access.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once all buffered
// bytes have been consumed.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	switch {
	case rb.rIndex < rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:rb.wIndex])
		rb.rIndex += n
		return n, nil
	case rb.rIndex > rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:])
		rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
		return n, nil
	default:
		return 0, io.EOF
	}
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}
