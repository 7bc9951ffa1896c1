package cpu

import "sync"

// Emulated is a Processor implementation for hosted builds. It keeps track of
// the state that the real instructions would change so that callers can
// observe TLB invalidations and page table switches.
type Emulated struct {
	id uint32

	mu          sync.Mutex
	activePDT   uintptr
	cr2         uint64
	halted      bool
	tlbFlushes  uint64
	pdtSwitches uint64
	flushed     map[uintptr]struct{}
}

// NewEmulated returns an emulated processor with the given identifier.
func NewEmulated(id uint32) *Emulated {
	return &Emulated{
		id:      id,
		flushed: make(map[uintptr]struct{}),
	}
}

// ID implements Processor.
func (p *Emulated) ID() uint32 { return p.id }

// Halt implements Processor. The emulated processor records the halt and
// panics with ErrHalted.
func (p *Emulated) Halt() {
	p.mu.Lock()
	p.halted = true
	p.mu.Unlock()

	panic(ErrHalted)
}

// FlushTLBEntry implements Processor.
func (p *Emulated) FlushTLBEntry(virtAddr uintptr) {
	p.mu.Lock()
	p.tlbFlushes++
	p.flushed[virtAddr] = struct{}{}
	p.mu.Unlock()
}

// SwitchPDT implements Processor. Switching the page table drops every
// non-global translation so the per-address flush history is reset.
func (p *Emulated) SwitchPDT(pdtPhysAddr uintptr) {
	p.mu.Lock()
	p.activePDT = pdtPhysAddr
	p.pdtSwitches++
	p.flushed = make(map[uintptr]struct{})
	p.mu.Unlock()
}

// ActivePDT implements Processor.
func (p *Emulated) ActivePDT() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activePDT
}

// ReadCR2 implements Processor.
func (p *Emulated) ReadCR2() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cr2
}

// SetCR2 records virtAddr as the last faulting address.
func (p *Emulated) SetCR2(virtAddr uint64) {
	p.mu.Lock()
	p.cr2 = virtAddr
	p.mu.Unlock()
}

// Halted reports whether Halt has been invoked.
func (p *Emulated) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Flushed reports whether the TLB entry for virtAddr was invalidated since
// the last page table switch.
func (p *Emulated) Flushed(virtAddr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.flushed[virtAddr]
	return ok
}

// TLBFlushes returns the number of single-entry TLB invalidations.
func (p *Emulated) TLBFlushes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tlbFlushes
}

// PDTSwitches returns the number of page table switches.
func (p *Emulated) PDTSwitches() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdtSwitches
}
