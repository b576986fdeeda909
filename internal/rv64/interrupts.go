package rv64

import "sync"

// Source names an interrupt producer for the pending-interrupt set. Devices
// and timers raise interrupts by source; PendingInterrupts folds them into
// the CPU's MIP bits.
type Source uint8

const (
	SourceUartInput Source = iota
	SourceVirtioDiskIO
	SourceMachineTimer
	SourceSupervisorTimer
	SourceMachineSoftware
)

// mipBit maps a source to the mip bit it sets. UART and virtio both raise
// through the PLIC, so they fold into the single external-interrupt line;
// the PLIC itself tracks which source is claimable.
func (s Source) mipBit() uint64 {
	switch s {
	case SourceUartInput, SourceVirtioDiskIO:
		return MipSEIP
	case SourceMachineTimer:
		return MipMTIP
	case SourceSupervisorTimer:
		return MipSTIP
	case SourceMachineSoftware:
		return MipMSIP
	default:
		return 0
	}
}

// PendingInterrupts is the process-wide, mutex-protected set of interrupt
// sources asserted but not yet cleared (spec.md §5). Multiple goroutines —
// the timer thread, an optional console-input thread, and the virtio
// completion path — all raise into this set; only the executor goroutine
// drains it into CPU.Mip once per dispatch iteration.
type PendingInterrupts struct {
	mu      sync.Mutex
	pending map[Source]bool
}

// NewPendingInterrupts returns an empty pending-interrupt set.
func NewPendingInterrupts() *PendingInterrupts {
	return &PendingInterrupts{pending: make(map[Source]bool)}
}

// Raise asserts a source. Safe to call from any goroutine.
func (p *PendingInterrupts) Raise(src Source) {
	p.mu.Lock()
	p.pending[src] = true
	p.mu.Unlock()
}

// Clear deasserts a source, e.g. once the PLIC reports no sources claimable.
func (p *PendingInterrupts) Clear(src Source) {
	p.mu.Lock()
	delete(p.pending, src)
	p.mu.Unlock()
}

// Drain folds the current pending set into cpu.Mip. Every tracked bit is
// set or cleared on each call (not just OR'd in): a source absent from the
// map means deasserted, and the previous pass's bit must not stick around
// after a Clear — e.g. a CLINT MTIMECMP rewrite clears SourceMachineTimer
// from the map, and that must actually drop MTIP here, not just skip
// setting it again.
func (p *PendingInterrupts) Drain(cpu *CPU) {
	p.mu.Lock()
	defer p.mu.Unlock()

	extAsserted := p.pending[SourceUartInput] || p.pending[SourceVirtioDiskIO]
	cpu.Mip = setBit(cpu.Mip, MipSEIP, extAsserted)
	cpu.Mip = setBit(cpu.Mip, MipMTIP, p.pending[SourceMachineTimer])
	cpu.Mip = setBit(cpu.Mip, MipSTIP, p.pending[SourceSupervisorTimer])
	cpu.Mip = setBit(cpu.Mip, MipMSIP, p.pending[SourceMachineSoftware])
}

func setBit(val, bit uint64, set bool) uint64 {
	if set {
		return val | bit
	}
	return val &^ bit
}

// snapshot returns a copy of the currently-asserted sources.
func (p *PendingInterrupts) snapshot() map[Source]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Source]bool, len(p.pending))
	for src, v := range p.pending {
		out[src] = v
	}
	return out
}

// restore replaces the pending set wholesale, e.g. from a loaded snapshot.
func (p *PendingInterrupts) restore(sources map[Source]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = make(map[Source]bool, len(sources))
	for src, v := range sources {
		if v {
			p.pending[src] = true
		}
	}
}
