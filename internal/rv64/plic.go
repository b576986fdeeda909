package rv64

import "sync"

// PLIC register offsets (spec.md §4.4).
const (
	PLICPriorityBase  = 0x000000
	PLICPendingBase   = 0x001000
	PLICEnableBase    = 0x002000
	PLICThresholdBase = 0x200000
	PLICContextStride = 0x1000
)

const PLICMaxSources = 1024

// PLIC interrupt source numbers wired by machine.go. Named so devices never
// hardcode a magic source index.
const (
	PLICSourceUART   uint32 = 1
	PLICSourceVirtio uint32 = 2
)

// PLIC contexts: this core exposes exactly the two a single hart needs.
const (
	plicContextMachine    = 0
	plicContextSupervisor = 1
)

// PLIC is the Platform-Level Interrupt Controller (spec.md §4.4): per-source
// priority/pending/enable state and a per-context threshold/claim/complete
// register pair. It raises into the shared PendingInterrupts set rather than
// touching CPU.Mip directly, so it composes with the timer thread without a
// stored CPU back-reference.
type PLIC struct {
	pending *PendingInterrupts
	mu      sync.Mutex

	priority  [PLICMaxSources]uint32
	pendingBm [PLICMaxSources / 32]uint32
	enable    [2][PLICMaxSources / 32]uint32
	threshold [2]uint32
	claimed   [2]uint32
}

// NewPLIC creates a PLIC that reflects its pending-bit state into pending:
// it raises SourceUartInput while any source (UART or virtio) is claimable
// by the supervisor context, and clears both SourceUartInput and
// SourceVirtioDiskIO otherwise. SourceVirtioDiskIO is never raised here.
func NewPLIC(pending *PendingInterrupts) *PLIC {
	return &PLIC{pending: pending}
}

func (p *PLIC) Size() uint64 { return PLICSize }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset < PLICEnableBase:
		word := (offset - PLICPendingBase) / 4
		if word < uint64(len(p.pendingBm)) {
			return uint64(p.pendingBm[word]), nil
		}

	case offset < PLICThresholdBase:
		rel := offset - PLICEnableBase
		ctx := rel / 0x80
		word := (rel % 0x80) / 4
		if ctx < 2 && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[ctx][word]), nil
		}

	default:
		rel := offset - PLICThresholdBase
		ctx := rel / PLICContextStride
		reg := rel % PLICContextStride
		if ctx < 2 {
			switch reg {
			case 0:
				return uint64(p.threshold[ctx]), nil
			case 4:
				return uint64(p.claimLocked(int(ctx))), nil
			}
		}
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source > 0 && source < PLICMaxSources {
			p.priority[source] = uint32(value) & 7
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		rel := offset - PLICEnableBase
		ctx := rel / 0x80
		word := (rel % 0x80) / 4
		if ctx < 2 && word < uint64(len(p.enable[0])) {
			p.enable[ctx][word] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		rel := offset - PLICThresholdBase
		ctx := rel / PLICContextStride
		reg := rel % PLICContextStride
		if ctx < 2 {
			switch reg {
			case 0:
				p.threshold[ctx] = uint32(value) & 7
			case 4:
				p.completeLocked(int(ctx), uint32(value))
			}
		}
	}

	p.updateInterruptLocked()
	return nil
}

// SetPending asserts or deasserts an interrupt source.
func (p *PLIC) SetPending(source uint32, set bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := source/32, source%32
	if set {
		p.pendingBm[word] |= 1 << bit
	} else {
		p.pendingBm[word] &^= 1 << bit
	}
	p.updateInterruptLocked()
}

func (p *PLIC) claimLocked(context int) uint32 {
	if context >= 2 {
		return 0
	}
	var bestSource, bestPriority uint32
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, bit := source/32, source%32
		if p.pendingBm[word]&(1<<bit) == 0 {
			continue
		}
		if p.enable[context][word]&(1<<bit) == 0 {
			continue
		}
		if priority := p.priority[source]; priority > p.threshold[context] && priority > bestPriority {
			bestPriority, bestSource = priority, source
		}
	}
	if bestSource != 0 {
		word, bit := bestSource/32, bestSource%32
		p.pendingBm[word] &^= 1 << bit
		p.claimed[context] = bestSource
	}
	p.updateInterruptLocked()
	return bestSource
}

func (p *PLIC) completeLocked(context int, source uint32) {
	if context >= 2 || source == 0 || source >= PLICMaxSources {
		return
	}
	if p.claimed[context] == source {
		p.claimed[context] = 0
	}
	p.updateInterruptLocked()
}

// updateInterruptLocked re-derives the shared pending set from the S-mode
// context's claim-eligible sources. All external interrupts on this board
// (UART, virtio) are routed to S-mode, matching xv6's PLIC setup, so only
// the supervisor context feeds SEIP; the machine context exists for
// completeness but is never wired to a device.
func (p *PLIC) updateInterruptLocked() {
	if p.hasPendingInterruptLocked(plicContextSupervisor) {
		p.pending.Raise(SourceUartInput)
	} else {
		p.pending.Clear(SourceUartInput)
		p.pending.Clear(SourceVirtioDiskIO)
	}
}

func (p *PLIC) hasPendingInterruptLocked(context int) bool {
	if context >= 2 {
		return false
	}
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, bit := source/32, source%32
		if p.pendingBm[word]&(1<<bit) == 0 {
			continue
		}
		if p.enable[context][word]&(1<<bit) == 0 {
			continue
		}
		if p.priority[source] > p.threshold[context] {
			return true
		}
	}
	return false
}

var _ Device = (*PLIC)(nil)
