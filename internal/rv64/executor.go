package rv64

import "log/slog"

// maxBlockLen bounds how many instructions a cached basic block may hold,
// purely to keep one cache entry's rebuild cost bounded; real blocks end
// long before this on the first branch/jump/trap-taking instruction.
const maxBlockLen = 128

// block is a basic-block cache entry (spec.md §4.5): a run of already
// decoded instructions starting at a given PC, ending at the first
// instruction that can redirect control flow, trap, or otherwise needs
// re-evaluation (branches, jumps, CSR/AMO/system instructions).
type block struct {
	instrs []Instr
}

// Executor drives the fetch-decode-execute loop with the basic-block
// cache and folds the shared pending-interrupt set into CPU state once
// per dispatch (spec.md §4.5, §5). It holds no goroutine-private device
// state: UART/PLIC/CLINT/virtio registers are reached only through Bus
// (UART and PLIC guard theirs with a mutex, CLINT uses atomics, virtio has
// no lock of its own), so Executor only ever touches CPU, Bus, and MMU
// directly.
type Executor struct {
	CPU *CPU
	Bus *Bus
	MMU *MMU

	Pending *PendingInterrupts

	log    *slog.Logger
	blocks map[uint64]*block
	epoch  uint64
}

// NewExecutor wires an executor over the given hart, bus, and MMU, all of
// which must already agree on their CPU. A nil logger discards log output.
func NewExecutor(cpu *CPU, bus *Bus, mmu *MMU, pending *PendingInterrupts, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		CPU:     cpu,
		Bus:     bus,
		MMU:     mmu,
		Pending: pending,
		log:     log,
		blocks:  make(map[uint64]*block),
		epoch:   cpu.bbEpoch,
	}
}

// fetchBlock returns the cached block starting at pc, rebuilding it if the
// cache is stale (cpu.bbEpoch changed since it was built) or missing.
func (ex *Executor) fetchBlock(pc uint64) (*block, error) {
	if ex.CPU.bbEpoch != ex.epoch {
		ex.log.Debug("block cache invalidated", "epoch", ex.CPU.bbEpoch)
		clear(ex.blocks)
		ex.epoch = ex.CPU.bbEpoch
	}

	if b, ok := ex.blocks[pc]; ok {
		return b, nil
	}

	var instrs []Instr
	addr := pc
	for len(instrs) < maxBlockLen {
		paddr, err := ex.MMU.TranslateFetch(ex.Bus, addr)
		if err != nil {
			if len(instrs) == 0 {
				return nil, err
			}
			break
		}
		raw, err := ex.Bus.Fetch(paddr)
		if err != nil {
			if len(instrs) == 0 {
				return nil, newException(CauseInstrAccessFault, addr)
			}
			break
		}

		ins := Decode(raw)
		instrs = append(instrs, ins)
		if ins.Op.EndsBlock() {
			break
		}
		// Stop before the next fetch would cross a page boundary, so a
		// translation fault on the following page is observed at the
		// right instruction rather than folded into this block's fetch.
		if (addr+4)%PageSize == 0 {
			break
		}
		addr += 4
	}

	b := &block{instrs: instrs}
	ex.blocks[pc] = b
	return b, nil
}

// Step runs one dispatch iteration: drains pending interrupts into MIP,
// services WFI, and — once running — executes one cached basic block
// worth of instructions, re-checking for a deliverable interrupt before
// each one. MIP is only refreshed from the shared set by the Drain at the
// top, and the instructions that change MIE, MSTATUS or the privilege mode
// end a block, so that check can only succeed before a block's first
// instruction. It returns after at most one block so the caller (Machine's
// Run loop) can tick devices and the clock between blocks.
func (ex *Executor) Step() error {
	ex.Pending.Drain(ex.CPU)

	if ex.CPU.WFI {
		if pending, _ := ex.CPU.CheckInterrupt(); pending {
			ex.CPU.WFI = false
		} else {
			return nil
		}
	}

	startPC := ex.CPU.PC
	b, err := ex.fetchBlock(startPC)
	if err != nil {
		ex.takeTrap(err)
		return nil
	}

	for i, ins := range b.instrs {
		if pending, cause := ex.CPU.CheckInterrupt(); pending {
			ex.CPU.HandleTrap(cause, 0)
			return nil
		}

		if err := Exec(ex.CPU, ex.Bus, ex.MMU, ins); err != nil {
			ex.takeTrap(err)
			return nil
		}

		ex.CPU.Instret++
		ex.CPU.Cycle++

		// Every instruction in the block was decoded from consecutive
		// addresses; only the last one is allowed to redirect control flow
		// (EndsBlock), so the fallthrough PC for all but the last is
		// exactly the next slot's address. If it isn't (a jump/branch
		// fired, or a trap handler redirected PC), the rest of this cached
		// block no longer applies to what runs next.
		if ex.CPU.PC != startPC+uint64(4*(i+1)) {
			return nil
		}
	}
	return nil
}

func (ex *Executor) takeTrap(err error) {
	if exc, ok := err.(*Exception); ok {
		ex.log.Debug("trap delivered", "cause", exc.Cause, "tval", exc.Tval, "pc", ex.CPU.PC)
		ex.CPU.HandleTrap(exc.Cause, exc.Tval)
		return
	}
	// A non-Exception error (bus/device plumbing failure) is treated as an
	// access fault rather than propagated, so a single bad MMIO access
	// can't kill the whole machine loop.
	ex.log.Error("unrecoverable fault, treating as access fault", "err", err, "pc", ex.CPU.PC)
	ex.CPU.HandleTrap(CauseLoadAccessFault, ex.CPU.PC)
}
