package rv64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// ErrHalt is returned when the machine halts (spec.md §3: a debug
// convention, not a real shutdown device — see Bus.StopOnZero).
var ErrHalt = errors.New("machine halted")

// Machine wires together one hart and its MMIO board (spec.md §6): DRAM,
// CLINT, PLIC, UART, and a virtio-mmio block device, driven by Executor's
// basic-block-cached dispatch loop and a separate timer goroutine.
type Machine struct {
	CPU     *CPU
	Bus     *Bus
	MMU     *MMU
	CLINT   *CLINT
	PLIC    *PLIC
	UART    *UART
	Virtio  *Virtio
	Pending *PendingInterrupts

	executor *Executor
	timer    *Timer

	halted atomic.Bool

	// snapshotInterval and snapshotSink implement spec.md §4.5 step 5: every
	// snapshotInterval retired instructions, write a snapshot to the
	// configured sink. Zero (the default) disables periodic snapshotting;
	// set both via SetSnapshotSink.
	snapshotInterval uint64
	snapshotSink     func(*Snapshot)
	lastSnapshotAt   uint64
}

// SetSnapshotSink configures periodic snapshotting: every interval retired
// instructions, Run/Step calls sink with the current Snapshot. interval of
// zero disables periodic snapshotting (the default).
func (m *Machine) SetSnapshotSink(interval uint64, sink func(*Snapshot)) {
	m.snapshotInterval = interval
	m.snapshotSink = sink
	m.lastSnapshotAt = m.CPU.Instret
}

// NewMachine creates a machine with ramSize bytes of DRAM, UART output
// routed to output, and disk backed by diskImage (may be nil/empty for no
// disk). log may be nil, in which case output is discarded. Call Run to
// start the timer thread and drive execution.
func NewMachine(ramSize uint64, output io.Writer, diskImage []byte, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	bus := NewBus(ramSize)
	cpu := NewCPU()
	mmu := NewMMU(cpu)
	pending := NewPendingInterrupts()

	clint := NewCLINT(pending)
	cpu.MtimeSource = clint.GetMtime
	plic := NewPLIC(pending)
	uart := NewUART(output)
	uart.OnInterrupt = func(p bool) { plic.SetPending(PLICSourceUART, p) }

	// Virtio completion only asserts the source; the PLIC's own pendingBm
	// bit is the latch, and claimLocked (driven by the guest's claim
	// register read) is what clears it. Deasserting here too would race the
	// guest out of ever observing the interrupt, since both calls happen
	// synchronously within this callback with no instruction execution — and
	// so no MIP update — between them.
	virtio := NewVirtio(bus, diskImage, func() {
		plic.SetPending(PLICSourceVirtio, true)
	}, log)

	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)
	bus.AddDevice(VirtioBase, virtio)

	m := &Machine{
		CPU:     cpu,
		Bus:     bus,
		MMU:     mmu,
		CLINT:   clint,
		PLIC:    plic,
		UART:    uart,
		Virtio:  virtio,
		Pending: pending,

		executor: NewExecutor(cpu, bus, mmu, pending, log),
		timer:    NewTimer(clint, cpu, pending, log),
	}
	return m
}

// SetPC sets the program counter.
func (m *Machine) SetPC(pc uint64) { m.CPU.PC = pc }

// GetPC returns the program counter.
func (m *Machine) GetPC() uint64 { return m.CPU.PC }

// SetStopOnZero enables the address-0 store halt convention (used by
// tests; see Bus.StopOnZero).
func (m *Machine) SetStopOnZero(enable bool) { m.Bus.StopOnZero = enable }

// LoadBytes loads data into DRAM at the given guest-physical address.
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

func (m *Machine) MemoryBase() uint64 { return m.Bus.RAMBase }
func (m *Machine) MemorySize() uint64 { return m.Bus.RAM.Size() }

// Step runs one executor dispatch (spec.md §4.5: at most one basic block),
// then writes a periodic snapshot if SetSnapshotSink configured one and
// enough instructions have retired since the last one.
func (m *Machine) Step() error {
	if err := m.executor.Step(); err != nil {
		return fmt.Errorf("step error at PC=0x%x: %w", m.CPU.PC, err)
	}
	if m.Bus.Halted {
		m.halted.Store(true)
		return ErrHalt
	}
	if m.snapshotInterval != 0 && m.CPU.Instret-m.lastSnapshotAt >= m.snapshotInterval {
		m.lastSnapshotAt = m.CPU.Instret
		m.snapshotSink(m.Snapshot())
	}
	return nil
}

// Run starts the timer goroutine and drives the executor until ctx is
// cancelled, the machine halts, or an unrecoverable error occurs.
// Unlike the teacher's Run, timekeeping is not ticked from this loop —
// Timer runs on its own goroutine so MTIMECMP/STIMECMP stay live even
// while the executor is blocked in a long-running WFI poll.
func (m *Machine) Run(ctx context.Context) error {
	go m.timer.Run()
	defer m.timer.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.IsHalted() {
			return ErrHalt
		}
		if err := m.Step(); err != nil {
			if errors.Is(err, ErrHalt) {
				return ErrHalt
			}
			return err
		}
	}
}

// Halt stops the machine.
func (m *Machine) Halt() { m.halted.Store(true) }

// IsHalted reports whether the machine has been halted.
func (m *Machine) IsHalted() bool { return m.halted.Load() }

// AddDevice maps an additional device onto the bus.
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// ReadAt reads from guest-physical memory, implementing io.ReaderAt.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest-physical memory, implementing io.WriterAt.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
