package rv64

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync/atomic"
	"time"
)

// Snapshot is the serializable logical state of a Machine (spec.md External
// Interfaces, Snapshot state): hart registers and CSRs, DRAM contents,
// per-device register state, the virtio disk image, and the cycle counter.
// It deliberately excludes anything a restored process must instead
// recreate: the timer goroutine, any console-input goroutine, and the
// basic-block cache (invalidated on restore via bbEpoch). The wire encoding
// is left to the caller — Encode/DecodeSnapshot here use encoding/gob purely as a
// convenient default, not a committed format (spec.md Non-goals).
type Snapshot struct {
	CPU     cpuSnapshot
	DRAM    []byte
	CLINT   clintSnapshot
	PLIC    plicSnapshot
	UART    uartSnapshot
	Virtio  virtioSnapshot
	Pending map[Source]bool
}

type cpuSnapshot struct {
	X       [32]uint64
	PC      uint64
	Priv    uint8
	Cycle   uint64
	Instret uint64

	Mstatus  uint64
	Misa     uint64
	Medeleg  uint64
	Mideleg  uint64
	Mie      uint64
	Mtvec    uint64
	Mscratch uint64
	Mepc     uint64
	Mcause   uint64
	Mtval    uint64
	Mip      uint64
	Mhartid  uint64

	Stvec    uint64
	Sscratch uint64
	Sepc     uint64
	Scause   uint64
	Stval    uint64
	Satp     uint64

	Stimecmp uint64

	Reservation      uint64
	ReservationValid bool
	WFI              bool
}

type clintSnapshot struct {
	Msip     uint32
	Mtimecmp uint64
	// Mtime is the free-running counter's value at capture time, not a
	// field of CLINT itself (mtime is derived from startTime); restore
	// rebases startTime so the counter resumes from here instead of
	// jumping back to zero.
	Mtime uint64
}

type plicSnapshot struct {
	Priority  [PLICMaxSources]uint32
	PendingBm [PLICMaxSources / 32]uint32
	Enable    [2][PLICMaxSources / 32]uint32
	Threshold [2]uint32
	Claimed   [2]uint32
}

type uartSnapshot struct {
	IER, IIR, FCR, LCR, MCR, LSR, MSR, SCR, DLL, DLH uint8
	InputBuffer                                      []byte
	InputPos                                         int
	InterruptPending                                 bool
}

type virtioSnapshot struct {
	DriverFeatures uint64
	PageSize       uint64
	QueueSel       uint64
	QueueNum       uint64
	QueuePFN       uint64
	DescAddr       uint64
	AvailAddr      uint64
	UsedAddr       uint64
	QueueNotify    uint64
	Status         uint64
	Disk           []byte
}

// Snapshot captures the machine's current logical state. Safe to call
// between Step calls; not safe concurrently with a running Run loop (the
// timer thread's CLINT/PLIC access is lock-protected per-device, but the
// hart registers captured here are not).
func (m *Machine) Snapshot() *Snapshot {
	cpu := m.CPU

	clintSnap := clintSnapshot{
		Msip:     atomic.LoadUint32(&m.CLINT.msip),
		Mtimecmp: m.CLINT.GetMtimecmp(),
		Mtime:    m.CLINT.GetMtime(),
	}

	m.PLIC.mu.Lock()
	plicSnap := plicSnapshot{
		Priority:  m.PLIC.priority,
		PendingBm: m.PLIC.pendingBm,
		Enable:    m.PLIC.enable,
		Threshold: m.PLIC.threshold,
		Claimed:   m.PLIC.claimed,
	}
	m.PLIC.mu.Unlock()

	m.UART.mu.Lock()
	uartSnap := uartSnapshot{
		IER: m.UART.IER, IIR: m.UART.IIR, FCR: m.UART.FCR, LCR: m.UART.LCR,
		MCR: m.UART.MCR, LSR: m.UART.LSR, MSR: m.UART.MSR, SCR: m.UART.SCR,
		DLL: m.UART.DLL, DLH: m.UART.DLH,
		InputBuffer:      append([]byte(nil), m.UART.inputBuffer...),
		InputPos:         m.UART.inputPos,
		InterruptPending: m.UART.InterruptPending,
	}
	m.UART.mu.Unlock()

	return &Snapshot{
		CPU: cpuSnapshot{
			X: cpu.X, PC: cpu.PC, Priv: cpu.Priv,
			Cycle: cpu.Cycle, Instret: cpu.Instret,
			Mstatus: cpu.Mstatus, Misa: cpu.Misa, Medeleg: cpu.Medeleg, Mideleg: cpu.Mideleg,
			Mie: cpu.Mie, Mtvec: cpu.Mtvec, Mscratch: cpu.Mscratch, Mepc: cpu.Mepc,
			Mcause: cpu.Mcause, Mtval: cpu.Mtval, Mip: cpu.Mip, Mhartid: cpu.Mhartid,
			Stvec: cpu.Stvec, Sscratch: cpu.Sscratch, Sepc: cpu.Sepc, Scause: cpu.Scause,
			Stval: cpu.Stval, Satp: cpu.Satp,
			Stimecmp:         cpu.stimecmp.Load(),
			Reservation:      cpu.Reservation,
			ReservationValid: cpu.ReservationValid,
			WFI:              cpu.WFI,
		},
		DRAM:    append([]byte(nil), m.Bus.RAM.Data...),
		CLINT:   clintSnap,
		PLIC:    plicSnap,
		UART:    uartSnap,
		Virtio: virtioSnapshot{
			DriverFeatures: m.Virtio.driverFeatures,
			PageSize:       m.Virtio.pageSize,
			QueueSel:       m.Virtio.queueSel,
			QueueNum:       m.Virtio.queueNum,
			QueuePFN:       m.Virtio.queuePFN,
			DescAddr:       m.Virtio.descAddr,
			AvailAddr:      m.Virtio.availAddr,
			UsedAddr:       m.Virtio.usedAddr,
			QueueNotify:    m.Virtio.queueNotify,
			Status:         m.Virtio.status,
			Disk:           append([]byte(nil), m.Virtio.disk...),
		},
		Pending: m.Pending.snapshot(),
	}
}

// Restore replaces the machine's logical state with snap's. It must not be
// called concurrently with Run; the caller is responsible for stopping and
// restarting the timer goroutine around a restore (Run does this
// automatically when called again afterward).
//
// The basic-block cache is invalidated (bbEpoch bump) since cached blocks
// may no longer match DRAM contents, and UART/virtio have their interrupt
// notificators rewired to the live PLIC — the closures captured at
// construction time aren't part of the snapshot and would otherwise still
// point at a PLIC instance whose state snap is about to overwrite anyway,
// but rewiring makes the dependency explicit rather than accidental.
func (m *Machine) Restore(snap *Snapshot) error {
	if len(snap.DRAM) != len(m.Bus.RAM.Data) {
		return fmt.Errorf("snapshot dram size %d does not match machine dram size %d", len(snap.DRAM), len(m.Bus.RAM.Data))
	}

	cpu := m.CPU
	cpu.X = snap.CPU.X
	cpu.PC = snap.CPU.PC
	cpu.Priv = snap.CPU.Priv
	cpu.Cycle = snap.CPU.Cycle
	cpu.Instret = snap.CPU.Instret
	cpu.Mstatus = snap.CPU.Mstatus
	cpu.Misa = snap.CPU.Misa
	cpu.Medeleg = snap.CPU.Medeleg
	cpu.Mideleg = snap.CPU.Mideleg
	cpu.Mie = snap.CPU.Mie
	cpu.Mtvec = snap.CPU.Mtvec
	cpu.Mscratch = snap.CPU.Mscratch
	cpu.Mepc = snap.CPU.Mepc
	cpu.Mcause = snap.CPU.Mcause
	cpu.Mtval = snap.CPU.Mtval
	cpu.Mip = snap.CPU.Mip
	cpu.Mhartid = snap.CPU.Mhartid
	cpu.Stvec = snap.CPU.Stvec
	cpu.Sscratch = snap.CPU.Sscratch
	cpu.Sepc = snap.CPU.Sepc
	cpu.Scause = snap.CPU.Scause
	cpu.Stval = snap.CPU.Stval
	cpu.Satp = snap.CPU.Satp
	cpu.stimecmp.Store(snap.CPU.Stimecmp)
	cpu.Reservation = snap.CPU.Reservation
	cpu.ReservationValid = snap.CPU.ReservationValid
	cpu.WFI = snap.CPU.WFI
	cpu.bumpBBEpoch()

	copy(m.Bus.RAM.Data, snap.DRAM)

	atomic.StoreUint32(&m.CLINT.msip, snap.CLINT.Msip)
	atomic.StoreUint64(&m.CLINT.mtimecmp, snap.CLINT.Mtimecmp)
	m.CLINT.startTime = time.Now().Add(-time.Duration(snap.CLINT.Mtime*m.CLINT.nsPerTick) * time.Nanosecond)
	m.CLINT.kickTimer()

	m.PLIC.mu.Lock()
	m.PLIC.priority = snap.PLIC.Priority
	m.PLIC.pendingBm = snap.PLIC.PendingBm
	m.PLIC.enable = snap.PLIC.Enable
	m.PLIC.threshold = snap.PLIC.Threshold
	m.PLIC.claimed = snap.PLIC.Claimed
	m.PLIC.mu.Unlock()

	m.UART.mu.Lock()
	m.UART.IER, m.UART.IIR, m.UART.FCR, m.UART.LCR = snap.UART.IER, snap.UART.IIR, snap.UART.FCR, snap.UART.LCR
	m.UART.MCR, m.UART.LSR, m.UART.MSR, m.UART.SCR = snap.UART.MCR, snap.UART.LSR, snap.UART.MSR, snap.UART.SCR
	m.UART.DLL, m.UART.DLH = snap.UART.DLL, snap.UART.DLH
	m.UART.inputBuffer = append([]byte(nil), snap.UART.InputBuffer...)
	m.UART.inputPos = snap.UART.InputPos
	m.UART.InterruptPending = snap.UART.InterruptPending
	m.UART.OnInterrupt = func(p bool) { m.PLIC.SetPending(PLICSourceUART, p) }
	m.UART.mu.Unlock()

	v := snap.Virtio
	m.Virtio.driverFeatures = v.DriverFeatures
	m.Virtio.pageSize = v.PageSize
	m.Virtio.queueSel = v.QueueSel
	m.Virtio.queueNum = v.QueueNum
	m.Virtio.queuePFN = v.QueuePFN
	m.Virtio.descAddr = v.DescAddr
	m.Virtio.availAddr = v.AvailAddr
	m.Virtio.usedAddr = v.UsedAddr
	m.Virtio.queueNotify = v.QueueNotify
	m.Virtio.status = v.Status
	if len(v.Disk) == len(m.Virtio.disk) {
		copy(m.Virtio.disk, v.Disk)
	} else {
		m.Virtio.disk = append([]byte(nil), v.Disk...)
	}
	m.Virtio.notify = func() {
		m.PLIC.SetPending(PLICSourceVirtio, true)
	}

	m.Pending.restore(snap.Pending)
	m.Bus.Halted = false
	m.halted.Store(false)

	return nil
}

// Encode serializes a snapshot with encoding/gob.
func (s *Snapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot deserializes a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
