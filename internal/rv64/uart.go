package rv64

import (
	"io"
	"sync"
)

// UART register offsets, 16550-compatible (spec.md §3: an 8-byte window).
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits.
const (
	UARTLSRDataReady = 1 << 0
	UARTLSRTHREmpty  = 1 << 5
	UARTLSRTxEmpty   = 1 << 6
)

const UARTIIRNoInterrupt = 1 << 0

// UART is a 16550-lite device: enough register surface for an xv6-class
// console driver to probe LCR/FCR, poll LSR, and move bytes through
// RBR/THR. Reads and writes may race the optional console-input goroutine
// (§5), so the register file is mutex-protected.
type UART struct {
	Output io.Writer

	mu sync.Mutex

	IER uint8
	IIR uint8
	FCR uint8
	LCR uint8
	MCR uint8
	LSR uint8
	MSR uint8
	SCR uint8
	DLL uint8
	DLH uint8

	inputBuffer []byte
	inputPos    int

	InterruptPending bool
	OnInterrupt      func(pending bool)
}

// NewUART creates a UART that writes guest output to out. Input is pushed
// externally via EnqueueInput (e.g. from a raw-mode stdin reader thread).
func NewUART(out io.Writer) *UART {
	return &UART{
		Output: out,
		LSR:    UARTLSRTHREmpty | UARTLSRTxEmpty,
		IIR:    UARTIIRNoInterrupt,
	}
}

func (uart *UART) Size() uint64 { return UARTSize }

func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, newException(CauseLoadAccessFault, offset)
	}
	uart.mu.Lock()
	defer uart.mu.Unlock()

	dlab := uart.LCR&0x80 != 0

	switch offset {
	case UARTRegRBR:
		if dlab {
			return uint64(uart.DLL), nil
		}
		var data uint8
		if uart.inputPos < len(uart.inputBuffer) {
			data = uart.inputBuffer[uart.inputPos]
			uart.inputPos++
			if uart.inputPos >= len(uart.inputBuffer) {
				uart.inputBuffer = nil
				uart.inputPos = 0
			}
		}
		uart.updateLSRLocked()
		return uint64(data), nil

	case UARTRegIER:
		if dlab {
			return uint64(uart.DLH), nil
		}
		return uint64(uart.IER), nil

	case UARTRegIIR:
		return uint64(uart.IIR), nil
	case UARTRegLCR:
		return uint64(uart.LCR), nil
	case UARTRegMCR:
		return uint64(uart.MCR), nil
	case UARTRegLSR:
		uart.updateLSRLocked()
		return uint64(uart.LSR), nil
	case UARTRegMSR:
		return uint64(uart.MSR), nil
	case UARTRegSCR:
		return uint64(uart.SCR), nil
	}
	return 0, nil
}

func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return newException(CauseStoreAMOAccessFault, offset)
	}
	uart.mu.Lock()
	defer uart.mu.Unlock()

	data := uint8(value)
	dlab := uart.LCR&0x80 != 0

	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.DLL = data
			return nil
		}
		if uart.Output != nil {
			uart.Output.Write([]byte{data})
		}
	case UARTRegIER:
		if dlab {
			uart.DLH = data
			return nil
		}
		uart.IER = data
		uart.updateInterruptLocked()
	case UARTRegFCR:
		uart.FCR = data
		if data&0x01 != 0 && data&0x02 != 0 {
			uart.inputBuffer = nil
			uart.inputPos = 0
		}
	case UARTRegLCR:
		uart.LCR = data
	case UARTRegMCR:
		uart.MCR = data
	case UARTRegSCR:
		uart.SCR = data
	}
	return nil
}

func (uart *UART) updateLSRLocked() {
	uart.LSR = UARTLSRTHREmpty | UARTLSRTxEmpty
	if uart.inputPos < len(uart.inputBuffer) {
		uart.LSR |= UARTLSRDataReady
	}
}

func (uart *UART) updateInterruptLocked() {
	pending := false
	switch {
	case uart.IER&0x01 != 0 && uart.inputPos < len(uart.inputBuffer):
		pending = true
		uart.IIR = 0x04
	case uart.IER&0x02 != 0:
		pending = true
		uart.IIR = 0x02
	default:
		uart.IIR = UARTIIRNoInterrupt
	}

	if pending != uart.InterruptPending {
		uart.InterruptPending = pending
		if uart.OnInterrupt != nil {
			uart.OnInterrupt(pending)
		}
	}
}

// EnqueueInput makes data available to be read through RBR. Called from the
// console-input goroutine; safe for concurrent use with Read/Write.
func (uart *UART) EnqueueInput(data []byte) {
	uart.mu.Lock()
	uart.inputBuffer = append(uart.inputBuffer, data...)
	uart.updateLSRLocked()
	uart.updateInterruptLocked()
	uart.mu.Unlock()
}

var _ Device = (*UART)(nil)
