package rv64

import (
	"bytes"
	"testing"
)

func TestUARTWriteTHROutputsByte(t *testing.T) {
	out := &bytes.Buffer{}
	uart := NewUART(out)

	if err := uart.Write(UARTRegTHR, 1, uint64('A')); err != nil {
		t.Fatalf("write THR: %v", err)
	}
	if out.String() != "A" {
		t.Fatalf("expected output %q, got %q", "A", out.String())
	}
}

func TestUARTEnqueueInputReadableThroughRBR(t *testing.T) {
	uart := NewUART(&bytes.Buffer{})
	uart.EnqueueInput([]byte("hi"))

	lsr, _ := uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady == 0 {
		t.Fatal("expected LSR data-ready bit set after EnqueueInput")
	}

	b1, _ := uart.Read(UARTRegRBR, 1)
	if b1 != 'h' {
		t.Fatalf("expected first byte 'h', got %q", rune(b1))
	}
	b2, _ := uart.Read(UARTRegRBR, 1)
	if b2 != 'i' {
		t.Fatalf("expected second byte 'i', got %q", rune(b2))
	}

	lsr, _ = uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady != 0 {
		t.Fatal("expected LSR data-ready bit clear once the input buffer is drained")
	}
}

// TestUARTInterruptFiresOnlyWhenIERRxEnabled checks the receive-data
// interrupt only fires once IER's "data available" bit is set, and that
// OnInterrupt is only called on an actual edge (pending state change).
func TestUARTInterruptFiresOnlyWhenIERRxEnabled(t *testing.T) {
	uart := NewUART(&bytes.Buffer{})

	var transitions []bool
	uart.OnInterrupt = func(pending bool) { transitions = append(transitions, pending) }

	uart.EnqueueInput([]byte("x"))
	if len(transitions) != 0 {
		t.Fatalf("expected no interrupt before IER enables rx, got %v", transitions)
	}

	if err := uart.Write(UARTRegIER, 1, 0x01); err != nil {
		t.Fatalf("write IER: %v", err)
	}
	if len(transitions) != 1 || !transitions[0] {
		t.Fatalf("expected a single rising edge after enabling IER with data pending, got %v", transitions)
	}

	// Reading RBR drains the buffer and updates LSR, but (unlike
	// EnqueueInput/Write) does not itself re-derive InterruptPending —
	// the line stays asserted until something re-evaluates it.
	uart.Read(UARTRegRBR, 1)
	if len(transitions) != 1 {
		t.Fatalf("expected no additional transition from an RBR read, got %v", transitions)
	}

	// An EnqueueInput call (here with no bytes) re-evaluates the interrupt
	// condition, which now finds no data pending — an edge back to false.
	uart.EnqueueInput(nil)
	if len(transitions) != 2 || transitions[1] {
		t.Fatalf("expected a falling edge once re-evaluated with the buffer empty, got %v", transitions)
	}
}

func TestUARTDLABSwitchesRBRAndIERToDivisorLatch(t *testing.T) {
	uart := NewUART(&bytes.Buffer{})
	if err := uart.Write(UARTRegLCR, 1, 0x80); err != nil { // set DLAB
		t.Fatalf("write LCR: %v", err)
	}

	if err := uart.Write(UARTRegTHR, 1, 0x12); err != nil { // DLL when DLAB set
		t.Fatalf("write DLL: %v", err)
	}
	if err := uart.Write(UARTRegIER, 1, 0x34); err != nil { // DLH when DLAB set
		t.Fatalf("write DLH: %v", err)
	}

	dll, _ := uart.Read(UARTRegRBR, 1)
	if dll != 0x12 {
		t.Fatalf("expected DLL readback 0x12, got 0x%x", dll)
	}
	dlh, _ := uart.Read(UARTRegIER, 1)
	if dlh != 0x34 {
		t.Fatalf("expected DLH readback 0x34, got 0x%x", dlh)
	}
}

func TestUARTFCRClearResetsInputBuffer(t *testing.T) {
	uart := NewUART(&bytes.Buffer{})
	uart.EnqueueInput([]byte("abc"))

	if err := uart.Write(UARTRegFCR, 1, 0x03); err != nil { // FIFO enable + clear rx
		t.Fatalf("write FCR: %v", err)
	}

	lsr, _ := uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady != 0 {
		t.Fatal("expected input buffer cleared by the FCR reset bits")
	}
}
