package rv64

import (
	"log/slog"
	"time"
)

// timerPollInterval bounds how long an Sstc STIMECMP write can wait before
// the timer thread notices it. MTIMECMP changes wake the thread immediately
// via CLINT's kick channel; STIMECMP has no such channel (it would need a
// back-reference from CPU to Timer), so it is bounded instead — a
// millisecond of slop is invisible to an xv6-class guest's clock interrupt.
const timerPollInterval = time.Millisecond

// Timer is the single goroutine that watches both timer comparators
// (spec.md §5, resolved open question 1): MTIMECMP in the CLINT and
// STIMECMP via the Sstc CSR, against CLINT's one monotonic mtime. It
// raises SourceMachineTimer / SourceSupervisorTimer into the shared
// PendingInterrupts set and never touches CPU state beyond the atomic
// Stimecmp load.
type Timer struct {
	clint   *CLINT
	cpu     *CPU
	pending *PendingInterrupts

	stop chan struct{}
	done chan struct{}

	log           *slog.Logger
	mTimerArmed   bool
	sTimerArmed   bool
}

// NewTimer constructs a timer thread; call Run to start it. A nil logger
// discards log output.
func NewTimer(clint *CLINT, cpu *CPU, pending *PendingInterrupts, log *slog.Logger) *Timer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Timer{
		clint:   clint,
		cpu:     cpu,
		pending: pending,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
}

// Run drives the timer loop until Stop is called. Intended to be started
// with `go timer.Run()`.
func (t *Timer) Run() {
	defer close(t.done)

	ticker := time.NewTicker(timerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.clint.kick:
			t.check()
		case <-ticker.C:
			t.check()
		}
	}
}

func (t *Timer) check() {
	mtime := t.clint.GetMtime()

	mFire := mtime >= t.clint.GetMtimecmp()
	if mFire {
		t.pending.Raise(SourceMachineTimer)
	} else {
		t.pending.Clear(SourceMachineTimer)
	}
	if mFire != t.mTimerArmed {
		t.log.Debug("machine timer reprogrammed", "mtime", mtime, "mtimecmp", t.clint.GetMtimecmp(), "fired", mFire)
		t.mTimerArmed = mFire
	}

	stimecmp := t.cpu.Stimecmp()
	sFire := stimecmp != 0 && mtime >= stimecmp
	if sFire {
		t.pending.Raise(SourceSupervisorTimer)
	} else {
		t.pending.Clear(SourceSupervisorTimer)
	}
	if sFire != t.sTimerArmed {
		t.log.Debug("supervisor timer reprogrammed", "mtime", mtime, "stimecmp", stimecmp, "fired", sFire)
		t.sTimerArmed = sFire
	}
}

// Stop halts the timer goroutine and waits for it to exit.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}
