package rv64

// CheckInterrupt reports the highest-priority pending-and-enabled interrupt,
// in the fixed priority order of spec.md §4.2: MEI > MSI > MTI > SEI > SSI >
// STI, gated by the global interrupt-enable bit of the current privilege
// mode and by delegation to S-mode.
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return false, 0
	}

	// Interrupts delegated to S-mode are only masked while running in
	// S-mode with SIE clear; M-mode interrupts are always visible to a
	// lower-privilege hart and gated only when already in M-mode.
	sDelegated := pending & cpu.Mideleg
	mOnly := pending &^ cpu.Mideleg

	mEnabled := cpu.Priv < PrivMachine || (cpu.Mstatus&MstatusMIE != 0)
	sEnabled := cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusSIE != 0)

	visible := mOnly &^ boolMask(!mEnabled) | sDelegated&^boolMask(!sEnabled)
	if visible == 0 {
		return false, 0
	}

	switch {
	case visible&MipMEIP != 0:
		return true, CauseMExternalInt
	case visible&MipMSIP != 0:
		return true, CauseMSoftwareInt
	case visible&MipMTIP != 0:
		return true, CauseMTimerInt
	case visible&MipSEIP != 0:
		return true, CauseSExternalInt
	case visible&MipSSIP != 0:
		return true, CauseSSoftwareInt
	case visible&MipSTIP != 0:
		return true, CauseSTimerInt
	}
	return false, 0
}

// boolMask turns a bool into an all-ones or all-zero uint64 mask.
func boolMask(b bool) uint64 {
	if b {
		return ^uint64(0)
	}
	return 0
}

// HandleTrap delivers an exception or interrupt (spec.md §4.2): delegates to
// S-mode when MEDELEG/MIDELEG says so and the hart isn't already above
// S-mode, updates the xPP/xPIE/xIE/xEPC/xCAUSE/xTVAL state atomically, and
// redirects the PC per xTVEC (vectored only for interrupts, per the
// resolved open question in SPEC_FULL.md).
func (cpu *CPU) HandleTrap(cause, tval uint64) {
	isInterrupt := cause>>63 != 0
	code := cause &^ (1 << 63)

	delegate := false
	if cpu.Priv <= PrivSupervisor {
		if isInterrupt {
			delegate = cpu.Mideleg&(1<<code) != 0
		} else {
			delegate = cpu.Medeleg&(1<<code) != 0
		}
	}

	if delegate {
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}
		cpu.Mstatus &^= MstatusSIE

		if cpu.Priv == PrivSupervisor {
			cpu.Mstatus |= MstatusSPP
		} else {
			cpu.Mstatus &^= MstatusSPP
		}
		cpu.Priv = PrivSupervisor

		if cpu.Stvec&1 == 1 && isInterrupt {
			cpu.PC = (cpu.Stvec &^ 1) + 4*code
		} else {
			cpu.PC = cpu.Stvec &^ 3
		}
		return
	}

	cpu.Mepc = cpu.PC
	cpu.Mcause = cause
	cpu.Mtval = tval

	if cpu.Mstatus&MstatusMIE != 0 {
		cpu.Mstatus |= MstatusMPIE
	} else {
		cpu.Mstatus &^= MstatusMPIE
	}
	cpu.Mstatus &^= MstatusMIE

	cpu.Mstatus &^= MstatusMPP
	cpu.Mstatus |= uint64(cpu.Priv) << MstatusMPPShift
	cpu.Priv = PrivMachine

	if cpu.Mtvec&1 == 1 && isInterrupt {
		cpu.PC = (cpu.Mtvec &^ 1) + 4*code
	} else {
		cpu.PC = cpu.Mtvec &^ 3
	}
}

// HandleMret returns from a machine-mode trap: restores MIE from MPIE,
// drops privilege to MPP, resets MPP to U, and jumps to MEPC.
func (cpu *CPU) HandleMret() error {
	if cpu.Priv != PrivMachine {
		return newException(CauseIllegalInstr, 0)
	}

	prevPriv := uint8((cpu.Mstatus & MstatusMPP) >> MstatusMPPShift)

	if cpu.Mstatus&MstatusMPIE != 0 {
		cpu.Mstatus |= MstatusMIE
	} else {
		cpu.Mstatus &^= MstatusMIE
	}
	cpu.Mstatus |= MstatusMPIE
	cpu.Mstatus &^= MstatusMPP
	if prevPriv != PrivMachine {
		cpu.Mstatus &^= MstatusMPRV
	}

	cpu.Priv = prevPriv
	cpu.PC = cpu.Mepc
	return nil
}

// HandleSret returns from a supervisor-mode trap: restores SIE from SPIE,
// drops privilege to SPP, resets SPP to U, and jumps to SEPC.
func (cpu *CPU) HandleSret() error {
	if cpu.Priv < PrivSupervisor {
		return newException(CauseIllegalInstr, 0)
	}
	if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTSR != 0 {
		return newException(CauseIllegalInstr, 0)
	}

	var prevPriv uint8
	if cpu.Mstatus&MstatusSPP != 0 {
		prevPriv = PrivSupervisor
	} else {
		prevPriv = PrivUser
	}

	if cpu.Mstatus&MstatusSPIE != 0 {
		cpu.Mstatus |= MstatusSIE
	} else {
		cpu.Mstatus &^= MstatusSIE
	}
	cpu.Mstatus |= MstatusSPIE
	cpu.Mstatus &^= MstatusSPP
	if prevPriv != PrivMachine {
		cpu.Mstatus &^= MstatusMPRV
	}

	cpu.Priv = prevPriv
	cpu.PC = cpu.Sepc
	return nil
}
