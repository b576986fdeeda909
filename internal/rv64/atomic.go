package rv64

// execAMO executes a load-reserved/store-conditional or AMO instruction.
// Unlike the teacher's execAMO(insn uint32), which reads cpu.Bus directly
// and needs machine.go's translatedBus wrapper to retrofit a
// pre-translated address onto that field, this takes bus and mmu
// explicitly: the resolved physical address is just a local variable, no
// wrapper required.
func execAMO(cpu *CPU, bus *Bus, mmu *MMU, ins Instr) error {
	vaddr := cpu.ReadReg(ins.Rs1)

	switch ins.Op {
	case OpLrW, OpScW, OpAmoswapW, OpAmoaddW, OpAmoxorW, OpAmoandW, OpAmoorW, OpAmominW, OpAmomaxW, OpAmominuW, OpAmomaxuW:
		if vaddr&0x3 != 0 {
			return newException(CauseStoreAMOAddrMisaligned, vaddr)
		}
	case OpLrD, OpScD, OpAmoswapD, OpAmoaddD, OpAmoxorD, OpAmoandD, OpAmoorD, OpAmominD, OpAmomaxD, OpAmominuD, OpAmomaxuD:
		if vaddr&0x7 != 0 {
			return newException(CauseStoreAMOAddrMisaligned, vaddr)
		}
	}

	switch ins.Op {
	case OpLrW:
		paddr, err := mmu.TranslateRead(bus, vaddr)
		if err != nil {
			return err
		}
		val, err := bus.Read32(paddr)
		if err != nil {
			return newException(CauseLoadAccessFault, vaddr)
		}
		cpu.WriteReg(ins.Rd, uint64(int32(val)))
		cpu.Reservation = vaddr
		cpu.ReservationValid = true
		return nil

	case OpScW:
		if !cpu.ReservationValid || cpu.Reservation != vaddr {
			cpu.ReservationValid = false
			cpu.WriteReg(ins.Rd, 1)
			return nil
		}
		paddr, err := mmu.TranslateWrite(bus, vaddr)
		if err != nil {
			return err
		}
		if err := bus.Write32(paddr, uint32(cpu.ReadReg(ins.Rs2))); err != nil {
			return newException(CauseStoreAMOAccessFault, vaddr)
		}
		cpu.ReservationValid = false
		cpu.WriteReg(ins.Rd, 0)
		return nil

	case OpLrD:
		paddr, err := mmu.TranslateRead(bus, vaddr)
		if err != nil {
			return err
		}
		val, err := bus.Read64(paddr)
		if err != nil {
			return newException(CauseLoadAccessFault, vaddr)
		}
		cpu.WriteReg(ins.Rd, val)
		cpu.Reservation = vaddr
		cpu.ReservationValid = true
		return nil

	case OpScD:
		if !cpu.ReservationValid || cpu.Reservation != vaddr {
			cpu.ReservationValid = false
			cpu.WriteReg(ins.Rd, 1)
			return nil
		}
		paddr, err := mmu.TranslateWrite(bus, vaddr)
		if err != nil {
			return err
		}
		if err := bus.Write64(paddr, cpu.ReadReg(ins.Rs2)); err != nil {
			return newException(CauseStoreAMOAccessFault, vaddr)
		}
		cpu.ReservationValid = false
		cpu.WriteReg(ins.Rd, 0)
		return nil
	}

	// Remaining ops are read-modify-write AMOs: translate for write (a
	// superset of the read permission check xv6 never exercises the gap
	// of), load, compute, store, and return the pre-image in rd.
	paddr, err := mmu.TranslateWrite(bus, vaddr)
	if err != nil {
		return err
	}

	switch ins.Op {
	case OpAmoswapW, OpAmoaddW, OpAmoxorW, OpAmoandW, OpAmoorW, OpAmominW, OpAmomaxW, OpAmominuW, OpAmomaxuW:
		old32, rerr := bus.Read32(paddr)
		if rerr != nil {
			return newException(CauseLoadAccessFault, vaddr)
		}
		rs2 := uint32(cpu.ReadReg(ins.Rs2))
		var result uint32
		switch ins.Op {
		case OpAmoswapW:
			result = rs2
		case OpAmoaddW:
			result = old32 + rs2
		case OpAmoxorW:
			result = old32 ^ rs2
		case OpAmoandW:
			result = old32 & rs2
		case OpAmoorW:
			result = old32 | rs2
		case OpAmominW:
			if int32(old32) < int32(rs2) {
				result = old32
			} else {
				result = rs2
			}
		case OpAmomaxW:
			if int32(old32) > int32(rs2) {
				result = old32
			} else {
				result = rs2
			}
		case OpAmominuW:
			if old32 < rs2 {
				result = old32
			} else {
				result = rs2
			}
		case OpAmomaxuW:
			if old32 > rs2 {
				result = old32
			} else {
				result = rs2
			}
		}
		if werr := bus.Write32(paddr, result); werr != nil {
			return newException(CauseStoreAMOAccessFault, vaddr)
		}
		cpu.WriteReg(ins.Rd, uint64(int32(old32)))
		return nil

	case OpAmoswapD, OpAmoaddD, OpAmoxorD, OpAmoandD, OpAmoorD, OpAmominD, OpAmomaxD, OpAmominuD, OpAmomaxuD:
		old64, rerr := bus.Read64(paddr)
		if rerr != nil {
			return newException(CauseLoadAccessFault, vaddr)
		}
		rs2 := cpu.ReadReg(ins.Rs2)
		var result uint64
		switch ins.Op {
		case OpAmoswapD:
			result = rs2
		case OpAmoaddD:
			result = old64 + rs2
		case OpAmoxorD:
			result = old64 ^ rs2
		case OpAmoandD:
			result = old64 & rs2
		case OpAmoorD:
			result = old64 | rs2
		case OpAmominD:
			if int64(old64) < int64(rs2) {
				result = old64
			} else {
				result = rs2
			}
		case OpAmomaxD:
			if int64(old64) > int64(rs2) {
				result = old64
			} else {
				result = rs2
			}
		case OpAmominuD:
			if old64 < rs2 {
				result = old64
			} else {
				result = rs2
			}
		case OpAmomaxuD:
			if old64 > rs2 {
				result = old64
			} else {
				result = rs2
			}
		}
		if werr := bus.Write64(paddr, result); werr != nil {
			return newException(CauseStoreAMOAccessFault, vaddr)
		}
		cpu.WriteReg(ins.Rd, old64)
		return nil
	}

	return newException(CauseIllegalInstr, uint64(ins.Raw))
}
