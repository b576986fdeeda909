package rv64

import "fmt"

// Exec executes one decoded instruction against cpu, translating and
// routing any memory access through mmu and bus. It is the sole execution
// entry point the executor's basic-block cache calls (spec.md §4.1/§4.5):
// decode (decoder.go) and execute are fully separated, unlike the
// teacher's fused Execute(insn uint32).
func Exec(cpu *CPU, bus *Bus, mmu *MMU, ins Instr) error {
	switch ins.Op {
	case OpJal:
		target := uint64(int64(cpu.PC) + ins.Imm)
		cpu.WriteReg(ins.Rd, cpu.PC+4)
		cpu.PC = target
		return nil
	case OpJalr:
		target := (uint64(int64(cpu.ReadReg(ins.Rs1)) + ins.Imm)) &^ 1
		cpu.WriteReg(ins.Rd, cpu.PC+4)
		cpu.PC = target
		return nil
	case OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu:
		// execBranch sets cpu.PC for both the taken and not-taken cases, so
		// control never falls through to the shared pc+4 epilogue below.
		execBranch(cpu, ins)
		return nil
	case OpMret:
		return cpu.HandleMret()
	case OpSret:
		return cpu.HandleSret()
	}

	var err error
	switch ins.Op {
	case OpIllegal:
		return newException(CauseIllegalInstr, uint64(ins.Raw))

	case OpLui:
		cpu.WriteReg(ins.Rd, uint64(ins.Imm))
	case OpAuipc:
		cpu.WriteReg(ins.Rd, uint64(int64(cpu.PC)+ins.Imm))

	case OpLb, OpLh, OpLw, OpLd, OpLbu, OpLhu, OpLwu:
		err = execLoad(cpu, bus, mmu, ins)
	case OpSb, OpSh, OpSw, OpSd:
		err = execStore(cpu, bus, mmu, ins)

	case OpAddi, OpSlti, OpSltiu, OpXori, OpOri, OpAndi, OpSlli, OpSrli, OpSrai:
		err = execOpImm(cpu, ins)
	case OpAddiw, OpSlliw, OpSrliw, OpSraiw:
		err = execOpImm32(cpu, ins)

	case OpAdd, OpSub, OpSll, OpSlt, OpSltu, OpXor, OpSrl, OpSra, OpOr, OpAnd:
		err = execOp(cpu, ins)
	case OpMul, OpMulh, OpMulhsu, OpMulhu, OpDiv, OpDivu, OpRem, OpRemu:
		err = execOpM(cpu, ins)

	case OpAddw, OpSubw, OpSllw, OpSrlw, OpSraw:
		err = execOp32(cpu, ins)
	case OpMulw, OpDivw, OpDivuw, OpRemw, OpRemuw:
		err = execOp32M(cpu, ins)

	case OpFence:
	case OpFenceI:
		cpu.bumpBBEpoch()
	case OpSfenceVMA:
		cpu.bumpBBEpoch()

	case OpEcall:
		err = execEcall(cpu)
	case OpEbreak:
		err = newException(CauseBreakpoint, cpu.PC)
	case OpWfi:
		cpu.WFI = true

	case OpCsrrw, OpCsrrs, OpCsrrc, OpCsrrwi, OpCsrrsi, OpCsrrci:
		err = execCsr(cpu, ins)

	case OpLrW, OpScW, OpAmoswapW, OpAmoaddW, OpAmoxorW, OpAmoandW, OpAmoorW, OpAmominW, OpAmomaxW, OpAmominuW, OpAmomaxuW,
		OpLrD, OpScD, OpAmoswapD, OpAmoaddD, OpAmoxorD, OpAmoandD, OpAmoorD, OpAmominD, OpAmomaxD, OpAmominuD, OpAmomaxuD:
		err = execAMO(cpu, bus, mmu, ins)

	default:
		err = newException(CauseIllegalInstr, uint64(ins.Raw))
	}

	if err != nil {
		return err
	}
	cpu.PC += 4
	return nil
}

func execBranch(cpu *CPU, ins Instr) {
	r1 := cpu.ReadReg(ins.Rs1)
	r2 := cpu.ReadReg(ins.Rs2)

	var taken bool
	switch ins.Op {
	case OpBeq:
		taken = r1 == r2
	case OpBne:
		taken = r1 != r2
	case OpBlt:
		taken = int64(r1) < int64(r2)
	case OpBge:
		taken = int64(r1) >= int64(r2)
	case OpBltu:
		taken = r1 < r2
	case OpBgeu:
		taken = r1 >= r2
	}
	if taken {
		cpu.PC = uint64(int64(cpu.PC) + ins.Imm)
	} else {
		cpu.PC += 4
	}
}

func execLoad(cpu *CPU, bus *Bus, mmu *MMU, ins Instr) error {
	vaddr := uint64(int64(cpu.ReadReg(ins.Rs1)) + ins.Imm)
	paddr, err := mmu.TranslateRead(bus, vaddr)
	if err != nil {
		if exc, ok := err.(*Exception); ok {
			exc.Tval = vaddr
		}
		return err
	}

	var val uint64
	var rerr error
	switch ins.Op {
	case OpLb:
		v, e := bus.Read8(paddr)
		val, rerr = uint64(int8(v)), e
	case OpLh:
		v, e := bus.Read16(paddr)
		val, rerr = uint64(int16(v)), e
	case OpLw:
		v, e := bus.Read32(paddr)
		val, rerr = uint64(int32(v)), e
	case OpLd:
		val, rerr = bus.Read64(paddr)
	case OpLbu:
		v, e := bus.Read8(paddr)
		val, rerr = uint64(v), e
	case OpLhu:
		v, e := bus.Read16(paddr)
		val, rerr = uint64(v), e
	case OpLwu:
		v, e := bus.Read32(paddr)
		val, rerr = uint64(v), e
	}
	if rerr != nil {
		return newException(CauseLoadAccessFault, vaddr)
	}
	cpu.WriteReg(ins.Rd, val)
	return nil
}

func execStore(cpu *CPU, bus *Bus, mmu *MMU, ins Instr) error {
	vaddr := uint64(int64(cpu.ReadReg(ins.Rs1)) + ins.Imm)
	paddr, err := mmu.TranslateWrite(bus, vaddr)
	if err != nil {
		if exc, ok := err.(*Exception); ok {
			exc.Tval = vaddr
		}
		return err
	}

	val := cpu.ReadReg(ins.Rs2)
	var werr error
	switch ins.Op {
	case OpSb:
		werr = bus.Write8(paddr, uint8(val))
	case OpSh:
		werr = bus.Write16(paddr, uint16(val))
	case OpSw:
		werr = bus.Write32(paddr, uint32(val))
	case OpSd:
		werr = bus.Write64(paddr, val)
	}
	if werr != nil {
		return newException(CauseStoreAMOAccessFault, vaddr)
	}
	return nil
}

func execOpImm(cpu *CPU, ins Instr) error {
	r1 := cpu.ReadReg(ins.Rs1)
	var val uint64
	switch ins.Op {
	case OpAddi:
		val = uint64(int64(r1) + ins.Imm)
	case OpSlti:
		if int64(r1) < ins.Imm {
			val = 1
		}
	case OpSltiu:
		if r1 < uint64(ins.Imm) {
			val = 1
		}
	case OpXori:
		val = r1 ^ uint64(ins.Imm)
	case OpOri:
		val = r1 | uint64(ins.Imm)
	case OpAndi:
		val = r1 & uint64(ins.Imm)
	case OpSlli:
		val = r1 << uint(ins.Imm)
	case OpSrli:
		val = r1 >> uint(ins.Imm)
	case OpSrai:
		val = uint64(int64(r1) >> uint(ins.Imm))
	}
	cpu.WriteReg(ins.Rd, val)
	return nil
}

func execOpImm32(cpu *CPU, ins Instr) error {
	r1 := uint32(cpu.ReadReg(ins.Rs1))
	var val int32
	switch ins.Op {
	case OpAddiw:
		val = int32(r1) + int32(ins.Imm)
	case OpSlliw:
		val = int32(r1 << uint(ins.Imm))
	case OpSrliw:
		val = int32(r1 >> uint(ins.Imm))
	case OpSraiw:
		val = int32(r1) >> uint(ins.Imm)
	}
	cpu.WriteReg(ins.Rd, uint64(int64(val)))
	return nil
}

func execOp(cpu *CPU, ins Instr) error {
	r1 := cpu.ReadReg(ins.Rs1)
	r2 := cpu.ReadReg(ins.Rs2)
	var val uint64
	switch ins.Op {
	case OpAdd:
		val = uint64(int64(r1) + int64(r2))
	case OpSub:
		val = uint64(int64(r1) - int64(r2))
	case OpSll:
		val = r1 << (r2 & 0x3f)
	case OpSlt:
		if int64(r1) < int64(r2) {
			val = 1
		}
	case OpSltu:
		if r1 < r2 {
			val = 1
		}
	case OpXor:
		val = r1 ^ r2
	case OpSrl:
		val = r1 >> (r2 & 0x3f)
	case OpSra:
		val = uint64(int64(r1) >> (r2 & 0x3f))
	case OpOr:
		val = r1 | r2
	case OpAnd:
		val = r1 & r2
	}
	cpu.WriteReg(ins.Rd, val)
	return nil
}

func execOpM(cpu *CPU, ins Instr) error {
	r1 := cpu.ReadReg(ins.Rs1)
	r2 := cpu.ReadReg(ins.Rs2)
	var val uint64
	switch ins.Op {
	case OpMul:
		val = uint64(int64(r1) * int64(r2))
	case OpMulh:
		hi, _ := mulh64(int64(r1), int64(r2))
		val = uint64(hi)
	case OpMulhsu:
		hi, _ := mulhsu64(int64(r1), r2)
		val = uint64(hi)
	case OpMulhu:
		hi, _ := mulhu64(r1, r2)
		val = hi
	case OpDiv:
		switch {
		case r2 == 0:
			val = ^uint64(0)
		case r1 == uint64(1)<<63 && r2 == ^uint64(0):
			val = r1
		default:
			val = uint64(int64(r1) / int64(r2))
		}
	case OpDivu:
		if r2 == 0 {
			val = ^uint64(0)
		} else {
			val = r1 / r2
		}
	case OpRem:
		switch {
		case r2 == 0:
			val = r1
		case r1 == uint64(1)<<63 && r2 == ^uint64(0):
			val = 0
		default:
			val = uint64(int64(r1) % int64(r2))
		}
	case OpRemu:
		if r2 == 0 {
			val = r1
		} else {
			val = r1 % r2
		}
	}
	cpu.WriteReg(ins.Rd, val)
	return nil
}

func execOp32(cpu *CPU, ins Instr) error {
	r1 := uint32(cpu.ReadReg(ins.Rs1))
	r2 := uint32(cpu.ReadReg(ins.Rs2))
	var val int32
	switch ins.Op {
	case OpAddw:
		val = int32(r1) + int32(r2)
	case OpSubw:
		val = int32(r1) - int32(r2)
	case OpSllw:
		val = int32(r1 << (r2 & 0x1f))
	case OpSrlw:
		val = int32(r1 >> (r2 & 0x1f))
	case OpSraw:
		val = int32(r1) >> (r2 & 0x1f)
	}
	cpu.WriteReg(ins.Rd, uint64(int64(val)))
	return nil
}

func execOp32M(cpu *CPU, ins Instr) error {
	r1 := uint32(cpu.ReadReg(ins.Rs1))
	r2 := uint32(cpu.ReadReg(ins.Rs2))
	var val int32
	switch ins.Op {
	case OpMulw:
		val = int32(r1) * int32(r2)
	case OpDivw:
		switch {
		case r2 == 0:
			val = -1
		case r1 == uint32(1)<<31 && r2 == ^uint32(0):
			val = int32(r1)
		default:
			val = int32(r1) / int32(r2)
		}
	case OpDivuw:
		if r2 == 0 {
			val = -1
		} else {
			val = int32(r1 / r2)
		}
	case OpRemw:
		switch {
		case r2 == 0:
			val = int32(r1)
		case r1 == uint32(1)<<31 && r2 == ^uint32(0):
			val = 0
		default:
			val = int32(r1) % int32(r2)
		}
	case OpRemuw:
		if r2 == 0 {
			val = int32(r1)
		} else {
			val = int32(r1 % r2)
		}
	}
	cpu.WriteReg(ins.Rd, uint64(int64(val)))
	return nil
}

func execCsr(cpu *CPU, ins Instr) error {
	rs1Val := cpu.ReadReg(ins.Rs1)
	if ins.Op == OpCsrrwi || ins.Op == OpCsrrsi || ins.Op == OpCsrrci {
		rs1Val = uint64(ins.Imm)
	}

	csrVal, err := cpu.csrRead(ins.Csr)
	if err != nil {
		return err
	}

	var writeVal uint64
	doWrite := true
	switch ins.Op {
	case OpCsrrw, OpCsrrwi:
		writeVal = rs1Val
	case OpCsrrs, OpCsrrsi:
		writeVal = csrVal | rs1Val
		doWrite = ins.Rs1 != 0
	case OpCsrrc, OpCsrrci:
		writeVal = csrVal &^ rs1Val
		doWrite = ins.Rs1 != 0
	}

	if doWrite {
		if err := cpu.csrWrite(ins.Csr, writeVal); err != nil {
			return err
		}
	}
	cpu.WriteReg(ins.Rd, csrVal)
	return nil
}

func execEcall(cpu *CPU) error {
	switch cpu.Priv {
	case PrivUser:
		return newException(CauseEcallFromU, 0)
	case PrivSupervisor:
		return newException(CauseEcallFromS, 0)
	case PrivMachine:
		return newException(CauseEcallFromM, 0)
	default:
		return fmt.Errorf("invalid privilege level: %d", cpu.Priv)
	}
}

// mulhu64 returns the high and low 64 bits of a*b (unsigned).
func mulhu64(a, b uint64) (uint64, uint64) {
	const mask32 = 0xFFFFFFFF
	a0, a1 := a&mask32, a>>32
	b0, b1 := b&mask32, b>>32

	p0 := a0 * b0
	p1 := a0 * b1
	p2 := a1 * b0
	p3 := a1 * b1

	carry := ((p0 >> 32) + (p1 & mask32) + (p2 & mask32)) >> 32
	hi := p3 + (p1 >> 32) + (p2 >> 32) + carry
	lo := a * b
	return hi, lo
}

// mulh64 returns the high 64 bits and low 64 bits of a*b (signed*signed).
func mulh64(a, b int64) (int64, uint64) {
	neg := (a < 0) != (b < 0)
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}
	hi, lo := mulhu64(ua, ub)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}

// mulhsu64 returns the high 64 bits and low 64 bits of a*b (signed*unsigned).
func mulhsu64(a int64, b uint64) (int64, uint64) {
	neg := a < 0
	ua := uint64(a)
	if a < 0 {
		ua = uint64(-a)
	}
	hi, lo := mulhu64(ua, b)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}
