package rv64

import "testing"

// buildSv39Leaf maps the 4 KiB page containing vaddr to paddr with the given
// flags through a full three-level walk: a root table at rootPPN, a level-1
// table at rootPPN+1, and a level-0 table at rootPPN+2 holding the leaf PTE.
func buildSv39Leaf(t *testing.T, bus *Bus, rootPPN, vaddr, paddr uint64, flags uint64) {
	t.Helper()

	rootAddr := rootPPN << PageShift
	vpn2 := (vaddr >> (PageShift + 2*VpnBits)) & 0x1ff
	vpn1 := (vaddr >> (PageShift + 1*VpnBits)) & 0x1ff
	vpn0 := (vaddr >> PageShift) & 0x1ff

	// Level-2 table at rootAddr points at a fresh level-1 table one page on.
	l1PPN := rootPPN + 1
	l2PTE := (l1PPN << 10) | PteV
	if err := bus.WritePhys64(rootAddr+vpn2*8, l2PTE); err != nil {
		t.Fatalf("write l2 pte: %v", err)
	}

	// Level-1 table points at a fresh level-0 table two pages on.
	l0PPN := rootPPN + 2
	l1PTE := (l0PPN << 10) | PteV
	if err := bus.WritePhys64((l1PPN<<PageShift)+vpn1*8, l1PTE); err != nil {
		t.Fatalf("write l1 pte: %v", err)
	}

	// Level-0 leaf maps the actual page.
	leafPTE := ((paddr >> PageShift) << 10) | flags | PteV
	if err := bus.WritePhys64((l0PPN<<PageShift)+vpn0*8, leafPTE); err != nil {
		t.Fatalf("write l0 pte: %v", err)
	}
}

func newTranslationFixture(t *testing.T) (*Bus, *CPU, *MMU) {
	t.Helper()
	bus := NewBus(1024 * 1024)
	cpu := NewCPU()
	mmu := NewMMU(cpu)
	return bus, cpu, mmu
}

func TestTranslateBareModeIsIdentity(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)
	cpu.Satp = SatpModeOff << 60
	cpu.Priv = PrivSupervisor

	paddr, err := mmu.TranslateRead(bus, 0x1234)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if paddr != 0x1234 {
		t.Fatalf("expected identity mapping, got 0x%x", paddr)
	}
}

func TestTranslateMachineModeBypassesSv39(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)
	cpu.Satp = (uint64(SatpModeSv39) << 60) | 0 // root PPN 0, but unused: no page table set up
	cpu.Priv = PrivMachine

	paddr, err := mmu.TranslateRead(bus, 0xdead)
	if err != nil {
		t.Fatalf("expected M-mode to bypass translation, got error: %v", err)
	}
	if paddr != 0xdead {
		t.Fatalf("expected identity mapping in M-mode, got 0x%x", paddr)
	}
}

// testRootPPN is the PPN of a page table root placed a few pages into DRAM,
// so ReadPhys64/WritePhys64 (DRAM-only) accept the fixture's addresses.
const testRootPPN = (DRAMBase >> PageShift) + 0x10

func TestTranslateSv39Basic(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000 // distinct vpn2/vpn1/vpn0 components
	const paddr = DRAMBase + 0x2000

	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteR|PteW|PteX|PteU|PteA|PteD)

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivUser

	got, err := mmu.TranslateRead(bus, vaddr)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != paddr {
		t.Fatalf("expected paddr 0x%x, got 0x%x", paddr, got)
	}
}

func TestTranslateSv39OffsetPreserved(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000
	const paddr = DRAMBase + 0x2000

	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteR|PteW|PteX|PteU|PteA|PteD)

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivUser

	got, err := mmu.TranslateRead(bus, vaddr+0x123)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != paddr+0x123 {
		t.Fatalf("expected paddr 0x%x, got 0x%x", paddr+0x123, got)
	}
}

func TestTranslateInvalidPTEFaults(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)
	cpu.Satp = (uint64(SatpModeSv39) << 60) | testRootPPN
	cpu.Priv = PrivUser

	_, err := mmu.TranslateRead(bus, 0x1000)
	if err == nil {
		t.Fatal("expected page fault on unmapped address, got nil")
	}
	exc, ok := err.(*Exception)
	if !ok {
		t.Fatalf("expected *Exception, got %T", err)
	}
	if exc.Cause != CauseLoadPageFault {
		t.Fatalf("expected CauseLoadPageFault, got 0x%x", exc.Cause)
	}
}

func TestTranslateUserPageDeniedToSupervisorWithoutSUM(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000
	const paddr = DRAMBase + 0x2000

	// PteU set: a user page, accessed from S-mode without SUM.
	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteR|PteW|PteU|PteA|PteD)

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivSupervisor
	cpu.Mstatus &^= MstatusSUM

	_, err := mmu.TranslateRead(bus, vaddr)
	if err == nil {
		t.Fatal("expected page fault accessing a U page from S-mode without SUM")
	}
}

func TestTranslateUserPageAllowedToSupervisorWithSUM(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000
	const paddr = DRAMBase + 0x2000

	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteR|PteW|PteU|PteA|PteD)

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivSupervisor
	cpu.Mstatus |= MstatusSUM

	got, err := mmu.TranslateRead(bus, vaddr)
	if err != nil {
		t.Fatalf("expected SUM to permit the access, got error: %v", err)
	}
	if got != paddr {
		t.Fatalf("expected paddr 0x%x, got 0x%x", paddr, got)
	}
}

func TestTranslateWriteDeniedOnReadOnlyPage(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000
	const paddr = DRAMBase + 0x2000

	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteR|PteU|PteA) // no PteW

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivUser

	_, err := mmu.TranslateWrite(bus, vaddr)
	if err == nil {
		t.Fatal("expected store page fault on a read-only page")
	}
	exc, ok := err.(*Exception)
	if !ok {
		t.Fatalf("expected *Exception, got %T", err)
	}
	if exc.Cause != CauseStoreAMOPageFault {
		t.Fatalf("expected CauseStoreAMOPageFault, got 0x%x", exc.Cause)
	}
}

func TestTranslateExecuteDeniedWithoutPteX(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000
	const paddr = DRAMBase + 0x2000

	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteR|PteW|PteU|PteA|PteD) // no PteX

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivUser

	_, err := mmu.TranslateFetch(bus, vaddr)
	if err == nil {
		t.Fatal("expected instruction page fault when PteX is clear")
	}
	exc, ok := err.(*Exception)
	if !ok {
		t.Fatalf("expected *Exception, got %T", err)
	}
	if exc.Cause != CauseInstrPageFault {
		t.Fatalf("expected CauseInstrPageFault, got 0x%x", exc.Cause)
	}
}

// TestTranslateMXRAllowsExecuteOnlyPageRead checks that a read of an
// execute-only page is permitted when MXR is set and denied otherwise.
func TestTranslateMXRAllowsExecuteOnlyPageRead(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000
	const paddr = DRAMBase + 0x2000

	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteX|PteU|PteA) // no PteR

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivUser

	if _, err := mmu.TranslateRead(bus, vaddr); err == nil {
		t.Fatal("expected load page fault reading an execute-only page without MXR")
	}

	cpu.Mstatus |= MstatusMXR
	got, err := mmu.TranslateRead(bus, vaddr)
	if err != nil {
		t.Fatalf("expected MXR to permit the read, got error: %v", err)
	}
	if got != paddr {
		t.Fatalf("expected paddr 0x%x, got 0x%x", paddr, got)
	}
}

// TestTranslateMPRVUsesEffectivePrivilege checks that with MPRV set in
// M-mode, a load/store access is checked against MPP's privilege rather
// than bypassing translation outright.
func TestTranslateMPRVUsesEffectivePrivilege(t *testing.T) {
	bus, cpu, mmu := newTranslationFixture(t)

	const rootPPN = testRootPPN
	const vaddr = 0x0000_0000_4060_2000
	const paddr = DRAMBase + 0x2000

	buildSv39Leaf(t, bus, rootPPN, vaddr, paddr, PteR|PteW|PteU|PteA|PteD)

	cpu.Satp = (uint64(SatpModeSv39) << 60) | rootPPN
	cpu.Priv = PrivMachine
	cpu.Mstatus |= MstatusMPRV
	cpu.Mstatus &^= MstatusMPP
	cpu.Mstatus |= uint64(PrivUser) << MstatusMPPShift

	got, err := mmu.TranslateRead(bus, vaddr)
	if err != nil {
		t.Fatalf("expected MPRV-effective-user translation to succeed, got: %v", err)
	}
	if got != paddr {
		t.Fatalf("expected paddr 0x%x, got 0x%x", paddr, got)
	}

	// MPRV only overrides loads/stores, never fetches: TranslateFetch must
	// still bypass translation outright in M-mode.
	fetchPaddr, err := mmu.TranslateFetch(bus, 0xdead)
	if err != nil {
		t.Fatalf("expected fetch to bypass translation in M-mode regardless of MPRV: %v", err)
	}
	if fetchPaddr != 0xdead {
		t.Fatalf("expected identity-mapped fetch, got 0x%x", fetchPaddr)
	}
}
