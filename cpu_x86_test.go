// cpu_x86_test.go - x86 CPU Unit Tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"testing"
)

// Test memory layout (physical == linear unless a test enables paging)
const (
	testGDTBase     = x86FlatGDTBase // 0x0800
	testIDTBase     = 0x1000
	testTSSBase     = 0x2000
	testCodeBase    = 0x3000
	testRing3Code   = 0x3100
	testHandlerBase = 0x4000 // 16 bytes per vector
	testGateTarget  = 0x5000
	testRing0Stack  = 0x8000
	testRing3Stack  = 0x9000
	testPageDir     = 0x10000
	testPageTable   = 0x11000
)

// x86Rig is a CPU on 1MB of memory with a port bus, booted by the runner.
type x86Rig struct {
	t      *testing.T
	runner *CPUX86Runner
	cpu    *CPU_X86
	mem    *X86Memory
	ports  *X86IOPorts
}

func newRig(t *testing.T, flat bool) *x86Rig {
	t.Helper()
	r := NewCPUX86Runner(&CPUX86Config{MemorySize: 1 << 20, LoadAddr: testCodeBase, Flat: flat})
	if err := r.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	return &x86Rig{t: t, runner: r, cpu: r.CPU(), mem: r.mem, ports: r.Ports()}
}

// newFlatRig boots in flat 32-bit protected mode, CPL 0, EIP at testCodeBase.
func newFlatRig(t *testing.T) *x86Rig { return newRig(t, true) }

// newRealRig boots in real mode with CS:IP = 0300:0000.
func newRealRig(t *testing.T) *x86Rig { return newRig(t, false) }

// code writes bytes at CS:EIP.
func (r *x86Rig) code(b ...byte) {
	r.poke(r.cpu.segs[x86SegCS].Base+r.cpu.EIP, b...)
}

func (r *x86Rig) poke(addr uint32, b ...byte) {
	for i, v := range b {
		r.mem.Write8(addr+uint32(i), v)
	}
}

// step executes n instructions and fails the test on a fatal error.
func (r *x86Rig) step(n int) {
	r.t.Helper()
	for range n {
		if err := r.cpu.Step(); err != nil {
			r.t.Fatalf("step at 0x%08X: %v", r.cpu.EIP, err)
		}
	}
}

// run executes until the CPU halts with nothing pending.
func (r *x86Rig) run() {
	r.t.Helper()
	reason, err := r.cpu.Execute(1 << 24)
	if err != nil {
		r.t.Fatalf("execute: %v", err)
	}
	if reason != X86Halted {
		r.t.Fatalf("execute: got %v, want halted", reason)
	}
}

// stack reads the dword at ESP + 4*i through the stack segment base.
func (r *x86Rig) stack(i int) uint32 {
	return r.mem.Read32(r.cpu.segs[x86SegSS].Base + r.cpu.ESP + uint32(4*i))
}

func segDesc(base, limit uint32, access, flags byte) (lo, hi uint32) {
	lo = limit&0xFFFF | (base&0xFFFF)<<16
	hi = (base>>16)&0xFF | uint32(access)<<8 | (limit>>16&0xF)<<16 | uint32(flags)<<20 | (base>>24)<<24
	return lo, hi
}

func gateDesc(sel uint16, off uint32, typ, dpl, params byte) (lo, hi uint32) {
	lo = off&0xFFFF | uint32(sel)<<16
	hi = off&0xFFFF0000 | 0x8000 | uint32(dpl)<<13 | uint32(typ)<<8 | uint32(params)
	return lo, hi
}

// Protected-mode selectors installed by setupGDT
const (
	testSelCode0 = 0x08
	testSelData0 = 0x10
	testSelCode3 = 0x18
	testSelData3 = 0x20
	testSelTSS   = 0x28
	testSelGate  = 0x30
)

// setupGDT installs ring 0 and ring 3 flat segments, a 32-bit TSS whose
// ring 0 stack is SS0:ESP0 = 0x10:testRing0Stack, and a ring 3 call gate to
// testGateTarget.
func (r *x86Rig) setupGDT() {
	type pair struct{ lo, hi uint32 }
	var d [7]pair
	d[1].lo, d[1].hi = segDesc(0, 0xFFFFF, 0x9A, 0xC)
	d[2].lo, d[2].hi = segDesc(0, 0xFFFFF, 0x92, 0xC)
	d[3].lo, d[3].hi = segDesc(0, 0xFFFFF, 0xFA, 0xC)
	d[4].lo, d[4].hi = segDesc(0, 0xFFFFF, 0xF2, 0xC)
	d[5].lo, d[5].hi = segDesc(testTSSBase, 0x67, 0x89, 0)
	d[6].lo, d[6].hi = gateDesc(testSelCode0, testGateTarget, x86SysCallGate3, 3, 0)
	for i, e := range d {
		r.mem.Write32(testGDTBase+uint32(i*8), e.lo)
		r.mem.Write32(testGDTBase+uint32(i*8)+4, e.hi)
	}
	r.cpu.gdtr = X86TableReg{Base: testGDTBase, Limit: uint16(len(d)*8 - 1)}
	r.mem.Write32(testTSSBase+4, testRing0Stack)
	r.mem.Write32(testTSSBase+8, testSelData0)
	r.mem.Write16(testTSSBase+0x66, 0x68) // I/O bitmap base past the limit: none
}

// handlerAddr is where setupIDT points vector v; each handler is HLT.
func handlerAddr(v int) uint32 { return testHandlerBase + uint32(v)*16 }

// setupIDT installs 32-bit interrupt gates for all vectors, with the given
// gate DPL.
func (r *x86Rig) setupIDT(dpl byte) {
	for v := range 256 {
		lo, hi := gateDesc(testSelCode0, handlerAddr(v), x86SysIntGate3, dpl, 0)
		r.mem.Write32(testIDTBase+uint32(v*8), lo)
		r.mem.Write32(testIDTBase+uint32(v*8)+4, hi)
		r.mem.Write8(handlerAddr(v), 0xF4)
	}
	r.cpu.idtr = X86TableReg{Base: testIDTBase, Limit: 256*8 - 1}
}

// enterRing3 loads TR and far-returns to testRing3Code at CPL 3 with
// SS:ESP = 0x23:testRing3Stack.
func (r *x86Rig) enterRing3() {
	r.t.Helper()
	r.code(
		0x66, 0xB8, testSelTSS, 0x00, // MOV AX, 0x28
		0x0F, 0x00, 0xD8, // LTR AX
		0x6A, testSelData3|3, // PUSH 0x23
		0x68, 0x00, 0x90, 0x00, 0x00, // PUSH testRing3Stack
		0x6A, testSelCode3|3, // PUSH 0x1B
		0x68, 0x00, 0x31, 0x00, 0x00, // PUSH testRing3Code
		0xCB, // RETF
	)
	r.step(7)
	if r.cpu.CPL() != 3 || r.cpu.EIP != testRing3Code {
		r.t.Fatalf("enterRing3: CPL=%d EIP=0x%08X", r.cpu.CPL(), r.cpu.EIP)
	}
}

// =============================================================================
// Register Access Tests
// =============================================================================

func TestX86_RegisterAccess(t *testing.T) {
	cpu := newFlatRig(t).cpu

	// Test EAX register parts
	cpu.EAX = 0x12345678
	if cpu.AX() != 0x5678 {
		t.Errorf("AX: got 0x%04X, want 0x5678", cpu.AX())
	}
	if cpu.AL() != 0x78 {
		t.Errorf("AL: got 0x%02X, want 0x78", cpu.AL())
	}
	if cpu.AH() != 0x56 {
		t.Errorf("AH: got 0x%02X, want 0x56", cpu.AH())
	}

	cpu.SetAL(0xAB)
	if cpu.EAX != 0x123456AB {
		t.Errorf("SetAL: EAX got 0x%08X, want 0x123456AB", cpu.EAX)
	}
	cpu.SetAH(0xCD)
	if cpu.EAX != 0x1234CDAB {
		t.Errorf("SetAH: EAX got 0x%08X, want 0x1234CDAB", cpu.EAX)
	}
	cpu.SetAX(0x9999)
	if cpu.EAX != 0x12349999 {
		t.Errorf("SetAX: EAX got 0x%08X, want 0x12349999", cpu.EAX)
	}

	// Register access by width and index
	cpu.EBX = 0xAABBCCDD
	if v := cpu.getReg(x86W32, 3); v != 0xAABBCCDD {
		t.Errorf("getReg(32, 3): got 0x%08X, want 0xAABBCCDD", v)
	}
	if v := cpu.getReg(x86W16, 3); v != 0xCCDD {
		t.Errorf("getReg(16, 3): got 0x%04X, want 0xCCDD", v)
	}
	if v := cpu.getReg(x86W8, 3); v != 0xDD { // BL
		t.Errorf("getReg(8, 3): got 0x%02X, want 0xDD", v)
	}
	if v := cpu.getReg(x86W8, 7); v != 0xCC { // BH
		t.Errorf("getReg(8, 7): got 0x%02X, want 0xCC", v)
	}
	cpu.setReg(x86W8, 7, 0x11)
	if cpu.EBX != 0xAABB11DD {
		t.Errorf("setReg(8, 7): EBX got 0x%08X, want 0xAABB11DD", cpu.EBX)
	}
}

// =============================================================================
// Flag Tests
// =============================================================================

func TestX86_Flags(t *testing.T) {
	cpu := newFlatRig(t).cpu

	cpu.setFlag(x86FlagCF, true)
	if !cpu.CF() {
		t.Error("CF should be set")
	}
	cpu.setFlag(x86FlagZF, true)
	if !cpu.ZF() {
		t.Error("ZF should be set")
	}
	cpu.setFlag(x86FlagCF, false)
	if cpu.CF() {
		t.Error("CF should be clear")
	}
	if cpu.getFlags()&x86FlagsFixed == 0 {
		t.Error("EFLAGS bit 1 should always read as one")
	}

	if !parity(0x00) {
		t.Error("parity(0x00) should be even")
	}
	if parity(0x01) {
		t.Error("parity(0x01) should be odd")
	}
	if !parity(0x03) {
		t.Error("parity(0x03) should be even")
	}
}

// =============================================================================
// Boot State
// =============================================================================

func TestX86_ResetState(t *testing.T) {
	cpu := NewCPU_X86(NewX86Memory(1<<20), nil)
	if cpu.EIP != 0xFFF0 {
		t.Errorf("EIP: got 0x%08X, want 0x0000FFF0", cpu.EIP)
	}
	if cs := cpu.Seg(x86SegCS); cs.Selector != 0xF000 || cs.Base != 0xFFFF0000 {
		t.Errorf("CS: got %04X base %08X, want F000 base FFFF0000", cs.Selector, cs.Base)
	}
	if cpu.getFlags() != 0x00000002 {
		t.Errorf("EFLAGS: got 0x%08X, want 0x00000002", cpu.getFlags())
	}
	if cpu.CR0&x86CR0PE != 0 {
		t.Error("CR0.PE should be clear after reset")
	}
}

func TestX86_RealBoot(t *testing.T) {
	r := newRealRig(t)
	if cs := r.cpu.Seg(x86SegCS); cs.Selector != 0x0300 || cs.Base != 0x3000 {
		t.Errorf("CS: got %04X base %08X, want 0300 base 00003000", cs.Selector, cs.Base)
	}
	if r.cpu.EIP != 0 || r.cpu.ESP != 0xFFFE {
		t.Errorf("IP/SP: got %04X/%04X, want 0000/FFFE", r.cpu.EIP, r.cpu.ESP)
	}

	// Real mode defaults to 16-bit operands: B8 iw loads AX only.
	r.cpu.EAX = 0xFFFF0000
	r.code(0xB8, 0x34, 0x12)
	r.step(1)
	if r.cpu.EAX != 0xFFFF1234 {
		t.Errorf("MOV AX, imm16: got 0x%08X, want 0xFFFF1234", r.cpu.EAX)
	}
	if r.cpu.EIP != 3 {
		t.Errorf("IP: got 0x%04X, want 0x0003", r.cpu.EIP)
	}
}

// =============================================================================
// Basic Instruction Tests
// =============================================================================

func TestX86_NOP(t *testing.T) {
	r := newFlatRig(t)
	r.code(0x90, 0xF4) // NOP; HLT
	r.step(1)
	if r.cpu.EIP != testCodeBase+1 {
		t.Errorf("EIP after NOP: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+1)
	}
}

func TestX86_MOV_reg_imm(t *testing.T) {
	r := newFlatRig(t)
	r.code(0xB8, 0x78, 0x56, 0x34, 0x12) // MOV EAX, 0x12345678
	r.step(1)
	if r.cpu.EAX != 0x12345678 {
		t.Errorf("MOV EAX, imm32: got 0x%08X, want 0x12345678", r.cpu.EAX)
	}
	if r.cpu.EIP != testCodeBase+5 {
		t.Errorf("EIP after MOV: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+5)
	}
}

func TestX86_OperandSizePrefix(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0xFFFFFFFF
	r.code(0x66, 0xB8, 0x34, 0x12) // MOV AX, 0x1234
	r.step(1)
	if r.cpu.EAX != 0xFFFF1234 {
		t.Errorf("MOV AX, imm16: got 0x%08X, want 0xFFFF1234", r.cpu.EAX)
	}
}

func TestX86_ADD(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.SetAL(0x20)
	r.code(0x04, 0x10) // ADD AL, 0x10
	r.step(1)
	if r.cpu.AL() != 0x30 {
		t.Errorf("ADD AL, imm8: got 0x%02X, want 0x30", r.cpu.AL())
	}
	if r.cpu.ZF() || r.cpu.CF() {
		t.Error("ZF and CF should be clear")
	}
}

func TestX86_ADD_carry(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.SetAL(0xF0)
	r.code(0x04, 0x20) // ADD AL, 0x20
	r.step(1)
	if r.cpu.AL() != 0x10 {
		t.Errorf("ADD AL with carry: got 0x%02X, want 0x10", r.cpu.AL())
	}
	if !r.cpu.CF() {
		t.Error("CF should be set on carry out")
	}
}

// ADD EAX, 1 at the signed boundary.
func TestX86_ADD_signedOverflow(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0x7FFFFFFF
	r.code(0x83, 0xC0, 0x01) // ADD EAX, 1
	r.step(1)
	if r.cpu.EAX != 0x80000000 {
		t.Errorf("EAX: got 0x%08X, want 0x80000000", r.cpu.EAX)
	}
	if !r.cpu.OF() || !r.cpu.SF() || r.cpu.ZF() || r.cpu.CF() {
		t.Errorf("flags: got OF=%v SF=%v ZF=%v CF=%v, want OF SF set, ZF CF clear",
			r.cpu.OF(), r.cpu.SF(), r.cpu.ZF(), r.cpu.CF())
	}
}

func TestX86_SUB(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.SetAL(0x30)
	r.code(0x2C, 0x10) // SUB AL, 0x10
	r.step(1)
	if r.cpu.AL() != 0x20 {
		t.Errorf("SUB AL, imm8: got 0x%02X, want 0x20", r.cpu.AL())
	}
}

func TestX86_CMP_zero(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.SetAL(0x42)
	r.code(0x3C, 0x42) // CMP AL, 0x42
	r.step(1)
	if !r.cpu.ZF() {
		t.Error("ZF should be set when comparing equal values")
	}
	if r.cpu.CF() {
		t.Error("CF should be clear when comparing equal values")
	}
	if r.cpu.AL() != 0x42 {
		t.Errorf("CMP must not write: AL got 0x%02X", r.cpu.AL())
	}
}

func TestX86_XOR_self(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0x12345678
	r.code(0x31, 0xC0) // XOR EAX, EAX
	r.step(1)
	if r.cpu.EAX != 0 {
		t.Errorf("XOR EAX, EAX: got 0x%08X, want 0x00000000", r.cpu.EAX)
	}
	if !r.cpu.ZF() {
		t.Error("ZF should be set after XOR to zero")
	}
}

func TestX86_INC_preservesCF(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0xFFFFFFFF
	r.cpu.ECX = 0x7FFFFFFF
	r.code(
		0x83, 0xC0, 0x01, // ADD EAX, 1 (sets CF)
		0x41, // INC ECX
	)
	r.step(2)
	if !r.cpu.CF() {
		t.Error("INC must leave CF from the preceding ADD")
	}
	if !r.cpu.OF() || r.cpu.ECX != 0x80000000 {
		t.Errorf("INC ECX: got 0x%08X OF=%v, want 0x80000000 OF set", r.cpu.ECX, r.cpu.OF())
	}
}

func TestX86_PUSH_POP(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.ESP = 0x1000
	r.cpu.EAX = 0xDEADBEEF
	r.code(0x50, 0x5B) // PUSH EAX; POP EBX

	r.step(1)
	if r.cpu.ESP != 0x0FFC {
		t.Errorf("ESP after PUSH: got 0x%08X, want 0x00000FFC", r.cpu.ESP)
	}
	r.step(1)
	if r.cpu.EBX != 0xDEADBEEF {
		t.Errorf("EBX after POP: got 0x%08X, want 0xDEADBEEF", r.cpu.EBX)
	}
	if r.cpu.ESP != 0x1000 {
		t.Errorf("ESP after POP: got 0x%08X, want 0x00001000", r.cpu.ESP)
	}
}

func TestX86_PUSHA_POPA(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.ESP = 0x2000 - 0x100
	r.cpu.EAX, r.cpu.ECX, r.cpu.EDX, r.cpu.EBX = 1, 2, 3, 4
	r.cpu.EBP, r.cpu.ESI, r.cpu.EDI = 6, 7, 8
	r.code(0x60, 0x61) // PUSHAD; POPAD
	r.step(1)
	if got := r.stack(3); got != 0x2000-0x100 {
		t.Errorf("pushed ESP: got 0x%08X, want 0x%08X", got, 0x2000-0x100)
	}
	r.cpu.EAX, r.cpu.EDI = 0, 0
	r.step(1)
	if r.cpu.EAX != 1 || r.cpu.EDI != 8 || r.cpu.ESP != 0x2000-0x100 {
		t.Errorf("POPAD: EAX=%d EDI=%d ESP=0x%08X", r.cpu.EAX, r.cpu.EDI, r.cpu.ESP)
	}
}

func TestX86_JMP_rel8(t *testing.T) {
	r := newFlatRig(t)
	r.code(0xEB, 0x05) // JMP +5
	r.step(1)
	if r.cpu.EIP != testCodeBase+7 {
		t.Errorf("EIP after JMP: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+7)
	}
}

func TestX86_JMP_rel8_backward(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EIP = testCodeBase + 0x100
	r.code(0xEB, 0xFB) // JMP -5
	r.step(1)
	if r.cpu.EIP != testCodeBase+0xFD {
		t.Errorf("EIP after backward JMP: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+0xFD)
	}
}

func TestX86_JZ(t *testing.T) {
	for _, taken := range []bool{true, false} {
		r := newFlatRig(t)
		r.cpu.setFlag(x86FlagZF, taken)
		r.code(0x74, 0x10) // JZ +16
		r.step(1)
		want := uint32(testCodeBase + 2)
		if taken {
			want += 0x10
		}
		if r.cpu.EIP != want {
			t.Errorf("JZ (ZF=%v): got 0x%08X, want 0x%08X", taken, r.cpu.EIP, want)
		}
	}
}

func TestX86_Jcc_near(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.setFlag(x86FlagCF, true)
	r.code(0x0F, 0x82, 0x00, 0x01, 0x00, 0x00) // JB +0x100
	r.step(1)
	if r.cpu.EIP != testCodeBase+6+0x100 {
		t.Errorf("JB rel32: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+6+0x100)
	}
}

func TestX86_CALL_RET(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.ESP = 0x1000
	r.code(0xE8, 0x0A, 0x00, 0x00, 0x00) // CALL +10
	r.poke(testCodeBase+0x0F, 0xC3)      // RET

	r.step(1)
	if r.cpu.EIP != testCodeBase+0x0F {
		t.Errorf("EIP after CALL: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+0x0F)
	}
	if r.cpu.ESP != 0x0FFC {
		t.Errorf("ESP after CALL: got 0x%08X, want 0x00000FFC", r.cpu.ESP)
	}
	r.step(1)
	if r.cpu.EIP != testCodeBase+5 {
		t.Errorf("EIP after RET: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+5)
	}
}

func TestX86_LOOP(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.ECX = 3
	r.code(0xE2, 0xFE) // LOOP -2

	r.step(1)
	if r.cpu.ECX != 2 {
		t.Errorf("ECX after first LOOP: got %d, want 2", r.cpu.ECX)
	}
	if r.cpu.EIP != testCodeBase {
		t.Errorf("EIP after first LOOP: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase)
	}
	r.step(2)
	if r.cpu.ECX != 0 {
		t.Errorf("ECX should be 0, got %d", r.cpu.ECX)
	}
	if r.cpu.EIP != testCodeBase+2 {
		t.Errorf("EIP after LOOP exit: got 0x%08X, want 0x%08X", r.cpu.EIP, testCodeBase+2)
	}
}

func TestX86_IN_OUT(t *testing.T) {
	r := newFlatRig(t)
	var latch byte
	if err := r.ports.Register8(0x80, func(uint16) byte { return 0xAB }, func(_ uint16, v byte) { latch = v }); err != nil {
		t.Fatal(err)
	}

	r.cpu.SetAL(0x42)
	r.code(
		0xE6, 0x80, // OUT 0x80, AL
		0xE4, 0x80, // IN AL, 0x80
	)
	r.step(1)
	if latch != 0x42 {
		t.Errorf("port 0x80 after OUT: got 0x%02X, want 0x42", latch)
	}
	r.cpu.SetAL(0)
	r.step(1)
	if r.cpu.AL() != 0xAB {
		t.Errorf("AL after IN: got 0x%02X, want 0xAB", r.cpu.AL())
	}
}

func TestX86_SHL_SHR(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0x81
	r.code(
		0xC0, 0xE0, 0x01, // SHL AL, 1
		0xC1, 0xE8, 0x04, // SHR EAX, 4
		0xC1, 0xE8, 0x04, // SHR EAX, 4
	)
	r.step(1)
	if r.cpu.AL() != 0x02 || !r.cpu.CF() {
		t.Errorf("SHL AL, 1: got 0x%02X CF=%v, want 0x02 CF set", r.cpu.AL(), r.cpu.CF())
	}
	// CF is the last bit shifted out: bit 3.
	r.cpu.EAX = 0x1238
	r.step(1)
	if r.cpu.EAX != 0x123 || !r.cpu.CF() {
		t.Errorf("SHR EAX, 4: got 0x%08X CF=%v, want 0x123 CF set", r.cpu.EAX, r.cpu.CF())
	}
	r.cpu.EAX = 0x1230
	r.step(1)
	if r.cpu.EAX != 0x123 || r.cpu.CF() {
		t.Errorf("SHR EAX, 4: got 0x%08X CF=%v, want 0x123 CF clear", r.cpu.EAX, r.cpu.CF())
	}
}

func TestX86_ShiftCountZeroKeepsFlags(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.setFlag(x86FlagCF, true)
	r.cpu.EAX = 0x10
	r.cpu.ECX = 0x20 // masks to zero
	r.code(0xD3, 0xE0) // SHL EAX, CL
	r.step(1)
	if r.cpu.EAX != 0x10 || !r.cpu.CF() {
		t.Errorf("SHL by 32: got 0x%08X CF=%v, want unchanged", r.cpu.EAX, r.cpu.CF())
	}
}

func TestX86_LEA(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EBX = 0x1000
	r.cpu.ECX = 0x10
	r.code(0x8D, 0x44, 0x8B, 0x10) // LEA EAX, [EBX+ECX*4+0x10]
	r.step(1)
	if r.cpu.EAX != 0x1050 {
		t.Errorf("LEA: got 0x%08X, want 0x00001050", r.cpu.EAX)
	}
}

func TestX86_LEA_16bit(t *testing.T) {
	r := newRealRig(t)
	r.cpu.EBX = 0xFFF0
	r.cpu.ESI = 0x0020
	r.code(0x8D, 0x40, 0x05) // LEA AX, [BX+SI+5]
	r.step(1)
	if r.cpu.AX() != 0x0015 {
		t.Errorf("LEA 16-bit wrap: got 0x%04X, want 0x0015", r.cpu.AX())
	}
}

func TestX86_MOVS(t *testing.T) {
	r := newFlatRig(t)
	r.mem.Write32(0x20000, 0xCAFEBABE)
	r.cpu.ESI = 0x20000
	r.cpu.EDI = 0x21000
	r.code(0xA5) // MOVSD
	r.step(1)
	if got := r.mem.Read32(0x21000); got != 0xCAFEBABE {
		t.Errorf("MOVSD: got 0x%08X, want 0xCAFEBABE", got)
	}
	if r.cpu.ESI != 0x20004 || r.cpu.EDI != 0x21004 {
		t.Errorf("MOVSD: ESI=0x%08X EDI=0x%08X", r.cpu.ESI, r.cpu.EDI)
	}
}

func TestX86_STOS_backward(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0x5A
	r.cpu.EDI = 0x21000
	r.code(0xFD, 0xAA) // STD; STOSB
	r.step(2)
	if r.mem.Read8(0x21000) != 0x5A {
		t.Errorf("STOSB: got 0x%02X, want 0x5A", r.mem.Read8(0x21000))
	}
	if r.cpu.EDI != 0x20FFF {
		t.Errorf("EDI after STOSB with DF: got 0x%08X, want 0x00020FFF", r.cpu.EDI)
	}
}

func TestX86_REPNE_SCASB(t *testing.T) {
	r := newFlatRig(t)
	r.poke(0x20000, 'h', 'e', 'l', 'l', 'o', 0)
	r.cpu.EAX = 0
	r.cpu.ECX = 0xFFFFFFFF
	r.cpu.EDI = 0x20000
	r.code(0xF2, 0xAE, 0xF4) // REPNE SCASB; HLT
	r.run()
	if r.cpu.EDI != 0x20006 {
		t.Errorf("EDI: got 0x%08X, want 0x00020006", r.cpu.EDI)
	}
	if r.cpu.ECX != 0xFFFFFFFF-6 {
		t.Errorf("ECX: got 0x%08X, want 0x%08X", r.cpu.ECX, uint32(0xFFFFFFFF-6))
	}
}

func TestX86_MUL(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0x10000
	r.cpu.ECX = 0x10000
	r.code(0xF7, 0xE1) // MUL ECX
	r.step(1)
	if r.cpu.EDX != 1 || r.cpu.EAX != 0 {
		t.Errorf("MUL: EDX:EAX got %08X:%08X, want 00000001:00000000", r.cpu.EDX, r.cpu.EAX)
	}
	if !r.cpu.CF() || !r.cpu.OF() {
		t.Error("MUL with a high half should set CF and OF")
	}
}

func TestX86_DIV(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EDX = 0
	r.cpu.EAX = 100
	r.cpu.ECX = 7
	r.code(0xF7, 0xF1) // DIV ECX
	r.step(1)
	if r.cpu.EAX != 14 || r.cpu.EDX != 2 {
		t.Errorf("DIV: got q=%d r=%d, want q=14 r=2", r.cpu.EAX, r.cpu.EDX)
	}
}

func TestX86_IDIV_negative(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0xFFFFFF9C // -100
	r.cpu.EDX = 0xFFFFFFFF
	r.cpu.ECX = 7
	r.code(0xF7, 0xF9) // IDIV ECX
	r.step(1)
	if int32(r.cpu.EAX) != -14 || int32(r.cpu.EDX) != -2 {
		t.Errorf("IDIV: got q=%d r=%d, want q=-14 r=-2", int32(r.cpu.EAX), int32(r.cpu.EDX))
	}
}

func TestX86_CLC_STC_CMC(t *testing.T) {
	r := newFlatRig(t)
	r.code(0xF9, 0xF5, 0xF8) // STC; CMC; CLC
	r.step(1)
	if !r.cpu.CF() {
		t.Error("CF should be set after STC")
	}
	r.step(1)
	if r.cpu.CF() {
		t.Error("CF should be clear after CMC")
	}
	r.cpu.setFlag(x86FlagCF, true)
	r.step(1)
	if r.cpu.CF() {
		t.Error("CF should be clear after CLC")
	}
}

func TestX86_CLD_STD(t *testing.T) {
	r := newFlatRig(t)
	r.code(0xFD, 0xFC) // STD; CLD
	r.step(1)
	if !r.cpu.DF() || r.cpu.dfStep != -1 {
		t.Error("DF should be set after STD")
	}
	r.step(1)
	if r.cpu.DF() || r.cpu.dfStep != 1 {
		t.Error("DF should be clear after CLD")
	}
}

func TestX86_BSWAP_XADD_CMPXCHG(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0x11223344
	r.code(0x0F, 0xC8) // BSWAP EAX
	r.step(1)
	if r.cpu.EAX != 0x44332211 {
		t.Errorf("BSWAP: got 0x%08X, want 0x44332211", r.cpu.EAX)
	}

	r.cpu.EAX = 5
	r.cpu.EBX = 3
	r.code(0x0F, 0xC1, 0xC3) // XADD EBX, EAX
	r.step(1)
	if r.cpu.EBX != 8 || r.cpu.EAX != 3 {
		t.Errorf("XADD: EBX=%d EAX=%d, want 8 and 3", r.cpu.EBX, r.cpu.EAX)
	}

	r.mem.Write32(0x20000, 7)
	r.cpu.EAX = 7
	r.cpu.ECX = 99
	r.cpu.EBX = 0x20000
	r.code(0x0F, 0xB1, 0x0B) // CMPXCHG [EBX], ECX
	r.step(1)
	if got := r.mem.Read32(0x20000); got != 99 || !r.cpu.ZF() {
		t.Errorf("CMPXCHG equal: got %d ZF=%v, want 99 ZF set", got, r.cpu.ZF())
	}
	r.code(0x0F, 0xB1, 0x0B)
	r.step(1)
	if r.cpu.EAX != 99 || r.cpu.ZF() {
		t.Errorf("CMPXCHG unequal: EAX=%d ZF=%v, want 99 ZF clear", r.cpu.EAX, r.cpu.ZF())
	}
}

func TestX86_BitScanAndTest(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.ECX = 0x00F00000
	r.code(
		0x0F, 0xBC, 0xC1, // BSF EAX, ECX
		0x0F, 0xBD, 0xD1, // BSR EDX, ECX
		0x0F, 0xBA, 0xE1, 0x15, // BT ECX, 21
	)
	r.step(3)
	if r.cpu.EAX != 20 || r.cpu.EDX != 23 {
		t.Errorf("BSF/BSR: got %d/%d, want 20/23", r.cpu.EAX, r.cpu.EDX)
	}
	if !r.cpu.CF() {
		t.Error("BT ECX, 21 should set CF")
	}
}

func TestX86_BT_memoryRegisterOffset(t *testing.T) {
	r := newFlatRig(t)
	r.mem.Write32(0x20004, 1<<3)
	r.cpu.EBX = 0x20000
	r.cpu.ECX = 35 // bit 3 of the next dword
	r.code(0x0F, 0xAB, 0x0B) // BTS [EBX], ECX
	r.step(1)
	if !r.cpu.CF() {
		t.Error("BTS should report the old bit in CF")
	}
	r.cpu.ECX = 36
	r.code(0x0F, 0xAB, 0x0B)
	r.step(1)
	if got := r.mem.Read32(0x20004); got != 0x18 {
		t.Errorf("BTS [EBX], 36: got 0x%08X, want 0x00000018", got)
	}
}

func TestX86_CPUID(t *testing.T) {
	r := newFlatRig(t)
	r.cpu.EAX = 0
	r.code(0x0F, 0xA2, 0x0F, 0xA2) // CPUID; CPUID
	r.step(1)
	vendor := string([]byte{
		byte(r.cpu.EBX), byte(r.cpu.EBX >> 8), byte(r.cpu.EBX >> 16), byte(r.cpu.EBX >> 24),
		byte(r.cpu.EDX), byte(r.cpu.EDX >> 8), byte(r.cpu.EDX >> 16), byte(r.cpu.EDX >> 24),
		byte(r.cpu.ECX), byte(r.cpu.ECX >> 8), byte(r.cpu.ECX >> 16), byte(r.cpu.ECX >> 24),
	})
	if vendor != "GenuineIntel" {
		t.Errorf("CPUID vendor: got %q, want GenuineIntel", vendor)
	}
	r.cpu.EAX = 1
	r.step(1)
	if r.cpu.EAX>>8&0xF != 4 {
		t.Errorf("CPUID family: got %d, want 4", r.cpu.EAX>>8&0xF)
	}
}

func TestX86_UndefinedOpcode(t *testing.T) {
	r := newFlatRig(t)
	r.setupIDT(0)
	r.code(0x0F, 0xFF) // undefined
	r.step(1)
	if r.cpu.EIP != handlerAddr(x86ExcUD) {
		t.Errorf("EIP: got 0x%08X, want #UD handler 0x%08X", r.cpu.EIP, handlerAddr(x86ExcUD))
	}
	if r.stack(0) != testCodeBase {
		t.Errorf("#UD return address: got 0x%08X, want 0x%08X", r.stack(0), testCodeBase)
	}
}

func TestX86_FPUEscapeWithoutCoprocessor(t *testing.T) {
	r := newFlatRig(t)
	r.setupIDT(0)
	r.cpu.CR0 |= x86CR0EM
	r.code(0xD9, 0xC0) // FLD ST0
	r.step(1)
	if r.cpu.EIP != handlerAddr(x86ExcNM) {
		t.Errorf("EIP: got 0x%08X, want #NM handler 0x%08X", r.cpu.EIP, handlerAddr(x86ExcNM))
	}
}
