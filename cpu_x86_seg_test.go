// cpu_x86_seg_test.go - Segmentation and privilege transfer tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"testing"
)

func TestX86_LoadSegmentInsufficientDPL(t *testing.T) {
	r := newFlatRig(t)
	r.setupGDT()
	r.setupIDT(0)
	r.enterRing3()

	before := r.cpu.Seg(x86SegDS)
	r.cpu.EAX = testSelData0 | 3
	r.code(0x8E, 0xD8) // MOV DS, AX
	r.step(1)

	if r.cpu.EIP != handlerAddr(x86ExcGP) {
		t.Fatalf("EIP: got 0x%08X, want #GP handler", r.cpu.EIP)
	}
	if code := r.stack(0); code != testSelData0 {
		t.Errorf("#GP error code: got 0x%X, want 0x%X", code, testSelData0)
	}
	if r.stack(1) != testRing3Code {
		t.Errorf("faulting EIP: got 0x%08X, want 0x%08X", r.stack(1), testRing3Code)
	}
	if after := r.cpu.Seg(x86SegDS); after != before {
		t.Errorf("DS changed by a faulting load: %+v -> %+v", before, after)
	}
}

func TestX86_LoadSegmentDirect(t *testing.T) {
	r := newFlatRig(t)
	r.setupGDT()
	cpu := r.cpu

	var f *X86Fault
	err := cpu.loadSegment(x86SegSS, 0)
	if !errors.As(err, &f) || f.Vector != x86ExcGP {
		t.Errorf("null SS: got %v, want #GP", err)
	}
	if err := cpu.loadSegment(x86SegES, 0); err != nil {
		t.Errorf("null ES should load: %v", err)
	}
	if err := cpu.loadSegment(x86SegES, 0x80); !errors.As(err, &f) || f.ErrorCode != 0x80 {
		t.Errorf("selector past the GDT limit: got %v, want #GP(0x80)", err)
	}

	// Not-present data segment: #NP.
	lo, hi := segDesc(0, 0xFFFFF, 0x12, 0xC)
	r.mem.Write32(testGDTBase+0x20, lo)
	r.mem.Write32(testGDTBase+0x24, hi)
	err = cpu.loadSegment(x86SegDS, testSelData3)
	if !errors.As(err, &f) || f.Vector != x86ExcNP {
		t.Errorf("not-present segment: got %v, want #NP", err)
	}
}

func TestX86_RealModeSegments(t *testing.T) {
	r := newRealRig(t)
	r.cpu.EAX = 0x1234
	r.code(0x8E, 0xC0) // MOV ES, AX
	r.step(1)
	if es := r.cpu.Seg(x86SegES); es.Selector != 0x1234 || es.Base != 0x12340 {
		t.Errorf("ES: got %04X base %08X, want 1234 base 00012340", es.Selector, es.Base)
	}
}

// CALL FAR through a ring 3 call gate to a ring 0 code segment.
func TestX86_CallGateToRing0(t *testing.T) {
	r := newFlatRig(t)
	r.setupGDT()
	r.setupIDT(0)
	r.enterRing3()
	r.poke(testGateTarget, 0xF4)

	r.code(0x9A, 0x00, 0x00, 0x00, 0x00, testSelGate|3, 0x00) // CALL 0033:00000000
	r.step(1)

	if r.cpu.CPL() != 0 || r.cpu.EIP != testGateTarget {
		t.Fatalf("after CALL: CPL=%d EIP=0x%08X, want CPL 0 at 0x%08X", r.cpu.CPL(), r.cpu.EIP, testGateTarget)
	}
	if ss := r.cpu.Seg(x86SegSS); ss.Selector != testSelData0 {
		t.Errorf("SS: got 0x%04X, want 0x%04X from the TSS", ss.Selector, testSelData0)
	}
	if r.cpu.ESP != testRing0Stack-16 {
		t.Errorf("ESP: got 0x%08X, want 0x%08X", r.cpu.ESP, testRing0Stack-16)
	}
	want := []uint32{testRing3Code + 7, testSelCode3 | 3, testRing3Stack, testSelData3 | 3}
	for i, w := range want {
		if got := r.stack(i); got != w {
			t.Errorf("frame[%d]: got 0x%08X, want 0x%08X", i, got, w)
		}
	}

	// RETF back to ring 3 restores SS:ESP from the frame.
	r.poke(testGateTarget, 0xCB)
	r.step(1)
	if r.cpu.CPL() != 3 || r.cpu.EIP != testRing3Code+7 || r.cpu.ESP != testRing3Stack {
		t.Errorf("after RETF: CPL=%d EIP=0x%08X ESP=0x%08X", r.cpu.CPL(), r.cpu.EIP, r.cpu.ESP)
	}
	if ss := r.cpu.Seg(x86SegSS); ss.Selector != testSelData3|3 {
		t.Errorf("SS after RETF: got 0x%04X, want 0x%04X", ss.Selector, testSelData3|3)
	}
}

func TestX86_CallGateDPLTooLow(t *testing.T) {
	r := newFlatRig(t)
	r.setupGDT()
	r.setupIDT(0)
	// Gate DPL 0 cannot be called from ring 3.
	lo, hi := gateDesc(testSelCode0, testGateTarget, x86SysCallGate3, 0, 0)
	r.mem.Write32(testGDTBase+testSelGate, lo)
	r.mem.Write32(testGDTBase+testSelGate+4, hi)
	r.enterRing3()

	r.code(0x9A, 0x00, 0x00, 0x00, 0x00, testSelGate|3, 0x00)
	r.step(1)
	if r.cpu.EIP != handlerAddr(x86ExcGP) {
		t.Fatalf("EIP: got 0x%08X, want #GP handler", r.cpu.EIP)
	}
	if r.stack(0) != testSelGate {
		t.Errorf("#GP error code: got 0x%X, want 0x%X", r.stack(0), testSelGate)
	}
}

func TestX86_PrivilegedInstructionsAtRing3(t *testing.T) {
	cases := []struct {
		name string
		code []byte
	}{
		{"HLT", []byte{0xF4}},
		{"CLI", []byte{0xFA}},
		{"MOV CR0, EAX", []byte{0x0F, 0x22, 0xC0}},
		{"LGDT", []byte{0x0F, 0x01, 0x15, 0x00, 0x00, 0x02, 0x00}},
	}
	for _, tc := range cases {
		r := newFlatRig(t)
		r.setupGDT()
		r.setupIDT(0)
		r.enterRing3()
		r.code(tc.code...)
		r.step(1)
		if r.cpu.EIP != handlerAddr(x86ExcGP) {
			t.Errorf("%s at CPL 3: EIP 0x%08X, want #GP handler", tc.name, r.cpu.EIP)
		}
	}
}

func TestX86_IOPermissionBitmap(t *testing.T) {
	r := newFlatRig(t)
	r.setupGDT()
	r.setupIDT(0)
	// Extend the TSS to carry a bitmap at offset 0x68 covering ports 0-63.
	lo, hi := segDesc(testTSSBase, 0x68+8, 0x89, 0)
	r.mem.Write32(testGDTBase+testSelTSS, lo)
	r.mem.Write32(testGDTBase+testSelTSS+4, hi)
	r.mem.Write16(testTSSBase+0x66, 0x68)
	for i := uint32(0); i < 8; i++ {
		r.mem.Write8(testTSSBase+0x68+i, 0xFF)
	}
	r.mem.Write8(testTSSBase+0x68+8, 0xFF)
	r.mem.Write8(testTSSBase+0x68+4, 0xFE) // port 0x20 allowed

	var hits int
	if err := r.ports.Register8(0x20, func(uint16) byte { hits++; return 0x5A }, nil); err != nil {
		t.Fatal(err)
	}
	r.enterRing3()

	r.code(0xE4, 0x20, 0xE4, 0x21) // IN AL, 0x20; IN AL, 0x21
	r.step(1)
	if r.cpu.AL() != 0x5A || hits != 1 {
		t.Errorf("IN 0x20 permitted by the bitmap: AL=0x%02X hits=%d", r.cpu.AL(), hits)
	}
	r.step(1)
	if r.cpu.EIP != handlerAddr(x86ExcGP) {
		t.Errorf("IN 0x21 denied by the bitmap: EIP 0x%08X, want #GP handler", r.cpu.EIP)
	}
}

func TestX86_LARLSLVERR(t *testing.T) {
	r := newFlatRig(t)
	r.setupGDT()
	r.cpu.ECX = testSelCode3 | 3
	r.code(
		0x0F, 0x03, 0xC1, // LSL EAX, ECX
		0x0F, 0x02, 0xD1, // LAR EDX, ECX
		0x0F, 0x00, 0xE1, // VERR CX
	)
	r.step(1)
	if !r.cpu.ZF() || r.cpu.EAX != 0xFFFFFFFF {
		t.Errorf("LSL: got 0x%08X ZF=%v, want 0xFFFFFFFF ZF set", r.cpu.EAX, r.cpu.ZF())
	}
	r.step(1)
	if !r.cpu.ZF() || r.cpu.EDX&0xFF00 != 0xFA00 {
		t.Errorf("LAR: got 0x%08X ZF=%v, want access byte 0xFA", r.cpu.EDX, r.cpu.ZF())
	}
	r.step(1)
	if !r.cpu.ZF() {
		t.Error("VERR of a readable code segment should set ZF")
	}

	r.cpu.ECX = 0x80 // past the GDT limit
	r.code(0x0F, 0x03, 0xC1)
	r.step(1)
	if r.cpu.ZF() {
		t.Error("LSL of an invalid selector should clear ZF")
	}
}
