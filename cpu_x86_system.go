// cpu_x86_system.go - Two-byte opcode map and system instructions
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "errors"

const x86CR4TSD = 1 << 2 // RDTSC restricted to CPL 0

// CPUID identification
const (
	x86CPUIDSignature = 0x00000402 // family 4, model 0, stepping 2
	x86CPUIDFeatures  = 1 << 4     // TSC
)

// initExtendedOps fills the 0F xx opcode map.
func (c *CPU_X86) initExtendedOps() {
	c.setOpV(0x100, withWidth((*CPU_X86).opGrp6))
	c.setOpV(0x101, withWidth((*CPU_X86).opGrp7))
	c.setOpV(0x102, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opLARLSL(w, false) }
	})
	c.setOpV(0x103, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opLARLSL(w, true) }
	})
	c.setOp(0x106, func(c *CPU_X86) error {
		if err := c.requireCPL0(); err != nil {
			return err
		}
		c.CR0 &^= x86CR0TS
		return nil
	})
	// INVD, WBINVD: there is no cache to invalidate.
	c.setOp(0x108, (*CPU_X86).requireCPL0)
	c.setOp(0x109, (*CPU_X86).requireCPL0)

	c.setOp(0x120, (*CPU_X86).opMOV_R_CR)
	c.setOp(0x121, (*CPU_X86).opMOV_R_DR)
	c.setOp(0x122, (*CPU_X86).opMOV_CR_R)
	c.setOp(0x123, (*CPU_X86).opMOV_DR_R)
	c.setOp(0x131, (*CPU_X86).opRDTSC)

	for cc := 0; cc < 16; cc++ {
		cond := byte(cc)
		c.setOpV(0x180+cc, func(w x86Width) x86Op {
			return func(c *CPU_X86) error {
				disp := w.signExtend(c.fetchImm(w))
				if c.testCC(cond) {
					c.branch(c.EIP + disp)
				}
				return nil
			}
		})
		c.setOp(0x190+cc, func(c *CPU_X86) error { return c.opSETcc(cond) })
	}

	for _, e := range []struct{ push, pop, seg int }{
		{0x1A0, 0x1A1, x86SegFS},
		{0x1A8, 0x1A9, x86SegGS},
	} {
		seg := e.seg
		c.setOpV(e.push, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opPUSH_Sreg(seg, w) }
		})
		c.setOpV(e.pop, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opPOP_Sreg(seg, w) }
		})
	}
	c.setOp(0x1A2, (*CPU_X86).opCPUID)

	for i, op := range []int{0x1A3, 0x1AB, 0x1B3, 0x1BB} {
		bitop := byte(i)
		c.setOpV(op, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opBT_Ev_Gv(bitop, w) }
		})
	}
	c.setOpV(0x1A4, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opSHxD(w, true, false) }
	})
	c.setOpV(0x1A5, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opSHxD(w, true, true) }
	})
	c.setOpV(0x1AC, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opSHxD(w, false, false) }
	})
	c.setOpV(0x1AD, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opSHxD(w, false, true) }
	})
	c.setOpV(0x1AF, withWidth((*CPU_X86).opIMUL_Gv_Ev))
	c.setOpBV(0x1B0, withWidth((*CPU_X86).opCMPXCHG))
	for op, seg := range map[int]int{0x1B2: x86SegSS, 0x1B4: x86SegFS, 0x1B5: x86SegGS} {
		c.setOpV(op, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.loadFarPointer(seg, w) }
		})
	}
	c.setOpV(0x1B6, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opMOVX(w, x86W8, false) }
	})
	c.setOpV(0x1B7, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opMOVX(w, x86W16, false) }
	})
	c.setOpV(0x1BA, withWidth((*CPU_X86).opGrp8))
	c.setOpV(0x1BC, withWidth((*CPU_X86).opBSF))
	c.setOpV(0x1BD, withWidth((*CPU_X86).opBSR))
	c.setOpV(0x1BE, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opMOVX(w, x86W8, true) }
	})
	c.setOpV(0x1BF, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opMOVX(w, x86W16, true) }
	})
	c.setOpBV(0x1C0, withWidth((*CPU_X86).opXADD))
	for r := byte(0); r < 8; r++ {
		reg := r
		c.setOpV(0x1C8+int(r), func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opBSWAP(w, reg) }
		})
	}
}

// requireCPL0 gates privileged instructions. Real mode runs at CPL 0 and
// virtual-8086 mode at CPL 3.
func (c *CPU_X86) requireCPL0() error {
	if c.protectedMode() && c.cpl != 0 {
		return x86GP(0)
	}
	return nil
}

// requireProtected rejects the descriptor-table instructions that only
// exist in protected mode.
func (c *CPU_X86) requireProtected() error {
	if !c.protectedMode() || c.v86Mode() {
		return x86UD()
	}
	return nil
}

// storeSelector writes a selector the way SLDT, STR and SMSW do: a
// register destination is written at the operand size, memory gets a word.
func (c *CPU_X86) storeSelector(w x86Width, v uint32) error {
	if c.modrmIsReg() {
		c.setReg(w, c.modrmRM(), v&0xFFFF)
		return nil
	}
	return c.writeRM(x86W16, v)
}

// =============================================================================
// Group 6 (SLDT, STR, LLDT, LTR, VERR, VERW)
// =============================================================================

func (c *CPU_X86) opGrp6(w x86Width) error {
	if err := c.requireProtected(); err != nil {
		return err
	}
	c.fetchModRM()
	switch c.modrmReg() {
	case 0:
		return c.storeSelector(w, uint32(c.ldtr.Selector))
	case 1:
		return c.storeSelector(w, uint32(c.tr.Selector))
	case 2:
		return c.opLLDT()
	case 3:
		return c.opLTR()
	case 4:
		return c.opVERx(false)
	case 5:
		return c.opVERx(true)
	}
	return x86UD()
}

func (c *CPU_X86) opLLDT() error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	v, err := c.readRM(x86W16)
	if err != nil {
		return err
	}
	sel := uint16(v)
	if sel&0xFFFC == 0 {
		c.ldtr = X86Segment{Selector: sel}
		return nil
	}
	code := uint32(sel & 0xFFFC)
	if sel&4 != 0 {
		return x86GP(code)
	}
	d, err := c.loadDescriptor(sel)
	if err != nil {
		return err
	}
	if !d.system() || d.sysType() != x86SysLDT {
		return x86GP(code)
	}
	if !d.present() {
		return x86FaultCode(x86ExcNP, code)
	}
	c.ldtr = d.segment(sel)
	return nil
}

// opLTR loads the task register and marks the TSS descriptor busy.
func (c *CPU_X86) opLTR() error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	v, err := c.readRM(x86W16)
	if err != nil {
		return err
	}
	sel := uint16(v)
	code := uint32(sel & 0xFFFC)
	if sel&0xFFFC == 0 || sel&4 != 0 {
		return x86GP(code)
	}
	d, err := c.loadDescriptor(sel)
	if err != nil {
		return err
	}
	if !d.system() || (d.sysType() != x86SysTSS16 && d.sysType() != x86SysTSS32) {
		return x86GP(code)
	}
	if !d.present() {
		return x86FaultCode(x86ExcNP, code)
	}
	d.hi |= 2 << 8
	if err := c.writeSys(x86W32, c.descriptorAddr(sel)+4, d.hi); err != nil {
		return err
	}
	c.tr = d.segment(sel)
	return nil
}

// descriptorVisible reports whether the segment sel names may be examined
// from the current privilege level by LAR, LSL, VERR and VERW.
func (c *CPU_X86) descriptorVisible(sel uint16, d x86Descriptor) bool {
	if !d.system() && d.code() && d.conforming() {
		return true
	}
	return d.dpl() >= c.cpl && d.dpl() >= uint8(sel&3)
}

// probeDescriptor loads sel for LAR/LSL/VERR/VERW. A null or out-of-table
// selector is reported as not found rather than faulting.
func (c *CPU_X86) probeDescriptor(sel uint16) (x86Descriptor, bool, error) {
	if sel&0xFFFC == 0 {
		return x86Descriptor{}, false, nil
	}
	d, err := c.loadDescriptor(sel)
	if err != nil {
		var f *X86Fault
		if errors.As(err, &f) && f.Vector == x86ExcGP {
			return x86Descriptor{}, false, nil
		}
		return x86Descriptor{}, false, err
	}
	if !c.descriptorVisible(sel, d) {
		return x86Descriptor{}, false, nil
	}
	return d, true, nil
}

func (c *CPU_X86) opVERx(write bool) error {
	v, err := c.readRM(x86W16)
	if err != nil {
		return err
	}
	d, ok, err := c.probeDescriptor(uint16(v))
	if err != nil {
		return err
	}
	if ok && !d.system() {
		if write {
			ok = d.writableData()
		} else {
			ok = d.readable()
		}
	} else {
		ok = false
	}
	c.setFlag(x86FlagZF, ok)
	return nil
}

// opLARLSL implements LAR (lsl false) and LSL.
func (c *CPU_X86) opLARLSL(w x86Width, lsl bool) error {
	if err := c.requireProtected(); err != nil {
		return err
	}
	c.fetchModRM()
	v, err := c.readRM(x86W16)
	if err != nil {
		return err
	}
	d, ok, err := c.probeDescriptor(uint16(v))
	if err != nil {
		return err
	}
	if ok && d.system() {
		switch d.sysType() {
		case x86SysTSS16, x86SysLDT, x86SysTSS16Busy, x86SysTSS32, x86SysTSS32Busy:
		case x86SysCallGate, x86SysTaskGate, x86SysCallGate3:
			ok = !lsl
		default:
			ok = false
		}
	}
	c.setFlag(x86FlagZF, ok)
	if !ok {
		return nil
	}
	if lsl {
		c.setReg(w, c.modrmReg(), d.limit())
	} else {
		c.setReg(w, c.modrmReg(), d.hi&0x00FFFF00)
	}
	return nil
}

// =============================================================================
// Group 7 (SGDT, SIDT, LGDT, LIDT, SMSW, LMSW, INVLPG)
// =============================================================================

func (c *CPU_X86) opGrp7(w x86Width) error {
	c.fetchModRM()
	op := c.modrmReg()
	switch op {
	case 0, 1: // SGDT, SIDT
		if c.modrmIsReg() {
			return x86UD()
		}
		t := c.gdtr
		if op == 1 {
			t = c.idtr
		}
		base := t.Base
		if w == x86W16 {
			base &= 0x00FFFFFF
		}
		if err := c.writeMem(x86W16, c.eaSeg, c.eaOffset, uint32(t.Limit)); err != nil {
			return err
		}
		return c.writeMem(x86W32, c.eaSeg, c.eaAddr(2), base)
	case 2, 3: // LGDT, LIDT
		if c.modrmIsReg() {
			return x86UD()
		}
		if err := c.requireCPL0(); err != nil {
			return err
		}
		limit, err := c.readMem(x86W16, c.eaSeg, c.eaOffset)
		if err != nil {
			return err
		}
		base, err := c.readMem(x86W32, c.eaSeg, c.eaAddr(2))
		if err != nil {
			return err
		}
		if w == x86W16 {
			base &= 0x00FFFFFF
		}
		t := X86TableReg{Base: base, Limit: uint16(limit)}
		if op == 2 {
			c.gdtr = t
		} else {
			c.idtr = t
		}
		return nil
	case 4: // SMSW
		return c.storeSelector(w, c.CR0)
	case 6: // LMSW
		if err := c.requireCPL0(); err != nil {
			return err
		}
		v, err := c.readRM(x86W16)
		if err != nil {
			return err
		}
		// PE can be set but not cleared.
		cr0 := c.CR0&^(x86CR0MP|x86CR0EM|x86CR0TS) | v&(x86CR0PE|x86CR0MP|x86CR0EM|x86CR0TS)
		return c.setCR0(cr0)
	case 7: // INVLPG
		if c.modrmIsReg() {
			return x86UD()
		}
		if err := c.requireCPL0(); err != nil {
			return err
		}
		c.flushTLBPage(c.segs[c.eaSeg].Base + c.eaOffset)
		return nil
	}
	return x86UD()
}

// =============================================================================
// Control and debug registers
// =============================================================================

// setCR0 installs a new CR0. Paging without protection is refused, and any
// change to PE, PG or WP invalidates the TLB.
func (c *CPU_X86) setCR0(v uint32) error {
	if v&x86CR0PG != 0 && v&x86CR0PE == 0 {
		return x86GP(0)
	}
	v |= x86CR0ET
	changed := c.CR0 ^ v
	c.CR0 = v
	if changed&x86CR0PE != 0 && v&x86CR0PE == 0 {
		c.setCPL(0)
	}
	if changed&(x86CR0PE|x86CR0PG|x86CR0WP) != 0 {
		c.flushTLB()
	}
	return nil
}

// crModRM reads the ModR/M byte of MOV to/from CRn/DRn. The mod field is
// ignored: the operand is always a register.
func (c *CPU_X86) crModRM() error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	c.modrm = c.fetch8() | 0xC0
	return nil
}

func (c *CPU_X86) opMOV_R_CR() error {
	if err := c.crModRM(); err != nil {
		return err
	}
	var v uint32
	switch c.modrmReg() {
	case 0:
		v = c.CR0
	case 2:
		v = c.CR2
	case 3:
		v = c.CR3
	case 4:
		v = c.CR4
	default:
		return x86UD()
	}
	c.setReg(x86W32, c.modrmRM(), v)
	return nil
}

func (c *CPU_X86) opMOV_CR_R() error {
	if err := c.crModRM(); err != nil {
		return err
	}
	v := c.getReg(x86W32, c.modrmRM())
	switch c.modrmReg() {
	case 0:
		return c.setCR0(v)
	case 2:
		c.CR2 = v
	case 3:
		c.CR3 = v
		c.flushTLB()
	case 4:
		if v != c.CR4 {
			c.CR4 = v
			c.flushTLB()
		}
	default:
		return x86UD()
	}
	return nil
}

// debugIndex folds DR4/DR5 onto DR6/DR7.
func debugIndex(n byte) byte {
	if n == 4 || n == 5 {
		return n + 2
	}
	return n
}

func (c *CPU_X86) opMOV_R_DR() error {
	if err := c.crModRM(); err != nil {
		return err
	}
	c.setReg(x86W32, c.modrmRM(), c.DR[debugIndex(c.modrmReg())])
	return nil
}

func (c *CPU_X86) opMOV_DR_R() error {
	if err := c.crModRM(); err != nil {
		return err
	}
	c.DR[debugIndex(c.modrmReg())] = c.getReg(x86W32, c.modrmRM())
	return nil
}

// =============================================================================
// Identification and time stamp
// =============================================================================

// opRDTSC reports the cycle counter.
func (c *CPU_X86) opRDTSC() error {
	if c.CR4&x86CR4TSD != 0 && c.protectedMode() && c.cpl != 0 {
		return x86GP(0)
	}
	c.EAX = uint32(c.Cycles)
	c.EDX = uint32(c.Cycles >> 32)
	return nil
}

func (c *CPU_X86) opCPUID() error {
	switch c.EAX {
	case 0:
		c.EAX = 1
		c.EBX = 0x756E6547 // "Genu"
		c.EDX = 0x49656E69 // "ineI"
		c.ECX = 0x6C65746E // "ntel"
	case 1:
		c.EAX = x86CPUIDSignature
		c.EBX = 0
		c.ECX = 0
		c.EDX = x86CPUIDFeatures
	default:
		c.EAX, c.EBX, c.ECX, c.EDX = 0, 0, 0, 0
	}
	return nil
}
