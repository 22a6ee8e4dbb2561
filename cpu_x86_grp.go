// cpu_x86_grp.go - x86 CPU Group Opcode Implementations (Grp1-5, Grp8, shifts, bit ops)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "math/bits"

// =============================================================================
// Group 1 (ADD, OR, ADC, SBB, AND, SUB, XOR, CMP)
// =============================================================================

// opGrp1 is r/m op imm, with an immediate of width immW sign-extended to w.
func (c *CPU_X86) opGrp1(w, immW x86Width) error {
	c.fetchModRM()
	a, err := c.readRM(w)
	if err != nil {
		return err
	}
	imm := immW.signExtend(c.fetchImm(immW)) & w.mask()
	op := int(c.modrmReg())
	r := c.alu(op, w, a, imm)
	if op == aluCMP {
		return nil
	}
	return c.writeRM(w, r)
}

// =============================================================================
// Group 2 (ROL, ROR, RCL, RCR, SHL, SHR, SAL, SAR)
// =============================================================================

const (
	grp2CountOne = iota
	grp2CountCL
	grp2CountImm
)

func (c *CPU_X86) opGrp2(w x86Width, src int) error {
	c.fetchModRM()
	var count uint32
	switch src {
	case grp2CountOne:
		count = 1
	case grp2CountCL:
		count = c.ECX & 0xFF
	default:
		count = uint32(c.fetch8())
	}
	v, err := c.readRM(w)
	if err != nil {
		return err
	}
	if count&0x1F == 0 {
		return nil
	}
	return c.writeRM(w, c.shiftRotate(c.modrmReg(), w, v, count))
}

// =============================================================================
// Group 3 (TEST, NOT, NEG, MUL, IMUL, DIV, IDIV)
// =============================================================================

func (c *CPU_X86) opGrp3(w x86Width) error {
	c.fetchModRM()
	v, err := c.readRM(w)
	if err != nil {
		return err
	}
	switch c.modrmReg() {
	case 0, 1: // TEST
		c.logic(w, v&c.fetchImm(w))
	case 2: // NOT
		return c.writeRM(w, ^v&w.mask())
	case 3: // NEG
		return c.writeRM(w, c.neg(w, v))
	case 4:
		c.mul(w, v)
	case 5:
		c.imul1(w, v)
	case 6:
		return c.div(w, v)
	case 7:
		return c.idiv(w, v)
	}
	return nil
}

// =============================================================================
// Group 4 (INC/DEC Eb) and Group 5
// =============================================================================

func (c *CPU_X86) opGrp4() error {
	c.fetchModRM()
	op := c.modrmReg()
	if op > 1 {
		return x86UD()
	}
	v, err := c.readRM(x86W8)
	if err != nil {
		return err
	}
	if op == 0 {
		return c.writeRM(x86W8, c.inc(x86W8, v))
	}
	return c.writeRM(x86W8, c.dec(x86W8, v))
}

func (c *CPU_X86) opGrp5(w x86Width) error {
	c.fetchModRM()
	op := c.modrmReg()
	if op == 7 {
		return x86UD()
	}
	if (op == 3 || op == 5) && c.modrmIsReg() {
		return x86UD()
	}
	if op == 3 || op == 5 {
		off, err := c.readMem(w, c.eaSeg, c.eaOffset)
		if err != nil {
			return err
		}
		sel, err := c.readMem(x86W16, c.eaSeg, c.eaAddr(uint32(w)))
		if err != nil {
			return err
		}
		if op == 3 {
			return c.farCall(uint16(sel), off, w)
		}
		return c.farJump(uint16(sel), off)
	}

	v, err := c.readRM(w)
	if err != nil {
		return err
	}
	switch op {
	case 0:
		return c.writeRM(w, c.inc(w, v))
	case 1:
		return c.writeRM(w, c.dec(w, v))
	case 2: // CALL near indirect
		if err := c.push(w, c.EIP); err != nil {
			return err
		}
		c.branch(v)
	case 4: // JMP near indirect
		c.branch(v)
	case 6:
		return c.push(w, v)
	}
	return nil
}

// =============================================================================
// IMUL, SETcc, MOVZX/MOVSX
// =============================================================================

func (c *CPU_X86) opIMUL_Gv_Ev(w x86Width) error {
	c.fetchModRM()
	b, err := c.readRM(w)
	if err != nil {
		return err
	}
	reg := c.modrmReg()
	c.setReg(w, reg, c.imul(w, c.getReg(w, reg), b))
	return nil
}

func (c *CPU_X86) opSETcc(cc byte) error {
	c.fetchModRM()
	var v uint32
	if c.testCC(cc) {
		v = 1
	}
	return c.writeRM(x86W8, v)
}

// opMOVX loads a src-width operand into a w-width register, zero- or
// sign-extended.
func (c *CPU_X86) opMOVX(w, src x86Width, signed bool) error {
	c.fetchModRM()
	v, err := c.readRM(src)
	if err != nil {
		return err
	}
	if signed {
		v = src.signExtend(v)
	}
	c.setReg(w, c.modrmReg(), v&w.mask())
	return nil
}

// =============================================================================
// Bit test (BT, BTS, BTR, BTC)
// =============================================================================

// bitOp applies BT (0), BTS (1), BTR (2) or BTC (3) to bit of the r/m
// operand. A register-supplied bit offset on a memory operand is signed and
// may address outside the operand; the immediate form wraps within it.
func (c *CPU_X86) bitOp(op byte, w x86Width, bit uint32, regOffset bool) error {
	width := uint32(w.bits())
	if regOffset && !c.modrmIsReg() {
		shift := uint(4)
		if w == x86W32 {
			shift = 5
		}
		words := int32(w.signExtend(bit)) >> shift
		c.eaOffset = c.eaAddr(uint32(words * int32(w)))
	}
	bit &= width - 1
	v, err := c.readRM(w)
	if err != nil {
		return err
	}
	mask := uint32(1) << bit
	cf := v&mask != 0
	switch op & 3 {
	case 1:
		v |= mask
	case 2:
		v &^= mask
	case 3:
		v ^= mask
	}
	if op&3 != 0 {
		if err := c.writeRM(w, v); err != nil {
			return err
		}
	}
	c.setFlag(x86FlagCF, cf)
	return nil
}

func (c *CPU_X86) opBT_Ev_Gv(op byte, w x86Width) error {
	c.fetchModRM()
	return c.bitOp(op, w, c.getReg(w, c.modrmReg()), true)
}

// opGrp8 is BT/BTS/BTR/BTC r/m, imm8.
func (c *CPU_X86) opGrp8(w x86Width) error {
	c.fetchModRM()
	op := c.modrmReg()
	if op < 4 {
		return x86UD()
	}
	return c.bitOp(op-4, w, uint32(c.fetch8()), false)
}

func (c *CPU_X86) opBSF(w x86Width) error {
	c.fetchModRM()
	v, err := c.readRM(w)
	if err != nil {
		return err
	}
	if idx, ok := c.bsf(w, v); ok {
		c.setReg(w, c.modrmReg(), idx)
	}
	return nil
}

func (c *CPU_X86) opBSR(w x86Width) error {
	c.fetchModRM()
	v, err := c.readRM(w)
	if err != nil {
		return err
	}
	if idx, ok := c.bsr(w, v); ok {
		c.setReg(w, c.modrmReg(), idx)
	}
	return nil
}

// =============================================================================
// SHLD/SHRD
// =============================================================================

func (c *CPU_X86) opSHxD(w x86Width, left, byCL bool) error {
	c.fetchModRM()
	var count uint32
	if byCL {
		count = c.ECX & 0xFF
	} else {
		count = uint32(c.fetch8())
	}
	dst, err := c.readRM(w)
	if err != nil {
		return err
	}
	if count&0x1F == 0 {
		return nil
	}
	src := c.getReg(w, c.modrmReg())
	if left {
		return c.writeRM(w, c.shld(w, dst, src, count))
	}
	return c.writeRM(w, c.shrd(w, dst, src, count))
}

// =============================================================================
// CMPXCHG, XADD, BSWAP
// =============================================================================

// opCMPXCHG always writes the destination, as the bus cycle is locked
// whether or not the compare succeeds.
func (c *CPU_X86) opCMPXCHG(w x86Width) error {
	c.fetchModRM()
	dst, err := c.readRM(w)
	if err != nil {
		return err
	}
	c.alu(aluCMP, w, c.getReg(w, 0), dst)
	if c.ZF() {
		return c.writeRM(w, c.getReg(w, c.modrmReg()))
	}
	if err := c.writeRM(w, dst); err != nil {
		return err
	}
	c.setReg(w, 0, dst)
	return nil
}

func (c *CPU_X86) opXADD(w x86Width) error {
	c.fetchModRM()
	dst, err := c.readRM(w)
	if err != nil {
		return err
	}
	reg := c.modrmReg()
	sum := c.alu(aluADD, w, dst, c.getReg(w, reg))
	if c.modrmIsReg() {
		c.setReg(w, reg, dst)
		c.setReg(w, c.modrmRM(), sum)
		return nil
	}
	if err := c.writeRM(w, sum); err != nil {
		return err
	}
	c.setReg(w, reg, dst)
	return nil
}

// opBSWAP with a 16-bit operand is undefined; the 486 clears the low word.
func (c *CPU_X86) opBSWAP(w x86Width, reg byte) error {
	if w == x86W16 {
		c.setReg(x86W16, reg, 0)
		return nil
	}
	c.setReg(x86W32, reg, bits.ReverseBytes32(c.getReg(x86W32, reg)))
	return nil
}
