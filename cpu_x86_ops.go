// cpu_x86_ops.go - x86 CPU Instruction Implementations (one-byte opcode map)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// withWidth adapts a width-parameterized handler to the dispatch helpers.
func withWidth(fn func(*CPU_X86, x86Width) error) func(x86Width) x86Op {
	return func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return fn(c, w) }
	}
}

// initBaseOps fills the one-byte opcode map.
func (c *CPU_X86) initBaseOps() {
	for i := 0; i < 8; i++ {
		op, base := i, i<<3
		c.setOpBV(base, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opALU_E_G(op, w) }
		})
		c.setOpBV(base+2, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opALU_G_E(op, w) }
		})
		c.setOpBV(base+4, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opALU_Acc_Imm(op, w) }
		})
	}

	// Segment push/pop
	for _, e := range []struct {
		push, pop int
		seg       int
	}{
		{0x06, 0x07, x86SegES},
		{0x0E, -1, x86SegCS},
		{0x16, 0x17, x86SegSS},
		{0x1E, 0x1F, x86SegDS},
	} {
		seg := e.seg
		c.setOpV(e.push, func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.opPUSH_Sreg(seg, w) }
		})
		if e.pop >= 0 {
			c.setOpV(e.pop, func(w x86Width) x86Op {
				return func(c *CPU_X86) error { return c.opPOP_Sreg(seg, w) }
			})
		}
	}

	c.setOp(0x27, func(c *CPU_X86) error { c.daa(); return nil })
	c.setOp(0x2F, func(c *CPU_X86) error { c.das(); return nil })
	c.setOp(0x37, func(c *CPU_X86) error { c.aaa(); return nil })
	c.setOp(0x3F, func(c *CPU_X86) error { c.aas(); return nil })

	for r := byte(0); r < 8; r++ {
		reg := r
		c.setOpV(0x40+int(r), func(w x86Width) x86Op {
			return func(c *CPU_X86) error {
				c.setReg(w, reg, c.inc(w, c.getReg(w, reg)))
				return nil
			}
		})
		c.setOpV(0x48+int(r), func(w x86Width) x86Op {
			return func(c *CPU_X86) error {
				c.setReg(w, reg, c.dec(w, c.getReg(w, reg)))
				return nil
			}
		})
		c.setOpV(0x50+int(r), func(w x86Width) x86Op {
			return func(c *CPU_X86) error { return c.push(w, c.getReg(w, reg)) }
		})
		c.setOpV(0x58+int(r), func(w x86Width) x86Op {
			return func(c *CPU_X86) error {
				v, err := c.pop(w)
				if err != nil {
					return err
				}
				c.setReg(w, reg, v)
				return nil
			}
		})
		c.setOpV(0xB8+int(r), func(w x86Width) x86Op {
			return func(c *CPU_X86) error {
				c.setReg(w, reg, c.fetchImm(w))
				return nil
			}
		})
		c.setOp(0xB0+int(r), func(c *CPU_X86) error {
			c.setReg8(reg, c.fetch8())
			return nil
		})
		if r != 0 {
			c.setOpV(0x90+int(r), func(w x86Width) x86Op {
				return func(c *CPU_X86) error {
					a := c.getReg(w, 0)
					c.setReg(w, 0, c.getReg(w, reg))
					c.setReg(w, reg, a)
					return nil
				}
			})
		}
	}

	c.setOpV(0x60, withWidth((*CPU_X86).opPUSHA))
	c.setOpV(0x61, withWidth((*CPU_X86).opPOPA))
	c.setOpV(0x62, withWidth((*CPU_X86).opBOUND))
	c.setOp(0x63, (*CPU_X86).opARPL)
	c.setOpV(0x68, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.push(w, c.fetchImm(w)) }
	})
	c.setOpV(0x69, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opIMUL_Gv_Ev_Imm(w, w) }
	})
	c.setOpV(0x6A, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.push(w, x86W8.signExtend(uint32(c.fetch8()))) }
	})
	c.setOpV(0x6B, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opIMUL_Gv_Ev_Imm(w, x86W8) }
	})
	c.setOpBV(0x6C, withWidth((*CPU_X86).opINS))
	c.setOpBV(0x6E, withWidth((*CPU_X86).opOUTS))

	for cc := 0; cc < 16; cc++ {
		cond := byte(cc)
		c.setOp(0x70+cc, func(c *CPU_X86) error {
			disp := x86W8.signExtend(uint32(c.fetch8()))
			if c.testCC(cond) {
				c.branch(c.EIP + disp)
			}
			return nil
		})
	}

	c.setOp(0x80, func(c *CPU_X86) error { return c.opGrp1(x86W8, x86W8) })
	c.setOp(0x82, func(c *CPU_X86) error { return c.opGrp1(x86W8, x86W8) })
	c.setOpV(0x81, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opGrp1(w, w) }
	})
	c.setOpV(0x83, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opGrp1(w, x86W8) }
	})
	c.setOpBV(0x84, withWidth((*CPU_X86).opTEST_E_G))
	c.setOpBV(0x86, withWidth((*CPU_X86).opXCHG_E_G))
	c.setOpBV(0x88, withWidth((*CPU_X86).opMOV_E_G))
	c.setOpBV(0x8A, withWidth((*CPU_X86).opMOV_G_E))
	c.setOpV(0x8C, withWidth((*CPU_X86).opMOV_Ew_Sreg))
	c.setOpV(0x8D, withWidth((*CPU_X86).opLEA))
	c.setOp(0x8E, (*CPU_X86).opMOV_Sreg_Ew)
	c.setOpV(0x8F, withWidth((*CPU_X86).opPOP_Ev))

	c.setOp(0x90, func(c *CPU_X86) error { return nil })
	c.setOpV(0x98, withWidth((*CPU_X86).opCBW))
	c.setOpV(0x99, withWidth((*CPU_X86).opCWD))
	c.setOpV(0x9A, withWidth((*CPU_X86).opCALL_Ap))
	c.setOp(0x9B, (*CPU_X86).opWAIT)
	c.setOpV(0x9C, withWidth((*CPU_X86).opPUSHF))
	c.setOpV(0x9D, withWidth((*CPU_X86).opPOPF))
	c.setOp(0x9E, (*CPU_X86).opSAHF)
	c.setOp(0x9F, func(c *CPU_X86) error {
		c.SetAH(byte(c.getFlags()))
		return nil
	})

	c.setOpBV(0xA0, withWidth((*CPU_X86).opMOV_Acc_Moffs))
	c.setOpBV(0xA2, withWidth((*CPU_X86).opMOV_Moffs_Acc))
	c.setOpBV(0xA4, withWidth((*CPU_X86).opMOVS))
	c.setOpBV(0xA6, withWidth((*CPU_X86).opCMPS))
	c.setOpBV(0xA8, withWidth((*CPU_X86).opTEST_Acc_Imm))
	c.setOpBV(0xAA, withWidth((*CPU_X86).opSTOS))
	c.setOpBV(0xAC, withWidth((*CPU_X86).opLODS))
	c.setOpBV(0xAE, withWidth((*CPU_X86).opSCAS))

	c.setOpBV(0xC0, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opGrp2(w, grp2CountImm) }
	})
	c.setOpV(0xC2, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opRET(w, uint32(c.fetch16())) }
	})
	c.setOpV(0xC3, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opRET(w, 0) }
	})
	c.setOpV(0xC4, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.loadFarPointer(x86SegES, w) }
	})
	c.setOpV(0xC5, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.loadFarPointer(x86SegDS, w) }
	})
	c.setOpBV(0xC6, withWidth((*CPU_X86).opMOV_E_Imm))
	c.setOpV(0xC8, withWidth((*CPU_X86).opENTER))
	c.setOpV(0xC9, withWidth((*CPU_X86).opLEAVE))
	c.setOpV(0xCA, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.farReturn(w, uint32(c.fetch16())) }
	})
	c.setOpV(0xCB, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.farReturn(w, 0) }
	})
	c.setOp(0xCC, func(c *CPU_X86) error { return c.softwareInterrupt(x86ExcBP) })
	c.setOp(0xCD, func(c *CPU_X86) error { return c.softwareInterrupt(c.fetch8()) })
	c.setOp(0xCE, func(c *CPU_X86) error {
		if !c.OF() {
			return nil
		}
		return c.softwareInterrupt(x86ExcOF)
	})
	c.setOpV(0xCF, withWidth((*CPU_X86).iret))

	c.setOpBV(0xD0, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opGrp2(w, grp2CountOne) }
	})
	c.setOpBV(0xD2, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opGrp2(w, grp2CountCL) }
	})
	c.setOp(0xD4, func(c *CPU_X86) error { return c.aam(c.fetch8()) })
	c.setOp(0xD5, func(c *CPU_X86) error { c.aad(c.fetch8()); return nil })
	c.setOp(0xD6, func(c *CPU_X86) error {
		if c.CF() {
			c.SetAL(0xFF)
		} else {
			c.SetAL(0)
		}
		return nil
	})
	c.setOp(0xD7, (*CPU_X86).opXLAT)
	for op := 0xD8; op <= 0xDF; op++ {
		c.setOp(op, (*CPU_X86).opESC)
	}

	c.setOp(0xE0, func(c *CPU_X86) error { return c.opLOOP(func() bool { return !c.ZF() }) })
	c.setOp(0xE1, func(c *CPU_X86) error { return c.opLOOP(c.ZF) })
	c.setOp(0xE2, func(c *CPU_X86) error { return c.opLOOP(nil) })
	c.setOp(0xE3, (*CPU_X86).opJCXZ)
	c.setOpBV(0xE4, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opIN(w, uint16(c.fetch8())) }
	})
	c.setOpBV(0xE6, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opOUT(w, uint16(c.fetch8())) }
	})
	c.setOpV(0xE8, withWidth((*CPU_X86).opCALL_rel))
	c.setOpV(0xE9, func(w x86Width) x86Op {
		return func(c *CPU_X86) error {
			disp := w.signExtend(c.fetchImm(w))
			c.branch(c.EIP + disp)
			return nil
		}
	})
	c.setOpV(0xEA, func(w x86Width) x86Op {
		return func(c *CPU_X86) error {
			off := c.fetchImm(w)
			return c.farJump(c.fetch16(), off)
		}
	})
	c.setOp(0xEB, func(c *CPU_X86) error {
		disp := x86W8.signExtend(uint32(c.fetch8()))
		c.branch(c.EIP + disp)
		return nil
	})
	c.setOpBV(0xEC, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opIN(w, c.DX()) }
	})
	c.setOpBV(0xEE, func(w x86Width) x86Op {
		return func(c *CPU_X86) error { return c.opOUT(w, c.DX()) }
	})

	c.setOp(0xF4, (*CPU_X86).opHLT)
	c.setOp(0xF5, func(c *CPU_X86) error { c.setFlag(x86FlagCF, !c.CF()); return nil })
	c.setOpBV(0xF6, withWidth((*CPU_X86).opGrp3))
	c.setOp(0xF8, func(c *CPU_X86) error { c.setFlag(x86FlagCF, false); return nil })
	c.setOp(0xF9, func(c *CPU_X86) error { c.setFlag(x86FlagCF, true); return nil })
	c.setOp(0xFA, (*CPU_X86).opCLI)
	c.setOp(0xFB, (*CPU_X86).opSTI)
	c.setOp(0xFC, func(c *CPU_X86) error { c.setFlag(x86FlagDF, false); return nil })
	c.setOp(0xFD, func(c *CPU_X86) error { c.setFlag(x86FlagDF, true); return nil })
	c.setOp(0xFE, (*CPU_X86).opGrp4)
	c.setOpV(0xFF, withWidth((*CPU_X86).opGrp5))
}

// =============================================================================
// Shared helpers
// =============================================================================

// branch sets EIP for a near transfer; 16-bit operand size truncates it.
func (c *CPU_X86) branch(eip uint32) {
	if c.opSize16 {
		eip &= 0xFFFF
	}
	c.EIP = eip
}

// dataSeg is DS unless a segment override prefix is present.
func (c *CPU_X86) dataSeg() int {
	if c.prefixSeg >= 0 {
		return c.prefixSeg
	}
	return x86SegDS
}

// countReg returns CX or ECX according to the address size.
func (c *CPU_X86) countReg() uint32 {
	if c.addrSize16 {
		return c.ECX & 0xFFFF
	}
	return c.ECX
}

func (c *CPU_X86) setCountReg(v uint32) {
	if c.addrSize16 {
		c.ECX = c.ECX&0xFFFF0000 | v&0xFFFF
	} else {
		c.ECX = v
	}
}

// fetchMemModRM decodes a ModR/M byte that must name memory.
func (c *CPU_X86) fetchMemModRM() error {
	c.fetchModRM()
	if c.modrmIsReg() {
		return x86UD()
	}
	return nil
}

// =============================================================================
// ALU
// =============================================================================

func (c *CPU_X86) opALU_E_G(op int, w x86Width) error {
	c.fetchModRM()
	a, err := c.readRM(w)
	if err != nil {
		return err
	}
	r := c.alu(op, w, a, c.getReg(w, c.modrmReg()))
	if op == aluCMP {
		return nil
	}
	return c.writeRM(w, r)
}

func (c *CPU_X86) opALU_G_E(op int, w x86Width) error {
	c.fetchModRM()
	b, err := c.readRM(w)
	if err != nil {
		return err
	}
	reg := c.modrmReg()
	r := c.alu(op, w, c.getReg(w, reg), b)
	if op != aluCMP {
		c.setReg(w, reg, r)
	}
	return nil
}

func (c *CPU_X86) opALU_Acc_Imm(op int, w x86Width) error {
	r := c.alu(op, w, c.getReg(w, 0), c.fetchImm(w))
	if op != aluCMP {
		c.setReg(w, 0, r)
	}
	return nil
}

func (c *CPU_X86) opTEST_E_G(w x86Width) error {
	c.fetchModRM()
	a, err := c.readRM(w)
	if err != nil {
		return err
	}
	c.logic(w, a&c.getReg(w, c.modrmReg()))
	return nil
}

func (c *CPU_X86) opTEST_Acc_Imm(w x86Width) error {
	c.logic(w, c.getReg(w, 0)&c.fetchImm(w))
	return nil
}

// opIMUL_Gv_Ev_Imm is IMUL r, r/m, imm with an immediate of width immW,
// sign-extended to w.
func (c *CPU_X86) opIMUL_Gv_Ev_Imm(w, immW x86Width) error {
	c.fetchModRM()
	a, err := c.readRM(w)
	if err != nil {
		return err
	}
	imm := immW.signExtend(c.fetchImm(immW))
	c.setReg(w, c.modrmReg(), c.imul(w, a, imm))
	return nil
}

// =============================================================================
// Data movement
// =============================================================================

func (c *CPU_X86) opMOV_E_G(w x86Width) error {
	c.fetchModRM()
	return c.writeRM(w, c.getReg(w, c.modrmReg()))
}

func (c *CPU_X86) opMOV_G_E(w x86Width) error {
	c.fetchModRM()
	v, err := c.readRM(w)
	if err != nil {
		return err
	}
	c.setReg(w, c.modrmReg(), v)
	return nil
}

func (c *CPU_X86) opMOV_E_Imm(w x86Width) error {
	c.fetchModRM()
	return c.writeRM(w, c.fetchImm(w))
}

func (c *CPU_X86) opXCHG_E_G(w x86Width) error {
	c.fetchModRM()
	a, err := c.readRM(w)
	if err != nil {
		return err
	}
	reg := c.modrmReg()
	if err := c.writeRM(w, c.getReg(w, reg)); err != nil {
		return err
	}
	c.setReg(w, reg, a)
	return nil
}

// moffs returns the direct offset operand of A0-A3.
func (c *CPU_X86) moffs() uint32 {
	if c.addrSize16 {
		return uint32(c.fetch16())
	}
	return c.fetch32()
}

func (c *CPU_X86) opMOV_Acc_Moffs(w x86Width) error {
	v, err := c.readMem(w, c.dataSeg(), c.moffs())
	if err != nil {
		return err
	}
	c.setReg(w, 0, v)
	return nil
}

func (c *CPU_X86) opMOV_Moffs_Acc(w x86Width) error {
	return c.writeMem(w, c.dataSeg(), c.moffs(), c.getReg(w, 0))
}

func (c *CPU_X86) opLEA(w x86Width) error {
	if err := c.fetchMemModRM(); err != nil {
		return err
	}
	c.setReg(w, c.modrmReg(), c.eaOffset)
	return nil
}

// opMOV_Ew_Sreg stores a selector. A register destination takes the
// zero-extended selector at the full operand size; memory gets 16 bits.
func (c *CPU_X86) opMOV_Ew_Sreg(w x86Width) error {
	c.fetchModRM()
	seg := int(c.modrmReg())
	if seg > x86SegGS {
		return x86UD()
	}
	sel := uint32(c.segs[seg].Selector)
	if c.modrmIsReg() {
		c.setReg(w, c.modrmRM(), sel)
		return nil
	}
	return c.writeRM(x86W16, sel)
}

func (c *CPU_X86) opMOV_Sreg_Ew() error {
	c.fetchModRM()
	seg := int(c.modrmReg())
	if seg > x86SegGS || seg == x86SegCS {
		return x86UD()
	}
	sel, err := c.readRM(x86W16)
	if err != nil {
		return err
	}
	if err := c.loadSegment(seg, uint16(sel)); err != nil {
		return err
	}
	if seg == x86SegSS {
		c.intShadow = true
	}
	return nil
}

// loadFarPointer implements LES, LDS, LSS, LFS and LGS.
func (c *CPU_X86) loadFarPointer(seg int, w x86Width) error {
	if err := c.fetchMemModRM(); err != nil {
		return err
	}
	off, err := c.readMem(w, c.eaSeg, c.eaOffset)
	if err != nil {
		return err
	}
	sel, err := c.readMem(x86W16, c.eaSeg, c.eaAddr(uint32(w)))
	if err != nil {
		return err
	}
	if err := c.loadSegment(seg, uint16(sel)); err != nil {
		return err
	}
	c.setReg(w, c.modrmReg(), off)
	return nil
}

func (c *CPU_X86) opCBW(w x86Width) error {
	if w == x86W16 {
		c.SetAX(uint16(x86W8.signExtend(c.EAX)))
	} else {
		c.EAX = x86W16.signExtend(c.EAX)
	}
	return nil
}

func (c *CPU_X86) opCWD(w x86Width) error {
	var hi uint32
	if c.getReg(w, 0)&w.signBit() != 0 {
		hi = 0xFFFFFFFF
	}
	c.setReg(w, 2, hi)
	return nil
}

func (c *CPU_X86) opXLAT() error {
	off := c.EBX + uint32(c.AL())
	if c.addrSize16 {
		off &= 0xFFFF
	}
	v, err := c.readMem(x86W8, c.dataSeg(), off)
	if err != nil {
		return err
	}
	c.SetAL(byte(v))
	return nil
}

// =============================================================================
// Stack
// =============================================================================

func (c *CPU_X86) opPUSH_Sreg(seg int, w x86Width) error {
	return c.push(w, uint32(c.segs[seg].Selector))
}

func (c *CPU_X86) opPOP_Sreg(seg int, w x86Width) error {
	sel, err := c.pop(w)
	if err != nil {
		return err
	}
	if err := c.loadSegment(seg, uint16(sel)); err != nil {
		return err
	}
	if seg == x86SegSS {
		c.intShadow = true
	}
	return nil
}

// opPOP_Ev pops before decoding the destination, so an ESP-based address
// sees the incremented stack pointer.
func (c *CPU_X86) opPOP_Ev(w x86Width) error {
	v, err := c.pop(w)
	if err != nil {
		return err
	}
	c.fetchModRM()
	return c.writeRM(w, v)
}

func (c *CPU_X86) opPUSHA(w x86Width) error {
	s := c.currentStack()
	sp := c.ESP
	for _, v := range []uint32{c.EAX, c.ECX, c.EDX, c.EBX, sp, c.EBP, c.ESI, c.EDI} {
		if err := s.push(w, v); err != nil {
			return err
		}
	}
	c.ESP = s.sp
	return nil
}

func (c *CPU_X86) opPOPA(w x86Width) error {
	s := c.currentStack()
	var v [8]uint32
	for i := 7; i >= 0; i-- {
		x, err := s.pop(w)
		if err != nil {
			return err
		}
		v[i] = x
	}
	c.ESP = s.sp
	for i, x := range v {
		if i == 4 {
			continue
		}
		c.setReg(w, byte(i), x)
	}
	return nil
}

// opENTER builds a stack frame with optional display of outer frame
// pointers.
func (c *CPU_X86) opENTER(w x86Width) error {
	size := uint32(c.fetch16())
	level := uint32(c.fetch8()) & 0x1F

	s := c.currentStack()
	if err := s.push(w, c.EBP); err != nil {
		return err
	}
	frame := s.sp & s.mask
	if level > 0 {
		bp := c.EBP
		for i := uint32(1); i < level; i++ {
			bp -= uint32(w)
			v, err := c.readMem(w, x86SegSS, bp&s.mask)
			if err != nil {
				return err
			}
			if err := s.push(w, v); err != nil {
				return err
			}
		}
		if err := s.push(w, frame); err != nil {
			return err
		}
	}
	// The new frame must be writable before anything is committed.
	if size > 0 {
		if err := c.writeProbe(s.base + (s.sp-size)&s.mask); err != nil {
			return err
		}
	}
	c.setReg(w, 5, frame)
	c.ESP = s.sp&^s.mask | (s.sp-size)&s.mask
	return nil
}

// writeProbe checks that the byte at lin is writable at the current
// privilege without storing anything.
func (c *CPU_X86) writeProbe(lin uint32) error {
	_, err := c.translate(lin, true, c.cpl == 3)
	return err
}

func (c *CPU_X86) opLEAVE(w x86Width) error {
	s := c.currentStack()
	s.sp = s.sp&^s.mask | c.EBP&s.mask
	v, err := s.pop(w)
	if err != nil {
		return err
	}
	c.ESP = s.sp
	c.setReg(w, 5, v)
	return nil
}

func (c *CPU_X86) opPUSHF(w x86Width) error {
	if c.v86Mode() && c.iopl() < 3 {
		return x86GP(0)
	}
	return c.push(w, c.getFlags()&^(x86FlagVM|x86FlagRF))
}

func (c *CPU_X86) opPOPF(w x86Width) error {
	if c.v86Mode() && c.iopl() < 3 {
		return x86GP(0)
	}
	v, err := c.pop(w)
	if err != nil {
		return err
	}
	c.setFlagsMasked(v, c.iretFlagsMask(w)&^x86FlagRF)
	return nil
}

func (c *CPU_X86) opSAHF() error {
	c.setFlagsMasked(uint32(c.AH()), x86FlagSF|x86FlagZF|x86FlagAF|x86FlagPF|x86FlagCF)
	return nil
}

// =============================================================================
// Control transfer
// =============================================================================

func (c *CPU_X86) opCALL_rel(w x86Width) error {
	disp := w.signExtend(c.fetchImm(w))
	if err := c.push(w, c.EIP); err != nil {
		return err
	}
	c.branch(c.EIP + disp)
	return nil
}

func (c *CPU_X86) opCALL_Ap(w x86Width) error {
	off := c.fetchImm(w)
	return c.farCall(c.fetch16(), off, w)
}

func (c *CPU_X86) opRET(w x86Width, popBytes uint32) error {
	s := c.currentStack()
	eip, err := s.pop(w)
	if err != nil {
		return err
	}
	s.skip(popBytes)
	c.ESP = s.sp
	c.branch(eip)
	return nil
}

// opLOOP implements LOOP, LOOPE and LOOPNE; cond is nil for plain LOOP.
func (c *CPU_X86) opLOOP(cond func() bool) error {
	disp := x86W8.signExtend(uint32(c.fetch8()))
	n := c.countReg() - 1
	c.setCountReg(n)
	if c.countReg() != 0 && (cond == nil || cond()) {
		c.branch(c.EIP + disp)
	}
	return nil
}

func (c *CPU_X86) opJCXZ() error {
	disp := x86W8.signExtend(uint32(c.fetch8()))
	if c.countReg() == 0 {
		c.branch(c.EIP + disp)
	}
	return nil
}

func (c *CPU_X86) opBOUND(w x86Width) error {
	if err := c.fetchMemModRM(); err != nil {
		return err
	}
	lo, err := c.readMem(w, c.eaSeg, c.eaOffset)
	if err != nil {
		return err
	}
	hi, err := c.readMem(w, c.eaSeg, c.eaAddr(uint32(w)))
	if err != nil {
		return err
	}
	idx := int32(w.signExtend(c.getReg(w, c.modrmReg())))
	if idx < int32(w.signExtend(lo)) || idx > int32(w.signExtend(hi)) {
		return x86Fault(x86ExcBR)
	}
	return nil
}

// =============================================================================
// Privileged and system
// =============================================================================

func (c *CPU_X86) opARPL() error {
	if !c.protectedMode() || c.v86Mode() {
		return x86UD()
	}
	c.fetchModRM()
	dst, err := c.readRM(x86W16)
	if err != nil {
		return err
	}
	src := c.getReg(x86W16, c.modrmReg())
	if dst&3 < src&3 {
		if err := c.writeRM(x86W16, dst&^3|src&3); err != nil {
			return err
		}
		c.setFlag(x86FlagZF, true)
		return nil
	}
	c.setFlag(x86FlagZF, false)
	return nil
}

func (c *CPU_X86) opHLT() error {
	if c.protectedMode() && c.cpl != 0 {
		return x86GP(0)
	}
	c.Halted = true
	return nil
}

// opCLI and opSTI need CPL <= IOPL in protected mode; virtual-8086 code
// runs at CPL 3 so the same test covers it.
func (c *CPU_X86) opCLI() error {
	if c.protectedMode() && c.cpl > c.iopl() {
		return x86GP(0)
	}
	c.Flags &^= x86FlagIF
	return nil
}

func (c *CPU_X86) opSTI() error {
	if c.protectedMode() && c.cpl > c.iopl() {
		return x86GP(0)
	}
	if c.Flags&x86FlagIF == 0 {
		c.intShadow = true
	}
	c.Flags |= x86FlagIF
	return nil
}

// opWAIT faults only when a task switch is pending on a monitored
// coprocessor.
func (c *CPU_X86) opWAIT() error {
	if c.CR0&(x86CR0TS|x86CR0MP) == x86CR0TS|x86CR0MP {
		return x86Fault(x86ExcNM)
	}
	return nil
}

// opESC decodes and discards a coprocessor instruction. With CR0.EM or
// CR0.TS set it raises #NM so a guest can emulate the FPU.
func (c *CPU_X86) opESC() error {
	if c.CR0&(x86CR0EM|x86CR0TS) != 0 {
		return x86Fault(x86ExcNM)
	}
	c.fetchModRM()
	return nil
}

// =============================================================================
// Port I/O
// =============================================================================

func (c *CPU_X86) opIN(w x86Width, port uint16) error {
	v, err := c.portIn(port, w)
	if err != nil {
		return err
	}
	c.setReg(w, 0, v)
	return nil
}

func (c *CPU_X86) opOUT(w x86Width, port uint16) error {
	return c.portOut(port, w, c.getReg(w, 0))
}
