// cpu_x86_alu.go - Arithmetic, shift/rotate, multiply/divide and BCD
//
// Every operation takes its operand width as a parameter and records its
// condition codes lazily (see cpu_x86_flags.go).
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// ALU operations in Grp1 / ModRM reg-field order
const (
	aluADD = 0
	aluOR  = 1
	aluADC = 2
	aluSBB = 3
	aluAND = 4
	aluSUB = 5
	aluXOR = 6
	aluCMP = 7
)

// alu performs one of the eight two-operand ALU operations and returns the
// result truncated to w. CMP returns the difference; callers discard it.
func (c *CPU_X86) alu(op int, w x86Width, a, b uint32) uint32 {
	m := w.mask()
	a &= m
	b &= m
	var r uint32
	switch op {
	case aluADD:
		r = (a + b) & m
		c.setCC(ccKindADD, w, b, r)
	case aluOR:
		r = a | b
		c.setCC(ccKindLOGIC, w, 0, r)
	case aluADC:
		if c.CF() {
			r = (a + b + 1) & m
			c.setCC(ccKindADC, w, b, r)
		} else {
			r = (a + b) & m
			c.setCC(ccKindADD, w, b, r)
		}
	case aluSBB:
		if c.CF() {
			r = (a - b - 1) & m
			c.setCC(ccKindSBB, w, b, r)
		} else {
			r = (a - b) & m
			c.setCC(ccKindSUB, w, b, r)
		}
	case aluAND:
		r = a & b
		c.setCC(ccKindLOGIC, w, 0, r)
	case aluSUB, aluCMP:
		r = (a - b) & m
		c.setCC(ccKindSUB, w, b, r)
	case aluXOR:
		r = a ^ b
		c.setCC(ccKindLOGIC, w, 0, r)
	}
	return r
}

func (c *CPU_X86) inc(w x86Width, a uint32) uint32 {
	r := (a + 1) & w.mask()
	c.setCCIncDec(ccKindINC, w, r)
	return r
}

func (c *CPU_X86) dec(w x86Width, a uint32) uint32 {
	r := (a - 1) & w.mask()
	c.setCCIncDec(ccKindDEC, w, r)
	return r
}

func (c *CPU_X86) neg(w x86Width, a uint32) uint32 {
	r := (0 - a) & w.mask()
	c.setCC(ccKindSUB, w, a&w.mask(), r)
	return r
}

// logic records flags for TEST and other AND-like operations.
func (c *CPU_X86) logic(w x86Width, r uint32) {
	c.setCC(ccKindLOGIC, w, 0, r)
}

// =============================================================================
// Shifts and rotates
// =============================================================================

// shiftRotate applies Grp2 operation op (ROL ROR RCL RCR SHL SHR SAL SAR) to
// val. The count is masked to five bits; a zero count changes nothing,
// flags included.
func (c *CPU_X86) shiftRotate(op byte, w x86Width, val uint32, count uint32) uint32 {
	count &= 0x1F
	if count == 0 {
		return val
	}
	m := w.mask()
	bits := uint32(w.bits())
	sign := w.signBit()
	val &= m

	switch op & 7 {
	case 0: // ROL
		n := count % bits
		r := ((val << n) | (val >> (bits - n))) & m
		cf := r&1 != 0
		c.setRotateFlags(cf, (r&sign != 0) != cf)
		return r
	case 1: // ROR
		n := count % bits
		r := ((val >> n) | (val << (bits - n))) & m
		msb := r&sign != 0
		c.setRotateFlags(msb, msb != (r&(sign>>1) != 0))
		return r
	case 2: // RCL
		n := count % (bits + 1)
		cf := c.CF()
		r := val
		for range n {
			out := r&sign != 0
			r = (r << 1) & m
			if cf {
				r |= 1
			}
			cf = out
		}
		c.setRotateFlags(cf, (r&sign != 0) != cf)
		return r
	case 3: // RCR
		n := count % (bits + 1)
		cf := c.CF()
		r := val
		for range n {
			out := r&1 != 0
			r >>= 1
			if cf {
				r |= sign
			}
			cf = out
		}
		c.setRotateFlags(cf, (r&sign != 0) != (r&(sign>>1) != 0))
		return r
	case 4, 6: // SHL/SAL
		wide := uint64(val) << count
		r := uint32(wide) & m
		cf := (wide>>bits)&1 != 0
		c.setCCResult(w, r, cf, (r&sign != 0) != cf)
		return r
	case 5: // SHR
		r := val >> count
		cf := (val>>(count-1))&1 != 0
		c.setCCResult(w, r, cf, val&sign != 0)
		return r
	default: // SAR
		sv := int32(w.signExtend(val))
		r := uint32(sv>>count) & m
		cf := (sv>>(count-1))&1 != 0
		c.setCCResult(w, r, cf, false)
		return r
	}
}

// setRotateFlags updates CF and OF only; rotates leave the other flags.
func (c *CPU_X86) setRotateFlags(cf, of bool) {
	var v uint32
	if cf {
		v |= x86FlagCF
	}
	if of {
		v |= x86FlagOF
	}
	c.setFlagsMasked(v, x86FlagCF|x86FlagOF)
}

// shld shifts dst left by count, filling from the high bits of src.
func (c *CPU_X86) shld(w x86Width, dst, src, count uint32) uint32 {
	count &= 0x1F
	if count == 0 {
		return dst
	}
	var r uint32
	var cf bool
	if w == x86W16 {
		x := uint64(dst&0xFFFF)<<32 | uint64(src&0xFFFF)<<16 | uint64(dst&0xFFFF)
		r = uint32((x<<count)>>32) & 0xFFFF
		cf = (x<<(count-1))>>47&1 != 0
	} else {
		r = dst<<count | src>>(32-count)
		cf = (dst>>(32-count))&1 != 0
	}
	sign := w.signBit()
	c.setCCResult(w, r, cf, (r&sign != 0) != (dst&sign != 0))
	return r
}

// shrd shifts dst right by count, filling from the low bits of src.
func (c *CPU_X86) shrd(w x86Width, dst, src, count uint32) uint32 {
	count &= 0x1F
	if count == 0 {
		return dst
	}
	var r uint32
	var cf bool
	if w == x86W16 {
		x := uint64(dst&0xFFFF) | uint64(src&0xFFFF)<<16 | uint64(dst&0xFFFF)<<32
		r = uint32(x>>count) & 0xFFFF
		cf = (x>>(count-1))&1 != 0
	} else {
		r = dst>>count | src<<(32-count)
		cf = (dst>>(count-1))&1 != 0
	}
	sign := w.signBit()
	c.setCCResult(w, r, cf, (r&sign != 0) != (dst&sign != 0))
	return r
}

// =============================================================================
// Multiply and divide
// =============================================================================

// mul is the one-operand unsigned multiply into AX, DX:AX or EDX:EAX.
func (c *CPU_X86) mul(w x86Width, b uint32) {
	switch w {
	case x86W8:
		r := uint32(c.AL()) * (b & 0xFF)
		c.SetAX(uint16(r))
		c.setCCResult(w, r&0xFF, r>>8 != 0, r>>8 != 0)
	case x86W16:
		r := (c.EAX & 0xFFFF) * (b & 0xFFFF)
		c.SetAX(uint16(r))
		c.setReg(x86W16, 2, r>>16)
		c.setCCResult(w, r&0xFFFF, r>>16 != 0, r>>16 != 0)
	default:
		r := uint64(c.EAX) * uint64(b)
		c.EAX = uint32(r)
		c.EDX = uint32(r >> 32)
		c.setCCResult(w, c.EAX, c.EDX != 0, c.EDX != 0)
	}
}

// imul1 is the one-operand signed multiply.
func (c *CPU_X86) imul1(w x86Width, b uint32) {
	switch w {
	case x86W8:
		r := int32(int8(c.AL())) * int32(int8(b))
		c.SetAX(uint16(r))
		ov := r != int32(int8(r))
		c.setCCResult(w, uint32(r)&0xFF, ov, ov)
	case x86W16:
		r := int32(int16(c.EAX)) * int32(int16(b))
		c.SetAX(uint16(r))
		c.setReg(x86W16, 2, uint32(r)>>16)
		ov := r != int32(int16(r))
		c.setCCResult(w, uint32(r)&0xFFFF, ov, ov)
	default:
		r := int64(int32(c.EAX)) * int64(int32(b))
		c.EAX = uint32(r)
		c.EDX = uint32(uint64(r) >> 32)
		ov := r != int64(int32(r))
		c.setCCResult(w, c.EAX, ov, ov)
	}
}

// imul is the two- and three-operand signed multiply; the product is
// truncated to w.
func (c *CPU_X86) imul(w x86Width, a, b uint32) uint32 {
	full := int64(int32(w.signExtend(a))) * int64(int32(w.signExtend(b)))
	r := uint32(full) & w.mask()
	ov := full != int64(int32(w.signExtend(r)))
	c.setCCResult(w, r, ov, ov)
	return r
}

// x86Div64 divides hi:lo by d. ok is false when d is zero or the quotient
// does not fit in 32 bits.
func x86Div64(hi, lo, d uint32) (q, r uint32, ok bool) {
	if d == 0 || hi >= d {
		return 0, 0, false
	}
	if hi == 0 {
		return lo / d, lo % d, true
	}
	// Restoring division, one quotient bit per step.
	rem := uint64(hi)
	for i := 31; i >= 0; i-- {
		rem = rem<<1 | uint64(lo>>uint(i))&1
		q <<= 1
		if rem >= uint64(d) {
			rem -= uint64(d)
			q |= 1
		}
	}
	return q, uint32(rem), true
}

// div is the unsigned divide. The dividend registers are written only when
// the division succeeds; otherwise #DE is raised.
func (c *CPU_X86) div(w x86Width, b uint32) error {
	switch w {
	case x86W8:
		d := b & 0xFF
		if d == 0 {
			return x86Fault(x86ExcDE)
		}
		n := c.EAX & 0xFFFF
		q := n / d
		if q > 0xFF {
			return x86Fault(x86ExcDE)
		}
		c.SetAL(byte(q))
		c.SetAH(byte(n % d))
	case x86W16:
		d := b & 0xFFFF
		if d == 0 {
			return x86Fault(x86ExcDE)
		}
		n := (c.EDX&0xFFFF)<<16 | c.EAX&0xFFFF
		q := n / d
		if q > 0xFFFF {
			return x86Fault(x86ExcDE)
		}
		c.SetAX(uint16(q))
		c.setReg(x86W16, 2, n%d)
	default:
		q, r, ok := x86Div64(c.EDX, c.EAX, b)
		if !ok {
			return x86Fault(x86ExcDE)
		}
		c.EAX = q
		c.EDX = r
	}
	return nil
}

// idiv is the signed divide, with the same no-partial-update rule as div.
func (c *CPU_X86) idiv(w x86Width, b uint32) error {
	switch w {
	case x86W8:
		d := int32(int8(b))
		if d == 0 {
			return x86Fault(x86ExcDE)
		}
		n := int32(int16(c.EAX))
		q := n / d
		if q != int32(int8(q)) {
			return x86Fault(x86ExcDE)
		}
		c.SetAL(byte(q))
		c.SetAH(byte(n % d))
	case x86W16:
		d := int32(int16(b))
		if d == 0 {
			return x86Fault(x86ExcDE)
		}
		n := int32((c.EDX&0xFFFF)<<16 | c.EAX&0xFFFF)
		q := n / d
		if q != int32(int16(q)) {
			return x86Fault(x86ExcDE)
		}
		c.SetAX(uint16(q))
		c.setReg(x86W16, 2, uint32(n%d))
	default:
		d := int64(int32(b))
		if d == 0 {
			return x86Fault(x86ExcDE)
		}
		n := int64(uint64(c.EDX)<<32 | uint64(c.EAX))
		q := n / d
		if q != int64(int32(q)) {
			return x86Fault(x86ExcDE)
		}
		c.EAX = uint32(q)
		c.EDX = uint32(n % d)
	}
	return nil
}

// =============================================================================
// BCD adjust
// =============================================================================

// setBCDFlags stores a literal EFLAGS with ZF/SF/PF from al.
func (c *CPU_X86) setBCDFlags(al byte, cf, af bool) {
	var f uint32
	if cf {
		f |= x86FlagCF
	}
	if af {
		f |= x86FlagAF
	}
	if al == 0 {
		f |= x86FlagZF
	}
	if al&0x80 != 0 {
		f |= x86FlagSF
	}
	if parity(al) {
		f |= x86FlagPF
	}
	c.setFlagsMasked(f, x86FlagsArith)
}

func (c *CPU_X86) daa() {
	al := c.AL()
	oldAL, oldCF := al, c.CF()
	af, cf := false, false
	if al&0x0F > 9 || c.AF() {
		al += 6
		af = true
	}
	if oldAL > 0x99 || oldCF {
		al += 0x60
		cf = true
	}
	c.SetAL(al)
	c.setBCDFlags(al, cf, af)
}

func (c *CPU_X86) das() {
	al := c.AL()
	oldAL, oldCF := al, c.CF()
	af, cf := false, false
	if al&0x0F > 9 || c.AF() {
		cf = oldCF || al < 6
		al -= 6
		af = true
	}
	if oldAL > 0x99 || oldCF {
		al -= 0x60
		cf = true
	}
	c.SetAL(al)
	c.setBCDFlags(al, cf, af)
}

func (c *CPU_X86) aaa() {
	adjust := c.AL()&0x0F > 9 || c.AF()
	if adjust {
		c.SetAX(c.AX() + 0x106)
	}
	c.SetAL(c.AL() & 0x0F)
	c.setBCDFlags(c.AL(), adjust, adjust)
}

func (c *CPU_X86) aas() {
	adjust := c.AL()&0x0F > 9 || c.AF()
	if adjust {
		c.SetAX(c.AX() - 6)
		c.SetAH(c.AH() - 1)
	}
	c.SetAL(c.AL() & 0x0F)
	c.setBCDFlags(c.AL(), adjust, adjust)
}

func (c *CPU_X86) aam(base byte) error {
	if base == 0 {
		return x86Fault(x86ExcDE)
	}
	al := c.AL()
	c.SetAH(al / base)
	c.SetAL(al % base)
	c.logic(x86W8, uint32(c.AL()))
	return nil
}

func (c *CPU_X86) aad(base byte) {
	al := c.AH()*base + c.AL()
	c.SetAX(uint16(al))
	c.logic(x86W8, uint32(al))
}

// =============================================================================
// Bit scan
// =============================================================================

// bsf returns the index of the lowest set bit; ok is false (ZF=1) for zero.
func (c *CPU_X86) bsf(w x86Width, v uint32) (idx uint32, ok bool) {
	v &= w.mask()
	if v == 0 {
		c.setFlagsMasked(x86FlagZF, x86FlagZF)
		return 0, false
	}
	for v&1 == 0 {
		v >>= 1
		idx++
	}
	c.setFlagsMasked(0, x86FlagZF)
	return idx, true
}

// bsr returns the index of the highest set bit.
func (c *CPU_X86) bsr(w x86Width, v uint32) (idx uint32, ok bool) {
	v &= w.mask()
	if v == 0 {
		c.setFlagsMasked(x86FlagZF, x86FlagZF)
		return 0, false
	}
	idx = uint32(w.bits()) - 1
	for v&w.signBit() == 0 {
		v <<= 1
		idx--
	}
	c.setFlagsMasked(0, x86FlagZF)
	return idx, true
}
