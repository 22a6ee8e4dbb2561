// cpu_x86_flags.go - Lazy condition codes
//
// Arithmetic instructions do not compute EFLAGS. They record the kind of
// operation, its source operand and its result; CF, PF, AF, ZF, SF and OF
// are reconstructed from that record when an instruction reads them.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// x86CCOp identifies the last flag-setting operation. The low two bits hold
// the operand width (0 = byte, 1 = word, 2 = dword), the rest the kind.
type x86CCOp uint8

const (
	ccKindEFLAGS = iota // ccSrc holds the arithmetic flags literally
	ccKindADD           // ccSrc = addend, ccDst = sum
	ccKindADC           // ADD with carry-in set
	ccKindSUB           // ccSrc = subtrahend, ccDst = difference
	ccKindSBB           // SUB with borrow-in set
	ccKindLOGIC         // CF = OF = AF = 0
	ccKindINC           // CF from ccOp2/ccSrc/ccDst2
	ccKindDEC
	ccKindRESULT // CF, OF and AF captured in ccSrc, the rest from ccDst
)

const ccEFLAGS x86CCOp = ccKindEFLAGS << 2

func ccOp(kind int, w x86Width) x86CCOp {
	switch w {
	case x86W8:
		return x86CCOp(kind << 2)
	case x86W16:
		return x86CCOp(kind<<2 | 1)
	}
	return x86CCOp(kind<<2 | 2)
}

func (op x86CCOp) kind() int { return int(op >> 2) }

func (op x86CCOp) width() x86Width {
	switch op & 3 {
	case 0:
		return x86W8
	case 1:
		return x86W16
	}
	return x86W32
}

func parity(v byte) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return (v & 1) == 0
}

// setCC records a flag-setting operation.
func (c *CPU_X86) setCC(kind int, w x86Width, src, dst uint32) {
	c.ccOp = ccOp(kind, w)
	c.ccSrc = src
	c.ccDst = dst & w.mask()
}

// setCCIncDec records INC or DEC, which leave CF alone: the previous
// operation moves to the secondary slot so CF can still be derived from it.
func (c *CPU_X86) setCCIncDec(kind int, w x86Width, dst uint32) {
	if k := c.ccOp.kind(); k != ccKindINC && k != ccKindDEC {
		c.ccOp2 = c.ccOp
		c.ccDst2 = c.ccDst
	}
	c.ccOp = ccOp(kind, w)
	c.ccDst = dst & w.mask()
}

// setCCResult records an operation whose CF, OF and AF are known up front
// (shifts, multiplies) while ZF, SF and PF follow the result.
func (c *CPU_X86) setCCResult(w x86Width, dst uint32, cf, of bool) {
	var src uint32
	if cf {
		src |= x86FlagCF
	}
	if of {
		src |= x86FlagOF
	}
	c.setCC(ccKindRESULT, w, src, dst)
}

// ccOperand reconstructs the first operand of an add/sub record.
func ccOperand(kind int, src, dst uint32) uint32 {
	switch kind {
	case ccKindADD:
		return dst - src
	case ccKindADC:
		return dst - src - 1
	case ccKindSUB:
		return dst + src
	case ccKindSBB:
		return dst + src + 1
	}
	return 0
}

func ccCarry(op x86CCOp, src, dst uint32) bool {
	m := op.width().mask()
	switch op.kind() {
	case ccKindADD:
		return dst&m < src&m
	case ccKindADC:
		return dst&m <= src&m
	case ccKindSUB:
		return (dst+src)&m < src&m
	case ccKindSBB:
		return (dst+src+1)&m <= src&m
	case ccKindLOGIC:
		return false
	}
	return src&x86FlagCF != 0
}

// CF returns the carry flag
func (c *CPU_X86) CF() bool {
	switch c.ccOp.kind() {
	case ccKindINC, ccKindDEC:
		return ccCarry(c.ccOp2, c.ccSrc, c.ccDst2)
	}
	return ccCarry(c.ccOp, c.ccSrc, c.ccDst)
}

// ZF returns the zero flag
func (c *CPU_X86) ZF() bool {
	if c.ccOp == ccEFLAGS {
		return c.ccSrc&x86FlagZF != 0
	}
	return c.ccDst == 0
}

// SF returns the sign flag
func (c *CPU_X86) SF() bool {
	if c.ccOp == ccEFLAGS {
		return c.ccSrc&x86FlagSF != 0
	}
	return c.ccDst&c.ccOp.width().signBit() != 0
}

// PF returns the parity flag
func (c *CPU_X86) PF() bool {
	if c.ccOp == ccEFLAGS {
		return c.ccSrc&x86FlagPF != 0
	}
	return parity(byte(c.ccDst))
}

// AF returns the auxiliary carry flag
func (c *CPU_X86) AF() bool {
	switch kind := c.ccOp.kind(); kind {
	case ccKindADD, ccKindADC, ccKindSUB, ccKindSBB:
		a := ccOperand(kind, c.ccSrc, c.ccDst)
		return (a^c.ccSrc^c.ccDst)&0x10 != 0
	case ccKindLOGIC:
		return false
	case ccKindINC:
		return c.ccDst&0x0F == 0
	case ccKindDEC:
		return c.ccDst&0x0F == 0x0F
	}
	return c.ccSrc&x86FlagAF != 0
}

// OF returns the overflow flag
func (c *CPU_X86) OF() bool {
	w := c.ccOp.width()
	sign := w.signBit()
	switch kind := c.ccOp.kind(); kind {
	case ccKindADD, ccKindADC:
		a := ccOperand(kind, c.ccSrc, c.ccDst)
		return (^(a^c.ccSrc))&(a^c.ccDst)&sign != 0
	case ccKindSUB, ccKindSBB:
		a := ccOperand(kind, c.ccSrc, c.ccDst)
		return (a^c.ccSrc)&(a^c.ccDst)&sign != 0
	case ccKindLOGIC:
		return false
	case ccKindINC:
		return c.ccDst == sign
	case ccKindDEC:
		return c.ccDst == sign-1
	}
	return c.ccSrc&x86FlagOF != 0
}

// DF returns the direction flag
func (c *CPU_X86) DF() bool { return c.Flags&x86FlagDF != 0 }

// IF returns the interrupt enable flag
func (c *CPU_X86) IF() bool { return c.Flags&x86FlagIF != 0 }

// arithFlags materializes the six arithmetic flags.
func (c *CPU_X86) arithFlags() uint32 {
	if c.ccOp == ccEFLAGS {
		return c.ccSrc & x86FlagsArith
	}
	var f uint32
	if c.CF() {
		f |= x86FlagCF
	}
	if c.PF() {
		f |= x86FlagPF
	}
	if c.AF() {
		f |= x86FlagAF
	}
	if c.ZF() {
		f |= x86FlagZF
	}
	if c.SF() {
		f |= x86FlagSF
	}
	if c.OF() {
		f |= x86FlagOF
	}
	return f
}

// getFlags returns the full EFLAGS value.
func (c *CPU_X86) getFlags() uint32 {
	return (c.Flags &^ x86FlagsArith) | c.arithFlags() | x86FlagsFixed
}

// setFlags loads EFLAGS without privilege filtering.
func (c *CPU_X86) setFlags(v uint32) {
	c.Flags = (v &^ (x86FlagsArith | 1<<3 | 1<<5 | 1<<15)) | x86FlagsFixed
	c.ccOp = ccEFLAGS
	c.ccSrc = v & x86FlagsArith
	c.ccDst = 0
	if v&x86FlagDF != 0 {
		c.dfStep = -1
	} else {
		c.dfStep = 1
	}
}

// setFlagsMasked replaces only the bits in mask.
func (c *CPU_X86) setFlagsMasked(v, mask uint32) {
	c.setFlags((c.getFlags() &^ mask) | (v & mask))
}

// setFlag sets or clears a single EFLAGS bit.
func (c *CPU_X86) setFlag(flag uint32, on bool) {
	f := c.getFlags()
	if on {
		f |= flag
	} else {
		f &^= flag
	}
	c.setFlags(f)
}

// testCC evaluates condition code cc (the low nibble of Jcc/SETcc/CMOVcc).
func (c *CPU_X86) testCC(cc byte) bool {
	var r bool
	switch cc >> 1 {
	case 0: // O
		r = c.OF()
	case 1: // B
		r = c.CF()
	case 2: // Z
		r = c.ZF()
	case 3: // BE
		r = c.CF() || c.ZF()
	case 4: // S
		r = c.SF()
	case 5: // P
		r = c.PF()
	case 6: // L
		r = c.SF() != c.OF()
	case 7: // LE
		r = c.ZF() || c.SF() != c.OF()
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

// x86CCState is the complete flag state: system bits plus the lazy tuple.
type x86CCState struct {
	flags  uint32
	dfStep int32
	op     x86CCOp
	src    uint32
	dst    uint32
	op2    x86CCOp
	dst2   uint32
}

func (c *CPU_X86) saveCC() x86CCState {
	return x86CCState{c.Flags, c.dfStep, c.ccOp, c.ccSrc, c.ccDst, c.ccOp2, c.ccDst2}
}

func (c *CPU_X86) restoreCC(s x86CCState) {
	c.Flags, c.dfStep = s.flags, s.dfStep
	c.ccOp, c.ccSrc, c.ccDst, c.ccOp2, c.ccDst2 = s.op, s.src, s.dst, s.op2, s.dst2
}
