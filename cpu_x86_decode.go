// cpu_x86_decode.go - Instruction fetch, prefixes, ModR/M and effective addresses
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// x86MaxPrefixes bounds the prefix loop; the longest legal instruction
// including prefixes is 15 bytes.
const x86MaxPrefixes = 14

// x86FetchWindow is the number of contiguous in-page bytes the decoder
// needs to be able to run off a direct slice of physical memory.
const x86FetchWindow = 32

// -----------------------------------------------------------------------------
// Instruction fetch
// -----------------------------------------------------------------------------

// beginFetch points the decoder at the bytes of the instruction at CS:EIP.
// Normally that is a slice of physical memory running to the end of the
// page. Near a page end the instruction is pre-scanned byte by byte and
// staged in fetchBuf, so the next page is only touched (and can only fault)
// when the instruction really extends into it.
func (c *CPU_X86) beginFetch() error {
	lin := c.segs[x86SegCS].Base + c.EIP
	user := c.cpl == 3
	pa, err := c.translate(lin, false, user)
	if err != nil {
		return err
	}
	c.codePos = 0
	avail := X86_PAGE_SIZE - lin&0xFFF
	size := c.mem.Size()
	if pa < size && size-pa < avail {
		avail = size - pa
	}
	if pa < size && avail >= x86FetchWindow {
		c.code = c.mem.data[pa : pa+avail]
		return nil
	}

	clear(c.fetchBuf[:])
	read := func(i int) (byte, error) {
		p, err := c.translate(lin+uint32(i), false, user)
		if err != nil {
			return 0, err
		}
		b := c.mem.Read8(p)
		if i < len(c.fetchBuf) {
			c.fetchBuf[i] = b
		}
		return b, nil
	}
	if _, err := c.instructionLength(read); err != nil {
		return err
	}
	c.code = c.fetchBuf[:]
	return nil
}

func (c *CPU_X86) fetch8() byte {
	b := c.code[c.codePos]
	c.codePos++
	c.EIP++
	return b
}

func (c *CPU_X86) fetch16() uint16 {
	lo := c.fetch8()
	hi := c.fetch8()
	return uint16(lo) | uint16(hi)<<8
}

func (c *CPU_X86) fetch32() uint32 {
	lo := c.fetch16()
	hi := c.fetch16()
	return uint32(lo) | uint32(hi)<<16
}

// fetchImm reads an immediate of width w, zero-extended.
func (c *CPU_X86) fetchImm(w x86Width) uint32 {
	switch w {
	case x86W8:
		return uint32(c.fetch8())
	case x86W16:
		return uint32(c.fetch16())
	}
	return c.fetch32()
}

// -----------------------------------------------------------------------------
// Prefixes and dispatch
// -----------------------------------------------------------------------------

// decodeAndExecute runs the prefix loop for the instruction at CS:EIP and
// dispatches it.
func (c *CPU_X86) decodeAndExecute() error {
	if err := c.beginFetch(); err != nil {
		return err
	}
	c.prefixSeg = -1
	c.prefixRep = 0
	opPrefix, addrPrefix := false, false

	var op uint16
	for n := 0; ; n++ {
		if n > x86MaxPrefixes {
			return x86GP(0)
		}
		b := c.fetch8()
		switch b {
		case 0x26: // ES:
			c.prefixSeg = x86SegES
			continue
		case 0x2E: // CS:
			c.prefixSeg = x86SegCS
			continue
		case 0x36: // SS:
			c.prefixSeg = x86SegSS
			continue
		case 0x3E: // DS:
			c.prefixSeg = x86SegDS
			continue
		case 0x64: // FS:
			c.prefixSeg = x86SegFS
			continue
		case 0x65: // GS:
			c.prefixSeg = x86SegGS
			continue
		case 0x66: // Operand size
			opPrefix = true
			continue
		case 0x67: // Address size
			addrPrefix = true
			continue
		case 0xF0: // LOCK
			continue
		case 0xF2: // REPNE
			c.prefixRep = 2
			continue
		case 0xF3: // REP/REPE
			c.prefixRep = 1
			continue
		case 0x0F:
			op = 0x100 | uint16(c.fetch8())
		default:
			op = uint16(b)
		}
		break
	}

	big := c.segs[x86SegCS].big()
	c.opSize16 = big == opPrefix
	c.addrSize16 = big == addrPrefix
	c.opcode = op

	size := 0
	if c.opSize16 {
		size = 1
	}
	h := c.ops[size][op]
	if h == nil {
		return x86UD()
	}
	return h(c)
}

// -----------------------------------------------------------------------------
// ModR/M and effective addresses
// -----------------------------------------------------------------------------

// fetchModRM reads the ModR/M byte and, for a memory operand, its SIB and
// displacement, leaving the effective address in eaSeg:eaOffset.
func (c *CPU_X86) fetchModRM() {
	c.modrm = c.fetch8()
	if c.modrm >= 0xC0 {
		return
	}
	if c.addrSize16 {
		c.eaOffset, c.eaSeg = c.calcEffectiveAddress16()
	} else {
		c.eaOffset, c.eaSeg = c.calcEffectiveAddress32()
	}
	if c.prefixSeg >= 0 {
		c.eaSeg = c.prefixSeg
	}
}

func (c *CPU_X86) modrmReg() byte { return (c.modrm >> 3) & 7 }
func (c *CPU_X86) modrmRM() byte  { return c.modrm & 7 }
func (c *CPU_X86) modrmIsReg() bool {
	return c.modrm >= 0xC0
}

// calcEffectiveAddress16 decodes the register-pair forms of 16-bit
// addressing. BP-based forms default to SS.
func (c *CPU_X86) calcEffectiveAddress16() (uint32, int) {
	mod := c.modrm >> 6
	seg := x86SegDS
	bx, bp := c.EBX&0xFFFF, c.EBP&0xFFFF
	si, di := c.ESI&0xFFFF, c.EDI&0xFFFF

	var off uint32
	switch c.modrm & 7 {
	case 0: // [BX+SI]
		off = bx + si
	case 1: // [BX+DI]
		off = bx + di
	case 2: // [BP+SI]
		off = bp + si
		seg = x86SegSS
	case 3: // [BP+DI]
		off = bp + di
		seg = x86SegSS
	case 4: // [SI]
		off = si
	case 5: // [DI]
		off = di
	case 6: // [BP] or [disp16]
		if mod == 0 {
			off = uint32(c.fetch16())
		} else {
			off = bp
			seg = x86SegSS
		}
	case 7: // [BX]
		off = bx
	}

	switch mod {
	case 1:
		off += uint32(int32(int8(c.fetch8())))
	case 2:
		off += uint32(c.fetch16())
	}
	return off & 0xFFFF, seg
}

// calcEffectiveAddress32 decodes 32-bit addressing including SIB. ESP and
// EBP based forms default to SS.
func (c *CPU_X86) calcEffectiveAddress32() (uint32, int) {
	mod := c.modrm >> 6
	rm := c.modrm & 7
	seg := x86SegDS

	var off uint32
	switch {
	case rm == 4:
		sib := c.fetch8()
		base := sib & 7
		index := (sib >> 3) & 7
		scale := sib >> 6
		if base == 5 && mod == 0 {
			off = c.fetch32()
		} else {
			off = *c.regs32[base]
			if base == 4 || base == 5 {
				seg = x86SegSS
			}
		}
		if index != 4 {
			off += *c.regs32[index] << scale
		}
	case rm == 5 && mod == 0:
		off = c.fetch32()
	default:
		off = *c.regs32[rm]
		if rm == 5 {
			seg = x86SegSS
		}
	}

	switch mod {
	case 1:
		off += uint32(int32(int8(c.fetch8())))
	case 2:
		off += c.fetch32()
	}
	return off, seg
}

// readRM reads the ModR/M operand of width w.
func (c *CPU_X86) readRM(w x86Width) (uint32, error) {
	if c.modrm >= 0xC0 {
		return c.getReg(w, c.modrm&7), nil
	}
	return c.readMem(w, c.eaSeg, c.eaOffset)
}

// writeRM writes the ModR/M operand of width w.
func (c *CPU_X86) writeRM(w x86Width, v uint32) error {
	if c.modrm >= 0xC0 {
		c.setReg(w, c.modrm&7, v)
		return nil
	}
	return c.writeMem(w, c.eaSeg, c.eaOffset, v)
}

// eaAddr returns the effective address offset adjusted by delta within the
// current address size, for multi-part memory operands.
func (c *CPU_X86) eaAddr(delta uint32) uint32 {
	off := c.eaOffset + delta
	if c.addrSize16 {
		off &= 0xFFFF
	}
	return off
}

// -----------------------------------------------------------------------------
// Instruction length pre-scan
// -----------------------------------------------------------------------------

// x86OneByteModRM marks one-byte opcodes that carry a ModR/M byte.
var x86OneByteModRM = [256]bool{}

// x86TwoByteModRM marks 0F xx opcodes that carry a ModR/M byte.
var x86TwoByteModRM = [256]bool{}

func init() {
	for op := 0; op < 0x40; op++ {
		if op&7 < 4 {
			x86OneByteModRM[op] = true
		}
	}
	for _, op := range []int{0x62, 0x63, 0x69, 0x6B, 0xC0, 0xC1, 0xC4, 0xC5, 0xC6, 0xC7,
		0xD0, 0xD1, 0xD2, 0xD3, 0xF6, 0xF7, 0xFE, 0xFF} {
		x86OneByteModRM[op] = true
	}
	for op := 0x80; op <= 0x8F; op++ {
		x86OneByteModRM[op] = true
	}
	for op := 0xD8; op <= 0xDF; op++ {
		x86OneByteModRM[op] = true
	}

	for _, op := range []int{0x00, 0x01, 0x02, 0x03, 0x20, 0x21, 0x22, 0x23,
		0xA3, 0xA4, 0xA5, 0xAB, 0xAC, 0xAD, 0xAF, 0xB0, 0xB1, 0xB2, 0xB3, 0xB4,
		0xB5, 0xB6, 0xB7, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF, 0xC0, 0xC1} {
		x86TwoByteModRM[op] = true
	}
	for op := 0x90; op <= 0x9F; op++ {
		x86TwoByteModRM[op] = true
	}
}

// instructionLength determines the length of the instruction whose bytes
// read(i) returns, without executing it. It reads exactly the bytes the
// decoder will consume, in order.
func (c *CPU_X86) instructionLength(read func(int) (byte, error)) (int, error) {
	big := c.segs[x86SegCS].big()
	opPrefix, addrPrefix := false, false
	pos := 0
	next := func() (byte, error) {
		b, err := read(pos)
		pos++
		return b, err
	}

	var op byte
	twoByte := false
	for n := 0; ; n++ {
		if n > x86MaxPrefixes {
			return 0, x86GP(0)
		}
		b, err := next()
		if err != nil {
			return 0, err
		}
		switch b {
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65, 0xF0, 0xF2, 0xF3:
			continue
		case 0x66:
			opPrefix = true
			continue
		case 0x67:
			addrPrefix = true
			continue
		case 0x0F:
			twoByte = true
			if op, err = next(); err != nil {
				return 0, err
			}
		default:
			op = b
		}
		break
	}

	opBytes := 4
	if big == opPrefix {
		opBytes = 2
	}
	addrBytes := 4
	if big == addrPrefix {
		addrBytes = 2
	}

	hasModRM := x86OneByteModRM[op]
	if twoByte {
		hasModRM = x86TwoByteModRM[op]
	}
	imm := 0
	if hasModRM {
		modrm, err := next()
		if err != nil {
			return 0, err
		}
		mod := modrm >> 6
		rm := modrm & 7
		if twoByte && op >= 0x20 && op <= 0x23 {
			mod = 3 // MOV to/from CRn/DRn always names registers
		}
		disp := 0
		if mod != 3 {
			if addrBytes == 2 {
				switch {
				case mod == 0 && rm == 6:
					disp = 2
				case mod == 1:
					disp = 1
				case mod == 2:
					disp = 2
				}
			} else {
				if rm == 4 {
					sib, err := next()
					if err != nil {
						return 0, err
					}
					if mod == 0 && sib&7 == 5 {
						disp = 4
					}
				}
				switch {
				case mod == 0 && rm == 5:
					disp = 4
				case mod == 1:
					disp = 1
				case mod == 2:
					disp = 4
				}
			}
		}
		pos += disp
		// Group 3 TEST carries an immediate the other members lack.
		if !twoByte && (op == 0xF6 || op == 0xF7) && (modrm>>3)&7 < 2 {
			if op == 0xF6 {
				imm = 1
			} else {
				imm = opBytes
			}
		}
	}

	if twoByte {
		switch {
		case op >= 0x80 && op <= 0x8F:
			imm = opBytes
		case op == 0xA4 || op == 0xAC || op == 0xBA:
			imm = 1
		}
	} else {
		switch {
		case op < 0x40 && op&7 == 4, op == 0x6A, op == 0x6B, op >= 0x70 && op <= 0x7F,
			op == 0x80, op == 0x82, op == 0x83, op == 0xA8, op >= 0xB0 && op <= 0xB7,
			op == 0xC0, op == 0xC1, op == 0xC6, op == 0xCD, op == 0xD4, op == 0xD5,
			op >= 0xE0 && op <= 0xE7, op == 0xEB:
			imm = 1
		case op < 0x40 && op&7 == 5, op == 0x68, op == 0x69, op == 0x81, op == 0xA9,
			op >= 0xB8 && op <= 0xBF, op == 0xC7, op == 0xE8, op == 0xE9:
			imm = opBytes
		case op == 0xC2 || op == 0xCA:
			imm = 2
		case op == 0xC8:
			imm = 3
		case op == 0x9A || op == 0xEA:
			imm = 2 + opBytes
		case op >= 0xA0 && op <= 0xA3:
			imm = addrBytes
		}
	}
	pos += imm

	// Touch the last byte so a fault on the following page is raised here.
	if pos > 0 {
		if _, err := read(pos - 1); err != nil {
			return 0, err
		}
	}
	// Stage every byte; displacement and immediate bytes were skipped above.
	for i := 0; i < pos && i < x86FetchWindow; i++ {
		if _, err := read(i); err != nil {
			return 0, err
		}
	}
	return pos, nil
}
