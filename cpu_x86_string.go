// cpu_x86_string.go - String instructions and the REP engine
//
// Every iteration commits ESI, EDI and ECX before the next one starts, so
// a fault or a yield in the middle of a REP leaves the registers exactly
// where a restart of the instruction continues from. REP MOVS and REP STOS
// with DF clear copy whole page-contained runs straight through physical
// memory.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// -----------------------------------------------------------------------------
// Index registers
// -----------------------------------------------------------------------------

func (c *CPU_X86) strSI() uint32 {
	if c.addrSize16 {
		return c.ESI & 0xFFFF
	}
	return c.ESI
}

func (c *CPU_X86) strDI() uint32 {
	if c.addrSize16 {
		return c.EDI & 0xFFFF
	}
	return c.EDI
}

// stepIndex advances an index register by n elements of width w in the
// direction DF selects, wrapping at the address size.
func (c *CPU_X86) stepIndex(r *uint32, w x86Width, n uint32) {
	d := uint32(int32(w) * c.dfStep) * n
	if c.addrSize16 {
		*r = *r&0xFFFF0000 | (*r+d)&0xFFFF
		return
	}
	*r += d
}

// -----------------------------------------------------------------------------
// REP engine
// -----------------------------------------------------------------------------

// repeat runs once per count with a REP prefix, or once without one. once
// reports whether a REPE/REPNE condition ended the loop.
func (c *CPU_X86) repeat(once func() (bool, error)) error {
	if c.prefixRep == 0 {
		_, err := once()
		return err
	}
	for {
		n := c.countReg()
		if n == 0 {
			return nil
		}
		stop, err := once()
		if err != nil {
			return err
		}
		c.setCountReg(n - 1)
		c.Cycles++
		if stop || n == 1 {
			return nil
		}
		if c.shouldYield() {
			c.EIP = c.instrEIP
			return nil
		}
	}
}

// repStop evaluates the REPE/REPNE termination condition after a compare.
func (c *CPU_X86) repStop() bool {
	switch c.prefixRep {
	case 1:
		return !c.ZF()
	case 2:
		return c.ZF()
	}
	return false
}

// -----------------------------------------------------------------------------
// Single iterations
// -----------------------------------------------------------------------------

func (c *CPU_X86) movsOnce(w x86Width) error {
	v, err := c.readMem(w, c.dataSeg(), c.strSI())
	if err != nil {
		return err
	}
	if err := c.writeMem(w, x86SegES, c.strDI(), v); err != nil {
		return err
	}
	c.stepIndex(&c.ESI, w, 1)
	c.stepIndex(&c.EDI, w, 1)
	return nil
}

func (c *CPU_X86) stosOnce(w x86Width) error {
	if err := c.writeMem(w, x86SegES, c.strDI(), c.getReg(w, 0)); err != nil {
		return err
	}
	c.stepIndex(&c.EDI, w, 1)
	return nil
}

func (c *CPU_X86) opMOVS(w x86Width) error {
	if c.prefixRep != 0 && c.dfStep > 0 && !c.slowREP {
		return c.repFast(w, true)
	}
	return c.repeat(func() (bool, error) { return false, c.movsOnce(w) })
}

func (c *CPU_X86) opSTOS(w x86Width) error {
	if c.prefixRep != 0 && c.dfStep > 0 && !c.slowREP {
		return c.repFast(w, false)
	}
	return c.repeat(func() (bool, error) { return false, c.stosOnce(w) })
}

func (c *CPU_X86) opLODS(w x86Width) error {
	return c.repeat(func() (bool, error) {
		v, err := c.readMem(w, c.dataSeg(), c.strSI())
		if err != nil {
			return false, err
		}
		c.setReg(w, 0, v)
		c.stepIndex(&c.ESI, w, 1)
		return false, nil
	})
}

func (c *CPU_X86) opCMPS(w x86Width) error {
	return c.repeat(func() (bool, error) {
		a, err := c.readMem(w, c.dataSeg(), c.strSI())
		if err != nil {
			return false, err
		}
		b, err := c.readMem(w, x86SegES, c.strDI())
		if err != nil {
			return false, err
		}
		c.alu(aluCMP, w, a, b)
		c.stepIndex(&c.ESI, w, 1)
		c.stepIndex(&c.EDI, w, 1)
		return c.repStop(), nil
	})
}

func (c *CPU_X86) opSCAS(w x86Width) error {
	return c.repeat(func() (bool, error) {
		b, err := c.readMem(w, x86SegES, c.strDI())
		if err != nil {
			return false, err
		}
		c.alu(aluCMP, w, c.getReg(w, 0), b)
		c.stepIndex(&c.EDI, w, 1)
		return c.repStop(), nil
	})
}

// opINS probes the destination before reading the port so a page fault
// cannot swallow a device read.
func (c *CPU_X86) opINS(w x86Width) error {
	port := c.DX()
	if err := c.checkIOPermission(port, w); err != nil {
		return err
	}
	return c.repeat(func() (bool, error) {
		lin := c.segs[x86SegES].Base + c.strDI()
		if err := c.writeProbe(lin); err != nil {
			return false, err
		}
		if err := c.writeProbe(lin + uint32(w) - 1); err != nil {
			return false, err
		}
		v := c.ports.In(port, w)
		if err := c.writeMem(w, x86SegES, c.strDI(), v); err != nil {
			return false, err
		}
		c.stepIndex(&c.EDI, w, 1)
		return false, nil
	})
}

func (c *CPU_X86) opOUTS(w x86Width) error {
	port := c.DX()
	if err := c.checkIOPermission(port, w); err != nil {
		return err
	}
	return c.repeat(func() (bool, error) {
		v, err := c.readMem(w, c.dataSeg(), c.strSI())
		if err != nil {
			return false, err
		}
		c.ports.Out(port, w, v)
		c.stepIndex(&c.ESI, w, 1)
		return false, nil
	})
}

// -----------------------------------------------------------------------------
// Fast path
// -----------------------------------------------------------------------------

// repFast runs REP MOVS (movs) or REP STOS in page-contained chunks. Each
// chunk is bounded by the source and destination pages, 16-bit index wrap,
// the remaining count and the cycle budget; whenever no chunk fits a single
// element goes through the ordinary path.
func (c *CPU_X86) repFast(w x86Width, movs bool) error {
	for {
		n := c.countReg()
		if n == 0 {
			return nil
		}
		k, err := c.fastChunk(w, movs, n)
		if err != nil {
			return err
		}
		if k == 0 {
			if movs {
				err = c.movsOnce(w)
			} else {
				err = c.stosOnce(w)
			}
			if err != nil {
				return err
			}
			k = 1
		}
		c.setCountReg(n - k)
		c.Cycles += uint64(k)
		if n == k {
			return nil
		}
		if c.shouldYield() {
			c.EIP = c.instrEIP
			return nil
		}
	}
}

// fastChunk copies or fills up to n elements and returns how many it did.
// Zero means the caller must fall back to one element.
func (c *CPU_X86) fastChunk(w x86Width, movs bool, n uint32) (uint32, error) {
	size := uint32(w)
	k := n
	if c.shouldYield() {
		// The element loop would stop after one iteration.
		k = 1
	} else if left := c.yieldAt - c.Cycles; left < uint64(k) {
		k = uint32(left)
	}

	di := c.strDI()
	dstLin := c.segs[x86SegES].Base + di
	k = min(k, (X86_PAGE_SIZE-dstLin&0xFFF)/size)
	if c.addrSize16 {
		k = min(k, (0x10000-di)/size)
	}
	var si, srcLin uint32
	if movs {
		si = c.strSI()
		srcLin = c.segs[c.dataSeg()].Base + si
		k = min(k, (X86_PAGE_SIZE-srcLin&0xFFF)/size)
		if c.addrSize16 {
			k = min(k, (0x10000-si)/size)
		}
	}
	if k == 0 {
		return 0, nil
	}
	bytes := k * size
	user := c.cpl == 3

	var srcPA uint32
	if movs {
		pa, err := c.translate(srcLin, false, user)
		if err != nil {
			return 0, err
		}
		srcPA = pa
	}
	dstPA, err := c.translate(dstLin, true, user)
	if err != nil {
		return 0, err
	}
	memSize := c.mem.Size()
	if dstPA >= memSize || memSize-dstPA < bytes {
		return 0, nil
	}
	dst := c.mem.data[dstPA : dstPA+bytes]

	if movs {
		if srcPA >= memSize || memSize-srcPA < bytes {
			return 0, nil
		}
		// A forward element copy into an overlapping higher destination
		// replicates the leading bytes, which copy() does not.
		if dstPA > srcPA && dstPA < srcPA+bytes {
			return 0, nil
		}
		copy(dst, c.mem.data[srcPA:srcPA+bytes])
		c.stepIndex(&c.ESI, w, k)
	} else {
		v := c.getReg(w, 0)
		for i := uint32(0); i < bytes; i += size {
			for b := uint32(0); b < size; b++ {
				dst[i+b] = byte(v >> (8 * b))
			}
		}
	}
	c.stepIndex(&c.EDI, w, k)
	return k, nil
}
