// cpu_x86_mmu.go - Paging and the software TLB
//
// Linear addresses are translated through four dense tables indexed by page
// number, one per {kernel, user} x {read, write}. An entry is either
// x86TLBInvalid or an XOR mask with phys = mask ^ linear. Only pages whose
// last page-table walk validated the access are ever entered.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

const (
	x86TLBEntries  = 1 << 20
	x86TLBInvalid  = 0xFFFFFFFF // low 12 bits set: never a valid mask
	x86TLBRingSize = 2048
)

// Page table entry bits
const (
	x86PTEPresent  = 1 << 0
	x86PTEWrite    = 1 << 1
	x86PTEUser     = 1 << 2
	x86PTEAccessed = 1 << 5
	x86PTEDirty    = 1 << 6
)

// tlbTable picks the table for an access kind and privilege.
func (c *CPU_X86) tlbTable(write, user bool) []uint32 {
	switch {
	case user && write:
		return c.tlbWriteUser
	case user:
		return c.tlbReadUser
	case write:
		return c.tlbWriteKernel
	}
	return c.tlbReadKernel
}

// translate maps a linear address to a physical one, walking the page
// tables on a TLB miss.
func (c *CPU_X86) translate(lin uint32, write, user bool) (uint32, error) {
	tbl := c.tlbTable(write, user)
	m := tbl[lin>>12]
	if m == x86TLBInvalid {
		if err := c.tlbFill(lin, write, user); err != nil {
			return 0, err
		}
		m = tbl[lin>>12]
	}
	return m ^ lin, nil
}

// tlbFill walks the page tables for lin and caches every entry of the page
// the walk validated.
func (c *CPU_X86) tlbFill(lin uint32, write, user bool) error {
	c.tlbWalks++
	page := lin >> 12
	if !c.pagingEnabled() {
		c.tlbSet(page, lin&X86_PAGE_MASK, true, true, true)
		return nil
	}

	pdeAddr := (c.CR3 & X86_PAGE_MASK) | (lin>>20)&0xFFC
	pde := c.mem.Read32(pdeAddr)
	if pde&x86PTEPresent == 0 {
		return c.pageFault(lin, 0, write, user)
	}
	pteAddr := (pde & X86_PAGE_MASK) | (lin>>10)&0xFFC
	pte := c.mem.Read32(pteAddr)
	if pte&x86PTEPresent == 0 {
		return c.pageFault(lin, 0, write, user)
	}

	prot := pde & pte
	if user {
		if prot&x86PTEUser == 0 || (write && prot&x86PTEWrite == 0) {
			return c.pageFault(lin, x86PFProtection, write, user)
		}
	} else if write && prot&x86PTEWrite == 0 && c.CR0&x86CR0WP != 0 {
		return c.pageFault(lin, x86PFProtection, write, user)
	}

	if pde&x86PTEAccessed == 0 {
		c.mem.Write32(pdeAddr, pde|x86PTEAccessed)
	}
	npte := pte | x86PTEAccessed
	if write {
		npte |= x86PTEDirty
	}
	if npte != pte {
		c.mem.Write32(pteAddr, npte)
	}

	// Write entries only once the page is dirty, so the first write through
	// a read-cached page still walks and sets D.
	dirty := npte&x86PTEDirty != 0
	kernelWrite := dirty && (prot&x86PTEWrite != 0 || c.CR0&x86CR0WP == 0)
	userRead := prot&x86PTEUser != 0
	userWrite := userRead && dirty && prot&x86PTEWrite != 0
	c.tlbSet(page, npte&X86_PAGE_MASK, kernelWrite, userRead, userWrite)
	return nil
}

func (c *CPU_X86) pageFault(lin uint32, code uint32, write, user bool) error {
	if write {
		code |= x86PFWrite
	}
	if user {
		code |= x86PFUser
	}
	c.CR2 = lin
	return x86FaultCode(x86ExcPF, code)
}

// tlbSet enters a page. Kernel read is always valid for a present page.
func (c *CPU_X86) tlbSet(page, phys uint32, kernelWrite, userRead, userWrite bool) {
	if c.tlbPageCount == x86TLBRingSize {
		c.flushTLB()
	}
	c.tlbPages[c.tlbPageCount] = page
	c.tlbPageCount++

	mask := phys ^ (page << 12)
	c.tlbReadKernel[page] = mask
	c.tlbWriteKernel[page] = x86TLBInvalid
	c.tlbReadUser[page] = x86TLBInvalid
	c.tlbWriteUser[page] = x86TLBInvalid
	if kernelWrite {
		c.tlbWriteKernel[page] = mask
	}
	if userRead {
		c.tlbReadUser[page] = mask
	}
	if userWrite {
		c.tlbWriteUser[page] = mask
	}
}

// flushTLB invalidates every populated page by walking the ring.
func (c *CPU_X86) flushTLB() {
	for _, page := range c.tlbPages[:c.tlbPageCount] {
		c.tlbReadKernel[page] = x86TLBInvalid
		c.tlbWriteKernel[page] = x86TLBInvalid
		c.tlbReadUser[page] = x86TLBInvalid
		c.tlbWriteUser[page] = x86TLBInvalid
	}
	c.tlbPageCount = 0
}

// flushTLBPage invalidates a single page (INVLPG). A stale ring slot for it
// is harmless.
func (c *CPU_X86) flushTLBPage(lin uint32) {
	page := lin >> 12
	c.tlbReadKernel[page] = x86TLBInvalid
	c.tlbWriteKernel[page] = x86TLBInvalid
	c.tlbReadUser[page] = x86TLBInvalid
	c.tlbWriteUser[page] = x86TLBInvalid
}

// =============================================================================
// Linear memory access
// =============================================================================

func (c *CPU_X86) readPhys(w x86Width, pa uint32) uint32 {
	switch w {
	case x86W8:
		return uint32(c.mem.Read8(pa))
	case x86W16:
		return uint32(c.mem.Read16(pa))
	}
	return c.mem.Read32(pa)
}

func (c *CPU_X86) writePhys(w x86Width, pa uint32, v uint32) {
	switch w {
	case x86W8:
		c.mem.Write8(pa, byte(v))
	case x86W16:
		c.mem.Write16(pa, uint16(v))
	default:
		c.mem.Write32(pa, v)
	}
}

// readLinPriv reads w bytes at lin with the given privilege. An access that
// straddles a page boundary is assembled byte by byte, each byte translated.
func (c *CPU_X86) readLinPriv(w x86Width, lin uint32, user bool) (uint32, error) {
	if lin&0xFFF <= X86_PAGE_SIZE-uint32(w) {
		pa, err := c.translate(lin, false, user)
		if err != nil {
			return 0, err
		}
		return c.readPhys(w, pa), nil
	}
	var v uint32
	for i := range uint32(w) {
		pa, err := c.translate(lin+i, false, user)
		if err != nil {
			return 0, err
		}
		v |= uint32(c.mem.Read8(pa)) << (8 * i)
	}
	return v, nil
}

// writeLinPriv writes w bytes at lin. Both pages of a straddling access are
// translated before any byte is stored.
func (c *CPU_X86) writeLinPriv(w x86Width, lin uint32, v uint32, user bool) error {
	if lin&0xFFF <= X86_PAGE_SIZE-uint32(w) {
		pa, err := c.translate(lin, true, user)
		if err != nil {
			return err
		}
		c.writePhys(w, pa, v)
		return nil
	}
	var pa [4]uint32
	for i := range uint32(w) {
		p, err := c.translate(lin+i, true, user)
		if err != nil {
			return err
		}
		pa[i] = p
	}
	for i := range uint32(w) {
		c.mem.Write8(pa[i], byte(v>>(8*i)))
	}
	return nil
}

// readLin reads at the current privilege, with an inlined TLB hit path.
func (c *CPU_X86) readLin(w x86Width, lin uint32) (uint32, error) {
	if m := c.tlbRead[lin>>12]; m != x86TLBInvalid && lin&0xFFF <= X86_PAGE_SIZE-uint32(w) {
		return c.readPhys(w, m^lin), nil
	}
	return c.readLinPriv(w, lin, c.cpl == 3)
}

// writeLin writes at the current privilege.
func (c *CPU_X86) writeLin(w x86Width, lin uint32, v uint32) error {
	if m := c.tlbWrite[lin>>12]; m != x86TLBInvalid && lin&0xFFF <= X86_PAGE_SIZE-uint32(w) {
		c.writePhys(w, m^lin, v)
		return nil
	}
	return c.writeLinPriv(w, lin, v, c.cpl == 3)
}

// readSys and writeSys are supervisor accesses used for descriptor tables,
// the TSS and the IDT regardless of CPL.
func (c *CPU_X86) readSys(w x86Width, lin uint32) (uint32, error) {
	return c.readLinPriv(w, lin, false)
}

func (c *CPU_X86) writeSys(w x86Width, lin uint32, v uint32) error {
	return c.writeLinPriv(w, lin, v, false)
}

// readMem and writeMem access seg:off at the current privilege.
func (c *CPU_X86) readMem(w x86Width, seg int, off uint32) (uint32, error) {
	return c.readLin(w, c.segs[seg].Base+off)
}

func (c *CPU_X86) writeMem(w x86Width, seg int, off uint32, v uint32) error {
	return c.writeLin(w, c.segs[seg].Base+off, v)
}

// PeekLinear translates lin without faulting, touching A/D bits or filling
// the TLB. It is meant for debuggers.
func (c *CPU_X86) PeekLinear(lin uint32) (uint32, bool) {
	if !c.pagingEnabled() {
		return lin, true
	}
	pde := c.mem.Read32((c.CR3 & X86_PAGE_MASK) | (lin>>20)&0xFFC)
	if pde&x86PTEPresent == 0 {
		return 0, false
	}
	pte := c.mem.Read32((pde & X86_PAGE_MASK) | (lin>>10)&0xFFC)
	if pte&x86PTEPresent == 0 {
		return 0, false
	}
	return (pte & X86_PAGE_MASK) | lin&0xFFF, true
}

// PeekBytes copies guest-linear memory into buf for diagnostics; unmapped
// bytes read as zero. It returns the number of mapped bytes copied.
func (c *CPU_X86) PeekBytes(lin uint32, buf []byte) int {
	n := 0
	for i := range buf {
		pa, ok := c.PeekLinear(lin + uint32(i))
		if !ok {
			buf[i] = 0
			continue
		}
		buf[i] = c.mem.Read8(pa)
		n++
	}
	return n
}
