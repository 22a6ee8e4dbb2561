// cpu_x86_seg.go - Segmentation, protection checks and far control transfers
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "errors"

// x86Descriptor is a raw 8-byte GDT/LDT/IDT entry.
type x86Descriptor struct {
	lo uint32
	hi uint32
}

func (d x86Descriptor) base() uint32 {
	return d.lo>>16 | (d.hi&0xFF)<<16 | d.hi&0xFF000000
}

func (d x86Descriptor) limit() uint32 {
	l := d.lo&0xFFFF | d.hi&0x000F0000
	if d.hi&x86DescG != 0 {
		l = l<<12 | 0xFFF
	}
	return l
}

func (d x86Descriptor) flags() uint32 { return d.hi & 0x00F0FF00 }
func (d x86Descriptor) dpl() uint8    { return uint8(d.hi>>x86DescDPLShift) & 3 }
func (d x86Descriptor) present() bool { return d.hi&x86DescP != 0 }
func (d x86Descriptor) system() bool  { return d.hi&x86DescS == 0 }
func (d x86Descriptor) sysType() uint8 {
	return uint8(d.hi>>8) & 0xF
}
func (d x86Descriptor) code() bool {
	return !d.system() && d.hi&x86DescCode != 0
}
func (d x86Descriptor) conforming() bool {
	return d.code() && d.hi&x86DescConforming != 0
}

// writableData reports a data segment usable as SS.
func (d x86Descriptor) writableData() bool {
	return !d.system() && d.hi&x86DescCode == 0 && d.hi&x86DescRW != 0
}

// readable reports a segment loadable into DS/ES/FS/GS.
func (d x86Descriptor) readable() bool {
	if d.system() {
		return false
	}
	return d.hi&x86DescCode == 0 || d.hi&x86DescRW != 0
}

// Gate fields
func (d x86Descriptor) gateSelector() uint16 { return uint16(d.lo >> 16) }
func (d x86Descriptor) gateOffset() uint32 {
	if d.sysType()&8 == 0 {
		return d.lo & 0xFFFF
	}
	return d.lo&0xFFFF | d.hi&0xFFFF0000
}
func (d x86Descriptor) gateParams() uint32 { return d.hi & 0x1F }

func (d x86Descriptor) segment(sel uint16) X86Segment {
	return X86Segment{Selector: sel, Base: d.base(), Limit: d.limit(), Flags: d.flags()}
}

// loadDescriptor fetches the descriptor a selector names, from the GDT or
// (bit 2 set) the LDT. A selector beyond the table limit raises #GP.
func (c *CPU_X86) loadDescriptor(sel uint16) (x86Descriptor, error) {
	var base, limit uint32
	if sel&4 != 0 {
		if c.ldtr.Selector&0xFFFC == 0 {
			return x86Descriptor{}, x86GP(uint32(sel & 0xFFFC))
		}
		base, limit = c.ldtr.Base, c.ldtr.Limit
	} else {
		base, limit = c.gdtr.Base, uint32(c.gdtr.Limit)
	}
	idx := uint32(sel &^ 7)
	if idx+7 > limit {
		return x86Descriptor{}, x86GP(uint32(sel & 0xFFFC))
	}
	lo, err := c.readSys(x86W32, base+idx)
	if err != nil {
		return x86Descriptor{}, err
	}
	hi, err := c.readSys(x86W32, base+idx+4)
	if err != nil {
		return x86Descriptor{}, err
	}
	return x86Descriptor{lo: lo, hi: hi}, nil
}

// descriptorAddr returns the linear address of the descriptor for sel,
// used when the CPU writes back busy or accessed bits.
func (c *CPU_X86) descriptorAddr(sel uint16) uint32 {
	if sel&4 != 0 {
		return c.ldtr.Base + uint32(sel&^7)
	}
	return c.gdtr.Base + uint32(sel&^7)
}

// -----------------------------------------------------------------------------
// Segment register loads
// -----------------------------------------------------------------------------

// loadRealSegment loads a segment in real or virtual-8086 mode: no table
// lookup, base = selector << 4.
func (c *CPU_X86) loadRealSegment(seg int, sel uint16) {
	s := &c.segs[seg]
	s.Selector = sel
	s.Base = uint32(sel) << 4
	if c.v86Mode() {
		s.Limit = 0xFFFF
		s.Flags = x86DescP | x86DescS | x86DescRW | x86DescAccessed | 3<<x86DescDPLShift
		if seg == x86SegCS {
			s.Flags |= x86DescCode
		}
	}
}

// loadSegment loads a data or stack segment register (MOV Sreg, POP Sreg,
// LDS and friends). On any fault the register keeps its old value.
func (c *CPU_X86) loadSegment(seg int, sel uint16) error {
	if !c.protectedMode() || c.v86Mode() {
		c.loadRealSegment(seg, sel)
		return nil
	}
	if seg == x86SegCS {
		return x86UD()
	}
	if sel&0xFFFC == 0 {
		if seg == x86SegSS {
			return x86GP(0)
		}
		c.segs[seg] = X86Segment{Selector: sel}
		return nil
	}

	d, err := c.loadDescriptor(sel)
	if err != nil {
		return err
	}
	code := uint32(sel & 0xFFFC)
	rpl := uint8(sel & 3)
	dpl := d.dpl()
	if seg == x86SegSS {
		if rpl != c.cpl || dpl != c.cpl || !d.writableData() {
			return x86GP(code)
		}
		if !d.present() {
			return x86FaultCode(x86ExcSS, code)
		}
	} else {
		if !d.readable() {
			return x86GP(code)
		}
		if !d.conforming() && (dpl < c.cpl || dpl < rpl) {
			return x86GP(code)
		}
		if !d.present() {
			return x86FaultCode(x86ExcNP, code)
		}
	}
	c.segs[seg] = d.segment(sel)
	return nil
}

// loadCS commits a validated code segment at privilege cpl.
func (c *CPU_X86) loadCS(sel uint16, d x86Descriptor, cpl uint8) {
	c.segs[x86SegCS] = d.segment(sel&^3 | uint16(cpl))
	c.setCPL(cpl)
}

// checkCodeTarget validates a direct far JMP/CALL destination.
func (c *CPU_X86) checkCodeTarget(d x86Descriptor, sel uint16) error {
	code := uint32(sel & 0xFFFC)
	if !d.code() {
		return x86GP(code)
	}
	if d.conforming() {
		if d.dpl() > c.cpl {
			return x86GP(code)
		}
	} else if uint8(sel&3) > c.cpl || d.dpl() != c.cpl {
		return x86GP(code)
	}
	if !d.present() {
		return x86FaultCode(x86ExcNP, code)
	}
	return nil
}

// loadStackSegment validates an SS selector for privilege level pl during
// a privilege change. Invalid selectors raise vector bad (#TS for gates and
// interrupts, #GP for returns); a missing segment raises #SS.
func (c *CPU_X86) loadStackSegment(sel uint16, pl uint8, bad uint8) (x86Descriptor, error) {
	code := uint32(sel & 0xFFFC)
	if sel&0xFFFC == 0 {
		return x86Descriptor{}, x86FaultCode(bad, code)
	}
	d, err := c.loadDescriptor(sel)
	if err != nil {
		var f *X86Fault
		if errors.As(err, &f) && f.Vector == x86ExcGP {
			return x86Descriptor{}, x86FaultCode(bad, code)
		}
		return x86Descriptor{}, err
	}
	if uint8(sel&3) != pl || d.dpl() != pl || !d.writableData() {
		return x86Descriptor{}, x86FaultCode(bad, code)
	}
	if !d.present() {
		return x86Descriptor{}, x86FaultCode(x86ExcSS, code)
	}
	return d, nil
}

// nullInaccessibleSegments clears data segment registers the new (outer)
// privilege level may not use, after a return to an outer ring.
func (c *CPU_X86) nullInaccessibleSegments() {
	for _, seg := range []int{x86SegES, x86SegDS, x86SegFS, x86SegGS} {
		s := &c.segs[seg]
		if s.Selector&0xFFFC == 0 {
			continue
		}
		conforming := s.Flags&x86DescCode != 0 && s.Flags&x86DescConforming != 0
		if !conforming && s.dpl() < c.cpl {
			c.segs[seg] = X86Segment{}
		}
	}
}

// tssStack reads the SS:ESP pair for privilege level pl from the current TSS.
func (c *CPU_X86) tssStack(pl uint8) (uint16, uint32, error) {
	trCode := uint32(c.tr.Selector & 0xFFFC)
	if c.tr.sysType()&8 != 0 {
		off := 4 + uint32(pl)*8
		if off+5 > c.tr.Limit {
			return 0, 0, x86FaultCode(x86ExcTS, trCode)
		}
		esp, err := c.readSys(x86W32, c.tr.Base+off)
		if err != nil {
			return 0, 0, err
		}
		ss, err := c.readSys(x86W16, c.tr.Base+off+4)
		if err != nil {
			return 0, 0, err
		}
		return uint16(ss), esp, nil
	}
	off := 2 + uint32(pl)*4
	if off+3 > c.tr.Limit {
		return 0, 0, x86FaultCode(x86ExcTS, trCode)
	}
	sp, err := c.readSys(x86W16, c.tr.Base+off)
	if err != nil {
		return 0, 0, err
	}
	ss, err := c.readSys(x86W16, c.tr.Base+off+2)
	if err != nil {
		return 0, 0, err
	}
	return uint16(ss), sp, nil
}

// -----------------------------------------------------------------------------
// Stack
// -----------------------------------------------------------------------------

// x86Stack is a cursor over a stack segment. Pushes and pops move the
// cursor; nothing reaches ESP until the caller commits, so a fault part way
// through a multi-word frame leaves ESP untouched.
type x86Stack struct {
	c    *CPU_X86
	base uint32
	sp   uint32
	mask uint32
	user bool
}

func stackMaskFor(big bool) uint32 {
	if big {
		return 0xFFFFFFFF
	}
	return 0xFFFF
}

func (c *CPU_X86) currentStack() x86Stack {
	ss := &c.segs[x86SegSS]
	return x86Stack{c: c, base: ss.Base, sp: c.ESP, mask: stackMaskFor(ss.big()), user: c.cpl == 3}
}

func (s *x86Stack) push(w x86Width, v uint32) error {
	sp := (s.sp - uint32(w)) & s.mask
	if err := s.c.writeLinPriv(w, s.base+sp, v, s.user); err != nil {
		return err
	}
	s.sp = s.sp&^s.mask | sp
	return nil
}

func (s *x86Stack) pop(w x86Width) (uint32, error) {
	v, err := s.c.readLinPriv(w, s.base+(s.sp&s.mask), s.user)
	if err != nil {
		return 0, err
	}
	s.sp = s.sp&^s.mask | (s.sp+uint32(w))&s.mask
	return v, nil
}

// peek reads at offset off above the cursor without moving it.
func (s *x86Stack) peek(w x86Width, off uint32) (uint32, error) {
	return s.c.readLinPriv(w, s.base+((s.sp+off)&s.mask), s.user)
}

func (s *x86Stack) skip(n uint32) {
	s.sp = s.sp&^s.mask | (s.sp+n)&s.mask
}

func (c *CPU_X86) push(w x86Width, v uint32) error {
	s := c.currentStack()
	if err := s.push(w, v); err != nil {
		return err
	}
	c.ESP = s.sp
	return nil
}

func (c *CPU_X86) pop(w x86Width) (uint32, error) {
	s := c.currentStack()
	v, err := s.pop(w)
	if err != nil {
		return 0, err
	}
	c.ESP = s.sp
	return v, nil
}

// -----------------------------------------------------------------------------
// Far transfers
// -----------------------------------------------------------------------------

// farJump implements JMP ptr16:16/32 and JMP m16:16/32.
func (c *CPU_X86) farJump(sel uint16, off uint32) error {
	if !c.protectedMode() || c.v86Mode() {
		c.loadRealSegment(x86SegCS, sel)
		c.EIP = off
		return nil
	}
	if sel&0xFFFC == 0 {
		return x86GP(0)
	}
	d, err := c.loadDescriptor(sel)
	if err != nil {
		return err
	}
	if !d.system() {
		if err := c.checkCodeTarget(d, sel); err != nil {
			return err
		}
		c.loadCS(sel, d, c.cpl)
		c.EIP = off
		return nil
	}

	code := uint32(sel & 0xFFFC)
	switch d.sysType() {
	case x86SysCallGate, x86SysCallGate3:
		if d.dpl() < c.cpl || d.dpl() < uint8(sel&3) {
			return x86GP(code)
		}
		if !d.present() {
			return x86FaultCode(x86ExcNP, code)
		}
		tsel := d.gateSelector()
		if tsel&0xFFFC == 0 {
			return x86GP(0)
		}
		td, err := c.loadDescriptor(tsel)
		if err != nil {
			return err
		}
		tcode := uint32(tsel & 0xFFFC)
		if !td.code() {
			return x86GP(tcode)
		}
		if (td.conforming() && td.dpl() > c.cpl) || (!td.conforming() && td.dpl() != c.cpl) {
			return x86GP(tcode)
		}
		if !td.present() {
			return x86FaultCode(x86ExcNP, tcode)
		}
		c.loadCS(tsel, td, c.cpl)
		c.EIP = d.gateOffset()
		return nil
	case x86SysTaskGate, x86SysTSS16, x86SysTSS32:
		return c.fatalf("task switch via JMP to selector 0x%04X is not supported", sel)
	}
	return x86GP(code)
}

// farCall implements CALL ptr16:16/32 and CALL m16:16/32, including call
// gates to a more privileged ring.
func (c *CPU_X86) farCall(sel uint16, off uint32, w x86Width) error {
	retEIP := c.EIP
	oldCS := c.segs[x86SegCS].Selector

	if !c.protectedMode() || c.v86Mode() {
		s := c.currentStack()
		if err := s.push(w, uint32(oldCS)); err != nil {
			return err
		}
		if err := s.push(w, retEIP); err != nil {
			return err
		}
		c.ESP = s.sp
		c.loadRealSegment(x86SegCS, sel)
		c.EIP = off
		return nil
	}
	if sel&0xFFFC == 0 {
		return x86GP(0)
	}
	d, err := c.loadDescriptor(sel)
	if err != nil {
		return err
	}
	if !d.system() {
		if err := c.checkCodeTarget(d, sel); err != nil {
			return err
		}
		s := c.currentStack()
		if err := s.push(w, uint32(oldCS)); err != nil {
			return err
		}
		if err := s.push(w, retEIP); err != nil {
			return err
		}
		c.ESP = s.sp
		c.loadCS(sel, d, c.cpl)
		c.EIP = off
		return nil
	}

	code := uint32(sel & 0xFFFC)
	switch d.sysType() {
	case x86SysCallGate, x86SysCallGate3:
		return c.callGate(d, sel, retEIP, oldCS)
	case x86SysTaskGate, x86SysTSS16, x86SysTSS32:
		return c.fatalf("task switch via CALL to selector 0x%04X is not supported", sel)
	}
	return x86GP(code)
}

// callGate transfers through a call gate. A non-conforming target more
// privileged than CPL switches to the stack named in the TSS and copies
// the gate's parameter words across.
func (c *CPU_X86) callGate(gate x86Descriptor, sel uint16, retEIP uint32, oldCS uint16) error {
	code := uint32(sel & 0xFFFC)
	if gate.dpl() < c.cpl || gate.dpl() < uint8(sel&3) {
		return x86GP(code)
	}
	if !gate.present() {
		return x86FaultCode(x86ExcNP, code)
	}
	tsel := gate.gateSelector()
	if tsel&0xFFFC == 0 {
		return x86GP(0)
	}
	td, err := c.loadDescriptor(tsel)
	if err != nil {
		return err
	}
	tcode := uint32(tsel & 0xFFFC)
	if !td.code() || td.dpl() > c.cpl {
		return x86GP(tcode)
	}
	if !td.present() {
		return x86FaultCode(x86ExcNP, tcode)
	}

	w := x86W16
	if gate.sysType() == x86SysCallGate3 {
		w = x86W32
	}
	target := gate.gateOffset()

	if !td.conforming() && td.dpl() < c.cpl {
		newPL := td.dpl()
		ssSel, newESP, err := c.tssStack(newPL)
		if err != nil {
			return err
		}
		ssd, err := c.loadStackSegment(ssSel, newPL, x86ExcTS)
		if err != nil {
			return err
		}

		old := c.currentStack()
		oldSS := c.segs[x86SegSS].Selector
		count := gate.gateParams()
		params := make([]uint32, count)
		for i := range count {
			v, err := old.peek(w, i*uint32(w))
			if err != nil {
				return err
			}
			params[i] = v
		}

		ns := x86Stack{c: c, base: ssd.base(), sp: newESP, mask: stackMaskFor(ssd.hi&x86DescDB != 0), user: newPL == 3}
		if err := ns.push(w, uint32(oldSS)); err != nil {
			return err
		}
		if err := ns.push(w, old.sp); err != nil {
			return err
		}
		for i := int(count) - 1; i >= 0; i-- {
			if err := ns.push(w, params[i]); err != nil {
				return err
			}
		}
		if err := ns.push(w, uint32(oldCS)); err != nil {
			return err
		}
		if err := ns.push(w, retEIP); err != nil {
			return err
		}

		c.segs[x86SegSS] = ssd.segment(ssSel)
		c.ESP = ns.sp
		c.loadCS(tsel, td, newPL)
		c.EIP = target
		return nil
	}

	s := c.currentStack()
	if err := s.push(w, uint32(oldCS)); err != nil {
		return err
	}
	if err := s.push(w, retEIP); err != nil {
		return err
	}
	c.ESP = s.sp
	c.loadCS(tsel, td, c.cpl)
	c.EIP = target
	return nil
}

// farReturn implements RETF and RETF imm16. A return to an outer ring also
// pops SS:ESP and clears data segments the outer ring may not use.
func (c *CPU_X86) farReturn(w x86Width, popBytes uint32) error {
	s := c.currentStack()
	eip, err := s.pop(w)
	if err != nil {
		return err
	}
	csv, err := s.pop(w)
	if err != nil {
		return err
	}
	sel := uint16(csv)

	if !c.protectedMode() || c.v86Mode() {
		s.skip(popBytes)
		c.ESP = s.sp
		c.loadRealSegment(x86SegCS, sel)
		c.EIP = eip
		return nil
	}

	if sel&0xFFFC == 0 {
		return x86GP(0)
	}
	d, err := c.loadDescriptor(sel)
	if err != nil {
		return err
	}
	code := uint32(sel & 0xFFFC)
	rpl := uint8(sel & 3)
	if !d.code() || rpl < c.cpl {
		return x86GP(code)
	}
	if (d.conforming() && d.dpl() > rpl) || (!d.conforming() && d.dpl() != rpl) {
		return x86GP(code)
	}
	if !d.present() {
		return x86FaultCode(x86ExcNP, code)
	}

	if rpl == c.cpl {
		s.skip(popBytes)
		c.ESP = s.sp
		c.loadCS(sel, d, rpl)
		c.EIP = eip
		return nil
	}

	s.skip(popBytes)
	newESP, err := s.pop(w)
	if err != nil {
		return err
	}
	ssv, err := s.pop(w)
	if err != nil {
		return err
	}
	ssSel := uint16(ssv)
	ssd, err := c.loadStackSegment(ssSel, rpl, x86ExcGP)
	if err != nil {
		return err
	}

	c.loadCS(sel, d, rpl)
	c.segs[x86SegSS] = ssd.segment(ssSel)
	mask := stackMaskFor(ssd.hi&x86DescDB != 0)
	if w == x86W16 {
		newESP &= 0xFFFF
	}
	c.ESP = c.ESP&^mask | (newESP+popBytes)&mask
	c.EIP = eip
	c.nullInaccessibleSegments()
	return nil
}
