// cpu_x86_intr.go - Interrupt and exception delivery, IRET
//
// Faults, software interrupts and hardware interrupts all enter through
// deliver. In real mode the vector indexes the IVT; in protected mode it
// selects an IDT gate, which may switch to a more privileged stack.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "errors"

// x86IntSource says what raised an interrupt; it decides the gate DPL check
// and the EXT bit of error codes.
type x86IntSource uint8

const (
	x86IntException x86IntSource = iota
	x86IntSoftware
	x86IntHardware
)

// deliver vectors through the IVT or IDT. EIP must already hold the return
// address: the faulting instruction for faults, the next one for traps.
func (c *CPU_X86) deliver(vector uint8, errCode uint32, hasErr bool, src x86IntSource) error {
	if !c.protectedMode() {
		return c.deliverReal(vector)
	}
	return c.deliverProtected(vector, errCode, hasErr, src)
}

func (c *CPU_X86) deliverReal(vector uint8) error {
	off := uint32(vector) * 4
	if off+3 > uint32(c.idtr.Limit) {
		return x86GP(0)
	}
	ip, err := c.readSys(x86W16, c.idtr.Base+off)
	if err != nil {
		return err
	}
	cs, err := c.readSys(x86W16, c.idtr.Base+off+2)
	if err != nil {
		return err
	}

	s := c.currentStack()
	if err := s.push(x86W16, c.getFlags()); err != nil {
		return err
	}
	if err := s.push(x86W16, uint32(c.segs[x86SegCS].Selector)); err != nil {
		return err
	}
	if err := s.push(x86W16, c.EIP); err != nil {
		return err
	}
	c.ESP = s.sp
	c.Flags &^= x86FlagIF | x86FlagTF | x86FlagAC
	c.loadRealSegment(x86SegCS, uint16(cs))
	c.EIP = ip
	return nil
}

func (c *CPU_X86) deliverProtected(vector uint8, errCode uint32, hasErr bool, src x86IntSource) error {
	var ext uint32
	if src != x86IntSoftware {
		ext = 1
	}
	idtCode := uint32(vector)*8 + 2 | ext

	off := uint32(vector) * 8
	if off+7 > uint32(c.idtr.Limit) {
		return x86GP(idtCode)
	}
	lo, err := c.readSys(x86W32, c.idtr.Base+off)
	if err != nil {
		return err
	}
	hi, err := c.readSys(x86W32, c.idtr.Base+off+4)
	if err != nil {
		return err
	}
	gate := x86Descriptor{lo: lo, hi: hi}

	switch gate.sysType() {
	case x86SysIntGate, x86SysTrapGate, x86SysIntGate3, x86SysTrapGate3:
	case x86SysTaskGate:
		return c.fatalf("task gate in IDT vector 0x%02X is not supported", vector)
	default:
		return x86GP(idtCode)
	}
	if !gate.system() {
		return x86GP(idtCode)
	}
	if src == x86IntSoftware && gate.dpl() < c.cpl {
		return x86GP(idtCode)
	}
	if !gate.present() {
		return x86FaultCode(x86ExcNP, idtCode)
	}

	tsel := gate.gateSelector()
	if tsel&0xFFFC == 0 {
		return x86GP(ext)
	}
	td, err := c.loadDescriptor(tsel)
	if err != nil {
		var f *X86Fault
		if errors.As(err, &f) && f.Vector == x86ExcGP {
			return x86GP(uint32(tsel&0xFFFC) | ext)
		}
		return err
	}
	tcode := uint32(tsel&0xFFFC) | ext
	if !td.code() || td.dpl() > c.cpl {
		return x86GP(tcode)
	}
	if !td.present() {
		return x86FaultCode(x86ExcNP, tcode)
	}

	w := x86W16
	if gate.sysType()&8 != 0 {
		w = x86W32
	}
	oldFlags := c.getFlags()
	oldCS := uint32(c.segs[x86SegCS].Selector)
	fromV86 := c.v86Mode()
	newPL := c.cpl

	if !td.conforming() && td.dpl() < c.cpl {
		// Inner privilege: switch to the stack named in the TSS.
		newPL = td.dpl()
		if fromV86 && newPL != 0 {
			return x86GP(tcode)
		}
		ssSel, newESP, err := c.tssStack(newPL)
		if err != nil {
			return err
		}
		ssd, err := c.loadStackSegment(ssSel, newPL, x86ExcTS)
		if err != nil {
			return err
		}
		ns := x86Stack{c: c, base: ssd.base(), sp: newESP, mask: stackMaskFor(ssd.hi&x86DescDB != 0), user: newPL == 3}
		if fromV86 {
			for _, seg := range []int{x86SegGS, x86SegFS, x86SegDS, x86SegES} {
				if err := ns.push(w, uint32(c.segs[seg].Selector)); err != nil {
					return err
				}
			}
		}
		if err := ns.push(w, uint32(c.segs[x86SegSS].Selector)); err != nil {
			return err
		}
		if err := ns.push(w, c.ESP); err != nil {
			return err
		}
		if err := c.pushInterruptFrame(&ns, w, oldFlags, oldCS, errCode, hasErr); err != nil {
			return err
		}
		if fromV86 {
			for _, seg := range []int{x86SegES, x86SegDS, x86SegFS, x86SegGS} {
				c.segs[seg] = X86Segment{}
			}
		}
		c.segs[x86SegSS] = ssd.segment(ssSel)
		c.ESP = ns.sp
	} else {
		if fromV86 {
			return x86GP(tcode)
		}
		s := c.currentStack()
		if err := c.pushInterruptFrame(&s, w, oldFlags, oldCS, errCode, hasErr); err != nil {
			return err
		}
		c.ESP = s.sp
	}

	clearMask := uint32(x86FlagTF | x86FlagNT | x86FlagVM | x86FlagRF)
	if gate.sysType()&1 == 0 {
		clearMask |= x86FlagIF
	}
	c.Flags &^= clearMask
	c.loadCS(tsel, td, newPL)
	c.EIP = gate.gateOffset()
	return nil
}

func (c *CPU_X86) pushInterruptFrame(s *x86Stack, w x86Width, flags, cs, errCode uint32, hasErr bool) error {
	if err := s.push(w, flags); err != nil {
		return err
	}
	if err := s.push(w, cs); err != nil {
		return err
	}
	if err := s.push(w, c.EIP); err != nil {
		return err
	}
	if hasErr {
		return s.push(w, errCode)
	}
	return nil
}

// softwareInterrupt implements INT n, INT3 and INTO once decoded.
func (c *CPU_X86) softwareInterrupt(vector uint8) error {
	if c.v86Mode() && c.iopl() < 3 {
		return x86GP(0)
	}
	return c.deliver(vector, 0, false, x86IntSoftware)
}

// raiseFault delivers an architectural fault. A contributory fault or page
// fault raised while delivering another becomes a double fault; a fault
// while delivering a double fault shuts the CPU down, which the emulator
// reports as fatal.
func (c *CPU_X86) raiseFault(f *X86Fault) error {
	for {
		err := c.deliver(f.Vector, f.ErrorCode, f.HasError || x86VectorHasError(f.Vector), x86IntException)
		if err == nil {
			return nil
		}
		var f2 *X86Fault
		if !errors.As(err, &f2) {
			return err
		}
		if f.Vector == x86ExcDF {
			return c.fatalf("triple fault (%v while delivering #DF)", f2)
		}
		benign := !x86Contributory(f2.Vector) && f2.Vector != x86ExcPF
		if (x86Contributory(f.Vector) && x86Contributory(f2.Vector)) ||
			(f.Vector == x86ExcPF && !benign) {
			f = &X86Fault{Vector: x86ExcDF, HasError: true}
			continue
		}
		f = f2
	}
}

// -----------------------------------------------------------------------------
// IRET
// -----------------------------------------------------------------------------

// iretFlagsMask returns the EFLAGS bits IRET/POPF may change at the current
// privilege for an operand of width w.
func (c *CPU_X86) iretFlagsMask(w x86Width) uint32 {
	mask := uint32(x86FlagsArith | x86FlagTF | x86FlagDF | x86FlagNT)
	if c.cpl == 0 {
		mask |= x86FlagIOPL
	}
	if c.cpl <= c.iopl() {
		mask |= x86FlagIF
	}
	if w == x86W32 {
		mask |= x86FlagRF | x86FlagAC | x86FlagID
	} else {
		mask &= 0xFFFF
	}
	return mask
}

func (c *CPU_X86) iret(w x86Width) error {
	if !c.protectedMode() || c.v86Mode() {
		if c.v86Mode() && c.iopl() < 3 {
			return x86GP(0)
		}
		s := c.currentStack()
		eip, err := s.pop(w)
		if err != nil {
			return err
		}
		cs, err := s.pop(w)
		if err != nil {
			return err
		}
		flags, err := s.pop(w)
		if err != nil {
			return err
		}
		c.ESP = s.sp
		c.loadRealSegment(x86SegCS, uint16(cs))
		c.EIP = eip
		mask := uint32(0xFFFF)
		if w == x86W32 {
			mask = 0xFFFFFFFF &^ (x86FlagVM | x86FlagVIF | x86FlagVIP)
		}
		if c.v86Mode() {
			mask &^= x86FlagIOPL
		}
		c.setFlagsMasked(flags, mask)
		return nil
	}

	if c.Flags&x86FlagNT != 0 {
		return c.fatalf("IRET with NT set (task return) is not supported")
	}

	s := c.currentStack()
	eip, err := s.pop(w)
	if err != nil {
		return err
	}
	csv, err := s.pop(w)
	if err != nil {
		return err
	}
	flags, err := s.pop(w)
	if err != nil {
		return err
	}

	if w == x86W32 && flags&x86FlagVM != 0 && c.cpl == 0 {
		return c.iretToV86(&s, eip, uint16(csv), flags)
	}

	sel := uint16(csv)
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

	mask := c.iretFlagsMask(w)
	if rpl == c.cpl {
		c.ESP = s.sp
		c.loadCS(sel, d, rpl)
		c.EIP = eip
		c.setFlagsMasked(flags, mask)
		return nil
	}

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

	c.setFlagsMasked(flags, mask)
	c.loadCS(sel, d, rpl)
	c.segs[x86SegSS] = ssd.segment(ssSel)
	if w == x86W16 {
		newESP &= 0xFFFF
	}
	if ssd.hi&x86DescDB != 0 {
		c.ESP = newESP
	} else {
		c.ESP = c.ESP&0xFFFF0000 | newESP&0xFFFF
	}
	c.EIP = eip
	c.nullInaccessibleSegments()
	return nil
}

// iretToV86 finishes an IRET at CPL 0 whose EFLAGS image has VM set: the
// frame continues with ESP, SS, ES, DS, FS and GS.
func (c *CPU_X86) iretToV86(s *x86Stack, eip uint32, cs uint16, flags uint32) error {
	var vals [6]uint32
	for i := range vals {
		v, err := s.pop(x86W32)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	c.setFlags(flags)
	c.setCPL(3)
	c.loadRealSegment(x86SegCS, cs)
	c.loadRealSegment(x86SegSS, uint16(vals[1]))
	c.loadRealSegment(x86SegES, uint16(vals[2]))
	c.loadRealSegment(x86SegDS, uint16(vals[3]))
	c.loadRealSegment(x86SegFS, uint16(vals[4]))
	c.loadRealSegment(x86SegGS, uint16(vals[5]))
	c.ESP = vals[0]
	c.EIP = eip & 0xFFFF
	return nil
}
