// io_ports.go - Port I/O bridge between the x86 core and devices
//
// Devices register read/write handlers per port and per access width for
// ports 0-1023. The CPU calls them synchronously on IN, OUT and the string
// I/O instructions.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "fmt"

const X86_IO_PORTS = 1024

// X86PortIO is the port space as the CPU sees it.
type X86PortIO interface {
	In(port uint16, w x86Width) uint32
	Out(port uint16, w x86Width, value uint32)
}

type (
	PortRead8   func(port uint16) byte
	PortWrite8  func(port uint16, value byte)
	PortRead16  func(port uint16) uint16
	PortWrite16 func(port uint16, value uint16)
	PortRead32  func(port uint16) uint32
	PortWrite32 func(port uint16, value uint32)
)

// X86IOPorts is a dense, width-specific port registry. Unregistered reads
// return all ones and unregistered writes are dropped. A 16- or 32-bit
// access to a port with no handler of that width is split into narrower
// accesses on consecutive ports.
type X86IOPorts struct {
	read8   [X86_IO_PORTS]PortRead8
	write8  [X86_IO_PORTS]PortWrite8
	read16  [X86_IO_PORTS]PortRead16
	write16 [X86_IO_PORTS]PortWrite16
	read32  [X86_IO_PORTS]PortRead32
	write32 [X86_IO_PORTS]PortWrite32
}

func NewX86IOPorts() *X86IOPorts {
	return &X86IOPorts{}
}

func checkPort(port uint16) error {
	if port >= X86_IO_PORTS {
		return fmt.Errorf("port 0x%04X outside the 0-0x%03X port space", port, X86_IO_PORTS-1)
	}
	return nil
}

// Register8 installs byte handlers for port; either may be nil.
func (p *X86IOPorts) Register8(port uint16, r PortRead8, w PortWrite8) error {
	if err := checkPort(port); err != nil {
		return err
	}
	p.read8[port] = r
	p.write8[port] = w
	return nil
}

// Register16 installs word handlers for port.
func (p *X86IOPorts) Register16(port uint16, r PortRead16, w PortWrite16) error {
	if err := checkPort(port); err != nil {
		return err
	}
	p.read16[port] = r
	p.write16[port] = w
	return nil
}

// Register32 installs dword handlers for port.
func (p *X86IOPorts) Register32(port uint16, r PortRead32, w PortWrite32) error {
	if err := checkPort(port); err != nil {
		return err
	}
	p.read32[port] = r
	p.write32[port] = w
	return nil
}

func (p *X86IOPorts) in8(port uint16) byte {
	if port < X86_IO_PORTS && p.read8[port] != nil {
		return p.read8[port](port)
	}
	return 0xFF
}

func (p *X86IOPorts) in16(port uint16) uint16 {
	if port < X86_IO_PORTS && p.read16[port] != nil {
		return p.read16[port](port)
	}
	return uint16(p.in8(port)) | uint16(p.in8(port+1))<<8
}

func (p *X86IOPorts) out8(port uint16, v byte) {
	if port < X86_IO_PORTS && p.write8[port] != nil {
		p.write8[port](port, v)
	}
}

func (p *X86IOPorts) out16(port uint16, v uint16) {
	if port < X86_IO_PORTS && p.write16[port] != nil {
		p.write16[port](port, v)
		return
	}
	p.out8(port, byte(v))
	p.out8(port+1, byte(v>>8))
}

// In reads a port with access width w.
func (p *X86IOPorts) In(port uint16, w x86Width) uint32 {
	switch w {
	case x86W8:
		return uint32(p.in8(port))
	case x86W16:
		return uint32(p.in16(port))
	}
	if port < X86_IO_PORTS && p.read32[port] != nil {
		return p.read32[port](port)
	}
	return uint32(p.in16(port)) | uint32(p.in16(port+2))<<16
}

// Out writes a port with access width w.
func (p *X86IOPorts) Out(port uint16, w x86Width, v uint32) {
	switch w {
	case x86W8:
		p.out8(port, byte(v))
		return
	case x86W16:
		p.out16(port, uint16(v))
		return
	}
	if port < X86_IO_PORTS && p.write32[port] != nil {
		p.write32[port](port, v)
		return
	}
	p.out16(port, uint16(v))
	p.out16(port+2, uint16(v>>16))
}

// checkIOPermission enforces IOPL and, when CPL > IOPL or in virtual-8086
// mode, the I/O permission bitmap of a 32-bit TSS.
func (c *CPU_X86) checkIOPermission(port uint16, w x86Width) error {
	if !c.protectedMode() || (!c.v86Mode() && c.cpl <= c.iopl()) {
		return nil
	}
	if c.tr.sysType() != x86SysTSS32Busy && c.tr.sysType() != x86SysTSS32 {
		return x86GP(0)
	}
	if c.tr.Limit < 0x67 {
		return x86GP(0)
	}
	mapBase, err := c.readSys(x86W16, c.tr.Base+0x66)
	if err != nil {
		return err
	}
	off := mapBase + uint32(port)/8
	if off+1 > c.tr.Limit {
		return x86GP(0)
	}
	bits, err := c.readSys(x86W16, c.tr.Base+off)
	if err != nil {
		return err
	}
	mask := uint32(1)<<uint(w) - 1
	if (bits>>(port&7))&mask != 0 {
		return x86GP(0)
	}
	return nil
}

func (c *CPU_X86) portIn(port uint16, w x86Width) (uint32, error) {
	if err := c.checkIOPermission(port, w); err != nil {
		return 0, err
	}
	return c.ports.In(port, w), nil
}

func (c *CPU_X86) portOut(port uint16, w x86Width, v uint32) error {
	if err := c.checkIOPermission(port, w); err != nil {
		return err
	}
	c.ports.Out(port, w, v)
	return nil
}
