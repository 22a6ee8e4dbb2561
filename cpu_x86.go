// cpu_x86.go - Intel 486-class x86 CPU Emulator
//
// This implements a 32-bit x86 CPU with:
// - Integer instruction set of the 486 (no FPU, MMX or SSE)
// - Real, protected and virtual-8086 modes with segmentation and privilege checks
// - Two-level paging backed by a software TLB
// - Lazy condition codes
// - Port I/O through a width-specific port registry
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// x86Op is an instruction handler. A non-nil error is either an *X86Fault
// to be redelivered by the execution loop or an *X86FatalError.
type x86Op func(*CPU_X86) error

// X86Segment is a segment register: the visible selector plus the
// descriptor cache loaded with it.
type X86Segment struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Flags    uint32 // descriptor high dword, bits 8-23
}

// X86TableReg holds GDTR or IDTR.
type X86TableReg struct {
	Base  uint32
	Limit uint16
}

// CPU_X86 represents the x86 CPU state
type CPU_X86 struct {
	// General purpose registers (32-bit)
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32
	ESP uint32

	// Instruction pointer
	EIP uint32

	// Flags holds the system bits of EFLAGS. The arithmetic bits are
	// derived from the lazy condition-code state below.
	Flags  uint32
	dfStep int32 // +1 or -1, cached from DF

	// Lazy condition codes
	ccOp   x86CCOp
	ccSrc  uint32
	ccDst  uint32
	ccOp2  x86CCOp
	ccDst2 uint32

	// Control and debug registers
	CR0 uint32
	CR2 uint32
	CR3 uint32
	CR4 uint32
	DR  [8]uint32

	// Segmentation
	segs [6]X86Segment
	ldtr X86Segment
	tr   X86Segment
	gdtr X86TableReg
	idtr X86TableReg
	cpl  uint8

	// Execution state
	Halted    bool
	Cycles    uint64
	intShadow bool   // interrupts held off for one instruction (STI, MOV SS)
	yieldAt   uint64 // cycle count at which REP instructions yield
	slowREP   bool   // run REP MOVS/STOS one element at a time

	// Current instruction state
	instrEIP   uint32     // EIP of the first prefix byte
	instrESP   uint32     // ESP at instruction start, restored on fault
	instrCC    x86CCState // flags at instruction start, restored on fault
	prefixSeg  int        // Segment override (-1 = none, 0-5 = ES/CS/SS/DS/FS/GS)
	prefixRep  int        // REP prefix (0 = none, 1 = REP/REPE, 2 = REPNE)
	opSize16   bool       // effective operand size is 16 bits
	addrSize16 bool       // effective address size is 16 bits
	opcode     uint16     // 0x000-0x0FF one-byte, 0x100-0x1FF after 0F
	modrm      byte
	eaSeg      int    // segment of the decoded memory operand
	eaOffset   uint32 // offset of the decoded memory operand
	code       []byte // bytes of the current instruction onwards
	codePos    int
	fetchBuf   [32]byte

	// Paging
	tlbReadKernel  []uint32
	tlbWriteKernel []uint32
	tlbReadUser    []uint32
	tlbWriteUser   []uint32
	tlbRead        []uint32 // tables for the current privilege
	tlbWrite       []uint32
	tlbPages       [x86TLBRingSize]uint32
	tlbPageCount   int
	tlbWalks       uint64 // page table walks performed

	// Collaborators
	mem   *X86Memory
	ports X86PortIO
	irq   *X86InterruptLine

	// Instruction dispatch, indexed by operand size (0 = 32-bit, 1 = 16-bit)
	// and by opcode (0x100 added for the 0x0F map)
	ops [2][512]x86Op

	// Register pointer array for O(1) lookup
	// Order: EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI
	regs32 [8]*uint32
}

// Flag bit positions
const (
	x86FlagCF   = 1 << 0  // Carry Flag
	x86FlagPF   = 1 << 2  // Parity Flag
	x86FlagAF   = 1 << 4  // Auxiliary Carry Flag
	x86FlagZF   = 1 << 6  // Zero Flag
	x86FlagSF   = 1 << 7  // Sign Flag
	x86FlagTF   = 1 << 8  // Trap Flag
	x86FlagIF   = 1 << 9  // Interrupt Enable Flag
	x86FlagDF   = 1 << 10 // Direction Flag
	x86FlagOF   = 1 << 11 // Overflow Flag
	x86FlagIOPL = 3 << 12 // I/O Privilege Level (2 bits)
	x86FlagNT   = 1 << 14 // Nested Task
	x86FlagRF   = 1 << 16 // Resume Flag
	x86FlagVM   = 1 << 17 // Virtual-8086 Mode
	x86FlagAC   = 1 << 18 // Alignment Check
	x86FlagVIF  = 1 << 19 // Virtual Interrupt Flag
	x86FlagVIP  = 1 << 20 // Virtual Interrupt Pending
	x86FlagID   = 1 << 21 // ID Flag

	x86FlagsArith = x86FlagCF | x86FlagPF | x86FlagAF | x86FlagZF | x86FlagSF | x86FlagOF
	x86FlagsFixed = 1 << 1 // always reads as one
)

// Segment register indices
const (
	x86SegES = 0
	x86SegCS = 1
	x86SegSS = 2
	x86SegDS = 3
	x86SegFS = 4
	x86SegGS = 5
)

// Control register bits
const (
	x86CR0PE = 1 << 0
	x86CR0MP = 1 << 1
	x86CR0EM = 1 << 2
	x86CR0TS = 1 << 3
	x86CR0ET = 1 << 4
	x86CR0NE = 1 << 5
	x86CR0WP = 1 << 16
	x86CR0AM = 1 << 18
	x86CR0NW = 1 << 29
	x86CR0CD = 1 << 30
	x86CR0PG = 1 << 31
)

// Descriptor cache flag bits (high dword of a descriptor)
const (
	x86DescAccessed   = 1 << 8
	x86DescRW         = 1 << 9  // readable code / writable data
	x86DescConforming = 1 << 10 // conforming code / expand-down data
	x86DescCode       = 1 << 11
	x86DescS          = 1 << 12 // code or data, clear for system descriptors
	x86DescDPLShift   = 13
	x86DescP          = 1 << 15
	x86DescDB         = 1 << 22
	x86DescG          = 1 << 23
)

// System descriptor types
const (
	x86SysTSS16     = 0x1
	x86SysLDT       = 0x2
	x86SysTSS16Busy = 0x3
	x86SysCallGate  = 0x4
	x86SysTaskGate  = 0x5
	x86SysIntGate   = 0x6
	x86SysTrapGate  = 0x7
	x86SysTSS32     = 0x9
	x86SysTSS32Busy = 0xB
	x86SysCallGate3 = 0xC
	x86SysIntGate3  = 0xE
	x86SysTrapGate3 = 0xF
)

func (s *X86Segment) dpl() uint8     { return uint8(s.Flags>>x86DescDPLShift) & 3 }
func (s *X86Segment) sysType() uint8 { return uint8(s.Flags>>8) & 0xF }
func (s *X86Segment) big() bool      { return s.Flags&x86DescDB != 0 }

// NewCPU_X86 creates a new x86 CPU instance attached to physical memory and
// a port bus. The CPU owns its interrupt line; devices are handed IRQ().
func NewCPU_X86(mem *X86Memory, ports X86PortIO) *CPU_X86 {
	if ports == nil {
		ports = NewX86IOPorts()
	}
	cpu := &CPU_X86{
		mem:            mem,
		ports:          ports,
		irq:            NewX86InterruptLine(),
		tlbReadKernel:  make([]uint32, x86TLBEntries),
		tlbWriteKernel: make([]uint32, x86TLBEntries),
		tlbReadUser:    make([]uint32, x86TLBEntries),
		tlbWriteUser:   make([]uint32, x86TLBEntries),
	}
	// Initialize register pointer array for O(1) lookup
	cpu.regs32 = [8]*uint32{
		&cpu.EAX, &cpu.ECX, &cpu.EDX, &cpu.EBX,
		&cpu.ESP, &cpu.EBP, &cpu.ESI, &cpu.EDI,
	}
	for i := range x86TLBEntries {
		cpu.tlbReadKernel[i] = x86TLBInvalid
		cpu.tlbWriteKernel[i] = x86TLBInvalid
		cpu.tlbReadUser[i] = x86TLBInvalid
		cpu.tlbWriteUser[i] = x86TLBInvalid
	}
	cpu.initBaseOps()
	cpu.initExtendedOps()
	cpu.Reset()
	return cpu
}

// IRQ returns the interrupt line devices use to request hardware interrupts.
func (c *CPU_X86) IRQ() *X86InterruptLine {
	return c.irq
}

// Memory returns the physical memory the CPU is attached to.
func (c *CPU_X86) Memory() *X86Memory {
	return c.mem
}

// Reset puts the CPU in its power-on state: real mode at F000:FFF0.
func (c *CPU_X86) Reset() {
	for _, r := range c.regs32 {
		*r = 0
	}
	c.EDX = 0x00000402 // family 4, model 0, stepping 2
	c.EIP = 0x0000FFF0

	c.CR0 = x86CR0ET | x86CR0CD | x86CR0NW
	c.CR2 = 0
	c.CR3 = 0
	c.CR4 = 0
	c.DR = [8]uint32{}
	c.DR[6] = 0xFFFF0FF0
	c.DR[7] = 0x00000400

	for i := range c.segs {
		c.segs[i] = X86Segment{Limit: 0xFFFF, Flags: x86DescP | x86DescS | x86DescRW | x86DescAccessed}
	}
	c.segs[x86SegCS] = X86Segment{Selector: 0xF000, Base: 0xFFFF0000, Limit: 0xFFFF,
		Flags: x86DescP | x86DescS | x86DescCode | x86DescRW | x86DescAccessed}
	c.ldtr = X86Segment{Limit: 0xFFFF, Flags: x86DescP | x86SysLDT<<8}
	c.tr = X86Segment{Limit: 0xFFFF, Flags: x86DescP | x86SysTSS32Busy<<8}
	c.gdtr = X86TableReg{Limit: 0xFFFF}
	c.idtr = X86TableReg{Limit: 0x03FF}

	c.Flags = x86FlagsFixed
	c.setFlags(x86FlagsFixed)
	c.ccOp2 = ccEFLAGS
	c.ccDst2 = 0

	c.prefixSeg = -1
	c.prefixRep = 0
	c.intShadow = false
	c.Halted = false
	c.Cycles = 0
	c.irq.Lower()

	c.setCPL(0)
	c.flushTLB()
}

// -----------------------------------------------------------------------------
// Modes
// -----------------------------------------------------------------------------

func (c *CPU_X86) protectedMode() bool { return c.CR0&x86CR0PE != 0 }
func (c *CPU_X86) v86Mode() bool       { return c.Flags&x86FlagVM != 0 }
func (c *CPU_X86) pagingEnabled() bool { return c.CR0&x86CR0PG != 0 }
func (c *CPU_X86) iopl() uint8         { return uint8(c.Flags>>12) & 3 }
func (c *CPU_X86) userMode() bool      { return c.cpl == 3 }

// CPL returns the current privilege level.
func (c *CPU_X86) CPL() uint8 { return c.cpl }

// setCPL switches privilege and the TLB tables that go with it.
func (c *CPU_X86) setCPL(cpl uint8) {
	c.cpl = cpl
	if cpl == 3 {
		c.tlbRead = c.tlbReadUser
		c.tlbWrite = c.tlbWriteUser
	} else {
		c.tlbRead = c.tlbReadKernel
		c.tlbWrite = c.tlbWriteKernel
	}
}

// Seg returns a copy of a segment register.
func (c *CPU_X86) Seg(seg int) X86Segment { return c.segs[seg] }

// -----------------------------------------------------------------------------
// Register Access Helpers
// -----------------------------------------------------------------------------

// AX returns the lower 16 bits of EAX
func (c *CPU_X86) AX() uint16 { return uint16(c.EAX) }

// SetAX sets the lower 16 bits of EAX
func (c *CPU_X86) SetAX(v uint16) { c.EAX = (c.EAX & 0xFFFF0000) | uint32(v) }

// AL returns the lower 8 bits of EAX
func (c *CPU_X86) AL() byte { return byte(c.EAX) }

// SetAL sets the lower 8 bits of EAX
func (c *CPU_X86) SetAL(v byte) { c.EAX = (c.EAX & 0xFFFFFF00) | uint32(v) }

// AH returns bits 8-15 of EAX
func (c *CPU_X86) AH() byte { return byte(c.EAX >> 8) }

// SetAH sets bits 8-15 of EAX
func (c *CPU_X86) SetAH(v byte) { c.EAX = (c.EAX & 0xFFFF00FF) | (uint32(v) << 8) }

// CX returns the lower 16 bits of ECX
func (c *CPU_X86) CX() uint16 { return uint16(c.ECX) }

// DX returns the lower 16 bits of EDX
func (c *CPU_X86) DX() uint16 { return uint16(c.EDX) }

// SP returns the lower 16 bits of ESP
func (c *CPU_X86) SP() uint16 { return uint16(c.ESP) }

// IP returns the lower 16 bits of EIP
func (c *CPU_X86) IP() uint16 { return uint16(c.EIP) }

// getReg8 returns an 8-bit register value by index (0-7: AL, CL, DL, BL, AH, CH, DH, BH)
func (c *CPU_X86) getReg8(idx byte) byte {
	idx &= 7
	if idx < 4 {
		return byte(*c.regs32[idx])
	}
	return byte(*c.regs32[idx-4] >> 8)
}

// setReg8 sets an 8-bit register value by index
func (c *CPU_X86) setReg8(idx byte, v byte) {
	idx &= 7
	if idx < 4 {
		r := c.regs32[idx]
		*r = (*r & 0xFFFFFF00) | uint32(v)
		return
	}
	r := c.regs32[idx-4]
	*r = (*r & 0xFFFF00FF) | uint32(v)<<8
}

// getReg returns a register of the given width by ModRM index.
func (c *CPU_X86) getReg(w x86Width, idx byte) uint32 {
	switch w {
	case x86W8:
		return uint32(c.getReg8(idx))
	case x86W16:
		return *c.regs32[idx&7] & 0xFFFF
	}
	return *c.regs32[idx&7]
}

// setReg writes a register of the given width; 8/16-bit writes keep the
// upper bits.
func (c *CPU_X86) setReg(w x86Width, idx byte, v uint32) {
	switch w {
	case x86W8:
		c.setReg8(idx, byte(v))
	case x86W16:
		r := c.regs32[idx&7]
		*r = (*r & 0xFFFF0000) | (v & 0xFFFF)
	default:
		*c.regs32[idx&7] = v
	}
}

// -----------------------------------------------------------------------------
// Operand widths
// -----------------------------------------------------------------------------

// x86Width is an operand width in bytes.
type x86Width uint8

const (
	x86W8  x86Width = 1
	x86W16 x86Width = 2
	x86W32 x86Width = 4
)

func (w x86Width) mask() uint32 {
	switch w {
	case x86W8:
		return 0xFF
	case x86W16:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func (w x86Width) signBit() uint32 {
	return 1 << (uint(w)*8 - 1)
}

func (w x86Width) bits() uint { return uint(w) * 8 }

// signExtend widens a value of width w to 32 bits.
func (w x86Width) signExtend(v uint32) uint32 {
	switch w {
	case x86W8:
		return uint32(int32(int8(v)))
	case x86W16:
		return uint32(int32(int16(v)))
	}
	return v
}

// opWidth is the effective operand width of the current instruction.
func (c *CPU_X86) opWidth() x86Width {
	if c.opSize16 {
		return x86W16
	}
	return x86W32
}

// -----------------------------------------------------------------------------
// Dispatch table construction
// -----------------------------------------------------------------------------

// setOp installs a handler for both operand sizes.
func (c *CPU_X86) setOp(op int, h x86Op) {
	c.ops[0][op] = h
	c.ops[1][op] = h
}

// setOpV installs a width-parameterized handler for 32- and 16-bit operands.
func (c *CPU_X86) setOpV(op int, mk func(x86Width) x86Op) {
	c.ops[0][op] = mk(x86W32)
	c.ops[1][op] = mk(x86W16)
}

// setOpBV installs the byte form at op and the word/dword form at op+1,
// the layout most ALU and move opcodes share.
func (c *CPU_X86) setOpBV(op int, mk func(x86Width) x86Op) {
	c.setOp(op, mk(x86W8))
	c.setOpV(op+1, mk)
}
