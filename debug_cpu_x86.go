// debug_cpu_x86.go - X86 debug adapter for the diagnostics surface

package main

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

type DebugX86 struct {
	cpu *CPU_X86

	bpMu        sync.RWMutex
	breakpoints map[uint64]struct{} // linear addresses
}

func NewDebugX86(cpu *CPU_X86) *DebugX86 {
	return &DebugX86{
		cpu:         cpu,
		breakpoints: make(map[uint64]struct{}),
	}
}

func (d *DebugX86) CPUName() string   { return "X86" }
func (d *DebugX86) AddressWidth() int { return 32 }

var x86SegNames = [6]string{"ES", "CS", "SS", "DS", "FS", "GS"}

func (d *DebugX86) GetRegisters() []RegisterInfo {
	c := d.cpu
	regs := []RegisterInfo{
		{Name: "EAX", BitWidth: 32, Value: uint64(c.EAX), Group: "general"},
		{Name: "EBX", BitWidth: 32, Value: uint64(c.EBX), Group: "general"},
		{Name: "ECX", BitWidth: 32, Value: uint64(c.ECX), Group: "general"},
		{Name: "EDX", BitWidth: 32, Value: uint64(c.EDX), Group: "general"},
		{Name: "ESI", BitWidth: 32, Value: uint64(c.ESI), Group: "general"},
		{Name: "EDI", BitWidth: 32, Value: uint64(c.EDI), Group: "general"},
		{Name: "EBP", BitWidth: 32, Value: uint64(c.EBP), Group: "general"},
		{Name: "ESP", BitWidth: 32, Value: uint64(c.ESP), Group: "general"},
		{Name: "EIP", BitWidth: 32, Value: uint64(c.EIP), Group: "general"},
		{Name: "EFLAGS", BitWidth: 32, Value: uint64(c.getFlags()), Group: "flags"},
	}
	for i, name := range x86SegNames {
		regs = append(regs, RegisterInfo{Name: name, BitWidth: 16, Value: uint64(c.segs[i].Selector), Group: "segment"})
	}
	regs = append(regs,
		RegisterInfo{Name: "CR0", BitWidth: 32, Value: uint64(c.CR0), Group: "control"},
		RegisterInfo{Name: "CR2", BitWidth: 32, Value: uint64(c.CR2), Group: "control"},
		RegisterInfo{Name: "CR3", BitWidth: 32, Value: uint64(c.CR3), Group: "control"},
		RegisterInfo{Name: "CR4", BitWidth: 32, Value: uint64(c.CR4), Group: "control"},
		RegisterInfo{Name: "CPL", BitWidth: 8, Value: uint64(c.cpl), Group: "status"},
	)
	return regs
}

func (d *DebugX86) GetRegister(name string) (uint64, bool) {
	for _, r := range d.GetRegisters() {
		if strings.EqualFold(r.Name, name) {
			return r.Value, true
		}
	}
	if strings.EqualFold(name, "FLAGS") {
		return uint64(d.cpu.getFlags()), true
	}
	return 0, false
}

// SetRegister writes a general register, EIP or EFLAGS. Segment and
// control registers are read-only here: changing them needs the checks a
// real load performs.
func (d *DebugX86) SetRegister(name string, value uint64) bool {
	c := d.cpu
	switch strings.ToUpper(name) {
	case "EAX":
		c.EAX = uint32(value)
	case "EBX":
		c.EBX = uint32(value)
	case "ECX":
		c.ECX = uint32(value)
	case "EDX":
		c.EDX = uint32(value)
	case "ESI":
		c.ESI = uint32(value)
	case "EDI":
		c.EDI = uint32(value)
	case "EBP":
		c.EBP = uint32(value)
	case "ESP":
		c.ESP = uint32(value)
	case "EIP":
		c.EIP = uint32(value)
	case "FLAGS", "EFLAGS":
		c.setFlags(uint32(value))
	default:
		return false
	}
	return true
}

func (d *DebugX86) GetPC() uint64     { return uint64(d.cpu.EIP) }
func (d *DebugX86) SetPC(addr uint64) { d.cpu.EIP = uint32(addr) }

// linearPC is the linear address of CS:EIP.
func (d *DebugX86) linearPC() uint64 {
	return uint64(d.cpu.segs[x86SegCS].Base + d.cpu.EIP)
}

// Step executes one instruction and returns the cycles it took.
func (d *DebugX86) Step() (int, error) {
	before := d.cpu.Cycles
	err := d.cpu.Step()
	return int(d.cpu.Cycles - before), err
}

// RunToBreakpoint steps until CS:EIP reaches a breakpoint, the CPU halts
// with nothing pending, or max instructions have run.
func (d *DebugX86) RunToBreakpoint(max int) (bool, error) {
	for range max {
		if _, err := d.Step(); err != nil {
			return false, err
		}
		if d.HasBreakpoint(d.linearPC()) {
			return true, nil
		}
		if d.cpu.Halted && !d.cpu.interruptReady() {
			return false, nil
		}
	}
	return false, nil
}

// Disassemble decodes count instructions starting at linear address addr,
// in the current code segment's default size.
func (d *DebugX86) Disassemble(addr uint64, count int) []DisassembledLine {
	mode := 16
	if d.cpu.protectedMode() && !d.cpu.v86Mode() && d.cpu.segs[x86SegCS].big() {
		mode = 32
	}
	pc := d.linearPC()
	lines := make([]DisassembledLine, 0, count)
	for range count {
		buf := d.ReadMemory(addr, 15)
		inst, err := x86asm.Decode(buf, mode)
		size := inst.Len
		text := ""
		if err != nil || size == 0 {
			size = 1
			text = fmt.Sprintf("db 0x%02X", buf[0])
		} else {
			text = x86asm.IntelSyntax(inst, addr, nil)
		}
		var hex strings.Builder
		for i := range size {
			fmt.Fprintf(&hex, "%02X ", buf[i])
		}
		lines = append(lines, DisassembledLine{
			Address:  addr,
			HexBytes: strings.TrimSpace(hex.String()),
			Mnemonic: text,
			Size:     size,
			IsPC:     addr == pc,
		})
		addr += uint64(size)
	}
	return lines
}

// Dump renders the register file, segment caches and mode for logs.
func (d *DebugX86) Dump() string {
	c := d.cpu
	var b strings.Builder
	fmt.Fprintf(&b, "EAX=%08X EBX=%08X ECX=%08X EDX=%08X\n", c.EAX, c.EBX, c.ECX, c.EDX)
	fmt.Fprintf(&b, "ESI=%08X EDI=%08X EBP=%08X ESP=%08X\n", c.ESI, c.EDI, c.EBP, c.ESP)
	fmt.Fprintf(&b, "EIP=%08X EFLAGS=%08X [%s] CPL=%d\n", c.EIP, c.getFlags(), d.flagString(), c.cpl)
	for i, name := range x86SegNames {
		s := c.segs[i]
		fmt.Fprintf(&b, "%s=%04X base=%08X limit=%08X flags=%06X\n", name, s.Selector, s.Base, s.Limit, s.Flags>>8)
	}
	fmt.Fprintf(&b, "LDTR=%04X TR=%04X GDTR=%08X:%04X IDTR=%08X:%04X\n",
		c.ldtr.Selector, c.tr.Selector, c.gdtr.Base, c.gdtr.Limit, c.idtr.Base, c.idtr.Limit)
	fmt.Fprintf(&b, "CR0=%08X CR2=%08X CR3=%08X CR4=%08X\n", c.CR0, c.CR2, c.CR3, c.CR4)
	fmt.Fprintf(&b, "cycles=%d halted=%v tlb-walks=%d", c.Cycles, c.Halted, c.tlbWalks)
	return b.String()
}

func (d *DebugX86) flagString() string {
	f := d.cpu.getFlags()
	names := []struct {
		bit  uint32
		name byte
	}{
		{x86FlagOF, 'O'}, {x86FlagDF, 'D'}, {x86FlagIF, 'I'}, {x86FlagTF, 'T'},
		{x86FlagSF, 'S'}, {x86FlagZF, 'Z'}, {x86FlagAF, 'A'}, {x86FlagPF, 'P'}, {x86FlagCF, 'C'},
	}
	out := make([]byte, len(names))
	for i, n := range names {
		out[i] = '-'
		if f&n.bit != 0 {
			out[i] = n.name
		}
	}
	if f&x86FlagVM != 0 {
		return string(out) + " VM"
	}
	return string(out)
}

func (d *DebugX86) SetBreakpoint(addr uint64) bool {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	d.breakpoints[addr] = struct{}{}
	return true
}

func (d *DebugX86) ClearBreakpoint(addr uint64) bool {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	if _, ok := d.breakpoints[addr]; ok {
		delete(d.breakpoints, addr)
		return true
	}
	return false
}

func (d *DebugX86) ClearAllBreakpoints() {
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	d.breakpoints = make(map[uint64]struct{})
}

func (d *DebugX86) ListBreakpoints() []uint64 {
	d.bpMu.RLock()
	defer d.bpMu.RUnlock()
	result := make([]uint64, 0, len(d.breakpoints))
	for addr := range d.breakpoints {
		result = append(result, addr)
	}
	return result
}

func (d *DebugX86) HasBreakpoint(addr uint64) bool {
	d.bpMu.RLock()
	defer d.bpMu.RUnlock()
	_, ok := d.breakpoints[addr]
	return ok
}

// ReadMemory reads guest-linear memory without faulting; unmapped bytes
// read as zero.
func (d *DebugX86) ReadMemory(addr uint64, size int) []byte {
	result := make([]byte, size)
	d.cpu.PeekBytes(uint32(addr), result)
	return result
}

// WriteMemory writes guest-linear memory, skipping unmapped bytes.
func (d *DebugX86) WriteMemory(addr uint64, data []byte) {
	for i, b := range data {
		if pa, ok := d.cpu.PeekLinear(uint32(addr) + uint32(i)); ok {
			d.cpu.mem.Write8(pa, b)
		}
	}
}
