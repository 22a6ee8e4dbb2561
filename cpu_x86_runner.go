// cpu_x86_runner.go - x86 CPU Program Runner
//
// Owns physical memory, the port bus and the CPU, loads raw images and
// drives the core in cycle-budget slices. While the guest is halted the
// runner sleeps on the interrupt line instead of spinning.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"fmt"
	"os"
	"time"
)

const (
	defaultX86MemorySize  = 16 * 1024 * 1024
	defaultX86LoadAddr    = 0x00007C00
	defaultX86SliceCycles = 100_000

	// Built-in flat GDT used by the protected-mode boot state
	x86FlatGDTBase = 0x00000800
	x86FlatCodeSel = 0x08
	x86FlatDataSel = 0x10
)

// CPUX86Config holds configuration for the x86 runner
type CPUX86Config struct {
	MemorySize  int    // bytes of physical memory
	LoadAddr    uint32 // physical address the image is copied to
	Entry       uint32 // physical entry point (real mode) or EIP (flat)
	Flat        bool   // boot in flat 32-bit protected mode
	SliceCycles uint64 // cycles per Execute slice
	PerfEnabled bool   // Enable MIPS reporting
}

// CPUX86Runner manages the x86 CPU, its memory and its port bus
type CPUX86Runner struct {
	cpu    *CPU_X86
	mem    *X86Memory
	ports  *X86IOPorts
	config CPUX86Config

	// Performance monitoring
	InstructionCount uint64    // cycles retired since Run started
	perfStartTime    time.Time // When execution started
	lastPerfReport   time.Time // Last time we printed stats
}

// NewCPUX86Runner creates a new x86 CPU runner with the given configuration.
// Zero fields take their defaults.
func NewCPUX86Runner(config *CPUX86Config) *CPUX86Runner {
	cfg := CPUX86Config{
		MemorySize:  defaultX86MemorySize,
		LoadAddr:    defaultX86LoadAddr,
		Entry:       defaultX86LoadAddr,
		SliceCycles: defaultX86SliceCycles,
	}
	if config != nil {
		if config.MemorySize != 0 {
			cfg.MemorySize = config.MemorySize
		}
		if config.LoadAddr != 0 {
			cfg.LoadAddr = config.LoadAddr
			cfg.Entry = config.LoadAddr
		}
		if config.Entry != 0 {
			cfg.Entry = config.Entry
		}
		if config.SliceCycles != 0 {
			cfg.SliceCycles = config.SliceCycles
		}
		cfg.Flat = config.Flat
		cfg.PerfEnabled = config.PerfEnabled
	}

	mem := NewX86Memory(cfg.MemorySize)
	ports := NewX86IOPorts()
	return &CPUX86Runner{
		cpu:    NewCPU_X86(mem, ports),
		mem:    mem,
		ports:  ports,
		config: cfg,
	}
}

// CPU returns the CPU instance
func (r *CPUX86Runner) CPU() *CPU_X86 { return r.cpu }

// Ports returns the port bus devices attach to
func (r *CPUX86Runner) Ports() *X86IOPorts { return r.ports }

// Config returns the effective configuration
func (r *CPUX86Runner) Config() CPUX86Config { return r.config }

// LoadProgramData copies an image to the load address and puts the CPU in
// its boot state.
func (r *CPUX86Runner) LoadProgramData(data []byte) error {
	if err := r.mem.Load(r.config.LoadAddr, data); err != nil {
		return fmt.Errorf("load program: %w", err)
	}
	return r.Boot()
}

// LoadProgram loads a binary program from a file
func (r *CPUX86Runner) LoadProgram(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return r.LoadProgramData(data)
}

// Boot resets the CPU and enters the configured boot state.
func (r *CPUX86Runner) Boot() error {
	r.cpu.Reset()
	if r.config.Flat {
		return r.bootFlat()
	}
	r.bootReal()
	return nil
}

// bootReal enters the image in real mode with CS:IP = entry>>4 : entry&0xF
// and the data and stack segments aliased to CS.
func (r *CPUX86Runner) bootReal() {
	c := r.cpu
	sel := uint16(r.config.Entry >> 4)
	for seg := range c.segs {
		c.loadRealSegment(seg, sel)
	}
	c.EIP = r.config.Entry & 0xF
	c.ESP = 0xFFFE
}

// bootFlat builds a three-entry GDT, sets CR0.PE and loads 4GB code and
// data segments at CPL 0. ESP starts at the top of physical memory.
func (r *CPUX86Runner) bootFlat() error {
	c := r.cpu
	gdt := []uint32{
		0, 0,
		0x0000FFFF, 0x00CF9A00, // code: base 0, limit 4GB, 32-bit, execute/read
		0x0000FFFF, 0x00CF9200, // data: base 0, limit 4GB, 32-bit, read/write
	}
	for i, v := range gdt {
		r.mem.Write32(x86FlatGDTBase+uint32(i*4), v)
	}
	c.gdtr = X86TableReg{Base: x86FlatGDTBase, Limit: uint16(len(gdt)*4 - 1)}
	c.CR0 |= x86CR0PE

	d, err := c.loadDescriptor(x86FlatCodeSel)
	if err != nil {
		return fmt.Errorf("flat boot: code segment: %w", err)
	}
	c.loadCS(x86FlatCodeSel, d, 0)
	for _, seg := range []int{x86SegSS, x86SegDS, x86SegES, x86SegFS, x86SegGS} {
		if err := c.loadSegment(seg, x86FlatDataSel); err != nil {
			return fmt.Errorf("flat boot: %s: %w", x86SegNames[seg], err)
		}
	}
	c.EIP = r.config.Entry
	c.ESP = r.mem.Size() &^ 3
	return nil
}

// Reset reboots the CPU into the configured boot state; memory is kept.
func (r *CPUX86Runner) Reset() error {
	return r.Boot()
}

// RunFor executes one slice of up to budget cycles.
func (r *CPUX86Runner) RunFor(budget uint64) (X86ExitReason, error) {
	return r.cpu.Execute(budget)
}

// Run executes slices until ctx is cancelled, the guest halts with
// interrupts disabled, or a fatal condition stops the core.
func (r *CPUX86Runner) Run(ctx context.Context) error {
	if r.config.PerfEnabled {
		r.perfStartTime = time.Now()
		r.lastPerfReport = r.perfStartTime
		r.InstructionCount = 0
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		before := r.cpu.Cycles
		reason, err := r.cpu.Execute(r.config.SliceCycles)
		r.InstructionCount += r.cpu.Cycles - before
		r.reportPerf()

		switch reason {
		case X86Fatal:
			dbg := NewDebugX86(r.cpu)
			fmt.Fprintf(os.Stderr, "x86: %v\n%s\n", err, dbg.Dump())
			for i, ret := range dbg.Backtrace(8) {
				fmt.Fprintf(os.Stderr, "  #%d %08X\n", i, ret)
			}
			return err
		case X86Halted:
			if r.cpu.Flags&x86FlagIF == 0 {
				fmt.Printf("x86: halted at %04X:%08X with interrupts disabled\n",
					r.cpu.segs[x86SegCS].Selector, r.cpu.EIP)
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-r.cpu.IRQ().Wake():
			}
		}
	}
}

func (r *CPUX86Runner) reportPerf() {
	if !r.config.PerfEnabled {
		return
	}
	now := time.Now()
	if now.Sub(r.lastPerfReport) < time.Second {
		return
	}
	elapsed := now.Sub(r.perfStartTime).Seconds()
	ips := float64(r.InstructionCount) / elapsed
	mips := ips / 1_000_000
	fmt.Printf("x86: %.2f MIPS (%.0f instructions in %.1fs)\n", mips, float64(r.InstructionCount), elapsed)
	r.lastPerfReport = now
}
