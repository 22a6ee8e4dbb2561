// cpu_x86_exec.go - Main execution loop
//
// The host runs the CPU in slices: Execute(budget) runs until the cycle
// budget is spent, the CPU halts with nothing to wake it, or something the
// emulator cannot model happens. Faults never leave this file: they are
// redelivered to the guest through the IDT/IVT.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "errors"

// X86ExitReason reports why an execution slice ended.
type X86ExitReason int

const (
	X86RanToBudget X86ExitReason = iota
	X86Halted
	X86Fatal
)

func (r X86ExitReason) String() string {
	switch r {
	case X86RanToBudget:
		return "ran-to-budget"
	case X86Halted:
		return "halted"
	case X86Fatal:
		return "fatal"
	}
	return "unknown"
}

// Execute runs up to budget cycles. The error is non-nil only with X86Fatal.
func (c *CPU_X86) Execute(budget uint64) (X86ExitReason, error) {
	end := c.Cycles + budget
	for c.Cycles < end {
		if c.Halted {
			if !c.interruptReady() {
				return X86Halted, nil
			}
			c.Halted = false
		}
		if err := c.step(end); err != nil {
			return X86Fatal, err
		}
	}
	return X86RanToBudget, nil
}

// Step executes a single instruction (or takes one pending interrupt).
// Only emulator-fatal errors are returned.
func (c *CPU_X86) Step() error {
	if c.Halted {
		if !c.interruptReady() {
			return nil
		}
		c.Halted = false
	}
	return c.step(c.Cycles + 1)
}

// interruptReady reports whether a hardware interrupt can be taken before
// the next instruction.
func (c *CPU_X86) interruptReady() bool {
	return !c.intShadow && c.Flags&x86FlagIF != 0 && c.irq.Pending()
}

// step is one pass of the loop: either deliver a hardware interrupt or
// fetch, decode and execute one instruction. end is the cycle count at
// which long-running instructions (REP) should yield.
func (c *CPU_X86) step(end uint64) error {
	if c.intShadow {
		c.intShadow = false
	} else if c.interruptReady() {
		c.Cycles++
		return c.takeInterrupt()
	}

	c.instrEIP = c.EIP
	c.instrESP = c.ESP
	c.instrCC = c.saveCC()
	c.yieldAt = end
	c.Cycles++
	err := c.decodeAndExecute()
	if err == nil {
		return nil
	}
	var f *X86Fault
	if !errors.As(err, &f) {
		c.EIP = c.instrEIP
		return err
	}
	c.EIP = c.instrEIP
	c.ESP = c.instrESP
	c.restoreCC(c.instrCC)
	return c.raiseFault(f)
}

// takeInterrupt asks the device side for the vector and delivers it.
func (c *CPU_X86) takeInterrupt() error {
	vector := c.irq.acknowledge()
	err := c.deliver(vector, 0, false, x86IntHardware)
	if err == nil {
		return nil
	}
	var f *X86Fault
	if errors.As(err, &f) {
		return c.raiseFault(f)
	}
	return err
}

// shouldYield is polled by REP string instructions between iterations.
func (c *CPU_X86) shouldYield() bool {
	return c.Cycles >= c.yieldAt || (c.Flags&x86FlagIF != 0 && c.irq.Pending())
}
