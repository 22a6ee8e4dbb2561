// cpu_x86_fault.go - Architectural faults and emulator-fatal conditions
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "fmt"

// Exception vectors
const (
	x86ExcDE  = 0  // Divide error
	x86ExcDB  = 1  // Debug
	x86ExcNMI = 2  // Non-maskable interrupt
	x86ExcBP  = 3  // Breakpoint (INT3)
	x86ExcOF  = 4  // Overflow (INTO)
	x86ExcBR  = 5  // BOUND range exceeded
	x86ExcUD  = 6  // Invalid opcode
	x86ExcNM  = 7  // Device not available
	x86ExcDF  = 8  // Double fault
	x86ExcTS  = 10 // Invalid TSS
	x86ExcNP  = 11 // Segment not present
	x86ExcSS  = 12 // Stack-segment fault
	x86ExcGP  = 13 // General protection
	x86ExcPF  = 14 // Page fault
	x86ExcMF  = 16 // FPU error
	x86ExcAC  = 17 // Alignment check
)

// Page fault error code bits
const (
	x86PFProtection = 1 << 0
	x86PFWrite      = 1 << 1
	x86PFUser       = 1 << 2
)

// X86Fault is an architectural fault raised mid-instruction. It unwinds to
// the execution loop as an error and is redelivered through the IDT/IVT.
type X86Fault struct {
	Vector    uint8
	ErrorCode uint32
	HasError  bool
}

func (f *X86Fault) Error() string {
	if f.HasError {
		return fmt.Sprintf("x86 fault %s (vector %d, error 0x%04X)", x86VectorName(f.Vector), f.Vector, f.ErrorCode)
	}
	return fmt.Sprintf("x86 fault %s (vector %d)", x86VectorName(f.Vector), f.Vector)
}

// x86VectorHasError reports whether the CPU pushes an error code for vector.
func x86VectorHasError(vector uint8) bool {
	switch vector {
	case x86ExcDF, x86ExcTS, x86ExcNP, x86ExcSS, x86ExcGP, x86ExcPF, x86ExcAC:
		return true
	}
	return false
}

// x86Contributory reports whether vector belongs to the contributory class
// used to decide when a nested fault becomes a double fault.
func x86Contributory(vector uint8) bool {
	switch vector {
	case x86ExcDE, x86ExcTS, x86ExcNP, x86ExcSS, x86ExcGP:
		return true
	}
	return false
}

func x86VectorName(vector uint8) string {
	switch vector {
	case x86ExcDE:
		return "#DE"
	case x86ExcDB:
		return "#DB"
	case x86ExcNMI:
		return "NMI"
	case x86ExcBP:
		return "#BP"
	case x86ExcOF:
		return "#OF"
	case x86ExcBR:
		return "#BR"
	case x86ExcUD:
		return "#UD"
	case x86ExcNM:
		return "#NM"
	case x86ExcDF:
		return "#DF"
	case x86ExcTS:
		return "#TS"
	case x86ExcNP:
		return "#NP"
	case x86ExcSS:
		return "#SS"
	case x86ExcGP:
		return "#GP"
	case x86ExcPF:
		return "#PF"
	case x86ExcMF:
		return "#MF"
	case x86ExcAC:
		return "#AC"
	}
	return fmt.Sprintf("INT 0x%02X", vector)
}

func x86Fault(vector uint8) error {
	return &X86Fault{Vector: vector}
}

func x86FaultCode(vector uint8, code uint32) error {
	return &X86Fault{Vector: vector, ErrorCode: code, HasError: true}
}

func x86GP(code uint32) error { return x86FaultCode(x86ExcGP, code) }

func x86UD() error { return x86Fault(x86ExcUD) }

// X86FatalError reports a condition the emulator cannot model. It is never
// turned into a guest fault.
type X86FatalError struct {
	Reason string
	CS     uint16
	EIP    uint32
}

func (e *X86FatalError) Error() string {
	return fmt.Sprintf("x86 fatal at %04X:%08X: %s", e.CS, e.EIP, e.Reason)
}

func (c *CPU_X86) fatalf(format string, args ...any) error {
	return &X86FatalError{
		Reason: fmt.Sprintf(format, args...),
		CS:     c.segs[x86SegCS].Selector,
		EIP:    c.instrEIP,
	}
}
