// console_port.go - Debug console port device
//
// A byte-wide console on the Bochs/QEMU debug port. Writes to 0xE9 print a
// character; reads return the next buffered input byte or 0. Port 0xEA is
// a status register. Input arriving from the host raises the CPU's
// interrupt line when an input vector is configured.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"sync"
)

const (
	CONSOLE_PORT_DATA   = 0xE9
	CONSOLE_PORT_STATUS = 0xEA

	CONSOLE_STATUS_INPUT = 1 << 0 // input byte available
	CONSOLE_STATUS_READY = 1 << 1 // output ready (always)

	// CONSOLE_CTRL_IRQ written to the status port enables input interrupts.
	CONSOLE_CTRL_IRQ = 1 << 0
)

// ConsolePort is a pure state-machine console device. Tests inject input
// with EnqueueByte and read output with DrainOutput; the terminal host
// feeds stdin through the same method.
type ConsolePort struct {
	mu sync.Mutex

	// Input ring buffer
	inputBuf  [1024]byte
	inputHead int // next read position
	inputTail int // next write position
	inputLen  int // number of bytes in buffer

	// Output buffer (drained by tests or the host)
	outputBuf []byte

	// onCharOutput, when set, receives output bytes immediately.
	// Callback is invoked outside cp.mu to avoid re-entrancy issues.
	onCharOutput func(byte)

	line      *X86InterruptLine
	vector    uint8
	irqEnable bool
}

// NewConsolePort creates a console device with no interrupt wiring.
func NewConsolePort() *ConsolePort {
	return &ConsolePort{outputBuf: make([]byte, 0, 256)}
}

// Attach registers the console's ports. If line is non-nil, input raises it
// with vector once the guest enables interrupts through the status port.
func (cp *ConsolePort) Attach(ports *X86IOPorts, line *X86InterruptLine, vector uint8) error {
	cp.mu.Lock()
	cp.line = line
	cp.vector = vector
	cp.mu.Unlock()
	if err := ports.Register8(CONSOLE_PORT_DATA, cp.readData, cp.writeData); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if err := ports.Register8(CONSOLE_PORT_STATUS, cp.readStatus, cp.writeCtrl); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

// SetCharOutputCallback registers a callback for output bytes. When set,
// bytes are delivered directly to fn and not buffered.
func (cp *ConsolePort) SetCharOutputCallback(fn func(byte)) {
	cp.mu.Lock()
	cp.onCharOutput = fn
	cp.mu.Unlock()
}

func (cp *ConsolePort) readData(port uint16) byte {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.inputLen == 0 {
		return 0
	}
	b := cp.inputBuf[cp.inputHead]
	cp.inputHead = (cp.inputHead + 1) % len(cp.inputBuf)
	cp.inputLen--
	return b
}

func (cp *ConsolePort) writeData(port uint16, value byte) {
	var charFn func(byte)

	cp.mu.Lock()
	if cp.onCharOutput != nil {
		charFn = cp.onCharOutput
	} else {
		cp.outputBuf = append(cp.outputBuf, value)
	}
	cp.mu.Unlock()

	if charFn != nil {
		charFn(value)
	}
}

func (cp *ConsolePort) readStatus(port uint16) byte {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	status := byte(CONSOLE_STATUS_READY)
	if cp.inputLen > 0 {
		status |= CONSOLE_STATUS_INPUT
	}
	return status
}

func (cp *ConsolePort) writeCtrl(port uint16, value byte) {
	cp.mu.Lock()
	cp.irqEnable = value&CONSOLE_CTRL_IRQ != 0
	raise := cp.irqEnable && cp.inputLen > 0 && cp.line != nil
	cp.mu.Unlock()
	if raise {
		cp.line.RaiseVector(cp.vector)
	}
}

// EnqueueByte adds a byte to the input ring buffer. A full buffer drops it.
func (cp *ConsolePort) EnqueueByte(b byte) {
	cp.mu.Lock()
	if cp.inputLen >= len(cp.inputBuf) {
		cp.mu.Unlock()
		return
	}
	cp.inputBuf[cp.inputTail] = b
	cp.inputTail = (cp.inputTail + 1) % len(cp.inputBuf)
	cp.inputLen++
	raise := cp.irqEnable && cp.line != nil
	cp.mu.Unlock()
	if raise {
		cp.line.RaiseVector(cp.vector)
	}
}

// DrainOutput returns and clears the accumulated output buffer.
func (cp *ConsolePort) DrainOutput() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	s := string(cp.outputBuf)
	cp.outputBuf = cp.outputBuf[:0]
	return s
}
