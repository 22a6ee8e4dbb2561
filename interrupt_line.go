// interrupt_line.go - Hardware interrupt line owned by the CPU
//
// Devices never hold the CPU. They are handed this line, raise it when
// they want service, and install a resolver that names the vector. The
// CPU calls the resolver exactly once each time it decides to take the
// interrupt; priority arbitration stays on the device side.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"sync"
	"sync/atomic"
)

type X86InterruptLine struct {
	pending  atomic.Bool
	mu       sync.Mutex
	resolver func() uint8
	vector   uint8 // used when no resolver is installed
	wake     chan struct{}
}

func NewX86InterruptLine() *X86InterruptLine {
	return &X86InterruptLine{wake: make(chan struct{}, 1)}
}

// Raise asserts the line. It is safe to call from any goroutine.
func (l *X86InterruptLine) Raise() {
	l.pending.Store(true)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RaiseVector asserts the line with a fixed vector, for devices that do
// not arbitrate.
func (l *X86InterruptLine) RaiseVector(vector uint8) {
	l.mu.Lock()
	l.vector = vector
	l.mu.Unlock()
	l.Raise()
}

// Lower deasserts the line.
func (l *X86InterruptLine) Lower() {
	l.pending.Store(false)
}

// Pending reports whether the line is asserted.
func (l *X86InterruptLine) Pending() bool {
	return l.pending.Load()
}

// SetResolver installs the callback that supplies the vector when the CPU
// takes the interrupt.
func (l *X86InterruptLine) SetResolver(fn func() uint8) {
	l.mu.Lock()
	l.resolver = fn
	l.mu.Unlock()
}

// Wake returns a channel signalled whenever the line is raised, so a host
// can sleep while the CPU is halted.
func (l *X86InterruptLine) Wake() <-chan struct{} {
	return l.wake
}

// acknowledge is called by the CPU when it takes the interrupt. The line
// is edge-triggered: it drops here and the device raises it again if more
// work is pending.
func (l *X86InterruptLine) acknowledge() uint8 {
	l.pending.Store(false)
	l.mu.Lock()
	fn, vector := l.resolver, l.vector
	l.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return vector
}
