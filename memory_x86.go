// memory_x86.go - Physical memory for the x86 core
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"encoding/binary"
	"fmt"
)

const (
	DEFAULT_X86_MEMORY_SIZE = 32 * 1024 * 1024
	X86_PAGE_SIZE           = 0x1000
	X86_PAGE_MASK           = 0xFFFFF000
)

type X86Memory struct {
	/*
		X86Memory is the flat physical store behind the page walker.

		It is a contiguous block of bytes with little-endian 8/16/32-bit
		views. Accesses past the end read as all ones and writes there
		are dropped, which is what an unpopulated bus returns.

		There is no locking: memory is only mutated by the emulation
		call stack and by the host between execution slices.
	*/

	data []byte
}

func NewX86Memory(size int) *X86Memory {
	/*
		NewX86Memory allocates physical memory rounded up to a whole
		number of pages.
	*/

	if size <= 0 {
		size = DEFAULT_X86_MEMORY_SIZE
	}
	size = (size + X86_PAGE_SIZE - 1) &^ (X86_PAGE_SIZE - 1)
	return &X86Memory{data: make([]byte, size)}
}

// Size returns the number of bytes of physical memory.
func (m *X86Memory) Size() uint32 {
	return uint32(len(m.data))
}

// Bytes exposes the backing store for bulk copies and tests.
func (m *X86Memory) Bytes() []byte {
	return m.data
}

func (m *X86Memory) Read8(addr uint32) byte {
	if addr < uint32(len(m.data)) {
		return m.data[addr]
	}
	return 0xFF
}

func (m *X86Memory) Write8(addr uint32, value byte) {
	if addr < uint32(len(m.data)) {
		m.data[addr] = value
	}
}

func (m *X86Memory) Read16(addr uint32) uint16 {
	if uint64(addr)+2 <= uint64(len(m.data)) {
		return binary.LittleEndian.Uint16(m.data[addr : addr+2])
	}
	return uint16(m.Read8(addr)) | uint16(m.Read8(addr+1))<<8
}

func (m *X86Memory) Write16(addr uint32, value uint16) {
	if uint64(addr)+2 <= uint64(len(m.data)) {
		binary.LittleEndian.PutUint16(m.data[addr:addr+2], value)
		return
	}
	m.Write8(addr, byte(value))
	m.Write8(addr+1, byte(value>>8))
}

func (m *X86Memory) Read32(addr uint32) uint32 {
	if uint64(addr)+4 <= uint64(len(m.data)) {
		return binary.LittleEndian.Uint32(m.data[addr : addr+4])
	}
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}

func (m *X86Memory) Write32(addr uint32, value uint32) {
	if uint64(addr)+4 <= uint64(len(m.data)) {
		binary.LittleEndian.PutUint32(m.data[addr:addr+4], value)
		return
	}
	m.Write16(addr, uint16(value))
	m.Write16(addr+2, uint16(value>>16))
}

// Load copies an image into physical memory at addr.
func (m *X86Memory) Load(addr uint32, image []byte) error {
	if uint64(addr)+uint64(len(image)) > uint64(len(m.data)) {
		return fmt.Errorf("image of %d bytes at 0x%08X exceeds %d bytes of memory", len(image), addr, len(m.data))
	}
	copy(m.data[addr:], image)
	return nil
}

// Reset clears all of physical memory.
func (m *X86Memory) Reset() {
	clear(m.data)
}
