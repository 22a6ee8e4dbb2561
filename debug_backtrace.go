// debug_backtrace.go - Stack backtrace for the x86 debug adapter
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "encoding/binary"

// Backtrace follows the EBP frame chain through the stack segment and
// returns up to depth return addresses, innermost first. The walk stops at
// a null or non-ascending frame pointer or at unmapped stack.
func (d *DebugX86) Backtrace(depth int) []uint64 {
	c := d.cpu
	ss := c.segs[x86SegSS].Base
	mask := uint32(0xFFFFFFFF)
	if !c.segs[x86SegSS].big() {
		mask = 0xFFFF
	}
	slot := uint32(4)
	if !c.segs[x86SegCS].big() {
		slot = 2
	}

	word := func(b []byte) uint32 {
		if slot == 2 {
			return uint32(binary.LittleEndian.Uint16(b))
		}
		return binary.LittleEndian.Uint32(b)
	}

	var result []uint64
	bp := c.EBP & mask
	for range depth {
		if bp == 0 {
			break
		}
		if _, ok := c.PeekLinear(ss + bp); !ok {
			break
		}
		data := d.ReadMemory(uint64(ss+bp), int(2*slot))
		next, ret := word(data), word(data[slot:])
		result = append(result, uint64(ret))
		if next&mask <= bp {
			break
		}
		bp = next & mask
	}
	return result
}
