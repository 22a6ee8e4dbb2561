// script_host.go - Lua automation for the x86 runner
//
// Scripts drive the machine synchronously from the host goroutine: the
// CPU only advances inside run() and step(), so memory and registers are
// stable between calls.
//
//	peek(addr [, width])          physical read, width 1, 2 or 4
//	poke(addr, value [, width])   physical write
//	reg(name)                     register value (EAX, EIP, EFLAGS, CS, CR0...)
//	setreg(name, value)           general registers, EIP and EFLAGS
//	run(cycles)                   execute one slice, returns the exit reason
//	step()                        execute one instruction
//	irq(vector)                   raise the interrupt line with vector
//	load(path [, addr])           copy a file into physical memory
//	dump()                        register dump as a string
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"
)

type ScriptHost struct {
	runner *CPUX86Runner
	dbg    *DebugX86
	L      *lua.LState
}

// NewScriptHost creates a Lua state bound to runner. Call Close when done.
func NewScriptHost(runner *CPUX86Runner) *ScriptHost {
	s := &ScriptHost{
		runner: runner,
		dbg:    NewDebugX86(runner.CPU()),
		L:      lua.NewState(),
	}
	for name, fn := range map[string]lua.LGFunction{
		"peek":   s.luaPeek,
		"poke":   s.luaPoke,
		"reg":    s.luaReg,
		"setreg": s.luaSetReg,
		"run":    s.luaRun,
		"step":   s.luaStep,
		"irq":    s.luaIRQ,
		"load":   s.luaLoad,
		"dump":   s.luaDump,
		"frames": s.luaFrames,
	} {
		s.L.SetGlobal(name, s.L.NewFunction(fn))
	}
	return s
}

func (s *ScriptHost) Close() {
	s.L.Close()
}

// RunFile executes a Lua script file.
func (s *ScriptHost) RunFile(path string) error {
	if err := s.L.DoFile(path); err != nil {
		return fmt.Errorf("script: %s: %w", path, err)
	}
	return nil
}

// RunString executes a Lua chunk.
func (s *ScriptHost) RunString(src string) error {
	if err := s.L.DoString(src); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

func scriptWidth(L *lua.LState, n int) x86Width {
	switch L.OptInt(n, 1) {
	case 1:
		return x86W8
	case 2:
		return x86W16
	case 4:
		return x86W32
	}
	L.ArgError(n, "width must be 1, 2 or 4")
	return 0
}

func (s *ScriptHost) checkAddr(L *lua.LState, addr uint32, w x86Width) {
	if size := s.runner.mem.Size(); addr >= size || size-addr < uint32(w) {
		L.RaiseError("address 0x%08X outside %d bytes of memory", addr, size)
	}
}

func (s *ScriptHost) luaPeek(L *lua.LState) int {
	addr := uint32(L.CheckInt64(1))
	w := scriptWidth(L, 2)
	s.checkAddr(L, addr, w)
	var v uint32
	switch w {
	case x86W8:
		v = uint32(s.runner.mem.Read8(addr))
	case x86W16:
		v = uint32(s.runner.mem.Read16(addr))
	default:
		v = s.runner.mem.Read32(addr)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (s *ScriptHost) luaPoke(L *lua.LState) int {
	addr := uint32(L.CheckInt64(1))
	v := uint32(L.CheckInt64(2))
	w := scriptWidth(L, 3)
	s.checkAddr(L, addr, w)
	switch w {
	case x86W8:
		s.runner.mem.Write8(addr, byte(v))
	case x86W16:
		s.runner.mem.Write16(addr, uint16(v))
	default:
		s.runner.mem.Write32(addr, v)
	}
	return 0
}

func (s *ScriptHost) luaReg(L *lua.LState) int {
	name := L.CheckString(1)
	v, ok := s.dbg.GetRegister(name)
	if !ok {
		L.ArgError(1, "unknown register "+name)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (s *ScriptHost) luaSetReg(L *lua.LState) int {
	name := L.CheckString(1)
	if !s.dbg.SetRegister(name, uint64(uint32(L.CheckInt64(2)))) {
		L.ArgError(1, "register "+name+" is not writable")
	}
	return 0
}

func (s *ScriptHost) luaRun(L *lua.LState) int {
	budget := L.CheckInt64(1)
	if budget <= 0 {
		L.ArgError(1, "cycle budget must be positive")
	}
	reason, err := s.runner.RunFor(uint64(budget))
	if err != nil {
		L.RaiseError("%v", err)
	}
	L.Push(lua.LString(reason.String()))
	return 1
}

func (s *ScriptHost) luaStep(L *lua.LState) int {
	cycles, err := s.dbg.Step()
	if err != nil {
		L.RaiseError("%v", err)
	}
	L.Push(lua.LNumber(cycles))
	return 1
}

func (s *ScriptHost) luaIRQ(L *lua.LState) int {
	v := L.CheckInt(1)
	if v < 0 || v > 255 {
		L.ArgError(1, "vector must be 0-255")
	}
	s.runner.CPU().IRQ().RaiseVector(uint8(v))
	return 0
}

func (s *ScriptHost) luaLoad(L *lua.LState) int {
	path := L.CheckString(1)
	addr := uint32(L.OptInt64(2, int64(s.runner.config.LoadAddr)))
	data, err := os.ReadFile(path)
	if err != nil {
		L.RaiseError("load: %v", err)
	}
	if err := s.runner.mem.Load(addr, data); err != nil {
		L.RaiseError("load: %v", err)
	}
	L.Push(lua.LNumber(len(data)))
	return 1
}

// frames([depth]) returns the EBP-chain return addresses as a table.
func (s *ScriptHost) luaFrames(L *lua.LState) int {
	t := L.NewTable()
	for _, addr := range s.dbg.Backtrace(L.OptInt(1, 16)) {
		t.Append(lua.LNumber(addr))
	}
	L.Push(t)
	return 1
}

func (s *ScriptHost) luaDump(L *lua.LState) int {
	L.Push(lua.LString(s.dbg.Dump()))
	return 1
}
