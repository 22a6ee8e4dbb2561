// io_ports_test.go - Port bus and port device tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"testing"
)

func TestIOPorts_UnregisteredReadsAllOnes(t *testing.T) {
	p := NewX86IOPorts()
	if v := p.In(0x80, x86W8); v != 0xFF {
		t.Errorf("8-bit: got 0x%X, want 0xFF", v)
	}
	if v := p.In(0x80, x86W16); v != 0xFFFF {
		t.Errorf("16-bit: got 0x%X, want 0xFFFF", v)
	}
	if v := p.In(0x80, x86W32); v != 0xFFFFFFFF {
		t.Errorf("32-bit: got 0x%X, want 0xFFFFFFFF", v)
	}
	if v := p.In(0xFFFF, x86W8); v != 0xFF {
		t.Errorf("port outside the bus: got 0x%X, want 0xFF", v)
	}
	p.Out(0x80, x86W32, 0x12345678) // dropped
}

func TestIOPorts_WideAccessSplits(t *testing.T) {
	p := NewX86IOPorts()
	regs := map[uint16]byte{}
	for port := uint16(0x100); port < 0x104; port++ {
		err := p.Register8(port,
			func(port uint16) byte { return regs[port] },
			func(port uint16, v byte) { regs[port] = v })
		if err != nil {
			t.Fatal(err)
		}
	}
	p.Out(0x100, x86W32, 0xA1B2C3D4)
	want := map[uint16]byte{0x100: 0xD4, 0x101: 0xC3, 0x102: 0xB2, 0x103: 0xA1}
	for port, v := range want {
		if regs[port] != v {
			t.Errorf("port 0x%X: got 0x%02X, want 0x%02X", port, regs[port], v)
		}
	}
	if v := p.In(0x102, x86W16); v != 0xA1B2 {
		t.Errorf("16-bit read: got 0x%X, want 0xA1B2", v)
	}
	if v := p.In(0x100, x86W32); v != 0xA1B2C3D4 {
		t.Errorf("32-bit read: got 0x%X, want 0xA1B2C3D4", v)
	}
}

func TestIOPorts_WidthSpecificHandler(t *testing.T) {
	p := NewX86IOPorts()
	var wrote32 uint32
	if err := p.Register32(0x200, func(uint16) uint32 { return 0xDEADBEEF }, func(_ uint16, v uint32) { wrote32 = v }); err != nil {
		t.Fatal(err)
	}
	if v := p.In(0x200, x86W32); v != 0xDEADBEEF {
		t.Errorf("32-bit handler: got 0x%X", v)
	}
	p.Out(0x200, x86W32, 0x01020304)
	if wrote32 != 0x01020304 {
		t.Errorf("32-bit write: got 0x%X", wrote32)
	}
	// No 8-bit handler on the same port.
	if v := p.In(0x200, x86W8); v != 0xFF {
		t.Errorf("8-bit read of a 32-bit-only port: got 0x%X, want 0xFF", v)
	}
}

func TestIOPorts_RegisterOutOfRange(t *testing.T) {
	p := NewX86IOPorts()
	if err := p.Register8(X86_IO_PORTS, nil, nil); err == nil {
		t.Error("Register8 past the port space should fail")
	}
	if err := p.Register16(0xFFFF, nil, nil); err == nil {
		t.Error("Register16 past the port space should fail")
	}
}

// IN at CPL 3 with IOPL 0 and no bitmap faults before touching the device.
func TestX86_IOPrivilege(t *testing.T) {
	r := newFlatRig(t)
	r.setupGDT()
	r.setupIDT(0)
	var hits int
	if err := r.ports.Register8(0x60, func(uint16) byte { hits++; return 0 }, nil); err != nil {
		t.Fatal(err)
	}
	r.enterRing3()
	r.code(0xE4, 0x60)
	r.step(1)
	if r.cpu.EIP != handlerAddr(x86ExcGP) {
		t.Errorf("EIP: got 0x%08X, want #GP handler", r.cpu.EIP)
	}
	if hits != 0 {
		t.Errorf("device read %d times by a faulting IN", hits)
	}

	// IOPL 3 lets ring 3 through.
	r = newFlatRig(t)
	r.setupGDT()
	r.setupIDT(0)
	if err := r.ports.Register8(0x60, func(uint16) byte { return 0x99 }, nil); err != nil {
		t.Fatal(err)
	}
	r.cpu.Flags |= x86FlagIOPL
	r.enterRing3()
	r.code(0xE4, 0x60)
	r.step(1)
	if r.cpu.AL() != 0x99 {
		t.Errorf("IN with IOPL 3: AL got 0x%02X, want 0x99", r.cpu.AL())
	}
}

func TestConsolePort_Output(t *testing.T) {
	r := newFlatRig(t)
	cp := NewConsolePort()
	if err := cp.Attach(r.ports, nil, 0); err != nil {
		t.Fatal(err)
	}
	r.cpu.EAX = 'H'
	r.code(
		0xE6, CONSOLE_PORT_DATA, // OUT 0xE9, AL
		0xB0, 'i', // MOV AL, 'i'
		0xE6, CONSOLE_PORT_DATA,
		0xF4,
	)
	r.run()
	if got := cp.DrainOutput(); got != "Hi" {
		t.Errorf("output: got %q, want %q", got, "Hi")
	}
	if got := cp.DrainOutput(); got != "" {
		t.Errorf("second drain: got %q, want empty", got)
	}

	var echoed []byte
	cp.SetCharOutputCallback(func(b byte) { echoed = append(echoed, b) })
	r.ports.Out(CONSOLE_PORT_DATA, x86W8, '!')
	if string(echoed) != "!" || cp.DrainOutput() != "" {
		t.Errorf("callback: got %q, output should bypass the buffer", echoed)
	}
}

func TestConsolePort_Input(t *testing.T) {
	p := NewX86IOPorts()
	cp := NewConsolePort()
	if err := cp.Attach(p, nil, 0); err != nil {
		t.Fatal(err)
	}
	if s := p.In(CONSOLE_PORT_STATUS, x86W8); s != CONSOLE_STATUS_READY {
		t.Errorf("idle status: got 0x%02X", s)
	}
	if v := p.In(CONSOLE_PORT_DATA, x86W8); v != 0 {
		t.Errorf("empty read: got 0x%02X, want 0", v)
	}
	cp.EnqueueByte('a')
	cp.EnqueueByte('b')
	if s := p.In(CONSOLE_PORT_STATUS, x86W8); s&CONSOLE_STATUS_INPUT == 0 {
		t.Error("status should report input")
	}
	if a, b := p.In(CONSOLE_PORT_DATA, x86W8), p.In(CONSOLE_PORT_DATA, x86W8); a != 'a' || b != 'b' {
		t.Errorf("input order: got %q %q", rune(a), rune(b))
	}

	for i := range 2000 {
		cp.EnqueueByte(byte(i))
	}
	n := 0
	for p.In(CONSOLE_PORT_STATUS, x86W8)&CONSOLE_STATUS_INPUT != 0 {
		p.In(CONSOLE_PORT_DATA, x86W8)
		n++
	}
	if n != 1024 {
		t.Errorf("buffered %d bytes, want 1024 with overflow dropped", n)
	}
}

// Input raises the interrupt line only once the guest enables it.
func TestConsolePort_InputInterrupt(t *testing.T) {
	r := newFlatRig(t)
	r.setupIDT(0)
	line := r.cpu.IRQ()
	cp := NewConsolePort()
	if err := cp.Attach(r.ports, line, 0x21); err != nil {
		t.Fatal(err)
	}

	cp.EnqueueByte('x')
	if line.Pending() {
		t.Fatal("input with interrupts disabled should not raise the line")
	}

	r.cpu.Flags |= x86FlagIF
	r.code(
		0xB0, CONSOLE_CTRL_IRQ, // MOV AL, 1
		0xE6, CONSOLE_PORT_STATUS, // OUT 0xEA, AL
		0x90,
	)
	r.step(2)
	if !line.Pending() {
		t.Fatal("enabling interrupts with input queued should raise the line")
	}
	r.step(1)
	if r.cpu.EIP != handlerAddr(0x21) {
		t.Errorf("EIP: got 0x%08X, want handler 0x%08X", r.cpu.EIP, handlerAddr(0x21))
	}
}

type fakeClipboard struct {
	text      []byte
	published [][]byte
	err       error
}

func (f *fakeClipboard) ReadText() ([]byte, error) { return f.text, f.err }

func (f *fakeClipboard) WriteText(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, data)
	return nil
}

func TestClipboardDevice_Fetch(t *testing.T) {
	p := NewX86IOPorts()
	fake := &fakeClipboard{text: []byte("one\r\ntwo\rthree")}
	if err := NewClipboardDevice(fake).Attach(p); err != nil {
		t.Fatal(err)
	}
	if s := p.In(CLIP_PORT_STATUS, x86W8); s != CLIP_STATUS_OK {
		t.Errorf("status before fetch: got 0x%02X", s)
	}
	p.Out(CLIP_PORT_CMD, x86W8, CLIP_CMD_FETCH)
	want := "one\ntwo\nthree"
	if n := p.In(CLIP_PORT_LEN, x86W16); n != uint32(len(want)) {
		t.Errorf("length: got %d, want %d", n, len(want))
	}
	var got []byte
	for p.In(CLIP_PORT_STATUS, x86W8)&CLIP_STATUS_DATA != 0 {
		got = append(got, byte(p.In(CLIP_PORT_DATA, x86W8)))
	}
	if string(got) != want {
		t.Errorf("fetched: got %q, want %q", got, want)
	}
	if v := p.In(CLIP_PORT_DATA, x86W8); v != 0 {
		t.Errorf("read past end: got 0x%02X, want 0", v)
	}
	if v := p.In(CLIP_PORT_BASE+0xF, x86W8); v != 0 {
		t.Errorf("unused port in the block: got 0x%02X, want 0", v)
	}
}

func TestClipboardDevice_Publish(t *testing.T) {
	r := newFlatRig(t)
	fake := &fakeClipboard{}
	if err := NewClipboardDevice(fake).Attach(r.ports); err != nil {
		t.Fatal(err)
	}
	copy(r.mem.data[0x00020000:], "copied")
	r.cpu.ESI, r.cpu.ECX, r.cpu.EDX = 0x00020000, 6, CLIP_PORT_DATA
	r.code(
		0xF3, 0x6E, // REP OUTSB
		0xB0, CLIP_CMD_PUBLISH, // MOV AL, 2
		0x66, 0xBA, CLIP_PORT_CMD&0xFF, CLIP_PORT_CMD>>8, // MOV DX, 0x3C0
		0xEE, // OUT DX, AL
		0xF4,
	)
	r.run()
	if len(fake.published) != 1 || string(fake.published[0]) != "copied" {
		t.Errorf("published: got %q", fake.published)
	}
}

func TestClipboardDevice_BackendFailure(t *testing.T) {
	p := NewX86IOPorts()
	fake := &fakeClipboard{err: errors.New("no display")}
	if err := NewClipboardDevice(fake).Attach(p); err != nil {
		t.Fatal(err)
	}
	p.Out(CLIP_PORT_CMD, x86W8, CLIP_CMD_FETCH)
	if s := p.In(CLIP_PORT_STATUS, x86W8); s&CLIP_STATUS_OK != 0 {
		t.Errorf("status after failure: got 0x%02X, want OK clear", s)
	}
}

func TestNormalizePasteText(t *testing.T) {
	cases := map[string]string{
		"a\r\nb":   "a\nb",
		"a\rb":     "a\nb",
		"a\n\r\nb": "a\n\nb",
		"plain":    "plain",
	}
	for in, want := range cases {
		if got := string(normalizePasteText([]byte(in))); got != want {
			t.Errorf("normalizePasteText(%q): got %q, want %q", in, got, want)
		}
	}
	if got := capPasteText([]byte("abcdef"), 4); string(got) != "abcd" {
		t.Errorf("capPasteText: got %q, want %q", got, "abcd")
	}
}
