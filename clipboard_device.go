// clipboard_device.go - Host clipboard port device
//
// Ports 0x3C0-0x3CF give the guest byte-stream access to the host text
// clipboard:
//
//	0x3C0  command (write): 1 = fetch host clipboard, 2 = publish, 3 = clear
//	0x3C1  data: read the next fetched byte (0 at end), write appends
//	0x3C2  status (read): bit 0 clipboard usable, bit 1 fetched data left
//	0x3C4  remaining fetched length (16-bit)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"os"
	"sync"

	"golang.design/x/clipboard"
)

const (
	CLIP_PORT_BASE   = 0x3C0
	CLIP_PORT_CMD    = 0x3C0
	CLIP_PORT_DATA   = 0x3C1
	CLIP_PORT_STATUS = 0x3C2
	CLIP_PORT_LEN    = 0x3C4
	CLIP_PORT_END    = 0x3CF

	CLIP_CMD_FETCH   = 1
	CLIP_CMD_PUBLISH = 2
	CLIP_CMD_CLEAR   = 3

	CLIP_STATUS_OK   = 1 << 0
	CLIP_STATUS_DATA = 1 << 1

	clipMaxText = 4096
)

// ClipboardBackend is the host side of the device.
type ClipboardBackend interface {
	ReadText() ([]byte, error)
	WriteText(data []byte) error
}

// hostClipboard talks to the system clipboard. Init runs once; a host
// without a clipboard (headless, no display) reports every access failed.
type hostClipboard struct {
	once sync.Once
	err  error
}

func (h *hostClipboard) init() error {
	h.once.Do(func() {
		h.err = clipboard.Init()
	})
	return h.err
}

func (h *hostClipboard) ReadText() ([]byte, error) {
	if err := h.init(); err != nil {
		return nil, fmt.Errorf("clipboard: %w", err)
	}
	return clipboard.Read(clipboard.FmtText), nil
}

func (h *hostClipboard) WriteText(data []byte) error {
	if err := h.init(); err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}
	clipboard.Write(clipboard.FmtText, data)
	return nil
}

// ClipboardDevice is the guest-visible register block.
type ClipboardDevice struct {
	mu      sync.Mutex
	backend ClipboardBackend
	ok      bool
	in      []byte // fetched from the host
	inPos   int
	out     []byte // pending publish
}

// NewClipboardDevice creates a device over backend, or over the system
// clipboard when backend is nil.
func NewClipboardDevice(backend ClipboardBackend) *ClipboardDevice {
	if backend == nil {
		backend = &hostClipboard{}
	}
	return &ClipboardDevice{backend: backend, ok: true}
}

// Attach registers the device's ports. Unused ports in the block read 0.
func (d *ClipboardDevice) Attach(ports *X86IOPorts) error {
	for p := uint16(CLIP_PORT_BASE); p <= CLIP_PORT_END; p++ {
		var err error
		switch p {
		case CLIP_PORT_CMD:
			err = ports.Register8(p, nil, d.writeCmd)
		case CLIP_PORT_DATA:
			err = ports.Register8(p, d.readData, d.writeData)
		case CLIP_PORT_STATUS:
			err = ports.Register8(p, d.readStatus, nil)
		case CLIP_PORT_LEN:
			err = ports.Register16(p, d.readLen, nil)
		default:
			err = ports.Register8(p, func(uint16) byte { return 0 }, nil)
		}
		if err != nil {
			return fmt.Errorf("clipboard: %w", err)
		}
	}
	return nil
}

func (d *ClipboardDevice) writeCmd(port uint16, value byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch value {
	case CLIP_CMD_FETCH:
		data, err := d.backend.ReadText()
		if err != nil {
			d.fail(err)
			return
		}
		d.in = capPasteText(normalizePasteText(data), clipMaxText)
		d.inPos = 0
	case CLIP_CMD_PUBLISH:
		if err := d.backend.WriteText(d.out); err != nil {
			d.fail(err)
			return
		}
		d.out = nil
	case CLIP_CMD_CLEAR:
		d.out = d.out[:0]
		d.in = nil
		d.inPos = 0
	}
}

// fail reports the first backend failure and marks the device unusable.
func (d *ClipboardDevice) fail(err error) {
	if d.ok {
		fmt.Fprintf(os.Stderr, "clipboard: %v\n", err)
	}
	d.ok = false
}

func (d *ClipboardDevice) readData(port uint16) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inPos >= len(d.in) {
		return 0
	}
	b := d.in[d.inPos]
	d.inPos++
	return b
}

func (d *ClipboardDevice) writeData(port uint16, value byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.out) < clipMaxText {
		d.out = append(d.out, value)
	}
}

func (d *ClipboardDevice) readStatus(port uint16) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s byte
	if d.ok {
		s |= CLIP_STATUS_OK
	}
	if d.inPos < len(d.in) {
		s |= CLIP_STATUS_DATA
	}
	return s
}

func (d *ClipboardDevice) readLen(port uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint16(len(d.in) - d.inPos)
}

// normalizePasteText folds CRLF and lone CR to LF.
func normalizePasteText(raw []byte) []byte {
	norm := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\r' {
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
			norm = append(norm, '\n')
			continue
		}
		norm = append(norm, raw[i])
	}
	return norm
}

func capPasteText(raw []byte, max int) []byte {
	if len(raw) <= max {
		return raw
	}
	return raw[:max]
}
