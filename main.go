// main.go - Main entry point for the IE486 x86 emulator

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func boilerPlate() {
	fmt.Println("\n\033[38;2;255;20;147mIE486\033[0m - a 486-class 32-bit x86 core")
	fmt.Println("(c) 2024 - 2026 Zayn Otley")
	fmt.Println("https://github.com/IntuitionAmiga/IntuitionEngine")
	fmt.Println("License: GPLv3 or later")
}

func main() {
	if err := run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		memMiB      int
		loadAddr    string
		entryAddr   string
		flat        bool
		slice       uint64
		script      string
		console     bool
		consoleIRQ  string
		clipEnabled bool
		perf        bool
		quiet       bool
	)

	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.IntVar(&memMiB, "mem", defaultX86MemorySize>>20, "Physical memory in MiB")
	flagSet.StringVar(&loadAddr, "load-addr", "0x7C00", "Physical load address (hex or decimal)")
	flagSet.StringVar(&entryAddr, "entry", "", "Entry point, physical in real mode or EIP with -flat (defaults to load address)")
	flagSet.BoolVar(&flat, "flat", false, "Boot in flat 32-bit protected mode")
	flagSet.Uint64Var(&slice, "slice", defaultX86SliceCycles, "Cycles per execution slice")
	flagSet.StringVar(&script, "script", "", "Lua script that drives the machine instead of free-running")
	flagSet.BoolVar(&console, "console", true, "Attach the debug console at port 0xE9")
	flagSet.StringVar(&consoleIRQ, "console-irq", "0", "Interrupt vector for console input (0 disables)")
	flagSet.BoolVar(&clipEnabled, "clipboard", false, "Attach the host clipboard device at ports 0x3C0-0x3CF")
	flagSet.BoolVar(&perf, "perf", false, "Report MIPS once a second")
	flagSet.BoolVar(&quiet, "q", false, "Suppress the banner")

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: ./ie486 [-flat] [-load-addr 0x7C00] [-entry 0x7C00] [-script file.lua] image")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	filename := flagSet.Arg(0)
	if filename == "" && script == "" {
		flagSet.Usage()
		return fmt.Errorf("an image or a -script is required")
	}
	if !quiet {
		boilerPlate()
	}

	cfg := &CPUX86Config{
		MemorySize:  memMiB << 20,
		Flat:        flat,
		SliceCycles: slice,
		PerfEnabled: perf,
	}
	var err error
	if cfg.LoadAddr, err = parseUint32Flag(loadAddr); err != nil {
		return fmt.Errorf("-load-addr: %w", err)
	}
	if entryAddr != "" {
		if cfg.Entry, err = parseUint32Flag(entryAddr); err != nil {
			return fmt.Errorf("-entry: %w", err)
		}
	}
	irqVector, err := parseUint32Flag(consoleIRQ)
	if err != nil || irqVector > 0xFF {
		return fmt.Errorf("-console-irq: invalid vector %q", consoleIRQ)
	}

	runner := NewCPUX86Runner(cfg)

	var con *ConsolePort
	if console {
		con = NewConsolePort()
		var line *X86InterruptLine
		if irqVector != 0 {
			line = runner.CPU().IRQ()
		}
		if err := con.Attach(runner.Ports(), line, uint8(irqVector)); err != nil {
			return err
		}
	}
	if clipEnabled {
		if err := NewClipboardDevice(nil).Attach(runner.Ports()); err != nil {
			return err
		}
	}

	if filename != "" {
		if err := runner.LoadProgram(filename); err != nil {
			return fmt.Errorf("loading %s: %w", filename, err)
		}
	} else if err := runner.Boot(); err != nil {
		return err
	}

	if script != "" {
		if con != nil {
			con.SetCharOutputCallback(func(b byte) { os.Stdout.Write([]byte{b}) })
		}
		host := NewScriptHost(runner)
		defer host.Close()
		return host.RunFile(script)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if con != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		// Raw mode needs CR before LF on output.
		con.SetCharOutputCallback(func(b byte) {
			if b == '\n' {
				os.Stdout.Write([]byte{'\r', '\n'})
				return
			}
			os.Stdout.Write([]byte{b})
		})
		termHost := NewTerminalHost(con)
		termHost.Start()
		g.Go(func() error {
			<-gctx.Done()
			termHost.Stop()
			return nil
		})
	} else if con != nil {
		con.SetCharOutputCallback(func(b byte) { os.Stdout.Write([]byte{b}) })
	}

	fmt.Printf("Starting x86 CPU with program: %s\n", filename)
	g.Go(func() error {
		defer stop()
		return runner.Run(gctx)
	})
	return g.Wait()
}

func parseUint32Flag(value string) (uint32, error) {
	parsed, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(parsed), nil
}
