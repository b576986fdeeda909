// Command rv64run boots a raw RV64IMA kernel image on the rv64 emulator
// core. ELF loading, a GDB stub, and a committed snapshot wire format are
// all out of scope for the core itself (spec.md Non-goals); this command
// only ever loads a raw binary image at the configured entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"rv64emu/internal/rv64"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rv64run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to a YAML machine config (overrides the flags below)")
		kernelPath  = flag.String("kernel", "", "path to a raw RV64 kernel image")
		diskPath    = flag.String("disk", "", "path to a virtio disk image")
		ramSize     = flag.Uint64("ram", rv64.DRAMSize, "DRAM size in bytes")
		entryPC     = flag.Uint64("entry", rv64.DRAMBase, "entry program counter")
		snapshotInt = flag.Uint64("snapshot-interval", 0, "write a snapshot every N retired instructions (0 disables)")
		snapshotOut = flag.String("snapshot-out", "", "path snapshots are written to (required if -snapshot-interval is set)")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg := rv64.Config{RAMSize: *ramSize, EntryPC: *entryPC, SnapshotInterval: *snapshotInt, KernelImagePath: *kernelPath, DiskImagePath: *diskPath}
	if *configPath != "" {
		loaded, err := rv64.LoadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if cfg.KernelImagePath == "" {
		return fmt.Errorf("no kernel image given (-kernel or config.kernel_image_path)")
	}

	kernel, err := os.ReadFile(cfg.KernelImagePath)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}

	var disk []byte
	if cfg.DiskImagePath != "" {
		disk, err = os.ReadFile(cfg.DiskImagePath)
		if err != nil {
			return fmt.Errorf("read disk image: %w", err)
		}
	}

	m := rv64.NewMachine(cfg.RAMSize, os.Stdout, disk, log)
	if err := m.LoadBytes(cfg.EntryPC, kernel); err != nil {
		return fmt.Errorf("load kernel image: %w", err)
	}
	m.SetPC(cfg.EntryPC)

	if cfg.SnapshotInterval != 0 {
		if *snapshotOut == "" {
			return fmt.Errorf("-snapshot-interval requires -snapshot-out")
		}
		m.SetSnapshotSink(cfg.SnapshotInterval, func(snap *rv64.Snapshot) {
			data, err := snap.Encode()
			if err != nil {
				log.Error("encode snapshot", "err", err)
				return
			}
			if err := os.WriteFile(*snapshotOut, data, 0o644); err != nil {
				log.Error("write snapshot", "err", err)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCtx, stopSig := signal.NotifyContext(ctx, os.Interrupt)
	defer stopSig()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		go feedConsoleInput(sigCtx, m.UART)
	}

	err = m.Run(sigCtx)
	switch {
	case errors.Is(err, rv64.ErrHalt):
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return fmt.Errorf("run: %w", err)
	}
}

// feedConsoleInput polls stdin (set non-blocking, so ctx cancellation can
// stop the loop promptly instead of blocking forever in a Read) and pushes
// bytes into the UART's input buffer. Only started when stdin is an
// interactive terminal; a piped/redirected stdin has no input path.
func feedConsoleInput(ctx context.Context, uart *rv64.UART) {
	fd := int(os.Stdin.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return
	}

	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Read(fd, buf)
		if n > 0 {
			uart.EnqueueInput(append([]byte(nil), buf[:n]...))
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return
		}
		if n <= 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}
