// Command probe-run prints the backtrace of a halted ARM Cortex-M target.
//
// It attaches to a gdbserver (OpenOCD, pyOCD, QEMU) that exposes the stopped
// core, virtually unwinds the program using the firmware ELF's call frame
// information, and prints a symbolicated backtrace.
package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/motius/probe-run/pkg/backtrace"
	"github.com/motius/probe-run/pkg/config"
	"github.com/motius/probe-run/pkg/cortexm"
	"github.com/motius/probe-run/pkg/elfutil"
	"github.com/motius/probe-run/pkg/target"
	"github.com/motius/probe-run/pkg/unwind"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		ramStart uint32
		ramEnd   uint32
	)

	settings, err := config.Load(config.FileName)
	if err != nil {
		logrus.Error(err)
		return 1
	}

	outcome := unwind.OutcomeOk

	cmd := &cobra.Command{
		Use:           "probe-run [flags] ELF",
		Short:         "print the backtrace of a halted Cortex-M target",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}

			var spRAMRegion *cortexm.RamRegion
			if cmd.Flags().Changed("ram-start") != cmd.Flags().Changed("ram-end") {
				return fmt.Errorf("--ram-start and --ram-end must be given together")
			}
			if cmd.Flags().Changed("ram-start") {
				spRAMRegion = &cortexm.RamRegion{Start: ramStart, End: ramEnd}
			}

			var err error
			outcome, err = backtraceTarget(args[0], settings, spRAMRegion)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&settings.GDB, "gdb", settings.GDB, "address of the gdbserver exposing the halted core")
	flags.IntVar(&settings.MaxBacktraceLen, "max-backtrace-len", settings.MaxBacktraceLen, "maximum number of backtrace frames to print")
	flags.BoolVar(&settings.ForceBacktrace, "force-backtrace", settings.ForceBacktrace, "print the backtrace even for a clean halt")
	flags.BoolVar(&settings.ShortenPaths, "shorten-paths", settings.ShortenPaths, "print source paths relative to the current directory")
	flags.BoolVarP(&settings.Verbose, "verbose", "v", settings.Verbose, "enable debug logging")
	flags.Var(newHexValue(&ramStart), "ram-start", "start of the RAM region containing the stack")
	flags.Var(newHexValue(&ramEnd), "ram-end", "end (exclusive) of the RAM region containing the stack")

	if err := cmd.Execute(); err != nil {
		logrus.Error(err)
		return 1
	}

	switch outcome {
	case unwind.OutcomeOk:
		return 0
	default:
		// the target faulted; mirror that in the exit code
		return 134
	}
}

func backtraceTarget(elfPath string, settings *config.Settings, spRAMRegion *cortexm.RamRegion) (unwind.Outcome, error) {
	f, err := elf.Open(elfPath)
	if err != nil {
		return unwind.OutcomeOk, fmt.Errorf("opening %s: %w", elfPath, err)
	}
	defer f.Close()

	debugFrame, err := elfutil.LoadDebugFrame(f)
	if err != nil {
		return unwind.OutcomeOk, err
	}
	vt, err := elfutil.LoadVectorTable(f)
	if err != nil {
		return unwind.OutcomeOk, err
	}
	logrus.Debugf("vector table: %+v", vt)

	live, err := elfutil.LiveFunctions(f)
	if err != nil {
		return unwind.OutcomeOk, err
	}
	sym, err := backtrace.NewSymbolizer(f, live)
	if err != nil {
		return unwind.OutcomeOk, err
	}

	core, err := target.Dial(settings.GDB)
	if err != nil {
		return unwind.OutcomeOk, err
	}

	printer := backtrace.NewPrinter(os.Stdout)
	outcome := backtrace.Print(core, debugFrame, sym, vt, spRAMRegion, settings, printer)
	logrus.Debugf("outcome: %s", outcome)
	return outcome, nil
}

// hexValue is a pflag.Value accepting 0x-prefixed or decimal addresses.
type hexValue struct {
	ptr *uint32
}

func newHexValue(ptr *uint32) pflag.Value {
	return &hexValue{ptr: ptr}
}

func (h *hexValue) String() string {
	if h.ptr == nil {
		return ""
	}
	return fmt.Sprintf("%#x", *h.ptr)
}

func (h *hexValue) Set(s string) error {
	var v uint64
	if _, err := fmt.Sscanf(s, "0x%x", &v); err != nil {
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			return fmt.Errorf("invalid address %q", s)
		}
	}
	if v > 0xFFFF_FFFF {
		return fmt.Errorf("address %q does not fit in 32 bits", s)
	}
	*h.ptr = uint32(v)
	return nil
}

func (h *hexValue) Type() string { return "address" }
