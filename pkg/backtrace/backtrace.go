// Package backtrace turns the unwinder's raw frames into a printed,
// symbolicated backtrace.
package backtrace

import (
	"github.com/sirupsen/logrus"

	"github.com/motius/probe-run/pkg/config"
	"github.com/motius/probe-run/pkg/cortexm"
	"github.com/motius/probe-run/pkg/target"
	"github.com/motius/probe-run/pkg/unwind"
)

var log = logrus.WithField("component", "backtrace")

// Print virtually unwinds the target's program and prints its backtrace.
//
// The backtrace is only rendered when it carries signal: on request, on a
// stack overflow, on corruption, or when an exception frame is present.
// Errors during unwinding are never returned; when the backtrace prints, they
// are logged after it and whatever frames were recovered still print.
func Print(core target.Core, debugFrame []byte, sym *Symbolizer, vt *cortexm.VectorTable, spRAMRegion *cortexm.RamRegion, settings *config.Settings, printer *Printer) unwind.Outcome {
	out := unwind.Target(core, debugFrame, vt, spRAMRegion)

	frames := Symbolicate(out.RawFrames, sym)

	containsException := false
	for _, rf := range out.RawFrames {
		if unwind.IsException(rf) {
			containsException = true
			break
		}
	}

	printBacktrace := settings.ForceBacktrace ||
		out.Outcome == unwind.OutcomeStackOverflow ||
		out.Corrupted ||
		containsException

	if printBacktrace && settings.MaxBacktraceLen > 0 {
		printer.Print(frames, settings)

		if out.Corrupted {
			log.Warn("call stack was corrupted; unwinding could not be completed")
		}
		if out.ProcessingError != nil {
			log.Errorf("error occurred during backtrace creation: %v\nthe backtrace may be incomplete.", out.ProcessingError)
		}
	}

	return out.Outcome
}
