package backtrace

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/motius/probe-run/pkg/config"
)

const (
	colorFrame = "\x1b[1m"    // bold
	colorDim   = "\x1b[2m"    // faint, for locations
	colorExc   = "\x1b[31;1m" // bold red
	colorReset = "\x1b[0m"
)

// Printer renders symbolicated frames in probe-run's backtrace format.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter writes to f, translating ANSI sequences where the platform
// needs it and coloring only when f is a terminal.
func NewPrinter(f *os.File) *Printer {
	return &Printer{
		w:     colorable.NewColorable(f),
		color: isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()),
	}
}

// NewPlainPrinter writes uncolored output to w. Used by tests.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print writes the backtrace, innermost frame first, honoring the settings'
// length cap and path shortening.
func (p *Printer) Print(frames []Frame, settings *config.Settings) {
	fmt.Fprintln(p.w, "stack backtrace:")

	n := 0
	for _, frame := range frames {
		if n >= settings.MaxBacktraceLen {
			fmt.Fprintf(p.w, "        (HOST) backtrace truncated at %d frames\n", settings.MaxBacktraceLen)
			break
		}

		if frame.Exception {
			fmt.Fprintf(p.w, "        %s<exception entry>%s\n", p.sgr(colorExc), p.sgr(colorReset))
			continue
		}
		if frame.Known && !frame.Live {
			// addresses that resolve to functions the linker discarded are
			// noise left over in stale stack memory
			continue
		}

		fmt.Fprintf(p.w, "%4d: %s%s%s\n", n, p.sgr(colorFrame), frame.Name, p.sgr(colorReset))
		if frame.File != "" {
			file := frame.File
			if settings.ShortenPaths {
				file = shortenPath(file, settings.CurrentDir)
			}
			fmt.Fprintf(p.w, "        %sat %s:%d%s\n", p.sgr(colorDim), file, frame.Line, p.sgr(colorReset))
		}
		n++
	}
}

func (p *Printer) sgr(code string) string {
	if !p.color {
		return ""
	}
	return code
}
