// Package unwind virtually reconstructs the call stack of a halted Cortex-M
// core. Destructors are not run on the target; the unwind is a pure
// read-only reconstruction driven by the image's .debug_frame tables.
package unwind

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/motius/probe-run/pkg/cortexm"
	"github.com/motius/probe-run/pkg/dwarf/frame"
	"github.com/motius/probe-run/pkg/registers"
	"github.com/motius/probe-run/pkg/stacked"
	"github.com/motius/probe-run/pkg/target"
)

var log = logrus.WithField("component", "unwind")

const missingDebugInfo = `debug information is missing. Likely fixes:
1. compile the firmware with debug symbols enabled (e.g. "debug = 1" or higher in the build profile)
2. use a recent version of the vendor runtime support crates
3. if linking to C code, compile the C code with the -g flag`

// Outcome classifies why the target stopped.
type Outcome int

const (
	// OutcomeOk means the program ran to a halt without faulting.
	OutcomeOk Outcome = iota
	// OutcomeHardFault means the core was halted inside the HardFault
	// handler.
	OutcomeHardFault
	// OutcomeStackOverflow is a HardFault whose stack pointer had left the
	// RAM region that holds the stack.
	OutcomeStackOverflow
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHardFault:
		return "HardFault"
	case OutcomeStackOverflow:
		return "StackOverflow"
	default:
		return "Ok"
	}
}

// RawFrame is a backtrace frame prior to symbolication. It is either a
// Subroutine or an Exception; the two are distinguished structurally, never
// through sentinel PC values.
type RawFrame interface {
	isRawFrame()
}

// Subroutine is a return-address frame. PC always has the Thumb bit cleared.
type Subroutine struct {
	PC uint32
}

// Exception is a synthetic separator marking that the next subroutine frame
// was reached through hardware exception entry.
type Exception struct{}

func (Subroutine) isRawFrame() {}
func (Exception) isRawFrame()  {}

// IsException reports whether f is the exception separator.
func IsException(f RawFrame) bool {
	_, ok := f.(Exception)
	return ok
}

// Output is everything the unwinder recovered.
type Output struct {
	// RawFrames is ordered innermost (halted) frame first.
	RawFrames []RawFrame
	Outcome   Outcome
	// Corrupted is true iff unwinding stopped because of a detected
	// corruption or incompleteness condition.
	Corrupted bool
	// ProcessingError, when non-nil, is the failure that cut the unwind
	// short. RawFrames and Outcome hold everything collected before it.
	ProcessingError error
}

// InvalidExcReturnError reports an LR in the EXC_RETURN range that is not one
// of the six legal encodings.
type InvalidExcReturnError struct {
	LR uint32
}

func (err *InvalidExcReturnError) Error() string {
	return fmt.Sprintf("LR contains invalid EXC_RETURN value %#010x", err.LR)
}

// MissingThumbBitError reports an ordinary-return LR without the Thumb bit,
// which no valid Cortex-M return address lacks.
type MissingThumbBitError struct {
	LR uint32
}

func (err *MissingThumbBitError) Error() string {
	return fmt.Sprintf("bug? LR (%#010x) didn't have the Thumb bit set", err.LR)
}

// Target virtually unwinds the halted core's program.
//
// On error the output still carries all frames collected up to that point,
// with the cause in ProcessingError; no failure is fatal to the caller.
func Target(core target.Core, debugFrame []byte, vt *cortexm.VectorTable, spRAMRegion *cortexm.RamRegion) Output {
	// Corrupted starts out pessimistic and is cleared only on a clean
	// LR==LREnd termination; every abnormal exit is then safe by default.
	output := Output{
		Corrupted: true,
		Outcome:   OutcomeOk,
	}

	// capture records err in the output and tells the caller to return the
	// partial result
	capture := func(err error) bool {
		if err != nil {
			output.ProcessingError = err
		}
		return err != nil
	}

	fdes, err := frame.Parse(debugFrame)
	if capture(err) {
		return output
	}

	pc, err := core.ReadCoreReg(registers.PC)
	if capture(err) {
		return output
	}
	sp, err := core.ReadCoreReg(registers.SP)
	if capture(err) {
		return output
	}
	lr, err := core.ReadCoreReg(registers.LR)
	if capture(err) {
		return output
	}

	regs := registers.New(lr, sp, core)

	for {
		if cortexm.IsHardFault(pc, vt) {
			if len(output.RawFrames) != 0 {
				panic("when present HardFault handler must be the first frame we unwind but wasn't")
			}

			if overflowedStack(sp, spRAMRegion) {
				output.Outcome = OutcomeStackOverflow
			} else {
				output.Outcome = OutcomeHardFault
			}
		}

		output.RawFrames = append(output.RawFrames, Subroutine{PC: cortexm.ClearThumbBit(pc)})

		fde, err := fdes.FDEForPC(pc)
		if err != nil {
			capture(fmt.Errorf("%w\n%s", err, missingDebugInfo))
			return output
		}
		row, err := fde.EstablishFrame(pc)
		if capture(err) {
			return output
		}

		cfaChanged, err := regs.UpdateCFA(row.CFA)
		if capture(err) {
			return output
		}

		for _, reg := range sortedRegs(row.Regs) {
			if capture(regs.Update(reg, row.Regs[reg])) {
				return output
			}
		}

		lr, err := regs.Get(registers.LR)
		if capture(err) {
			return output
		}

		log.Debugf("LR=%#010x PC=%#010x", lr, pc)

		if lr == registers.LREnd {
			output.Corrupted = false
			break
		}

		// This deliberately covers the whole EXC_RETURN range, reserved
		// encodings included, so that corrupt values are caught by the decode
		// below instead of being mistaken for a return address.
		exceptionEntry := lr >= cortexm.ExcReturnMarker

		// If neither the frame nor the program counter moved the same frame
		// would be emitted forever.
		programCounterChanged := !cortexm.SubroutineEq(lr, pc)
		output.Corrupted = !cfaChanged && !programCounterChanged
		if output.Corrupted {
			break
		}

		if exceptionEntry {
			output.RawFrames = append(output.RawFrames, Exception{})

			var fpuStacked bool
			switch lr {
			case 0xFFFFFFF1, 0xFFFFFFF9, 0xFFFFFFFD:
				fpuStacked = false
			case 0xFFFFFFE1, 0xFFFFFFE9, 0xFFFFFFED:
				fpuStacked = true
			default:
				capture(&InvalidExcReturnError{LR: lr})
				return output
			}

			handlerSP, err := regs.Get(registers.SP)
			if capture(err) {
				return output
			}

			ramStart, ramEnd := uint32(cortexm.ValidRAMStart), uint32(cortexm.ValidRAMEnd)
			if spRAMRegion != nil {
				ramStart, ramEnd = spRAMRegion.Start, spRAMRegion.End
			}
			sf, err := stacked.Read(core, handlerSP, fpuStacked, ramStart, ramEnd)
			if capture(err) {
				return output
			}
			if sf == nil {
				output.Corrupted = true
				break
			}

			regs.Insert(registers.LR, sf.LR)
			// skip the hardware-pushed words to get back to the interrupted
			// frame's stack
			regs.Insert(registers.SP, handlerSP+sf.Size())

			// the hardware stores a Thumb-cleared PC already; mask anyway in
			// case the frame was clobbered
			pc = cortexm.ClearThumbBit(sf.PC)
		} else {
			if !cortexm.IsThumbBitSet(lr) {
				capture(&MissingThumbBitError{LR: lr})
				return output
			}
			pc = cortexm.ClearThumbBit(lr)
		}
	}

	return output
}

// sortedRegs returns the row's register numbers in ascending order so that
// rule application is deterministic.
func sortedRegs(rules map[uint64]frame.DWRule) []uint64 {
	regs := make([]uint64, 0, len(rules))
	for reg := range rules {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

// overflowedStack reports whether sp had left the RAM region at the time of
// the fault. The stack is full descending, so a stack pointer exactly at the
// region's end is still valid.
func overflowedStack(sp uint32, region *cortexm.RamRegion) bool {
	if region == nil {
		log.Warn("no RAM region appears to contain the stack; cannot determine if this was a stack overflow")
		return false
	}
	return sp < region.Start || sp > region.End
}
