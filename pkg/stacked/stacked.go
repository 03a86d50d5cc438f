// Package stacked reads the register frame that Cortex-M hardware pushes
// onto the stack on exception entry.
package stacked

import (
	"github.com/motius/probe-run/pkg/target"
)

// Word counts of the two frame layouts. The basic frame is
// {R0-R3, R12, LR, PC, xPSR}; when the FPU context was stacked an extended
// frame additionally holds {S0-S15, FPSCR, reserved}.
const (
	basicWords    = 8
	extendedWords = basicWords + 18
)

// Stacked is the hardware-pushed register frame recovered from target RAM.
type Stacked struct {
	R0   uint32
	R1   uint32
	R2   uint32
	R3   uint32
	R12  uint32
	LR   uint32
	PC   uint32
	XPSR uint32

	fpuStacked bool
}

// Size returns the frame's size in bytes: 32 for a basic frame, 104 when the
// FPU context was stacked as well.
func (s *Stacked) Size() uint32 {
	if s.fpuStacked {
		return extendedWords * 4
	}
	return basicWords * 4
}

// Read recovers the stacked frame at sp. A frame that would escape the RAM
// region [start, end) is a sign of a corrupt stack and yields nil without an
// error; the caller treats that as corruption. Errors are transport-level
// only.
func Read(core target.Core, sp uint32, fpuStacked bool, ramStart, ramEnd uint32) (*Stacked, error) {
	s := &Stacked{fpuStacked: fpuStacked}

	// the frame occupies [sp, sp+size); sp+size == ramEnd is still in bounds
	size := s.Size()
	if sp < ramStart || sp+size > ramEnd || sp+size < sp {
		return nil, nil
	}

	words, err := core.ReadMemoryU32Range(sp, basicWords)
	if err != nil {
		return nil, &target.UnreadableMemoryError{Addr: sp, Err: err}
	}

	s.R0 = words[0]
	s.R1 = words[1]
	s.R2 = words[2]
	s.R3 = words[3]
	s.R12 = words[4]
	s.LR = words[5]
	s.PC = words[6]
	s.XPSR = words[7]
	return s, nil
}
