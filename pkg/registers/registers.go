// Package registers mirrors the CPU registers of the halted core as the
// unwinder rolls them back frame by frame.
//
// The mirror is lazy: only the seeded LR and SP, registers the DWARF rules
// have touched, and registers already read once are stored locally;
// everything else reads through to the live target on demand. This
// keeps probe traffic to a minimum during deep unwinds.
package registers

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/motius/probe-run/pkg/dwarf/frame"
	"github.com/motius/probe-run/pkg/target"
)

// DWARF register numbers of the ARM core registers (DWARF for the ARM
// Architecture, section 3.1). The gdb remote protocol uses the same numbers
// for r0-r15.
const (
	R0 uint64 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
)

// LREnd is the architectural end-of-stack sentinel. Startup code loads it
// into LR before calling main; seeing it in LR means the call chain is
// exhausted.
const LREnd = 0xFFFF_FFFF

var log = logrus.WithField("component", "registers")

// UnsupportedRuleError is returned when a DWARF rule form the unwinder does
// not implement shows up in the call frame information.
type UnsupportedRuleError struct {
	What string
}

func (err *UnsupportedRuleError) Error() string {
	return fmt.Sprintf("unsupported DWARF rule: %s", err.What)
}

// CFAOverflowError is returned when canonical frame address arithmetic
// leaves the 32-bit address space.
type CFAOverflowError struct {
	Base   uint32
	Offset int64
}

func (err *CFAOverflowError) Error() string {
	return fmt.Sprintf("CFA computation %#010x%+d overflows the 32-bit address space", err.Base, err.Offset)
}

// Registers tracks the register state of one virtual frame during unwinding.
type Registers struct {
	core   target.Core
	cache  map[uint64]uint32
	cfa    uint32
	hasCFA bool
}

// New seeds the mirror with the live LR and SP values. All other registers
// read through to core until a DWARF rule overrides them.
func New(lr, sp uint32, core target.Core) *Registers {
	return &Registers{
		core:  core,
		cache: map[uint64]uint32{LR: lr, SP: sp},
	}
}

// Get returns the mirrored value of reg, falling back to the live target for
// registers no rule has touched yet.
func (r *Registers) Get(reg uint64) (uint32, error) {
	if val, ok := r.cache[reg]; ok {
		return val, nil
	}
	val, err := r.core.ReadCoreReg(reg)
	if err != nil {
		return 0, &target.UnreadableRegisterError{Reg: reg, Err: err}
	}
	r.cache[reg] = val
	return val, nil
}

// Insert unconditionally sets the mirrored value of reg.
func (r *Registers) Insert(reg uint64, val uint32) {
	r.cache[reg] = val
}

// CFA returns the current canonical frame address, if one has been computed.
func (r *Registers) CFA() (uint32, bool) {
	return r.cfa, r.hasCFA
}

// UpdateCFA evaluates the row's CFA rule and records the result. It reports
// whether the CFA moved, which the unwinder uses to detect that it is stuck
// on a corrupt frame.
//
// By DWARF convention the caller's SP is the CFA, so the SP mirror is updated
// alongside.
func (r *Registers) UpdateCFA(rule frame.DWRule) (bool, error) {
	switch rule.Rule {
	case frame.RuleCFA:
		base, err := r.Get(rule.Reg)
		if err != nil {
			return false, err
		}
		sum := int64(base) + rule.Offset
		if sum < 0 || sum > math.MaxUint32 {
			return false, &CFAOverflowError{Base: base, Offset: rule.Offset}
		}
		cfa := uint32(sum)

		changed := !r.hasCFA || r.cfa != cfa
		r.cfa = cfa
		r.hasCFA = true
		r.cache[SP] = cfa

		log.Debugf("CFA=%#010x changed=%v", cfa, changed)
		return changed, nil
	case frame.RuleExpression:
		return false, &UnsupportedRuleError{What: "expression CFA rule"}
	default:
		return false, &UnsupportedRuleError{What: fmt.Sprintf("CFA rule kind %d", rule.Rule)}
	}
}

// Update applies one DWARF register rule to the mirror.
func (r *Registers) Update(reg uint64, rule frame.DWRule) error {
	switch rule.Rule {
	case frame.RuleUndefined, frame.RuleSameVal:
		// the register keeps whatever value the mirror (or the live target)
		// already has
		return nil
	case frame.RuleOffset:
		addr, err := r.cfaRelative(rule.Offset)
		if err != nil {
			return err
		}
		words, err := r.core.ReadMemoryU32Range(addr, 1)
		if err != nil {
			return &target.UnreadableMemoryError{Addr: addr, Err: err}
		}
		r.cache[reg] = words[0]
		return nil
	case frame.RuleValOffset:
		val, err := r.cfaRelative(rule.Offset)
		if err != nil {
			return err
		}
		r.cache[reg] = val
		return nil
	case frame.RuleRegister:
		val, err := r.Get(rule.Reg)
		if err != nil {
			return err
		}
		r.cache[reg] = val
		return nil
	case frame.RuleExpression, frame.RuleValExpression:
		return &UnsupportedRuleError{What: fmt.Sprintf("expression rule for register %d", reg)}
	default:
		return &UnsupportedRuleError{What: fmt.Sprintf("rule kind %d for register %d", rule.Rule, reg)}
	}
}

func (r *Registers) cfaRelative(offset int64) (uint32, error) {
	if !r.hasCFA {
		return 0, &UnsupportedRuleError{What: "CFA-relative rule before a CFA was established"}
	}
	sum := int64(r.cfa) + offset
	if sum < 0 || sum > math.MaxUint32 {
		return 0, &CFAOverflowError{Base: r.cfa, Offset: offset}
	}
	return uint32(sum), nil
}
