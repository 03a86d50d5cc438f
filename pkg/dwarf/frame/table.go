package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/motius/probe-run/pkg/dwarf/leb128"
)

// DW_CFA opcodes, DWARF v5 section 6.4.2.
const (
	dwCFANop              = 0x0
	dwCFASetLoc           = 0x01
	dwCFAAdvanceLoc1      = 0x02
	dwCFAAdvanceLoc2      = 0x03
	dwCFAAdvanceLoc4      = 0x04
	dwCFAOffsetExtended   = 0x05
	dwCFARestoreExtended  = 0x06
	dwCFAUndefined        = 0x07
	dwCFASameValue        = 0x08
	dwCFARegister         = 0x09
	dwCFARememberState    = 0x0a
	dwCFARestoreState     = 0x0b
	dwCFADefCFA           = 0x0c
	dwCFADefCFARegister   = 0x0d
	dwCFADefCFAOffset     = 0x0e
	dwCFADefCFAExpression = 0x0f
	dwCFAExpression       = 0x10
	dwCFAOffsetExtendedSF = 0x11
	dwCFADefCFASF         = 0x12
	dwCFADefCFAOffsetSF   = 0x13
	dwCFAValOffset        = 0x14
	dwCFAValOffsetSF      = 0x15
	dwCFAValExpression    = 0x16

	// opcodes with an operand encoded in the low 6 bits
	dwCFAAdvanceLoc = 0x1 << 6
	dwCFAOffset     = 0x2 << 6
	dwCFARestore    = 0x3 << 6
)

// Rule is the kind of a DWARF register recovery rule.
type Rule byte

const (
	// RuleUndefined means the register is not recoverable.
	RuleUndefined Rule = iota
	// RuleSameVal means the register has not been modified.
	RuleSameVal
	// RuleOffset means the register is saved at CFA+Offset.
	RuleOffset
	// RuleValOffset means the register's value is CFA+Offset.
	RuleValOffset
	// RuleRegister means the register is saved in another register.
	RuleRegister
	// RuleExpression means the register is saved at the address computed by a
	// DWARF expression.
	RuleExpression
	// RuleValExpression means the register's value is computed by a DWARF
	// expression.
	RuleValExpression
	// RuleCFA means the value is Reg+Offset; used for the CFA rule itself.
	RuleCFA
)

// DWRule wraps one rule of the current row of the call frame information
// table.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// FrameContext is one row of the virtual call frame information table: the
// CFA rule and the register rules in effect at a given program counter.
type FrameContext struct {
	loc     uint32
	address uint32

	CFA        DWRule
	Regs       map[uint64]DWRule
	RetAddrReg uint64

	initialRegs map[uint64]DWRule

	codeAlignment uint64
	dataAlignment int64

	buf   *bytes.Reader
	stack []rowState
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// Loc returns the location counter reached when evaluation stopped. When an
// advance instruction moved it past the requested PC, it is that later
// location, not the start of the returned row.
func (fctx *FrameContext) Loc() uint32 {
	return fctx.loc
}

func executeDwarfProgram(fde *FrameDescriptionEntry, pc uint32) (*FrameContext, error) {
	if !fde.Cover(pc) {
		return nil, fmt.Errorf("debug_frame: PC %#x is not covered by FDE [%#x, %#x)", pc, fde.Begin(), fde.End())
	}

	fctx := &FrameContext{
		loc:           fde.Begin(),
		address:       pc,
		Regs:          map[uint64]DWRule{},
		initialRegs:   map[uint64]DWRule{},
		RetAddrReg:    fde.CIE.ReturnAddressRegister,
		codeAlignment: fde.CIE.CodeAlignmentFactor,
		dataAlignment: fde.CIE.DataAlignmentFactor,
	}

	// The CIE's initial instructions establish the default row shared by all
	// locations of the FDE.
	fctx.buf = bytes.NewReader(fde.CIE.InitialInstructions)
	fctx.address = fde.End() - 1
	if err := fctx.executeInstructions(); err != nil {
		return nil, err
	}
	for reg, rule := range fctx.Regs {
		fctx.initialRegs[reg] = rule
	}

	fctx.address = pc
	fctx.buf = bytes.NewReader(fde.Instructions)
	if err := fctx.executeInstructions(); err != nil {
		return nil, err
	}
	return fctx, nil
}

// executeInstructions runs call frame instructions until the row for
// fctx.address is complete or the program ends.
func (fctx *FrameContext) executeInstructions() error {
	for fctx.address >= fctx.loc && fctx.buf.Len() > 0 {
		if err := fctx.step(); err != nil {
			return err
		}
	}
	return nil
}

func (fctx *FrameContext) step() error {
	op, err := fctx.buf.ReadByte()
	if err != nil {
		return err
	}

	switch op & 0xc0 {
	case dwCFAAdvanceLoc:
		fctx.loc += uint32(op&0x3f) * uint32(fctx.codeAlignment)
		return nil
	case dwCFAOffset:
		offset, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.Regs[uint64(op&0x3f)] = DWRule{Rule: RuleOffset, Offset: int64(offset) * fctx.dataAlignment}
		return nil
	case dwCFARestore:
		fctx.restore(uint64(op & 0x3f))
		return nil
	}

	switch op {
	case dwCFANop:
	case dwCFASetLoc:
		var loc uint32
		if err := binary.Read(fctx.buf, byteOrder, &loc); err != nil {
			return err
		}
		fctx.loc = loc
	case dwCFAAdvanceLoc1:
		delta, err := fctx.buf.ReadByte()
		if err != nil {
			return err
		}
		fctx.loc += uint32(delta) * uint32(fctx.codeAlignment)
	case dwCFAAdvanceLoc2:
		var delta uint16
		if err := binary.Read(fctx.buf, byteOrder, &delta); err != nil {
			return err
		}
		fctx.loc += uint32(delta) * uint32(fctx.codeAlignment)
	case dwCFAAdvanceLoc4:
		var delta uint32
		if err := binary.Read(fctx.buf, byteOrder, &delta); err != nil {
			return err
		}
		fctx.loc += delta * uint32(fctx.codeAlignment)
	case dwCFAOffsetExtended:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		offset, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(offset) * fctx.dataAlignment}
	case dwCFAOffsetExtendedSF:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		offset, _ := leb128.DecodeSigned(fctx.buf)
		fctx.Regs[reg] = DWRule{Rule: RuleOffset, Offset: offset * fctx.dataAlignment}
	case dwCFARestoreExtended:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.restore(reg)
	case dwCFAUndefined:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.Regs[reg] = DWRule{Rule: RuleUndefined}
	case dwCFASameValue:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.Regs[reg] = DWRule{Rule: RuleSameVal}
	case dwCFARegister:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		src, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.Regs[reg] = DWRule{Rule: RuleRegister, Reg: src}
	case dwCFARememberState:
		state := rowState{cfa: fctx.CFA, regs: map[uint64]DWRule{}}
		for reg, rule := range fctx.Regs {
			state.regs[reg] = rule
		}
		fctx.stack = append(fctx.stack, state)
	case dwCFARestoreState:
		if len(fctx.stack) == 0 {
			return fmt.Errorf("debug_frame: DW_CFA_restore_state without a remembered state")
		}
		state := fctx.stack[len(fctx.stack)-1]
		fctx.stack = fctx.stack[:len(fctx.stack)-1]
		fctx.CFA = state.cfa
		fctx.Regs = state.regs
	case dwCFADefCFA:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		offset, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(offset)}
	case dwCFADefCFASF:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		offset, _ := leb128.DecodeSigned(fctx.buf)
		fctx.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: offset * fctx.dataAlignment}
	case dwCFADefCFARegister:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.CFA.Reg = reg
	case dwCFADefCFAOffset:
		offset, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.CFA.Offset = int64(offset)
	case dwCFADefCFAOffsetSF:
		offset, _ := leb128.DecodeSigned(fctx.buf)
		fctx.CFA.Offset = offset * fctx.dataAlignment
	case dwCFADefCFAExpression:
		expr, err := fctx.readBlock()
		if err != nil {
			return err
		}
		fctx.CFA = DWRule{Rule: RuleExpression, Expression: expr}
	case dwCFAExpression:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		expr, err := fctx.readBlock()
		if err != nil {
			return err
		}
		fctx.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	case dwCFAValOffset:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		offset, _ := leb128.DecodeUnsigned(fctx.buf)
		fctx.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: int64(offset) * fctx.dataAlignment}
	case dwCFAValOffsetSF:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		offset, _ := leb128.DecodeSigned(fctx.buf)
		fctx.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: offset * fctx.dataAlignment}
	case dwCFAValExpression:
		reg, _ := leb128.DecodeUnsigned(fctx.buf)
		expr, err := fctx.readBlock()
		if err != nil {
			return err
		}
		fctx.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
	default:
		return fmt.Errorf("debug_frame: unknown CFA opcode %#02x", op)
	}
	return nil
}

func (fctx *FrameContext) restore(reg uint64) {
	if rule, ok := fctx.initialRegs[reg]; ok {
		fctx.Regs[reg] = rule
	} else {
		delete(fctx.Regs, reg)
	}
}

func (fctx *FrameContext) readBlock() ([]byte, error) {
	length, _ := leb128.DecodeUnsigned(fctx.buf)
	if length > uint64(fctx.buf.Len()) {
		return nil, fmt.Errorf("debug_frame: expression block overruns the entry")
	}
	block := make([]byte, length)
	fctx.buf.Read(block)
	return block, nil
}
