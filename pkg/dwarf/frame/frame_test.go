package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// test encodings use the typical Cortex-M CIE: code alignment 2, data
// alignment -4, return address in r14
const (
	testCodeAlign = 2
	testDataAlign = -4
	testRetReg    = 14
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

type fdeSpec struct {
	begin, size uint32
	instrs      []byte
}

// buildDebugFrame assembles a .debug_frame with one CIE at offset 0 whose
// initial instructions set CFA = r13+0, followed by the given FDEs.
func buildDebugFrame(t *testing.T, fdes ...fdeSpec) []byte {
	t.Helper()

	var cie bytes.Buffer
	binary.Write(&cie, binary.LittleEndian, uint32(0xffffffff)) // CIE id
	cie.WriteByte(3)                                            // version
	cie.WriteByte(0)                                            // augmentation ""
	cie.Write(uleb(testCodeAlign))
	cie.Write(sleb(testDataAlign))
	cie.Write(uleb(testRetReg))
	cie.Write([]byte{dwCFADefCFA})
	cie.Write(uleb(13))
	cie.Write(uleb(0))

	var section bytes.Buffer
	binary.Write(&section, binary.LittleEndian, uint32(cie.Len()))
	section.Write(cie.Bytes())

	for _, fde := range fdes {
		var body bytes.Buffer
		binary.Write(&body, binary.LittleEndian, uint32(0)) // CIE pointer
		binary.Write(&body, binary.LittleEndian, fde.begin)
		binary.Write(&body, binary.LittleEndian, fde.size)
		body.Write(fde.instrs)

		binary.Write(&section, binary.LittleEndian, uint32(body.Len()))
		section.Write(body.Bytes())
	}

	return section.Bytes()
}

func TestParse(t *testing.T) {
	data := buildDebugFrame(t,
		fdeSpec{begin: 0x08000200, size: 0x40},
		fdeSpec{begin: 0x08000100, size: 0x40},
	)

	fdes, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, fdes, 2)

	// index is sorted by begin address
	assert.Equal(t, uint32(0x08000100), fdes[0].Begin())
	assert.Equal(t, uint32(0x08000140), fdes[0].End())
	assert.Equal(t, uint32(0x08000200), fdes[1].Begin())

	require.NotNil(t, fdes[0].CIE)
	assert.Equal(t, uint64(testRetReg), fdes[0].CIE.ReturnAddressRegister)
	assert.Equal(t, int64(testDataAlign), fdes[0].CIE.DataAlignmentFactor)
}

func TestParseErrors(t *testing.T) {
	t.Run("empty section", func(t *testing.T) {
		fdes, err := Parse(nil)
		require.NoError(t, err)
		assert.Empty(t, fdes)
	})

	t.Run("dwarf64", func(t *testing.T) {
		data := []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}
		_, err := Parse(data)
		assert.ErrorContains(t, err, "64-bit DWARF")
	})

	t.Run("truncated entry", func(t *testing.T) {
		data := []byte{0xf0, 0x00, 0x00, 0x00}
		_, err := Parse(data)
		assert.ErrorContains(t, err, "overruns")
	})

	t.Run("dangling CIE pointer", func(t *testing.T) {
		var section bytes.Buffer
		var body bytes.Buffer
		binary.Write(&body, binary.LittleEndian, uint32(0x1234)) // no CIE there
		binary.Write(&body, binary.LittleEndian, uint32(0x08000100))
		binary.Write(&body, binary.LittleEndian, uint32(0x40))
		binary.Write(&section, binary.LittleEndian, uint32(body.Len()))
		section.Write(body.Bytes())

		_, err := Parse(section.Bytes())
		assert.ErrorContains(t, err, "unknown CIE")
	})
}

func TestFDEForPC(t *testing.T) {
	fdes, err := Parse(buildDebugFrame(t,
		fdeSpec{begin: 0x08000100, size: 0x40},
		fdeSpec{begin: 0x08000200, size: 0x40},
	))
	require.NoError(t, err)

	fde, err := fdes.FDEForPC(0x08000110)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000100), fde.Begin())

	fde, err = fdes.FDEForPC(0x08000200)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000200), fde.Begin())

	_, err = fdes.FDEForPC(0x08000180)
	var nofde *ErrNoFDEForPC
	require.ErrorAs(t, err, &nofde)
	assert.Equal(t, uint32(0x08000180), nofde.PC)
}

func TestEstablishFrame(t *testing.T) {
	// row 0: CFA = r13+0 (CIE initial), LR = [CFA-4]
	// row at +8 (advance_loc 4 * code alignment 2): CFA = r13+16, r7 = [CFA-8]
	instrs := []byte{
		dwCFAOffset | testRetReg, 0x01, // LR at CFA + 1*dataAlign
		dwCFAAdvanceLoc | 4,
		dwCFADefCFAOffset, 16,
		dwCFAOffset | 7, 0x02,
	}
	fdes, err := Parse(buildDebugFrame(t, fdeSpec{begin: 0x08000100, size: 0x40, instrs: instrs}))
	require.NoError(t, err)

	fde, err := fdes.FDEForPC(0x08000100)
	require.NoError(t, err)

	row, err := fde.EstablishFrame(0x08000100)
	require.NoError(t, err)
	assert.Equal(t, DWRule{Rule: RuleCFA, Reg: 13, Offset: 0}, row.CFA)
	assert.Equal(t, DWRule{Rule: RuleOffset, Offset: -4}, row.Regs[testRetReg])
	assert.NotContains(t, row.Regs, uint64(7))
	assert.Equal(t, uint64(testRetReg), row.RetAddrReg)

	row, err = fde.EstablishFrame(0x08000108)
	require.NoError(t, err)
	assert.Equal(t, DWRule{Rule: RuleCFA, Reg: 13, Offset: 16}, row.CFA)
	assert.Equal(t, DWRule{Rule: RuleOffset, Offset: -8}, row.Regs[uint64(7)])
	assert.Equal(t, uint32(0x08000108), row.Loc())

	_, err = fde.EstablishFrame(0x08000180)
	assert.ErrorContains(t, err, "not covered")
}

func TestRememberRestoreState(t *testing.T) {
	instrs := []byte{
		dwCFARememberState,
		dwCFADefCFAOffset, 32,
		dwCFAUndefined, testRetReg,
		dwCFAAdvanceLoc | 4,
		dwCFARestoreState,
	}
	fdes, err := Parse(buildDebugFrame(t, fdeSpec{begin: 0x08000100, size: 0x40, instrs: instrs}))
	require.NoError(t, err)

	row, err := fdes[0].EstablishFrame(0x08000104)
	require.NoError(t, err)
	assert.Equal(t, int64(32), row.CFA.Offset)
	assert.Equal(t, RuleUndefined, row.Regs[testRetReg].Rule)

	row, err = fdes[0].EstablishFrame(0x08000110)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.CFA.Offset)
	assert.NotContains(t, row.Regs, uint64(testRetReg))
}

func TestRestoreToInitial(t *testing.T) {
	// DW_CFA_restore reinstates the rule from the CIE's initial instructions;
	// our test CIE defines none for r4, so restore deletes the FDE's rule.
	instrs := []byte{
		dwCFAOffset | 4, 0x02,
		dwCFAAdvanceLoc | 2,
		dwCFARestore | 4,
	}
	fdes, err := Parse(buildDebugFrame(t, fdeSpec{begin: 0x08000100, size: 0x40, instrs: instrs}))
	require.NoError(t, err)

	row, err := fdes[0].EstablishFrame(0x08000100)
	require.NoError(t, err)
	assert.Equal(t, RuleOffset, row.Regs[uint64(4)].Rule)

	row, err = fdes[0].EstablishFrame(0x08000104)
	require.NoError(t, err)
	assert.NotContains(t, row.Regs, uint64(4))
}

func TestUnknownOpcode(t *testing.T) {
	fdes, err := Parse(buildDebugFrame(t, fdeSpec{begin: 0x08000100, size: 0x40, instrs: []byte{0x3f}}))
	require.NoError(t, err)

	_, err = fdes[0].EstablishFrame(0x08000100)
	assert.ErrorContains(t, err, "unknown CFA opcode")
}

func TestRegisterAndValRules(t *testing.T) {
	instrs := []byte{
		dwCFARegister, 11, 7, // r11 saved in r7
		dwCFAValOffset, 10, 0x03, // r10 = CFA + 3*dataAlign
		dwCFASameValue, 9,
	}
	fdes, err := Parse(buildDebugFrame(t, fdeSpec{begin: 0x08000100, size: 0x40, instrs: instrs}))
	require.NoError(t, err)

	row, err := fdes[0].EstablishFrame(0x08000100)
	require.NoError(t, err)
	assert.Equal(t, DWRule{Rule: RuleRegister, Reg: 7}, row.Regs[uint64(11)])
	assert.Equal(t, DWRule{Rule: RuleValOffset, Offset: -12}, row.Regs[uint64(10)])
	assert.Equal(t, RuleSameVal, row.Regs[uint64(9)].Rule)
}
