// Package frame implements the DWARF Call Frame Information tables found in
// the .debug_frame section of Cortex-M target images. Entries are parsed into
// frame description entries which can then be evaluated at a specific PC to
// recover the rules describing the caller's registers.
package frame

import (
	"fmt"
	"sort"
)

// CommonInformationEntry represents a Common Information Entry of the
// .debug_frame section. A CIE holds the instructions shared by the frame
// description entries that reference it.
type CommonInformationEntry struct {
	Length                uint32
	Version               uint8
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
}

// FrameDescriptionEntry represents a Frame Descriptor Entry of the
// .debug_frame section: the unwind instructions for one contiguous range of
// program counters.
type FrameDescriptionEntry struct {
	Length       uint32
	CIE          *CommonInformationEntry
	Instructions []byte

	begin, size uint32
}

// Cover returns whether addr is covered by this frame descriptor entry.
func (fde *FrameDescriptionEntry) Cover(addr uint32) bool {
	return addr-fde.begin < fde.size
}

// Begin returns the address of the first instruction covered by the entry.
func (fde *FrameDescriptionEntry) Begin() uint32 {
	return fde.begin
}

// End returns the address of the first instruction past the entry.
func (fde *FrameDescriptionEntry) End() uint32 {
	return fde.begin + fde.size
}

// EstablishFrame evaluates the entry's CIE and FDE instructions up to pc and
// returns the rule row in effect there.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint32) (*FrameContext, error) {
	return executeDwarfProgram(fde, pc)
}

// FrameDescriptionEntries is a sorted index of the FDEs of a .debug_frame
// section, searchable by program counter.
type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

// ErrNoFDEForPC is returned by FDEForPC when no frame descriptor entry covers
// the given PC, most commonly because the image was built without call frame
// information.
type ErrNoFDEForPC struct {
	PC uint32
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the frame descriptor entry that covers pc.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint32) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}
