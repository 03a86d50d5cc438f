// Package elfutil extracts the unwinder's inputs from the firmware ELF: the
// raw .debug_frame section, the vector table, and the set of functions that
// actually made it into the linked image.
package elfutil

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/derekparker/trie"

	"github.com/motius/probe-run/pkg/cortexm"
)

// LoadDebugFrame returns the raw contents of the .debug_frame section.
func LoadDebugFrame(f *elf.File) ([]byte, error) {
	sect := f.Section(".debug_frame")
	if sect == nil {
		return nil, fmt.Errorf("image has no .debug_frame section; compile the firmware with debug symbols enabled")
	}
	return sect.Data()
}

// LoadVectorTable locates the vector table and reads the entries the
// unwinder needs: the initial stack pointer (word 0), the Reset vector
// (word 1), and the HardFault vector (word 3).
func LoadVectorTable(f *elf.File) (*cortexm.VectorTable, error) {
	sect := vectorTableSection(f)
	if sect == nil {
		return nil, fmt.Errorf("image contains no allocatable section that could hold the vector table")
	}

	data, err := sect.Data()
	if err != nil {
		return nil, fmt.Errorf("reading section %s: %w", sect.Name, err)
	}
	if len(data) < 4*cortexm.AddressSize {
		return nil, fmt.Errorf("section %s is too small to hold a vector table", sect.Name)
	}

	word := func(i int) uint32 {
		off := i * cortexm.AddressSize
		return uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
	}

	return &cortexm.VectorTable{
		Location:            uint32(sect.Addr),
		InitialStackPointer: word(0),
		Reset:               word(1),
		HardFault:           word(3),
	}, nil
}

// vectorTableSection prefers the conventional .vector_table section and
// falls back to the lowest-address allocatable PROGBITS section, where the
// table sits on images linked without the named section.
func vectorTableSection(f *elf.File) *elf.Section {
	if sect := f.Section(".vector_table"); sect != nil {
		return sect
	}

	var candidates []*elf.Section
	for _, sect := range f.Sections {
		if sect.Type == elf.SHT_PROGBITS && sect.Flags&elf.SHF_ALLOC != 0 && sect.Size > 0 {
			candidates = append(candidates, sect)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Addr < candidates[j].Addr })
	return candidates[0]
}

// LiveFunctions collects the names of the defined functions that are part of
// the linked image. The symbolicator uses the set to recognize and drop
// frames pointing into linker garbage.
func LiveFunctions(f *elf.File) (*trie.Trie, error) {
	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("reading symbol table: %w", err)
	}

	live := trie.New()
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 {
			continue
		}
		if !inExecutableSection(f, cortexm.ClearThumbBit(uint32(sym.Value))) {
			continue
		}
		live.Add(sym.Name, sym.Value)
	}
	return live, nil
}

func inExecutableSection(f *elf.File, addr uint32) bool {
	for _, sect := range f.Sections {
		if sect.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if uint64(addr) >= sect.Addr && uint64(addr) < sect.Addr+sect.Size {
			return true
		}
	}
	return false
}
