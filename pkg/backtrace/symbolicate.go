package backtrace

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/motius/probe-run/pkg/cortexm"
	"github.com/motius/probe-run/pkg/unwind"
)

// Frame is a symbolicated backtrace frame.
type Frame struct {
	Name string
	PC   uint32
	File string
	Line int

	// Exception marks the synthetic separator frame; the other fields are
	// zero for it.
	Exception bool

	// Known is false when no symbol covers PC.
	Known bool
	// Live is false when the symbol is not part of the linked image's
	// live-function set; such frames are linker garbage and get skipped by
	// the printer.
	Live bool
}

// Symbolizer maps program counters to function names and source locations.
type Symbolizer struct {
	symbols []elf.Symbol // FUNC symbols, sorted by Thumb-cleared address
	dw      *dwarf.Data  // nil when the image has no line info
	live    *trie.Trie
	cache   *lru.Cache // pc -> Frame; recursion revisits the same PCs
}

const locationCacheSize = 512

// NewSymbolizer prepares symbolication over the image. Missing DWARF line
// info degrades to symbol names only.
func NewSymbolizer(f *elf.File, live *trie.Trie) (*Symbolizer, error) {
	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("reading symbol table: %w", err)
	}

	var funcs []elf.Symbol
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Size > 0 {
			funcs = append(funcs, sym)
		}
	}
	sort.Slice(funcs, func(i, j int) bool {
		return clearThumb(funcs[i].Value) < clearThumb(funcs[j].Value)
	})

	cache, err := lru.New(locationCacheSize)
	if err != nil {
		return nil, err
	}

	dw, err := f.DWARF()
	if err != nil {
		// stripped line info is not fatal; names still resolve
		dw = nil
	}

	return &Symbolizer{symbols: funcs, dw: dw, live: live, cache: cache}, nil
}

func clearThumb(addr uint64) uint64 {
	return uint64(cortexm.ClearThumbBit(uint32(addr)))
}

// Symbolicate resolves raw unwinder frames into printable ones, innermost
// first.
func Symbolicate(raw []unwind.RawFrame, sym *Symbolizer) []Frame {
	frames := make([]Frame, 0, len(raw))
	for _, rf := range raw {
		switch rf := rf.(type) {
		case unwind.Exception:
			frames = append(frames, Frame{Exception: true})
		case unwind.Subroutine:
			frames = append(frames, sym.locate(rf.PC))
		}
	}
	return frames
}

func (s *Symbolizer) locate(pc uint32) Frame {
	if cached, ok := s.cache.Get(pc); ok {
		return cached.(Frame)
	}

	frame := Frame{PC: pc, Name: "<unknown>"}
	if sym, ok := s.funcSymbol(pc); ok {
		frame.Name = sym.Name
		frame.Known = true
		if s.live != nil {
			_, frame.Live = s.live.Find(sym.Name)
		}
	}
	if file, line, ok := s.lineInfo(pc); ok {
		frame.File = file
		frame.Line = line
	}

	s.cache.Add(pc, frame)
	return frame
}

func (s *Symbolizer) funcSymbol(pc uint32) (*elf.Symbol, bool) {
	// rightmost symbol starting at or before pc
	idx := sort.Search(len(s.symbols), func(i int) bool {
		return clearThumb(s.symbols[i].Value) > uint64(pc)
	})
	if idx == 0 {
		return nil, false
	}
	sym := &s.symbols[idx-1]
	if uint64(pc) >= clearThumb(sym.Value)+sym.Size {
		return nil, false
	}
	return sym, true
}

func (s *Symbolizer) lineInfo(pc uint32) (string, int, bool) {
	if s.dw == nil {
		return "", 0, false
	}

	rdr := s.dw.Reader()
	cu, err := rdr.SeekPC(uint64(pc))
	if err != nil || cu == nil {
		return "", 0, false
	}
	lines, err := s.dw.LineReader(cu)
	if err != nil || lines == nil {
		return "", 0, false
	}
	var entry dwarf.LineEntry
	if err := lines.SeekPC(uint64(pc), &entry); err != nil {
		return "", 0, false
	}
	if entry.File == nil {
		return "", 0, false
	}
	return entry.File.Name, entry.Line, true
}

// shortenPath renders file relative to dir when it lies underneath it.
func shortenPath(file, dir string) string {
	rel, err := filepath.Rel(dir, file)
	if err != nil || len(rel) >= len(file) {
		return file
	}
	return rel
}
