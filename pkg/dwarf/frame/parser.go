package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/motius/probe-run/pkg/dwarf/leb128"
)

// Cortex-M targets are always little endian with 4-byte addresses.
var byteOrder = binary.LittleEndian

const (
	cieID        = 0xffffffff
	dwarf64Magic = 0xffffffff
)

type parseContext struct {
	buf     *bytes.Reader
	entries FrameDescriptionEntries
	ciemap  map[uint32]*CommonInformationEntry
	offset  uint32
}

// Parse decodes the contents of a .debug_frame section into an index of
// frame description entries. Only little-endian 32-bit DWARF (versions 2
// through 5) is supported, matching what Cortex-M toolchains emit.
func Parse(data []byte) (FrameDescriptionEntries, error) {
	ctx := &parseContext{
		buf:     bytes.NewReader(data),
		entries: newFrameIndex(),
		ciemap:  map[uint32]*CommonInformationEntry{},
	}

	for ctx.buf.Len() > 0 {
		ctx.offset = uint32(len(data) - ctx.buf.Len())

		var length uint32
		if err := binary.Read(ctx.buf, byteOrder, &length); err != nil {
			return nil, fmt.Errorf("debug_frame: reading entry length at %#x: %w", ctx.offset, err)
		}
		if length == dwarf64Magic {
			return nil, fmt.Errorf("debug_frame: 64-bit DWARF entry at %#x is not supported", ctx.offset)
		}
		if int(length) > ctx.buf.Len() {
			return nil, fmt.Errorf("debug_frame: entry at %#x overruns the section", ctx.offset)
		}

		entry := make([]byte, length)
		if _, err := ctx.buf.Read(entry); err != nil {
			return nil, fmt.Errorf("debug_frame: reading entry at %#x: %w", ctx.offset, err)
		}

		var id uint32
		ebuf := bytes.NewReader(entry)
		if err := binary.Read(ebuf, byteOrder, &id); err != nil {
			return nil, fmt.Errorf("debug_frame: reading entry id at %#x: %w", ctx.offset, err)
		}

		if id == cieID {
			cie, err := parseCIE(ebuf, length)
			if err != nil {
				return nil, fmt.Errorf("debug_frame: CIE at %#x: %w", ctx.offset, err)
			}
			ctx.ciemap[ctx.offset] = cie
		} else {
			fde, err := parseFDE(ebuf, id, ctx.ciemap)
			if err != nil {
				return nil, fmt.Errorf("debug_frame: FDE at %#x: %w", ctx.offset, err)
			}
			ctx.entries = append(ctx.entries, fde)
		}
	}

	sort.SliceStable(ctx.entries, func(i, j int) bool {
		return ctx.entries[i].Begin() < ctx.entries[j].Begin()
	})

	return ctx.entries, nil
}

func parseCIE(buf *bytes.Reader, length uint32) (*CommonInformationEntry, error) {
	cie := &CommonInformationEntry{Length: length}

	version, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	cie.Version = version
	// version 2 is reserved, .debug_frame CIEs use 1 (DWARF2), 3 (DWARF3),
	// and 4 (DWARF4 and DWARF5)
	switch version {
	case 1, 3, 4, 5:
	default:
		return nil, fmt.Errorf("unsupported CIE version %d", version)
	}

	augmentation, err := readNullTerminated(buf)
	if err != nil {
		return nil, err
	}
	if augmentation != "" {
		return nil, fmt.Errorf("unsupported CIE augmentation %q", augmentation)
	}

	if version >= 4 {
		addressSize, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		if addressSize != 4 {
			return nil, fmt.Errorf("unsupported address size %d", addressSize)
		}
		segmentSize, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		if segmentSize != 0 {
			return nil, fmt.Errorf("unsupported segment selector size %d", segmentSize)
		}
	}

	cie.CodeAlignmentFactor, _ = leb128.DecodeUnsigned(buf)
	cie.DataAlignmentFactor, _ = leb128.DecodeSigned(buf)

	if version == 1 {
		reg, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(reg)
	} else {
		cie.ReturnAddressRegister, _ = leb128.DecodeUnsigned(buf)
	}

	cie.InitialInstructions = make([]byte, buf.Len())
	buf.Read(cie.InitialInstructions)
	return cie, nil
}

func parseFDE(buf *bytes.Reader, ciePointer uint32, ciemap map[uint32]*CommonInformationEntry) (*FrameDescriptionEntry, error) {
	cie, ok := ciemap[ciePointer]
	if !ok {
		return nil, fmt.Errorf("references unknown CIE at offset %#x", ciePointer)
	}

	fde := &FrameDescriptionEntry{CIE: cie}
	if err := binary.Read(buf, byteOrder, &fde.begin); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, byteOrder, &fde.size); err != nil {
		return nil, err
	}

	fde.Instructions = make([]byte, buf.Len())
	buf.Read(fde.Instructions)
	return fde, nil
}

func readNullTerminated(buf *bytes.Reader) (string, error) {
	var s []byte
	for {
		b, err := buf.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(s), nil
		}
		s = append(s, b)
	}
}
