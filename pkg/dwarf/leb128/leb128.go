// Package leb128 provides routines to decode the variable length integer
// encoding used throughout DWARF.
package leb128

import "io"

// Reader is the subset of bytes.Reader the decoders need.
type Reader interface {
	io.ByteReader
	Len() int
}

// DecodeUnsigned decodes an unsigned Little Endian Base 128 represented
// number. Returns the value and the number of bytes read.
func DecodeUnsigned(buf Reader) (uint64, uint32) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err := buf.ReadByte()
		if err != nil {
			break
		}
		length++

		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return result, length
}

// DecodeSigned decodes a signed Little Endian Base 128 represented number.
// Returns the value and the number of bytes read.
func DecodeSigned(buf Reader) (int64, uint32) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err = buf.ReadByte()
		if err != nil {
			break
		}
		length++

		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if b&0x40 != 0 && shift < 64 {
		// sign extend
		result |= -(1 << shift)
	}

	return result, length
}
