package leb128

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeUnsigned(t *testing.T) {
	for _, tc := range []struct {
		encoded []byte
		want    uint64
		length  uint32
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x02}, 2, 1},
		{[]byte{0x7f}, 127, 1},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0x81, 0x01}, 129, 2},
		{[]byte{0xe5, 0x8e, 0x26}, 624485, 3},
	} {
		got, length := DecodeUnsigned(bytes.NewReader(tc.encoded))
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.length, length)
	}
}

func TestDecodeSigned(t *testing.T) {
	for _, tc := range []struct {
		encoded []byte
		want    int64
		length  uint32
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x02}, 2, 1},
		{[]byte{0x7e}, -2, 1},
		{[]byte{0x7c}, -4, 1},
		{[]byte{0xff, 0x00}, 127, 2},
		{[]byte{0x81, 0x7f}, -127, 2},
		{[]byte{0x9b, 0xf1, 0x59}, -624485, 3},
	} {
		got, length := DecodeSigned(bytes.NewReader(tc.encoded))
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.length, length)
	}
}
