package target

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStub answers gdb remote protocol packets with canned replies.
type fakeStub struct {
	conn    net.Conn
	replies map[string]string
}

func newFakeStub(t *testing.T, replies map[string]string) *Conn {
	t.Helper()

	client, server := net.Pipe()
	stub := &fakeStub{conn: server, replies: replies}
	go stub.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return NewConn(client)
}

func (s *fakeStub) serve() {
	br := bufio.NewReader(s.conn)
	for {
		cmd, err := readPacket(br)
		if err != nil {
			return
		}
		s.conn.Write([]byte{'+'}) // ack

		reply, ok := s.replies[cmd]
		if !ok {
			reply = "E01"
		}
		var sum byte
		for i := 0; i < len(reply); i++ {
			sum += reply[i]
		}
		fmt.Fprintf(s.conn, "$%s#%02x", reply, sum)

		// consume the client's ack
		if _, err := br.ReadByte(); err != nil {
			return
		}
	}
}

func readPacket(br *bufio.Reader) (string, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
	}
	var payload strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			break
		}
		payload.WriteByte(b)
	}
	cs := make([]byte, 2)
	if _, err := io.ReadFull(br, cs); err != nil {
		return "", err
	}
	return payload.String(), nil
}

func TestReadCoreReg(t *testing.T) {
	conn := newFakeStub(t, map[string]string{
		"pf": "00010008", // r15 = 0x08000100, little endian
	})

	pc, err := conn.ReadCoreReg(15)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000100), pc)
}

func TestReadCoreRegError(t *testing.T) {
	conn := newFakeStub(t, nil)

	_, err := conn.ReadCoreReg(15)
	var reply *ReplyError
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, "01", reply.Code)
}

func TestReadMemoryU32Range(t *testing.T) {
	conn := newFakeStub(t, map[string]string{
		"m2000ff00,8": "78560000efbeadde", // 0x5678, 0xdeadbeef
	})

	words, err := conn.ReadMemoryU32Range(0x2000ff00, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x5678, 0xdeadbeef}, words)
}

func TestReadMemoryShortReply(t *testing.T) {
	conn := newFakeStub(t, map[string]string{
		"m2000ff00,8": "78560000",
	})

	_, err := conn.ReadMemoryU32Range(0x2000ff00, 2)
	assert.ErrorContains(t, err, "want 2")
}

func TestRunLengthEncodedReply(t *testing.T) {
	// "0* " expands to four zeros: '0' followed by (' '-29)=3 repeats, plus
	// the trailing literal
	conn := newFakeStub(t, map[string]string{
		"p3": "0* 0000",
	})

	val, err := conn.ReadCoreReg(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), val)
}

func TestMalformedHexReply(t *testing.T) {
	conn := newFakeStub(t, map[string]string{
		"p3": "zzzz",
	})

	_, err := conn.ReadCoreReg(3)
	assert.ErrorContains(t, err, "malformed")
}
