package target

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "gdbserial")

// Conn is a minimal GDB remote serial protocol client, enough to read
// registers and memory from a core halted behind OpenOCD, pyOCD or QEMU's
// gdbserver. It implements Core.
//
// For ARM targets the protocol's register numbers for r0-r15 coincide with
// the DWARF register numbers, so Core register ids pass through unchanged.
type Conn struct {
	rw io.ReadWriter
	br *bufio.Reader
}

// ReplyError is an error reply ("Exx") received from the gdb stub.
type ReplyError struct {
	Code string
	Cmd  string
}

func (err *ReplyError) Error() string {
	return fmt.Sprintf("gdb stub replied E%s to %q", err.Code, err.Cmd)
}

// Dial connects to a gdbserver listening on a TCP address and verifies the
// target is halted.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to gdbserver at %s: %w", addr, err)
	}
	conn := NewConn(c)

	// "?" asks for the stop reason; anything but a stop reply means the core
	// is running and its registers cannot be trusted.
	reply, err := conn.exec("?")
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 || (reply[0] != 'S' && reply[0] != 'T') {
		return nil, fmt.Errorf("target at %s is not halted (stop reply %q)", addr, reply)
	}

	log.Debugf("attached to %s, stop reply %q", addr, reply)
	return conn, nil
}

// NewConn wraps an established gdb remote protocol stream.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw, br: bufio.NewReader(rw)}
}

// ReadCoreReg reads a single register with the "p" packet.
func (c *Conn) ReadCoreReg(reg uint64) (uint32, error) {
	cmd := fmt.Sprintf("p%x", reg)
	reply, err := c.exec(cmd)
	if err != nil {
		return 0, err
	}
	words, err := decodeHexWords(reply, cmd)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// ReadMemoryU32Range reads count words starting at addr with the "m" packet.
func (c *Conn) ReadMemoryU32Range(addr uint32, count int) ([]uint32, error) {
	cmd := fmt.Sprintf("m%x,%x", addr, count*4)
	reply, err := c.exec(cmd)
	if err != nil {
		return nil, err
	}
	words, err := decodeHexWords(reply, cmd)
	if err != nil {
		return nil, err
	}
	if len(words) != count {
		return nil, fmt.Errorf("gdb stub returned %d words for %q, want %d", len(words), cmd, count)
	}
	return words, nil
}

// exec sends one packet and returns the payload of the stub's reply.
func (c *Conn) exec(cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	reply, err := c.recv()
	if err != nil {
		return "", fmt.Errorf("reading reply to %q: %w", cmd, err)
	}
	if len(reply) == 3 && reply[0] == 'E' {
		return "", &ReplyError{Code: reply[1:], Cmd: cmd}
	}
	return reply, nil
}

func (c *Conn) send(cmd string) error {
	var sum byte
	for i := 0; i < len(cmd); i++ {
		sum += cmd[i]
	}
	if _, err := fmt.Fprintf(c.rw, "$%s#%02x", cmd, sum); err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}

	// ack-mode is the protocol default and the only mode we speak
	ack, err := c.br.ReadByte()
	if err != nil {
		return fmt.Errorf("reading ack for %q: %w", cmd, err)
	}
	if ack != '+' {
		return fmt.Errorf("gdb stub rejected packet %q (ack %q)", cmd, ack)
	}
	return nil
}

func (c *Conn) recv() (string, error) {
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
		// stray acks and notifications before the packet start are ignored
	}

	var (
		payload strings.Builder
		sum     byte
	)
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			break
		}
		sum += b
		if b == '*' {
			// run-length encoding: previous character repeated n-29 times
			n, err := c.br.ReadByte()
			if err != nil {
				return "", err
			}
			sum += n
			if payload.Len() == 0 {
				return "", fmt.Errorf("malformed run-length encoding in reply")
			}
			last := payload.String()[payload.Len()-1]
			for i := 0; i < int(n)-29; i++ {
				payload.WriteByte(last)
			}
			continue
		}
		payload.WriteByte(b)
	}

	cs := make([]byte, 2)
	if _, err := io.ReadFull(c.br, cs); err != nil {
		return "", err
	}
	want, err := hex.DecodeString(string(cs))
	if err != nil || want[0] != sum {
		c.rw.Write([]byte{'-'})
		return "", fmt.Errorf("checksum mismatch in reply %q", payload.String())
	}
	c.rw.Write([]byte{'+'})

	return payload.String(), nil
}

// decodeHexWords turns a hex encoded little-endian byte string into words.
func decodeHexWords(reply, cmd string) ([]uint32, error) {
	raw, err := hex.DecodeString(reply)
	if err != nil || len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("gdb stub returned malformed data %q for %q", reply, cmd)
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
	}
	return words, nil
}
