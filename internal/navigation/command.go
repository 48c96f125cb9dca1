// Package navigation interprets disc menu command programs.
//
// Commands are the 8-byte instructions of the DVD-Video virtual machine.
// Registers are 16-bit and arithmetic saturates rather than wraps.
package navigation

import (
	"encoding/binary"
	"fmt"

	apperrors "github.com/zsiec/reel/internal/errors"
)

// CommandSize is the encoded size of one command.
const CommandSize = 8

// Command is one encoded instruction. Bit 63 is the most significant bit of
// the first byte.
type Command uint64

// ParseCommand decodes a big-endian 8-byte command.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < CommandSize {
		return 0, apperrors.NewNavigationError(fmt.Sprintf("command needs %d bytes, got %d", CommandSize, len(b)))
	}
	return Command(binary.BigEndian.Uint64(b)), nil
}

// Bytes returns the big-endian encoding.
func (c Command) Bytes() []byte {
	b := make([]byte, CommandSize)
	binary.BigEndian.PutUint64(b, uint64(c))
	return b
}

// Type is the instruction group held in the top three bits.
func (c Command) Type() int { return int(c.bits(63, 3)) }

// bits extracts count bits whose most significant bit is start.
func (c Command) bits(start, count uint) uint16 {
	shift := start + 1 - count
	return uint16((uint64(c) >> shift) & (1<<count - 1))
}

func (c Command) flag(bit uint) bool { return c.bits(bit, 1) == 1 }

func (c Command) String() string {
	switch c.Type() {
	case 0:
		switch c.bits(51, 4) {
		case 0:
			return "Nop"
		case 1:
			return fmt.Sprintf("Goto %d", c.bits(7, 8))
		case 2:
			return "Break"
		case 3:
			return fmt.Sprintf("SetTmpPML %d, Goto %d", c.bits(11, 4), c.bits(7, 8))
		}
	case 1:
		if c.flag(60) {
			return fmt.Sprintf("Jump op=%d", c.bits(51, 4))
		}
		return fmt.Sprintf("Link op=%d", c.bits(51, 4))
	case 2:
		return fmt.Sprintf("SetSystem op=%d", c.bits(59, 4))
	case 3, 4, 5, 6:
		return fmt.Sprintf("Set%d op=%d", c.Type(), c.bits(59, 4))
	}
	return fmt.Sprintf("Unknown %016x", uint64(c))
}

// Program is a command sequence with an optional button set. A program that
// falls off its end without linking waits for a choice when it has buttons.
type Program struct {
	Commands []Command
	Buttons  []Button
}

// ParseProgram decodes consecutive commands.
func ParseProgram(b []byte) (Program, error) {
	if len(b)%CommandSize != 0 {
		return Program{}, apperrors.NewNavigationError(fmt.Sprintf("program length %d is not a multiple of %d", len(b), CommandSize))
	}
	p := Program{Commands: make([]Command, 0, len(b)/CommandSize)}
	for off := 0; off < len(b); off += CommandSize {
		c, err := ParseCommand(b[off:])
		if err != nil {
			return Program{}, err
		}
		p.Commands = append(p.Commands, c)
	}
	return p, nil
}
