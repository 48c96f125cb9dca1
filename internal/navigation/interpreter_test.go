package navigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	apperrors "github.com/zsiec/reel/internal/errors"
)

const (
	cmdNop   Command = 0x0000000000000000
	cmdBreak Command = 0x0002000000000000
	cmdExit  Command = 0x3001000000000000
)

func gotoLine(n uint8) Command { return Command(0x0001000000000000 | uint64(n)) }

// setImm encodes "GPRM[reg] op= value" with no compare and no link.
func setImm(op uint8, reg uint8, value uint16) Command {
	return Command(uint64(0x70|op)<<56 | uint64(reg&0x0f)<<32 | uint64(value)<<16)
}

// setReg encodes "GPRM[reg] op= GPRM[src]".
func setReg(op uint8, reg, src uint8) Command {
	return Command(uint64(0x60|op)<<56 | uint64(reg&0x0f)<<32 | uint64(src)<<16)
}

func jumpTT(title uint8) Command { return Command(0x3002000000000000 | uint64(title&0x7f)<<16) }

func run(t *testing.T, p Program, regs *Registers) Directive {
	t.Helper()
	d, err := NewInterpreter().Execute(p, regs)
	require.NoError(t, err)
	return d
}

func TestExecuteEmptyProgramContinues(t *testing.T) {
	in := NewInterpreter()
	d, err := in.Execute(Program{}, NewRegisters(1))
	require.NoError(t, err)
	assert.Equal(t, DirectiveContinue, d.Kind)
	assert.Equal(t, StateIdle, in.State())
}

func TestExecuteSetAndJump(t *testing.T) {
	regs := NewRegisters(1)
	d := run(t, Program{Commands: []Command{
		setImm(1, 0, 5),
		setImm(3, 0, 2),
		jumpTT(3),
	}}, regs)

	assert.Equal(t, uint16(7), regs.GPRM[0])
	require.Equal(t, DirectiveJump, d.Kind)
	assert.Equal(t, TargetTitle, d.Position.Target)
	assert.Equal(t, 3, d.Position.Title)
}

func TestExecuteStates(t *testing.T) {
	in := NewInterpreter()
	regs := NewRegisters(1)

	d, err := in.Execute(Program{Commands: []Command{jumpTT(2)}}, regs)
	require.NoError(t, err)
	assert.Equal(t, DirectiveJump, d.Kind)
	assert.Equal(t, StateJumping, in.State())
	pos, pending := in.Pending()
	assert.True(t, pending)
	assert.Equal(t, 2, pos.Title)

	in.Resolve()
	assert.Equal(t, StateIdle, in.State())

	d, err = in.Execute(Program{Commands: []Command{cmdExit}}, regs)
	require.NoError(t, err)
	assert.Equal(t, DirectiveHalt, d.Kind)
	assert.Equal(t, StateTerminated, in.State())

	_, err = in.Execute(Program{}, regs)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNavigation))

	in.Restart()
	_, err = in.Execute(Program{}, regs)
	assert.NoError(t, err)
}

func TestExecuteGotoAndBreak(t *testing.T) {
	regs := NewRegisters(1)
	run(t, Program{Commands: []Command{
		gotoLine(3),
		setImm(1, 1, 99),
		setImm(1, 2, 42),
		cmdBreak,
		setImm(1, 3, 7),
	}}, regs)

	assert.Equal(t, uint16(0), regs.GPRM[1])
	assert.Equal(t, uint16(42), regs.GPRM[2])
	assert.Equal(t, uint16(0), regs.GPRM[3])
}

func TestExecuteBudget(t *testing.T) {
	in := NewInterpreter(WithBudget(1000))
	_, err := in.Execute(Program{Commands: []Command{cmdNop, gotoLine(1)}}, NewRegisters(1))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNavigation))
	assert.Equal(t, StateIdle, in.State())
}

func TestConditionalJump(t *testing.T) {
	// if GPRM0 == GPRM1 JumpTT 3
	cond := Command(0x3022000000030001)

	regs := NewRegisters(1)
	regs.GPRM[0], regs.GPRM[1] = 4, 4
	d := run(t, Program{Commands: []Command{cond}}, regs)
	assert.Equal(t, DirectiveJump, d.Kind)

	regs.GPRM[1] = 5
	d = run(t, Program{Commands: []Command{cond}}, regs)
	assert.Equal(t, DirectiveContinue, d.Kind)
}

func TestLinkInstructions(t *testing.T) {
	tests := []struct {
		name   string
		cmd    Command
		want   Position
		button int
	}{
		{
			name: "LinkPGCN",
			cmd:  0x2004000000000005,
			want: Position{Target: TargetPGC, PGC: 5},
		},
		{
			name:   "LinkPGN with button",
			cmd:    0x2006000000000402,
			want:   Position{Target: TargetProgram, Program: 2, Button: 1},
			button: 1,
		},
		{
			name: "LinkSubIns NextPG",
			cmd:  0x2001000000000006,
			want: Position{Target: TargetRelative, Link: LinkNextPG},
		},
		{
			name: "LinkSubIns resume",
			cmd:  0x2001000000000010,
			want: Position{Target: TargetRelative, Link: LinkResume},
		},
		{
			name: "CallSS VMG menu",
			cmd:  0x3008000001430000,
			want: Position{Target: TargetVMGMenu, Menu: 3, Call: true, Resume: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs := NewRegisters(1)
			regs.SPRM[SPRMHighlight] = 7 << 10
			d := run(t, Program{Commands: []Command{tt.cmd}}, regs)
			require.Equal(t, DirectiveJump, d.Kind)
			assert.Equal(t, tt.want, d.Position)
			if tt.button != 0 {
				assert.Equal(t, tt.button, regs.Highlighted())
			} else {
				assert.Equal(t, 7, regs.Highlighted())
			}
		})
	}
}

func TestSystemSet(t *testing.T) {
	regs := NewRegisters(1)
	run(t, Program{Commands: []Command{
		0x5600000008000000, // highlight button 2
		0x5300000A00830000, // GPRM3 = 10, counter mode
	}}, regs)

	assert.Equal(t, 2, regs.Highlighted())
	assert.Equal(t, uint16(10), regs.GPRM[3])
	assert.True(t, regs.Counter[3])

	// nav timer 5s targeting PGC 7
	run(t, Program{Commands: []Command{0x5200000500070000}}, regs)
	assert.Equal(t, uint16(5), regs.SPRM[SPRMNavTimer])
	assert.Equal(t, uint16(7), regs.SPRM[SPRMTimerPGC])
}

func TestDivideAndModByZeroSaturate(t *testing.T) {
	for _, op := range []uint8{6, 7} {
		regs := NewRegisters(1)
		run(t, Program{Commands: []Command{
			setImm(1, 0, 1234),
			setImm(op, 0, 0),
		}}, regs)
		assert.Equal(t, uint16(0xffff), regs.GPRM[0], "op %d", op)
	}
}

func TestSaturatingArithmetic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := uint16(rapid.IntRange(0, 0xffff).Draw(t, "a"))
		b := uint16(rapid.IntRange(0, 0xffff).Draw(t, "b"))
		op := uint8(rapid.IntRange(3, 7).Draw(t, "op"))

		regs := NewRegisters(1)
		_, err := NewInterpreter().Execute(Program{Commands: []Command{
			setImm(1, 0, a),
			setImm(op, 0, b),
		}}, regs)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}

		x, y := uint32(a), uint32(b)
		var want uint32
		switch op {
		case 3:
			want = min(x+y, 0xffff)
		case 4:
			if y > x {
				want = 0
			} else {
				want = x - y
			}
		case 5:
			want = min(x*y, 0xffff)
		case 6:
			if y == 0 {
				want = 0xffff
			} else {
				want = x / y
			}
		case 7:
			if y == 0 {
				want = 0xffff
			} else {
				want = x % y
			}
		}
		if got := uint32(regs.GPRM[0]); got != want {
			t.Fatalf("op %d: %d, %d = %d, want %d", op, a, b, got, want)
		}
	})
}

func TestSwapAndBitwise(t *testing.T) {
	regs := NewRegisters(1)
	regs.GPRM[1] = 0x00f0
	regs.GPRM[2] = 0x0f0f
	run(t, Program{Commands: []Command{setReg(2, 1, 2)}}, regs)
	assert.Equal(t, uint16(0x0f0f), regs.GPRM[1])
	assert.Equal(t, uint16(0x00f0), regs.GPRM[2])

	run(t, Program{Commands: []Command{
		setImm(1, 4, 0xff00),
		setImm(9, 4, 0x0ff0),
		setImm(1, 5, 0x000f),
		setImm(10, 5, 0x00f0),
		setImm(1, 6, 0x0ff0),
		setImm(11, 6, 0xffff),
	}}, regs)
	assert.Equal(t, uint16(0x0f00), regs.GPRM[4])
	assert.Equal(t, uint16(0x00ff), regs.GPRM[5])
	assert.Equal(t, uint16(0xf00f), regs.GPRM[6])
}

func TestRandomIsSeeded(t *testing.T) {
	prog := Program{Commands: []Command{setImm(8, 0, 6), setImm(8, 1, 6), setImm(8, 2, 0)}}

	a := NewRegisters(42)
	b := NewRegisters(42)
	run(t, prog, a)
	run(t, prog, b)
	assert.Equal(t, a, b)

	for i := 0; i < 2; i++ {
		assert.GreaterOrEqual(t, a.GPRM[i], uint16(1))
		assert.LessOrEqual(t, a.GPRM[i], uint16(6))
	}
	assert.Equal(t, uint16(1), a.GPRM[2])
}

func TestAwaitingChoice(t *testing.T) {
	in := NewInterpreter()
	regs := NewRegisters(1)
	prog := Program{
		Commands: []Command{setImm(1, 0, 1)},
		Buttons: []Button{
			{Number: 1, Command: jumpTT(1)},
			{Number: 2, Command: jumpTT(2)},
		},
	}

	d, err := in.Execute(prog, regs)
	require.NoError(t, err)
	require.Equal(t, DirectiveAwaitChoice, d.Kind)
	assert.Len(t, d.Choices.Buttons, 2)
	assert.Equal(t, 1, d.Choices.Highlighted)
	assert.Equal(t, StateAwaitingChoice, in.State())

	_, err = in.SelectButton(9, regs)
	assert.Error(t, err)
	assert.Equal(t, StateAwaitingChoice, in.State())

	d, err = in.SelectButton(2, regs)
	require.NoError(t, err)
	assert.Equal(t, DirectiveJump, d.Kind)
	assert.Equal(t, 2, d.Position.Title)
	assert.Equal(t, 2, regs.Highlighted())
	assert.Equal(t, StateJumping, in.State())

	_, err = in.SelectButton(1, regs)
	assert.Error(t, err)
}

func TestUnknownCommandType(t *testing.T) {
	_, err := NewInterpreter().Execute(Program{Commands: []Command{0xE000000000000000}}, NewRegisters(1))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNavigation))
}

func TestParseProgram(t *testing.T) {
	raw := append(jumpTT(4).Bytes(), cmdExit.Bytes()...)
	p, err := ParseProgram(raw)
	require.NoError(t, err)
	assert.Equal(t, []Command{jumpTT(4), cmdExit}, p.Commands)

	_, err = ParseProgram(raw[:9])
	assert.Error(t, err)
}

func TestExecuteIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		prog := Program{Commands: make([]Command, n)}
		for i := range prog.Commands {
			hi := uint64(rapid.IntRange(0, 6).Draw(t, "type")) << 61
			lo := uint64(rapid.Uint64().Draw(t, "bits")) &^ (7 << 61)
			prog.Commands[i] = Command(hi | lo)
		}

		seed := rapid.Uint32().Draw(t, "seed")
		base := NewRegisters(seed)
		for i := range base.GPRM {
			base.GPRM[i] = uint16(rapid.IntRange(0, 0xffff).Draw(t, "gprm"))
		}

		r1, r2 := *base, *base
		d1, err1 := NewInterpreter(WithBudget(2000)).Execute(prog, &r1)
		d2, err2 := NewInterpreter(WithBudget(2000)).Execute(prog, &r2)

		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("errors differ: %v vs %v", err1, err2)
		}
		if err1 != nil && err1.Error() != err2.Error() {
			t.Fatalf("errors differ: %v vs %v", err1, err2)
		}
		if d1.Kind != d2.Kind || d1.Position != d2.Position {
			t.Fatalf("directives differ: %v vs %v", d1, d2)
		}
		if r1 != r2 {
			t.Fatalf("registers differ")
		}
	})
}
