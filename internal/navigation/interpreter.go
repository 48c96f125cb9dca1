package navigation

import (
	"fmt"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/metrics"
)

// DefaultBudget caps the commands executed by one Execute call.
const DefaultBudget = 100000

// State is the interpreter's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateExecuting
	StateAwaitingChoice
	StateJumping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateAwaitingChoice:
		return "awaiting-choice"
	case StateJumping:
		return "jumping"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Interpreter runs programs against a register set. It is not safe for
// concurrent use; the owner is the single writer of the registers it is
// handed.
type Interpreter struct {
	budget  int
	logger  logger.Logger
	state   State
	choices ChoiceSet
	pending Position
}

type Option func(*Interpreter)

// WithBudget overrides DefaultBudget.
func WithBudget(n int) Option {
	return func(i *Interpreter) {
		if n > 0 {
			i.budget = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(i *Interpreter) { i.logger = logger.OrNull(l) }
}

func NewInterpreter(opts ...Option) *Interpreter {
	i := &Interpreter{budget: DefaultBudget, logger: logger.NewNullLogger()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interpreter) State() State { return i.state }

// Choices returns the buttons offered while awaiting a choice.
func (i *Interpreter) Choices() ChoiceSet { return i.choices }

// Pending returns the position of the last jump until it is resolved.
func (i *Interpreter) Pending() (Position, bool) {
	return i.pending, i.state == StateJumping
}

// Resolve marks the pending jump as applied by the player.
func (i *Interpreter) Resolve() {
	if i.state == StateJumping {
		i.state = StateIdle
		i.pending = Position{}
	}
}

// Restart leaves the terminated state.
func (i *Interpreter) Restart() {
	i.state = StateIdle
	i.choices = ChoiceSet{}
	i.pending = Position{}
}

// Execute runs program against regs and reports the resulting directive.
// A pending jump is implicitly resolved.
func (i *Interpreter) Execute(program Program, regs *Registers) (Directive, error) {
	if err := i.begin(regs); err != nil {
		return Directive{}, err
	}

	d, err := i.run(program.Commands, regs)
	if err != nil {
		i.state = StateIdle
		return Directive{}, err
	}
	if d.Kind == DirectiveContinue && len(program.Buttons) > 0 {
		d = AwaitingChoice(ChoiceSet{Buttons: program.Buttons, Highlighted: regs.Highlighted()})
	}
	return i.finish(d), nil
}

// SelectButton runs the command of button n from the current choice set.
func (i *Interpreter) SelectButton(n int, regs *Registers) (Directive, error) {
	if i.state != StateAwaitingChoice {
		return Directive{}, apperrors.NewNavigationError(fmt.Sprintf("no choice pending (state %s)", i.state))
	}
	b, ok := i.choices.button(n)
	if !ok {
		return Directive{}, apperrors.NewNavigationError(fmt.Sprintf("button %d not in choice set", n))
	}
	choices := i.choices
	if err := i.begin(regs); err != nil {
		return Directive{}, err
	}

	regs.SPRM[SPRMHighlight] = uint16(n) << 10
	d, err := i.run([]Command{b.Command}, regs)
	if err != nil {
		i.state = StateAwaitingChoice
		i.choices = choices
		return Directive{}, err
	}
	return i.finish(d), nil
}

func (i *Interpreter) begin(regs *Registers) error {
	if regs == nil {
		return apperrors.NewNavigationError("nil register set")
	}
	switch i.state {
	case StateTerminated:
		return apperrors.NewNavigationError("interpreter terminated")
	case StateExecuting:
		return apperrors.NewNavigationError("interpreter busy")
	}
	i.state = StateExecuting
	i.choices = ChoiceSet{}
	i.pending = Position{}
	return nil
}

func (i *Interpreter) finish(d Directive) Directive {
	switch d.Kind {
	case DirectiveJump:
		i.state = StateJumping
		i.pending = d.Position
		i.logger.WithField("position", d.Position.String()).Debug("Navigation jump")
	case DirectiveHalt:
		i.state = StateTerminated
		i.logger.Debug("Navigation halted")
	case DirectiveAwaitChoice:
		i.state = StateAwaitingChoice
		i.choices = d.Choices
	default:
		i.state = StateIdle
	}
	return d
}

func (i *Interpreter) run(cmds []Command, regs *Registers) (Directive, error) {
	m := machine{regs: regs}
	executed := 0
	defer func() { metrics.AddNavigationCommands(executed) }()

	for line := 0; line < len(cmds); {
		if executed >= i.budget {
			return Directive{}, apperrors.NewNavigationError(fmt.Sprintf("instruction budget of %d exhausted", i.budget))
		}
		executed++

		next, d, err := m.eval(cmds[line])
		if err != nil {
			return Directive{}, apperrors.NewNavigationError(fmt.Sprintf("line %d (%s): %v", line+1, cmds[line], err))
		}
		if d != nil {
			return *d, nil
		}
		if next < 0 {
			break
		}
		if next > 0 {
			line = next - 1
		} else {
			line++
		}
	}
	return Continue(), nil
}

// machine evaluates single commands. eval returns a 1-based goto line, 0 to
// fall through, -1 to break, or a directive that ends the program.
type machine struct {
	regs *Registers
}

func (m *machine) eval(c Command) (int, *Directive, error) {
	switch c.Type() {
	case 0:
		return m.special(c)
	case 1:
		if c.flag(60) {
			d, err := m.jump(c, m.ifV2(c))
			return 0, d, err
		}
		d, err := m.link(c, m.ifV1(c))
		return 0, d, err
	case 2:
		cond := m.ifV2(c)
		if err := m.systemSet(c, cond); err != nil {
			return 0, nil, err
		}
		if c.bits(51, 4) != 0 {
			d, err := m.link(c, cond)
			return 0, d, err
		}
	case 3:
		cond := m.ifV3(c)
		if cond {
			reg := int(c.bits(35, 4))
			reg2 := int(c.bits(19, 4))
			if err := m.set(c.bits(59, 4), reg, reg2, m.regOrData(c, c.flag(60), 31)); err != nil {
				return 0, nil, err
			}
		}
		if c.bits(51, 4) != 0 {
			d, err := m.link(c, cond)
			return 0, d, err
		}
	case 4:
		if err := m.setV2(c); err != nil {
			return 0, nil, err
		}
		d, err := m.linkSub(c, m.ifV4(c))
		return 0, d, err
	case 5, 6:
		cond := m.ifV5(c)
		if cond {
			if err := m.setV2(c); err != nil {
				return 0, nil, err
			}
		}
		if c.Type() == 6 {
			cond = true
		}
		d, err := m.linkSub(c, cond)
		return 0, d, err
	default:
		return 0, nil, fmt.Errorf("unknown command type %d", c.Type())
	}
	return 0, nil, nil
}

func (m *machine) special(c Command) (int, *Directive, error) {
	cond := m.ifV1(c)
	switch c.bits(51, 4) {
	case 0:
		return 0, nil, nil
	case 1:
		if cond {
			return int(c.bits(7, 8)), nil, nil
		}
	case 2:
		if cond {
			return -1, nil, nil
		}
	case 3:
		if cond {
			m.regs.SPRM[SPRMParentalLevel] = c.bits(11, 4)
			return int(c.bits(7, 8)), nil, nil
		}
	default:
		return 0, nil, fmt.Errorf("unknown special op %d", c.bits(51, 4))
	}
	return 0, nil, nil
}

func (m *machine) link(c Command, cond bool) (*Directive, error) {
	op := c.bits(51, 4)
	button := int(c.bits(15, 6))

	var p Position
	switch op {
	case 1:
		return m.linkSub(c, cond)
	case 4:
		p = Position{Target: TargetPGC, PGC: int(c.bits(14, 15))}
	case 5:
		p = Position{Target: TargetPart, Part: int(c.bits(9, 10)), Button: button}
	case 6:
		p = Position{Target: TargetProgram, Program: int(c.bits(6, 7)), Button: button}
	case 7:
		p = Position{Target: TargetCell, Cell: int(c.bits(7, 8)), Button: button}
	default:
		return nil, fmt.Errorf("unknown link op %d", op)
	}
	if !cond {
		return nil, nil
	}
	return m.jumpTo(p), nil
}

func (m *machine) linkSub(c Command, cond bool) (*Directive, error) {
	button := int(c.bits(15, 6))
	op := c.bits(4, 5)
	if op > uint16(LinkResume) {
		return nil, fmt.Errorf("unknown link sub-instruction %d", op)
	}
	if !cond {
		return nil, nil
	}
	if LinkOp(op) == LinkNoLink {
		if button != 0 {
			m.regs.SPRM[SPRMHighlight] = uint16(button) << 10
		}
		d := Continue()
		return &d, nil
	}
	return m.jumpTo(Position{Target: TargetRelative, Link: LinkOp(op), Button: button}), nil
}

func (m *machine) jump(c Command, cond bool) (*Directive, error) {
	op := c.bits(51, 4)
	var p Position
	switch op {
	case 1:
		if !cond {
			return nil, nil
		}
		d := Halt()
		return &d, nil
	case 2:
		p = Position{Target: TargetTitle, Title: int(c.bits(22, 7))}
	case 3:
		p = Position{Target: TargetVTSTitle, Title: int(c.bits(22, 7))}
	case 5:
		p = Position{Target: TargetVTSPart, Title: int(c.bits(22, 7)), Part: int(c.bits(41, 10))}
	case 6, 8:
		p = m.systemSpace(c)
		if op == 8 {
			p.Call = true
			p.Resume = int(c.bits(31, 8))
		}
	default:
		return nil, fmt.Errorf("unknown jump op %d", op)
	}
	if !cond {
		return nil, nil
	}
	return m.jumpTo(p), nil
}

func (m *machine) systemSpace(c Command) Position {
	switch c.bits(23, 2) {
	case 0:
		return Position{Target: TargetFirstPlay}
	case 1:
		return Position{Target: TargetVMGMenu, Menu: int(c.bits(19, 4))}
	case 2:
		p := Position{Target: TargetVTSMenu, Menu: int(c.bits(19, 4))}
		if c.bits(51, 4) == 6 {
			p.VTS = int(c.bits(31, 8))
			p.Title = int(c.bits(39, 8))
		}
		return p
	default:
		return Position{Target: TargetVMGPGC, PGC: int(c.bits(46, 15))}
	}
}

func (m *machine) jumpTo(p Position) *Directive {
	if p.Button != 0 {
		m.regs.SPRM[SPRMHighlight] = uint16(p.Button) << 10
	}
	d := JumpTo(p)
	return &d
}

func (m *machine) systemSet(c Command, cond bool) error {
	if !cond {
		return nil
	}
	switch op := c.bits(59, 4); op {
	case 0:
	case 1:
		for i := uint(1); i <= 3; i++ {
			if c.flag(63 - (2+i)*8) {
				m.regs.SPRM[i] = m.regOrData2(c, c.flag(60), 47-i*8)
			}
		}
	case 2:
		m.regs.SPRM[SPRMNavTimer] = m.regOrData(c, c.flag(60), 47)
		m.regs.SPRM[SPRMTimerPGC] = c.bits(23, 8)
		m.regs.timerFrac = 0
	case 3:
		data := m.regOrData(c, c.flag(60), 47)
		reg := int(c.bits(19, 4))
		m.regs.setMode(reg, c.flag(23))
		m.regs.setGPRM(reg, data)
	case 6:
		m.regs.SPRM[SPRMHighlight] = m.regOrData(c, c.flag(60), 31)
	default:
		return fmt.Errorf("unknown system set op %d", op)
	}
	return nil
}

func (m *machine) setV2(c Command) error {
	reg := int(c.bits(51, 4))
	reg2 := int(c.bits(35, 4))
	return m.set(c.bits(59, 4), reg, reg2, m.regOrData(c, c.flag(60), 47))
}

// set applies a 16-bit saturating operation to GPRM[reg].
func (m *machine) set(op uint16, reg, reg2 int, data uint16) error {
	cur := uint32(m.regs.GPRM[reg])
	d := uint32(data)
	var v uint32

	switch op {
	case 0:
		return nil
	case 1:
		v = d
	case 2:
		m.regs.setGPRM(reg2, uint16(cur))
		v = d
	case 3:
		v = min(cur+d, 0xffff)
	case 4:
		if d > cur {
			v = 0
		} else {
			v = cur - d
		}
	case 5:
		v = min(cur*d, 0xffff)
	case 6:
		if d == 0 {
			v = 0xffff
		} else {
			v = cur / d
		}
	case 7:
		if d == 0 {
			v = 0xffff
		} else {
			v = cur % d
		}
	case 8:
		v = uint32(m.regs.rnd(data))
	case 9:
		v = cur & d
	case 10:
		v = cur | d
	case 11:
		v = cur ^ d
	default:
		return fmt.Errorf("unknown set op %d", op)
	}
	m.regs.setGPRM(reg, uint16(v))
	return nil
}

func (m *machine) reg(r uint16) uint16 {
	if r&0x80 != 0 {
		i := int(r & 0x1f)
		if i >= NumSPRM {
			return 0
		}
		return m.regs.SPRM[i]
	}
	return m.regs.GPRM[r&0x0f]
}

// regOrData reads a 16-bit immediate at start, or the register named by the
// byte below it.
func (m *machine) regOrData(c Command, imm bool, start uint) uint16 {
	if imm {
		return c.bits(start, 16)
	}
	return m.reg(c.bits(start-8, 8))
}

// regOrData2 reads a 7-bit immediate, or a GPRM named by a nibble.
func (m *machine) regOrData2(c Command, imm bool, start uint) uint16 {
	if imm {
		return c.bits(start-1, 7)
	}
	return m.regs.GPRM[c.bits(start-4, 4)]
}

func (m *machine) ifV1(c Command) bool {
	op := c.bits(54, 3)
	if op == 0 {
		return true
	}
	return compare(op, m.reg(c.bits(39, 8)), m.regOrData(c, c.flag(55), 31))
}

func (m *machine) ifV2(c Command) bool {
	op := c.bits(54, 3)
	if op == 0 {
		return true
	}
	return compare(op, m.reg(c.bits(15, 8)), m.reg(c.bits(7, 8)))
}

func (m *machine) ifV3(c Command) bool {
	op := c.bits(54, 3)
	if op == 0 {
		return true
	}
	return compare(op, m.reg(c.bits(43, 8)), m.regOrData(c, c.flag(55), 15))
}

func (m *machine) ifV4(c Command) bool {
	op := c.bits(54, 3)
	if op == 0 {
		return true
	}
	return compare(op, m.reg(c.bits(51, 4)), m.regOrData(c, c.flag(55), 31))
}

func (m *machine) ifV5(c Command) bool {
	op := c.bits(54, 3)
	if op == 0 {
		return true
	}
	if c.flag(60) {
		return compare(op, m.reg(c.bits(31, 8)), m.reg(c.bits(23, 8)))
	}
	return compare(op, m.reg(c.bits(39, 8)), m.regOrData(c, c.flag(55), 31))
}

func compare(op uint16, a, b uint16) bool {
	switch op {
	case 1:
		return a&b != 0
	case 2:
		return a == b
	case 3:
		return a != b
	case 4:
		return a >= b
	case 5:
		return a > b
	case 6:
		return a <= b
	case 7:
		return a < b
	}
	return true
}
