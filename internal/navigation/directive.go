package navigation

import "fmt"

// Target names what a Position resolves against.
type Target int

const (
	TargetNone Target = iota
	TargetFirstPlay
	TargetTitle
	TargetVTSTitle
	TargetVTSPart
	TargetVMGMenu
	TargetVTSMenu
	TargetVMGPGC
	TargetPGC
	TargetPart
	TargetProgram
	TargetCell
	TargetRelative
)

var targetNames = map[Target]string{
	TargetNone:      "none",
	TargetFirstPlay: "first-play",
	TargetTitle:     "title",
	TargetVTSTitle:  "vts-title",
	TargetVTSPart:   "vts-part",
	TargetVMGMenu:   "vmg-menu",
	TargetVMGPGC:    "vmg-pgc",
	TargetVTSMenu:   "vts-menu",
	TargetPGC:       "pgc",
	TargetPart:      "part",
	TargetProgram:   "program",
	TargetCell:      "cell",
	TargetRelative:  "relative",
}

func (t Target) String() string {
	if s, ok := targetNames[t]; ok {
		return s
	}
	return fmt.Sprintf("target(%d)", int(t))
}

// LinkOp is a relative link within the current program chain.
type LinkOp uint8

const (
	LinkNoLink  LinkOp = 0
	LinkTopCell LinkOp = 1
	LinkNextC   LinkOp = 2
	LinkPrevC   LinkOp = 3
	LinkTopPG   LinkOp = 5
	LinkNextPG  LinkOp = 6
	LinkPrevPG  LinkOp = 7
	LinkTopPGC  LinkOp = 9
	LinkNextPGC LinkOp = 10
	LinkPrevPGC LinkOp = 11
	LinkGoUpPGC LinkOp = 12
	LinkTailPGC LinkOp = 13
	LinkResume  LinkOp = 16
)

var linkOpNames = map[LinkOp]string{
	LinkNoLink:  "NoLink",
	LinkTopCell: "LinkTopC",
	LinkNextC:   "LinkNextC",
	LinkPrevC:   "LinkPrevC",
	LinkTopPG:   "LinkTopPG",
	LinkNextPG:  "LinkNextPG",
	LinkPrevPG:  "LinkPrevPG",
	LinkTopPGC:  "LinkTopPGC",
	LinkNextPGC: "LinkNextPGC",
	LinkPrevPGC: "LinkPrevPGC",
	LinkGoUpPGC: "LinkGoUpPGC",
	LinkTailPGC: "LinkTailPGC",
	LinkResume:  "RSM",
}

func (op LinkOp) String() string {
	if s, ok := linkOpNames[op]; ok {
		return s
	}
	return fmt.Sprintf("link(%d)", uint8(op))
}

// Position is a playback location produced by a jump, link or call.
// Only the fields relevant to Target are set.
type Position struct {
	Target  Target
	Title   int
	VTS     int
	Part    int
	PGC     int
	Program int
	Cell    int
	Menu    int
	Link    LinkOp

	// Button is the button to highlight after the jump; 0 keeps the current one.
	Button int

	// Call is set for CallSS; Resume is the cell to return to.
	Call   bool
	Resume int
}

func (p Position) String() string {
	switch p.Target {
	case TargetTitle, TargetVTSTitle:
		return fmt.Sprintf("%s %d", p.Target, p.Title)
	case TargetVTSPart:
		return fmt.Sprintf("%s %d/%d", p.Target, p.Title, p.Part)
	case TargetVMGMenu:
		return fmt.Sprintf("%s %d", p.Target, p.Menu)
	case TargetVTSMenu:
		return fmt.Sprintf("%s vts=%d title=%d menu=%d", p.Target, p.VTS, p.Title, p.Menu)
	case TargetVMGPGC, TargetPGC:
		return fmt.Sprintf("%s %d", p.Target, p.PGC)
	case TargetPart:
		return fmt.Sprintf("%s %d", p.Target, p.Part)
	case TargetProgram:
		return fmt.Sprintf("%s %d", p.Target, p.Program)
	case TargetCell:
		return fmt.Sprintf("%s %d", p.Target, p.Cell)
	case TargetRelative:
		return p.Link.String()
	}
	return p.Target.String()
}

// DirectiveKind classifies the outcome of running a program.
type DirectiveKind int

const (
	DirectiveContinue DirectiveKind = iota
	DirectiveJump
	DirectiveHalt
	DirectiveAwaitChoice
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveContinue:
		return "continue"
	case DirectiveJump:
		return "jump"
	case DirectiveHalt:
		return "halt"
	case DirectiveAwaitChoice:
		return "await-choice"
	}
	return "unknown"
}

// Directive tells the player what to do after a program ran.
type Directive struct {
	Kind     DirectiveKind
	Position Position
	Choices  ChoiceSet
}

func Continue() Directive                   { return Directive{Kind: DirectiveContinue} }
func JumpTo(p Position) Directive           { return Directive{Kind: DirectiveJump, Position: p} }
func Halt() Directive                       { return Directive{Kind: DirectiveHalt} }
func AwaitingChoice(cs ChoiceSet) Directive { return Directive{Kind: DirectiveAwaitChoice, Choices: cs} }

func (d Directive) String() string {
	switch d.Kind {
	case DirectiveJump:
		return "jump " + d.Position.String()
	case DirectiveAwaitChoice:
		return fmt.Sprintf("await-choice %d buttons", len(d.Choices.Buttons))
	}
	return d.Kind.String()
}

// Button is one selectable menu entry and the command it runs.
type Button struct {
	Number  int
	Command Command
}

// ChoiceSet is what the user may pick from while the interpreter waits.
type ChoiceSet struct {
	Buttons     []Button
	Highlighted int
}

func (cs ChoiceSet) button(n int) (Button, bool) {
	for _, b := range cs.Buttons {
		if b.Number == n {
			return b, true
		}
	}
	return Button{}, false
}
