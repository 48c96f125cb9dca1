package player

import (
	"fmt"
	"time"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/navigation"
)

// Navigate runs a menu program and applies its directive: jumps seek to
// the mapped chapter, halt stops playback and a button set is published as
// EventAwaitingChoice.
func (p *Player) Navigate(program navigation.Program) (navigation.Directive, error) {
	p.navMu.Lock()
	d, err := p.nav.Execute(program, p.regs)
	p.navMu.Unlock()
	if err != nil {
		return d, err
	}
	return d, p.apply(d)
}

// SelectButton activates button n of the pending choice set.
func (p *Player) SelectButton(n int) (navigation.Directive, error) {
	p.navMu.Lock()
	d, err := p.nav.SelectButton(n, p.regs)
	p.navMu.Unlock()
	if err != nil {
		return d, err
	}
	return d, p.apply(d)
}

// TickNavigation advances the navigation timer and applies a timed jump
// when it expires.
func (p *Player) TickNavigation(elapsed time.Duration) error {
	p.navMu.Lock()
	pos, fired := p.regs.Tick(elapsed)
	p.navMu.Unlock()
	if !fired {
		return nil
	}
	return p.apply(navigation.JumpTo(pos))
}

func (p *Player) apply(d navigation.Directive) error {
	switch d.Kind {
	case navigation.DirectiveJump:
		p.mu.Lock()
		chapters := p.chapters
		p.mu.Unlock()
		if chapters == nil {
			return apperrors.NewNavigationError("source has no chapter map")
		}
		ts, ok := chapters(d.Position)
		if !ok {
			return apperrors.NewNavigationError(fmt.Sprintf("no chapter for %s", d.Position))
		}
		if _, err := p.Seek(ts); err != nil {
			return err
		}
		p.navMu.Lock()
		p.nav.Resolve()
		p.navMu.Unlock()
	case navigation.DirectiveHalt:
		p.Stop()
	case navigation.DirectiveAwaitChoice:
		choices := d.Choices
		p.events.publish(Event{Kind: EventAwaitingChoice, Time: p.wall.Now(), State: p.State(),
			Position: p.clock.Now(), Choices: &choices})
	}
	return nil
}
