package matchmaking

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/dkeye/Strangers/internal/core"
)

var (
	ErrSelfPair      = errors.New("session cannot pair with itself")
	ErrAlreadyPaired = errors.New("session already paired")
)

// Pairs maps each paired session to the other member of its pair.
// Link and Unlink always write both directions.
type Pairs struct {
	partner map[core.SessionID]core.SessionID
}

func NewPairs() *Pairs {
	return &Pairs{partner: make(map[core.SessionID]core.SessionID)}
}

func (p *Pairs) Link(a, b core.SessionID) error {
	if a == b {
		return ErrSelfPair
	}
	if _, ok := p.partner[a]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyPaired, a)
	}
	if _, ok := p.partner[b]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyPaired, b)
	}
	p.partner[a] = b
	p.partner[b] = a
	return nil
}

func (p *Pairs) PartnerOf(sid core.SessionID) (core.SessionID, bool) {
	other, ok := p.partner[sid]
	return other, ok
}

// Unlink dissolves the pair containing sid and returns the former partner.
func (p *Pairs) Unlink(sid core.SessionID) (core.SessionID, bool) {
	other, ok := p.partner[sid]
	if !ok {
		return "", false
	}
	delete(p.partner, sid)
	delete(p.partner, other)
	return other, true
}

// Len is the number of paired sessions (twice the number of pairs).
func (p *Pairs) Len() int { return len(p.partner) }

func (p *Pairs) Keys() []core.SessionID {
	return lo.Keys(p.partner)
}

// Verify checks the symmetry invariant.
func (p *Pairs) Verify() error {
	for a, b := range p.partner {
		if back, ok := p.partner[b]; !ok || back != a {
			return fmt.Errorf("asymmetric pair %s -> %s", a, b)
		}
	}
	return nil
}
