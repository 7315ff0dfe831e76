package breaker

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/go-bastion/bastion/log"
)

// Group owns one breaker per named dependency, created on first use
// with the group's default options.
type Group struct {
	logger   log.Logger
	defaults []Opt
	breakers *xsync.MapOf[string, *Breaker]
}

func NewGroup(logger log.Logger, defaults ...Opt) *Group {
	return &Group{
		logger:   logger,
		defaults: defaults,
		breakers: xsync.NewMapOf[string, *Breaker](),
	}
}

// Breaker returns the breaker guarding name, creating it on first use.
func (g *Group) Breaker(name string, options ...Opt) *Breaker {
	b, _ := g.breakers.LoadOrCompute(name, func() *Breaker {
		return New(name, g.logger, append(append([]Opt{}, g.defaults...), options...)...)
	})
	return b
}

// States snapshots every breaker in the group.
func (g *Group) States() []State {
	states := make([]State, 0, g.breakers.Size())
	g.breakers.Range(func(_ string, b *Breaker) bool {
		states = append(states, b.State())
		return true
	})
	return states
}

// Reset manually resets every breaker in the group.
func (g *Group) Reset() {
	g.breakers.Range(func(_ string, b *Breaker) bool {
		b.Reset()
		return true
	})
}
