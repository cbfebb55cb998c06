package ribosome

import (
	"fmt"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/hashes"
	"github.com/sirupsen/logrus"
)

// ZomeFn is one guest function: it gets the host surface and the call
// payload, and returns the call result.
type ZomeFn func(host Host, payload []byte) ([]byte, error)

// ValidateFn overrides the guest's validate behavior.
type ValidateFn func(host DeterministicHost, op *FlatOp) Outcome

// InmemGuest is an in-process Guest implementation. It runs application code
// as plain Go functions registered per zome, which is what the node tests
// and the example apps use in place of a compiled guest module.
type InmemGuest struct {
	defs       []EntryDef
	fns        map[string]ZomeFn
	validateFn ValidateFn
	initFn     func(host Host) Outcome
	postCommit func(host Host, records []*chain.Record)
	migrateFn  func(host Host, other hashes.Hash, opening bool) Outcome
	logger     *logrus.Logger
}

// NewInmemGuest creates a guest with no zomes and pass-through callbacks.
func NewInmemGuest(logger *logrus.Logger) *InmemGuest {
	if logger == nil {
		logger = logrus.New()
		logger.Level = logrus.DebugLevel
	}
	return &InmemGuest{
		fns:    make(map[string]ZomeFn),
		logger: logger,
	}
}

// DefineEntry declares an entry type.
func (g *InmemGuest) DefineEntry(name string, visibility chain.EntryVisibility) *InmemGuest {
	g.defs = append(g.defs, EntryDef{Name: name, Visibility: visibility})
	return g
}

// Register adds a zome function under "zome/fn".
func (g *InmemGuest) Register(zome, fn string, f ZomeFn) *InmemGuest {
	g.fns[zome+"/"+fn] = f
	return g
}

// OnValidate overrides the validate callback.
func (g *InmemGuest) OnValidate(f ValidateFn) *InmemGuest {
	g.validateFn = f
	return g
}

// OnInit overrides the init callback.
func (g *InmemGuest) OnInit(f func(host Host) Outcome) *InmemGuest {
	g.initFn = f
	return g
}

// OnPostCommit overrides the post-commit callback.
func (g *InmemGuest) OnPostCommit(f func(host Host, records []*chain.Record)) *InmemGuest {
	g.postCommit = f
	return g
}

// EntryDefs implements Guest.
func (g *InmemGuest) EntryDefs() []EntryDef {
	return g.defs
}

// Init implements Guest. Without an override it passes.
func (g *InmemGuest) Init(host Host) Outcome {
	if g.initFn != nil {
		return g.initFn(host)
	}
	return Valid()
}

// Validate implements Guest. Without an override everything is valid.
func (g *InmemGuest) Validate(host DeterministicHost, op *FlatOp) Outcome {
	if g.validateFn != nil {
		return g.validateFn(host, op)
	}
	return Valid()
}

// Call implements Guest.
func (g *InmemGuest) Call(host Host, zome, fn string, payload []byte) ([]byte, error) {
	f, ok := g.fns[zome+"/"+fn]
	if !ok {
		return nil, fmt.Errorf("no such zome function %s/%s", zome, fn)
	}
	return f(host, payload)
}

// PostCommit implements Guest.
func (g *InmemGuest) PostCommit(host Host, records []*chain.Record) {
	if g.postCommit != nil {
		g.postCommit(host, records)
		return
	}
	g.logger.WithField("records", len(records)).Debug("InmemGuest.PostCommit")
}

// OnMigrate overrides both migrate callbacks. opening is true for
// MigrateOpen and false for MigrateClose.
func (g *InmemGuest) OnMigrate(f func(host Host, other hashes.Hash, opening bool) Outcome) *InmemGuest {
	g.migrateFn = f
	return g
}

// MigrateOpen implements Guest. Without an override it passes.
func (g *InmemGuest) MigrateOpen(host Host, prevChain hashes.Hash) Outcome {
	if g.migrateFn != nil {
		return g.migrateFn(host, prevChain, true)
	}
	return Valid()
}

// MigrateClose implements Guest. Without an override it passes.
func (g *InmemGuest) MigrateClose(host Host, newChain hashes.Hash) Outcome {
	if g.migrateFn != nil {
		return g.migrateFn(host, newChain, false)
	}
	return Valid()
}
