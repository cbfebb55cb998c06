// Package validation runs every DHT op through the three-stage pipeline:
// sys-validate, app-validate, integrate. Each stage is a pool of workers fed
// by a bounded channel; sending blocks, which is the backpressure.
package validation

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/ribosome"
	"github.com/sirupsen/logrus"
)

// Config bounds the pipeline.
type Config struct {
	SysWorkers       int
	AppWorkers       int
	IntegrateWorkers int
	// QueueDepth is the capacity of each stage channel.
	QueueDepth int
	// MaxEntryBytes and MaxTagBytes bound entry bodies and link tags.
	MaxEntryBytes int
	MaxTagBytes   int
	// Parked ops retry with exponential backoff between ParkBaseBackoff
	// and ParkMaxBackoff, at most MaxParkRetries times.
	ParkBaseBackoff time.Duration
	ParkMaxBackoff  time.Duration
	MaxParkRetries  int
	// Tick is the granularity of the parked-op retry loop.
	Tick time.Duration
}

// DefaultConfig returns the pipeline bounds used when the DNA does not
// override them.
func DefaultConfig() Config {
	return Config{
		SysWorkers:       4,
		AppWorkers:       4,
		IntegrateWorkers: 2,
		QueueDepth:       256,
		MaxEntryBytes:    4 * 1024 * 1024,
		MaxTagBytes:      1024,
		ParkBaseBackoff:  100 * time.Millisecond,
		ParkMaxBackoff:   30 * time.Second,
		MaxParkRetries:   16,
		Tick:             20 * time.Millisecond,
	}
}

// DepRequester asks the fetch layer for a missing dependency, naming the
// peer that sent us the op that needs it.
type DepRequester func(dep hashes.Hash, source hashes.Hash)

// WarrantSink receives warrants the pipeline authors. The node publishes
// them and blocks the warranted agent.
type WarrantSink func(w *dht.Warrant)

// task is one op moving through the stages.
type task struct {
	op     *dht.Op
	opHash hashes.Hash
	source hashes.Hash
	// local marks ops authored by this node; they never park because
	// their dependencies are on the local chain.
	local bool

	parkCount int
	nextTry   time.Time
	backoff   time.Duration
}

// Pipeline validates and integrates ops for one DNA.
type Pipeline struct {
	conf   Config
	store  dht.Store
	guest  ribosome.Guest
	host   ribosome.DeterministicHost
	deps   *DhtHost
	logger *logrus.Entry

	// signKey authors warrants. Nil disables warrant authoring.
	signKey    *ecdsa.PrivateKey
	requestDep DepRequester
	onWarrant  WarrantSink

	sysCh chan *task
	appCh chan *task
	intCh chan *task

	mtx    sync.Mutex
	parked []*task
	// authorClock tracks the latest (seq, timestamp) pair seen per author
	// for the monotonicity check.
	authorClock map[string]authorClock
	// byPrev detects forks: (author, prev) pairs mapped to the first
	// record seen.
	byPrev map[string]*chain.Record

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	started    bool
}

type authorClock struct {
	seq uint32
	ts  int64
}

// NewPipeline wires a pipeline over an op store. host serves the guest's
// validate callback; deps resolves Update/Delete targets.
func NewPipeline(
	conf Config,
	store dht.Store,
	guest ribosome.Guest,
	deps *DhtHost,
	signKey *ecdsa.PrivateKey,
	requestDep DepRequester,
	onWarrant WarrantSink,
	logger *logrus.Entry,
) *Pipeline {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	if requestDep == nil {
		requestDep = func(hashes.Hash, hashes.Hash) {}
	}
	if onWarrant == nil {
		onWarrant = func(*dht.Warrant) {}
	}
	return &Pipeline{
		conf:        conf,
		store:       store,
		guest:       guest,
		host:        deps,
		deps:        deps,
		signKey:     signKey,
		requestDep:  requestDep,
		onWarrant:   onWarrant,
		logger:      logger,
		sysCh:       make(chan *task, conf.QueueDepth),
		appCh:       make(chan *task, conf.QueueDepth),
		intCh:       make(chan *task, conf.QueueDepth),
		authorClock: make(map[string]authorClock),
		byPrev:      make(map[string]*chain.Record),
		shutdownCh:  make(chan struct{}),
	}
}

// Start launches the stage workers and the parked-op retry loop.
func (p *Pipeline) Start() {
	p.mtx.Lock()
	if p.started {
		p.mtx.Unlock()
		return
	}
	p.started = true
	p.mtx.Unlock()

	for i := 0; i < p.conf.SysWorkers; i++ {
		p.wg.Add(1)
		go p.worker(p.sysCh, p.sysValidate)
	}
	for i := 0; i < p.conf.AppWorkers; i++ {
		p.wg.Add(1)
		go p.worker(p.appCh, p.appValidate)
	}
	for i := 0; i < p.conf.IntegrateWorkers; i++ {
		p.wg.Add(1)
		go p.worker(p.intCh, p.integrate)
	}

	p.wg.Add(1)
	go p.retryLoop()
}

// Stop drains nothing: workers observe shutdown at their next channel
// receive.
func (p *Pipeline) Stop() {
	close(p.shutdownCh)
	p.wg.Wait()
}

// Submit stores an op as pending and queues it for sys-validation. Ops
// already past pending are left alone.
func (p *Pipeline) Submit(op *dht.Op, source hashes.Hash, local bool) error {
	opHash, err := op.Hash()
	if err != nil {
		return err
	}

	if sop, err := p.store.Get(opHash); err == nil && sop.State != dht.StatePending {
		return nil
	}

	if err := p.store.Put(op); err != nil {
		return err
	}

	t := &task{
		op:      op,
		opHash:  opHash,
		source:  source,
		local:   local,
		backoff: p.conf.ParkBaseBackoff,
	}

	select {
	case p.sysCh <- t:
		return nil
	case <-p.shutdownCh:
		return fmt.Errorf("pipeline is shut down")
	}
}

func (p *Pipeline) worker(ch chan *task, stage func(*task)) {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdownCh:
			return
		case t := <-ch:
			stage(t)
		}
	}
}

func (p *Pipeline) forward(ch chan *task, t *task) {
	select {
	case ch <- t:
	case <-p.shutdownCh:
	}
}

// sysValidate runs the context-free checks from §sys of the pipeline: the
// signature, hashes, shape, derivation, timestamp clock, and dependency
// presence.
func (p *Pipeline) sysValidate(t *task) {
	if t.op.Type == dht.WarrantOp {
		if reason, ok := p.checkWarrant(t.op.Warrant); !ok {
			// a warrant failing validation is terminal, no recursion
			p.store.Reject(t.opHash, reason)
			p.logger.WithFields(logrus.Fields{
				"op_hash": t.opHash.Short(),
				"reason":  reason,
			}).Warn("sys-validate: rejected warrant")
			return
		}
		p.advance(t, dht.StateSysValidated, p.appCh)
		return
	}

	r := t.op.Record

	ok, err := r.Verify()
	if err != nil || !ok {
		p.reject(t, fmt.Sprintf("signature does not verify: %v", err))
		return
	}

	if err := r.Action.Check(); err != nil {
		p.reject(t, err.Error())
		return
	}

	if r.Entry != nil && len(r.Entry.Body) > p.conf.MaxEntryBytes {
		p.reject(t, fmt.Sprintf("entry body exceeds %d bytes", p.conf.MaxEntryBytes))
		return
	}
	if len(r.Action.Tag) > p.conf.MaxTagBytes {
		p.reject(t, fmt.Sprintf("link tag exceeds %d bytes", p.conf.MaxTagBytes))
		return
	}

	if err := dht.CheckDerivation(t.op); err != nil {
		p.reject(t, err.Error())
		return
	}

	if fork := p.observeAuthor(r); fork != nil {
		p.authorForkWarrant(fork, r)
		p.reject(t, "author forked their chain")
		return
	}

	if !p.clockOK(r.Action) {
		p.reject(t, "timestamp regressed within the author's chain")
		return
	}

	if missing := p.missingDeps(r.Action); len(missing) > 0 {
		if t.local {
			// local deps live on our own chain; a miss here is a bug,
			// not a reason to park
			p.logger.WithField("op_hash", t.opHash.Short()).
				Warn("sys-validate: local op with unresolved deps")
		} else {
			p.park(t, missing)
			return
		}
	}

	p.advance(t, dht.StateSysValidated, p.appCh)
}

// appValidate hands the flattened op to the guest. Warrants are host
// business and skip the guest.
func (p *Pipeline) appValidate(t *task) {
	if t.op.Type == dht.WarrantOp {
		p.advance(t, dht.StateAppValidated, p.intCh)
		return
	}

	flat := ribosome.Flatten(t.op)
	if flat == nil {
		p.advance(t, dht.StateAppValidated, p.intCh)
		return
	}

	outcome := p.guest.Validate(p.host, flat)
	switch outcome.Code {
	case ribosome.CodeValid:
		p.advance(t, dht.StateAppValidated, p.intCh)
	case ribosome.CodeAwaitingDeps:
		if t.local {
			p.advance(t, dht.StateAppValidated, p.intCh)
			return
		}
		p.park(t, outcome.Deps)
	case ribosome.CodeInvalid:
		p.reject(t, outcome.Reason)
	default:
		p.reject(t, fmt.Sprintf("guest returned unknown outcome %q", outcome.Code))
	}
}

func (p *Pipeline) integrate(t *task) {
	if err := p.store.SetState(t.opHash, dht.StateIntegrated); err != nil {
		p.logger.WithFields(logrus.Fields{
			"op_hash": t.opHash.Short(),
			"error":   err,
		}).Error("integrate")
		return
	}
	p.logger.WithFields(logrus.Fields{
		"op_hash": t.opHash.Short(),
		"type":    string(t.op.Type),
	}).Debug("integrated")
}

func (p *Pipeline) advance(t *task, state dht.OpState, next chan *task) {
	if err := p.store.SetState(t.opHash, state); err != nil {
		p.logger.WithFields(logrus.Fields{
			"op_hash": t.opHash.Short(),
			"state":   string(state),
			"error":   err,
		}).Error("advance")
		return
	}
	p.forward(next, t)
}

// reject marks the op rejected and authors a ChainIntegrity warrant against
// its author.
func (p *Pipeline) reject(t *task, reason string) {
	if err := p.store.Reject(t.opHash, reason); err != nil {
		p.logger.WithField("error", err).Error("reject")
	}

	p.logger.WithFields(logrus.Fields{
		"op_hash": t.opHash.Short(),
		"type":    string(t.op.Type),
		"reason":  reason,
	}).Warn("op rejected")

	if p.signKey == nil || t.op.Type == dht.WarrantOp {
		return
	}

	w, err := dht.NewIntegrityWarrant(p.signKey, t.op, reason, chain.Now())
	if err != nil {
		p.logger.WithField("error", err).Error("authoring warrant")
		return
	}
	p.onWarrant(w)
}

func (p *Pipeline) authorForkWarrant(first, second *chain.Record) {
	if p.signKey == nil {
		return
	}
	w, err := dht.NewForkWarrant(p.signKey, first, second, chain.Now())
	if err != nil {
		p.logger.WithField("error", err).Error("authoring fork warrant")
		return
	}
	p.onWarrant(w)
}

// park holds the op for a later retry and asks the fetch layer for its
// missing dependencies.
func (p *Pipeline) park(t *task, deps []hashes.Hash) {
	for _, dep := range deps {
		p.requestDep(dep, t.source)
	}

	t.parkCount++
	if t.parkCount > p.conf.MaxParkRetries {
		p.logger.WithFields(logrus.Fields{
			"op_hash": t.opHash.Short(),
			"retries": t.parkCount,
		}).Warn("giving up on parked op")
		return
	}

	t.nextTry = time.Now().Add(t.backoff)
	t.backoff *= 2
	if t.backoff > p.conf.ParkMaxBackoff {
		t.backoff = p.conf.ParkMaxBackoff
	}

	p.mtx.Lock()
	p.parked = append(p.parked, t)
	p.mtx.Unlock()
}

// Parked returns the number of ops awaiting dependencies.
func (p *Pipeline) Parked() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.parked)
}

func (p *Pipeline) retryLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.conf.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownCh:
			return
		case <-ticker.C:
			p.retryParked()
		}
	}
}

func (p *Pipeline) retryParked() {
	now := time.Now()

	p.mtx.Lock()
	var due, rest []*task
	for _, t := range p.parked {
		if now.After(t.nextTry) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	p.parked = rest
	p.mtx.Unlock()

	for _, t := range due {
		p.forward(p.sysCh, t)
	}
}

// observeAuthor records the (author, prev) pair and returns the first
// conflicting record if this one forks the author's chain. Prev comparison
// keeps detection working across agent-key updates.
func (p *Pipeline) observeAuthor(r *chain.Record) *chain.Record {
	if r.Action.Prev.IsZero() {
		return nil
	}

	actionHash, err := r.Action.Hash()
	if err != nil {
		return nil
	}

	// keyed by prev alone so detection survives agent-key updates
	key := r.Action.Prev.String()

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if first, ok := p.byPrev[key]; ok {
		firstHash, err := first.Action.Hash()
		if err == nil && !firstHash.Equal(actionHash) {
			return first
		}
		return nil
	}

	p.byPrev[key] = r
	return nil
}

// clockOK enforces non-decreasing timestamps along the author's chain as
// observed so far.
func (p *Pipeline) clockOK(a chain.Action) bool {
	key := a.AuthorHash().String()

	p.mtx.Lock()
	defer p.mtx.Unlock()

	clock, ok := p.authorClock[key]
	if ok && a.Seq >= clock.seq && a.Timestamp < clock.ts {
		return false
	}

	if !ok || a.Seq > clock.seq {
		p.authorClock[key] = authorClock{seq: a.Seq, ts: a.Timestamp}
	}
	return true
}

// missingDeps lists the referenced hashes an Update, Delete, or DeleteLink
// needs that are not resolvable locally yet.
func (p *Pipeline) missingDeps(a chain.Action) []hashes.Hash {
	var missing []hashes.Hash

	switch a.Type {
	case chain.UpdateType:
		if !p.deps.HaveAction(a.OriginalAction) {
			missing = append(missing, a.OriginalAction)
		}
	case chain.DeleteType:
		if !p.deps.HaveAction(a.DeletesAction) {
			missing = append(missing, a.DeletesAction)
		}
	case chain.DeleteLinkType:
		if !p.deps.HaveAction(a.LinkAction) {
			missing = append(missing, a.LinkAction)
		}
	}

	return missing
}

// checkWarrant verifies a warrant's signature and that its evidence shows
// what it claims.
func (p *Pipeline) checkWarrant(w *dht.Warrant) (string, bool) {
	if w == nil {
		return "warrant op without warrant", false
	}

	ok, err := w.Verify()
	if err != nil || !ok {
		return "warrant signature does not verify", false
	}

	switch w.Body.Type {
	case dht.ChainFork:
		if len(w.Body.Evidence) != 2 {
			return "fork warrant needs two records", false
		}
		first, second := w.Body.Evidence[0], w.Body.Evidence[1]
		for _, r := range w.Body.Evidence {
			if ok, err := r.Verify(); err != nil || !ok {
				return "fork evidence does not verify", false
			}
			if !r.Action.AuthorHash().Equal(w.Body.Warranted) {
				return "fork evidence names a different agent", false
			}
		}
		if !first.Action.Prev.Equal(second.Action.Prev) {
			return "fork evidence does not share a predecessor", false
		}
		fh, err1 := first.Action.Hash()
		sh, err2 := second.Action.Hash()
		if err1 != nil || err2 != nil || fh.Equal(sh) {
			return "fork evidence is not two distinct actions", false
		}
		return "", true

	case dht.ChainIntegrity:
		if w.Body.OpHash.IsZero() {
			return "integrity warrant names no op", false
		}
		return "", true
	}

	return fmt.Sprintf("unknown warrant type %q", w.Body.Type), false
}
