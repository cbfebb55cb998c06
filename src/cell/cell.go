// Package cell runs one (DNA, agent) pair: it owns the agent's source chain,
// dispatches zome calls into the guest one at a time, and hands every
// committed record's ops to the node for publishing. Zome calls write through
// a scratch; nothing lands on the chain until the call returns successfully
// and the author has validated its own ops.
package cell

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/holonnet/holon/src/chain"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/ribosome"
	"github.com/holonnet/holon/src/validation"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by calls against a stopped cell.
var ErrStopped = errors.New("cell stopped")

// Publisher receives the ops derived from freshly committed records. The node
// feeds them to its own pipeline and pushes them to the op authorities.
type Publisher func(ops []*dht.Op)

// SignalHandler receives payloads the guest emits during a call.
type SignalHandler func(payload []byte)

// Config bounds the cell's queues.
type Config struct {
	CallQueueDepth       int
	PostCommitQueueDepth int
	// CommitRetries is how often a zome call is re-run after losing the
	// chain head to a concurrent writer.
	CommitRetries int
}

// DefaultConfig returns the cell bounds used when the DNA does not override
// them.
func DefaultConfig() Config {
	return Config{
		CallQueueDepth:       16,
		PostCommitQueueDepth: 16,
		CommitRetries:        3,
	}
}

// zomeCall is one queued invocation.
type zomeCall struct {
	zome    string
	fn      string
	payload []byte
	respCh  chan callResult
}

type callResult struct {
	out []byte
	err error
}

// Cell is the runtime unit of one agent in one DNA.
type Cell struct {
	mtx sync.Mutex

	conf   Config
	dna    ribosome.DnaInfo
	priv   *ecdsa.PrivateKey
	agent  hashes.Hash
	author []byte

	chain     chain.Store
	ops       dht.Store
	guest     ribosome.Guest
	publisher Publisher
	signals   SignalHandler
	logger    *logrus.Entry

	callCh       chan *zomeCall
	postCommitCh chan []*chain.Record
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
	started      bool
	initDone     bool
}

// NewCell creates a cell over its stores. Genesis must run before the first
// zome call.
func NewCell(
	conf Config,
	dna ribosome.DnaInfo,
	priv *ecdsa.PrivateKey,
	chainStore chain.Store,
	opStore dht.Store,
	guest ribosome.Guest,
	publisher Publisher,
	signals SignalHandler,
	logger *logrus.Entry,
) *Cell {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	author := keys.FromPublicKey(&priv.PublicKey)

	return &Cell{
		conf:         conf,
		dna:          dna,
		priv:         priv,
		agent:        hashes.New(hashes.Agent, author),
		author:       author,
		chain:        chainStore,
		ops:          opStore,
		guest:        guest,
		publisher:    publisher,
		signals:      signals,
		logger:       logger,
		callCh:       make(chan *zomeCall, conf.CallQueueDepth),
		postCommitCh: make(chan []*chain.Record, conf.PostCommitQueueDepth),
		shutdownCh:   make(chan struct{}),
	}
}

// Agent returns the cell's agent hash.
func (c *Cell) Agent() hashes.Hash {
	return c.agent
}

// Dna returns the cell's DNA identity.
func (c *Cell) Dna() ribosome.DnaInfo {
	return c.dna
}

// Chain exposes the cell's chain store. Countersigning sessions lock it.
func (c *Cell) Chain() chain.Store {
	return c.chain
}

// Genesis writes the three-record genesis prefix and publishes its ops. It is
// a no-op on a chain that already has records, so restarting a node does not
// re-author genesis.
func (c *Cell) Genesis(membraneProof []byte) error {
	if c.chain.Len() > 0 {
		return nil
	}

	records, err := chain.GenesisRecords(c.priv, c.dna.Hash, membraneProof, chain.Now())
	if err != nil {
		return err
	}
	if err := c.chain.Append(records); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"dna":   c.dna.Hash.Short(),
		"agent": c.agent.Short(),
	}).Debug("cell: genesis committed")

	return c.publish(records)
}

// Start launches the call and post-commit workers.
func (c *Cell) Start() {
	c.mtx.Lock()
	if c.started {
		c.mtx.Unlock()
		return
	}
	c.started = true
	c.mtx.Unlock()

	c.wg.Add(2)
	go c.callWorker()
	go c.postCommitWorker()
}

// Stop shuts the workers down and waits for the running call.
func (c *Cell) Stop() {
	close(c.shutdownCh)
	c.wg.Wait()
}

// CallZome queues a zome invocation and blocks until it has run. Calls
// execute strictly one at a time in arrival order.
func (c *Cell) CallZome(zome, fn string, payload []byte) ([]byte, error) {
	call := &zomeCall{
		zome:    zome,
		fn:      fn,
		payload: payload,
		respCh:  make(chan callResult, 1),
	}

	select {
	case c.callCh <- call:
	case <-c.shutdownCh:
		return nil, ErrStopped
	}

	select {
	case res := <-call.respCh:
		return res.out, res.err
	case <-c.shutdownCh:
		return nil, ErrStopped
	}
}

func (c *Cell) callWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdownCh:
			return
		case call := <-c.callCh:
			out, err := c.runCall(call)
			call.respCh <- callResult{out: out, err: err}
		}
	}
}

// runCall executes one zome call inside a scratch transaction. A HeadMoved
// commit failure re-runs the whole call against the new head.
func (c *Cell) runCall(call *zomeCall) ([]byte, error) {
	if err := c.ensureInit(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < c.conf.CommitRetries; attempt++ {
		scratch, err := chain.NewScratch(c.chain)
		if err != nil {
			return nil, err
		}

		host := &callHost{cell: c, scratch: scratch}
		out, err := c.guest.Call(host, call.zome, call.fn, call.payload)
		if err != nil {
			scratch.Discard()
			return nil, err
		}

		if err := c.selfValidate(scratch.Records()); err != nil {
			scratch.Discard()
			return nil, err
		}

		committed, err := scratch.Commit()
		if cm.IsStore(err, cm.HeadMoved) {
			c.logger.WithField("attempt", attempt).Debug("cell: chain head moved, re-running call")
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := c.afterCommit(committed); err != nil {
			return nil, err
		}
		return out, nil
	}

	return nil, fmt.Errorf("zome call kept losing the chain head after %d attempts", c.conf.CommitRetries)
}

// ensureInit runs the guest's Init callback once, after genesis and before
// the first zome call. Init writes commit like any other call.
func (c *Cell) ensureInit() error {
	c.mtx.Lock()
	done := c.initDone
	c.mtx.Unlock()
	if done {
		return nil
	}

	if c.chain.Len() == 0 {
		return fmt.Errorf("cell has no genesis")
	}

	scratch, err := chain.NewScratch(c.chain)
	if err != nil {
		return err
	}

	host := &callHost{cell: c, scratch: scratch}
	outcome := c.guest.Init(host)
	switch outcome.Code {
	case ribosome.CodeValid:
	case ribosome.CodeInvalid:
		scratch.Discard()
		return fmt.Errorf("init failed: %s", outcome.Reason)
	case ribosome.CodeAwaitingDeps:
		scratch.Discard()
		return fmt.Errorf("init is awaiting %d dependencies", len(outcome.Deps))
	default:
		scratch.Discard()
		return fmt.Errorf("init returned unknown outcome %q", outcome.Code)
	}

	committed, err := scratch.Commit()
	if err != nil {
		return err
	}
	if err := c.afterCommit(committed); err != nil {
		return err
	}

	c.mtx.Lock()
	c.initDone = true
	c.mtx.Unlock()

	return nil
}

// selfValidate runs the guest's validate callback over the ops the scratch
// records will produce. Authoring anything the network would reject is a
// call failure, not a chain write.
func (c *Cell) selfValidate(records []*chain.Record) error {
	if len(records) == 0 {
		return nil
	}

	det := validation.NewDhtHost(c.ops, c.chain, c.dna.Hash, c.dna.Name, c.dna.NetworkSeed, c.logger)

	for _, r := range records {
		ops, err := dht.DeriveOps(r)
		if err != nil {
			return err
		}
		for _, op := range ops {
			flat := ribosome.Flatten(op)
			if flat == nil {
				continue
			}
			outcome := c.guest.Validate(det, flat)
			if outcome.Code == ribosome.CodeInvalid {
				return fmt.Errorf("own %s op failed validation: %s", op.Type, outcome.Reason)
			}
			if outcome.Code == ribosome.CodeAwaitingDeps {
				return fmt.Errorf("own %s op depends on data this node cannot resolve", op.Type)
			}
		}
	}
	return nil
}

// afterCommit publishes the committed records' ops and queues the post-commit
// callback.
func (c *Cell) afterCommit(records []*chain.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := c.publish(records); err != nil {
		return err
	}

	select {
	case c.postCommitCh <- records:
	case <-c.shutdownCh:
	}
	return nil
}

func (c *Cell) publish(records []*chain.Record) error {
	var all []*dht.Op
	for _, r := range records {
		ops, err := dht.DeriveOps(r)
		if err != nil {
			return err
		}
		all = append(all, ops...)
	}

	if c.publisher != nil && len(all) > 0 {
		c.publisher(all)
	}
	return nil
}

// postCommitWorker dispatches committed batches to the guest in commit order.
// Post-commit runs outside any scratch; its host rejects chain writes.
func (c *Cell) postCommitWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdownCh:
			return
		case records := <-c.postCommitCh:
			host := &callHost{cell: c}
			c.guest.PostCommit(host, records)
		}
	}
}

func (c *Cell) emitSignal(payload []byte) {
	if c.signals != nil {
		c.signals(payload)
	}
}
