// Package node assembles one DNA's runtime: the cell, the op store, the
// validation pipeline, the fetch pool, the gossip manager, and the transport
// serve loop. A node is one agent's full participation in one network.
package node

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/holonnet/holon/src/arq"
	"github.com/holonnet/holon/src/cell"
	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/fetch"
	"github.com/holonnet/holon/src/gossip"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/net"
	"github.com/holonnet/holon/src/peers"
	"github.com/holonnet/holon/src/ribosome"
	"github.com/holonnet/holon/src/validation"
	"github.com/sirupsen/logrus"
)

// Config collects the per-DNA runtime bounds.
type Config struct {
	Validation validation.Config
	Fetch      fetch.Config
	Gossip     gossip.Config
	Cell       cell.Config

	// Topology and Strat fix the DNA's arc quantization.
	Topology arq.Topology
	Strat    arq.Strat
	// TargetRedundancy is how many authorities each op should reach.
	TargetRedundancy int

	// MembraneProof is committed at genesis.
	MembraneProof []byte

	// InfoTTL is the lifetime of the self-published agent-info record; it
	// is re-signed at half life.
	InfoTTL time.Duration
	// ResizeInterval paces the arc resizing and peer pruning loop.
	ResizeInterval time.Duration

	// BlockInterval is how long a warranted agent stays blocked.
	BlockInterval time.Duration
}

// DefaultConfig returns the node bounds used when the DNA does not override
// them.
func DefaultConfig() Config {
	return Config{
		Validation:       validation.DefaultConfig(),
		Fetch:            fetch.DefaultConfig(),
		Gossip:           gossip.DefaultConfig(),
		Cell:             cell.DefaultConfig(),
		Topology:         arq.Topology{QuantumPower: 12},
		Strat:            arq.Strat{MinPower: 0, MinChunks: 8, MaxChunks: 64},
		TargetRedundancy: 50,
		InfoTTL:          30 * time.Minute,
		ResizeInterval:   10 * time.Second,
		BlockInterval:    24 * time.Hour,
	}
}

// Node is one agent running one DNA.
type Node struct {
	nodeState
	mtx sync.Mutex

	conf   Config
	dna    ribosome.DnaInfo
	priv   *ecdsa.PrivateKey
	agent  hashes.Hash
	logger *logrus.Entry

	trans      net.Transport
	peerStore  *peers.Store
	ops        dht.Store
	chainStore chain.Store
	blocks     *BlockList

	cell     *cell.Cell
	pipeline *validation.Pipeline
	pool     *fetch.Pool
	gossip   *gossip.Manager

	resizer  *arq.Resizer
	cur      arq.Arq
	selfInfo *peers.AgentInfo

	shutdownCh chan struct{}
	once       sync.Once
}

// NewNode wires a node over its stores and transport. Stores are injected so
// the caller picks in-memory or persistent.
func NewNode(
	conf Config,
	dna ribosome.DnaInfo,
	priv *ecdsa.PrivateKey,
	guest ribosome.Guest,
	trans net.Transport,
	chainStore chain.Store,
	opStore dht.Store,
	signals cell.SignalHandler,
	logger *logrus.Entry,
) *Node {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	logger = logger.WithField("dna", dna.Hash.Short())

	agent := hashes.New(hashes.Agent, keys.FromPublicKey(&priv.PublicKey))

	n := &Node{
		conf:       conf,
		dna:        dna,
		priv:       priv,
		agent:      agent,
		logger:     logger,
		trans:      trans,
		peerStore:  peers.NewStore(logger),
		ops:        opStore,
		chainStore: chainStore,
		blocks:     NewBlockList(),
		resizer:    arq.NewResizer(conf.Topology, conf.Strat),
		cur:        arq.Full(conf.Topology),
		shutdownCh: make(chan struct{}),
	}

	n.cell = cell.NewCell(
		conf.Cell, dna, priv, chainStore, opStore, guest,
		n.publishAuthored, signals, logger,
	)

	host := validation.NewDhtHost(opStore, chainStore, dna.Hash, dna.Name, dna.NetworkSeed, logger)
	n.pipeline = validation.NewPipeline(
		conf.Validation, opStore, guest, host, priv,
		n.requestDep, n.onWarrant, logger,
	)

	n.pool = fetch.NewPool(conf.Fetch, &transportFetcher{n: n}, n.onFetched, logger)

	n.gossip = gossip.NewManager(conf.Gossip, dna.Hash, agent, conf.Topology, gossip.Deps{
		Transport: trans,
		Peers:     n.peerStore,
		Ops:       opStore,
		Requester: n.pool,
		SelfInfo:  n.SelfInfo,
		ArqSet:    n.ArqSet,
		Blocked: func(agent hashes.Hash) bool {
			return n.blocks.IsBlockedAgent(agent, time.Now().UnixNano())
		},
	}, logger)

	return n
}

// Agent returns the node's agent hash.
func (n *Node) Agent() hashes.Hash { return n.agent }

// Dna returns the node's DNA identity.
func (n *Node) Dna() ribosome.DnaInfo { return n.dna }

// Cell returns the node's cell.
func (n *Node) Cell() *cell.Cell { return n.cell }

// Blocks returns the node's block list.
func (n *Node) Blocks() *BlockList { return n.blocks }

// Ops returns the node's op store.
func (n *Node) Ops() dht.Store { return n.ops }

// Peers returns the node's peer store.
func (n *Node) Peers() *peers.Store { return n.peerStore }

// Transport returns the node's transport.
func (n *Node) Transport() net.Transport { return n.trans }

// State returns the node's lifecycle state.
func (n *Node) State() State { return n.getState() }

// SelfInfo returns the current self-published agent-info record.
func (n *Node) SelfInfo() *peers.AgentInfo {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.selfInfo
}

// ArqSet returns the node's current storage arc set.
func (n *Node) ArqSet() *arq.Set {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return arq.NewSet(n.conf.Topology, n.cur)
}

// Start runs genesis, publishes the agent-info record, and launches every
// worker.
func (n *Node) Start() error {
	if err := n.cell.Genesis(n.conf.MembraneProof); err != nil {
		return err
	}
	if err := n.refreshSelfInfo(time.Now().UnixNano()); err != nil {
		return err
	}

	n.pipeline.Start()
	n.pool.Start()
	n.cell.Start()

	n.goFunc(n.trans.Listen)
	n.goFunc(n.serve)
	n.goFunc(n.gossipLoop)
	n.goFunc(n.resizeLoop)

	n.setState(Running)
	n.logger.WithField("agent", n.agent.Short()).Debug("node: running")
	return nil
}

// Suspend stops gossiping and declines inbound requests without tearing the
// node down.
func (n *Node) Suspend() {
	if n.getState() == Running {
		n.setState(Suspended)
	}
}

// Resume returns a suspended node to running.
func (n *Node) Resume() {
	if n.getState() == Suspended {
		n.setState(Running)
	}
}

// Shutdown stops every worker and closes the stores and transport.
func (n *Node) Shutdown() {
	n.once.Do(func() {
		n.setState(Shutdown)
		close(n.shutdownCh)

		n.cell.Stop()
		n.pool.Stop()
		n.pipeline.Stop()
		n.trans.Close()
		n.waitRoutines()

		n.ops.Close()
		n.chainStore.Close()

		n.logger.Debug("node: shutdown")
	})
}

// CallZome routes a zome call into the cell.
func (n *Node) CallZome(zome, fn string, payload []byte) ([]byte, error) {
	if n.getState() != Running {
		return nil, fmt.Errorf("node is %s", n.getState())
	}
	return n.cell.CallZome(zome, fn, payload)
}

// ------------------------------------------------------------------------
// Authoring side

// publishAuthored feeds the cell's freshly derived ops into our own pipeline
// and pushes them to the nearest authorities.
func (n *Node) publishAuthored(ops []*dht.Op) {
	for _, op := range ops {
		if err := n.pipeline.Submit(op, n.agent, true); err != nil {
			n.logger.WithField("error", err).Error("node: failed to submit own op")
		}
	}
	n.publishOps(ops)
}

// publishOps pushes ops to the agents nearest each op's basis.
func (n *Node) publishOps(ops []*dht.Op) {
	now := time.Now().UnixNano()

	batches := make(map[string][]*dht.Op)
	for _, op := range ops {
		for _, info := range n.peerStore.GetNear(op.Basis.Loc(), n.conf.TargetRedundancy, now) {
			agent := info.AgentHash()
			if agent.Equal(n.agent) || n.blocks.IsBlockedAgent(agent, now) || len(info.Body.URLs) == 0 {
				continue
			}
			url := info.Body.URLs[0]
			if n.blocks.IsBlockedAddr(url, now) {
				continue
			}
			batches[url] = append(batches[url], op)
		}
	}

	for url, batch := range batches {
		url, batch := url, batch
		n.goFunc(func() {
			var resp net.PublishResponse
			err := n.trans.Publish(url, &net.PublishRequest{
				Dna:  n.dna.Hash,
				From: n.agent,
				Ops:  batch,
			}, &resp)
			if err != nil {
				n.logger.WithFields(logrus.Fields{
					"target": url,
					"error":  err,
				}).Debug("node: publish failed")
			}
		})
	}
}

// requestDep routes a validation dependency request to the fetch pool.
func (n *Node) requestDep(dep hashes.Hash, source hashes.Hash) {
	n.pool.Request(dep, source)
}

// onWarrant publishes a warrant the pipeline authored and blocks the
// offender immediately.
func (n *Node) onWarrant(w *dht.Warrant) {
	now := time.Now().UnixNano()
	n.blocks.Block(
		CellTarget(w.Body.Warranted),
		string(w.Body.Type)+": "+w.Body.Reason,
		now, n.conf.BlockInterval,
	)

	op := w.Op()
	if err := n.pipeline.Submit(op, n.agent, true); err != nil {
		n.logger.WithField("error", err).Error("node: failed to submit own warrant op")
	}
	n.publishOps([]*dht.Op{op})
}

// onFetched hands a pulled op to the pipeline. Ops whose basis fell out of
// our arc between request and delivery are dropped.
func (n *Node) onFetched(op *dht.Op, source hashes.Hash) {
	n.noteWarrant(op)
	if !n.inArc(op.Basis.Loc()) {
		n.logger.WithField("basis", op.Basis.Short()).Debug("node: fetched op is outside our arc")
		return
	}
	if err := n.pipeline.Submit(op, source, false); err != nil {
		n.logger.WithField("error", err).Error("node: failed to submit fetched op")
	}
}

// inArc reports whether a basis location falls inside the arc we currently
// claim. Remote ops outside it are not ours to validate or serve; our own
// authored ops bypass this.
func (n *Node) inArc(loc uint32) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.cur.Contains(n.conf.Topology, loc)
}

// noteWarrant blocks the warranted agent as soon as a signature-valid
// warrant is seen. Evidence checking still happens in the pipeline; a
// warrant that fails there is rejected like any other op.
func (n *Node) noteWarrant(op *dht.Op) {
	if op.Type != dht.WarrantOp || op.Warrant == nil {
		return
	}
	if ok, err := op.Warrant.Verify(); err != nil || !ok {
		return
	}
	n.blocks.Block(
		CellTarget(op.Warrant.Body.Warranted),
		string(op.Warrant.Body.Type)+": "+op.Warrant.Body.Reason,
		time.Now().UnixNano(), n.conf.BlockInterval,
	)
}

// ------------------------------------------------------------------------
// Serving side

func (n *Node) serve() {
	for {
		select {
		case <-n.shutdownCh:
			return
		case rpc := <-n.trans.Consumer():
			n.handleRPC(rpc)
		}
	}
}

func (n *Node) handleRPC(rpc net.RPC) {
	if n.getState() != Running {
		rpc.Respond(nil, fmt.Errorf("node is %s", n.getState()))
		return
	}

	if n.gossip.ServeRPC(rpc) {
		return
	}

	switch cmd := rpc.Command.(type) {
	case *net.FetchRequest:
		rpc.Respond(n.processFetch(cmd), nil)
	case *net.PublishRequest:
		rpc.Respond(n.processPublish(cmd), nil)
	case *net.GetRequest:
		resp, err := n.processGet(cmd)
		rpc.Respond(resp, err)
	default:
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

// processFetch serves the ops we hold, in any lifecycle state. Hashes we do
// not hold are silently absent from the response.
func (n *Node) processFetch(req *net.FetchRequest) *net.FetchResponse {
	resp := &net.FetchResponse{}
	if !req.Dna.Equal(n.dna.Hash) {
		return resp
	}

	for _, h := range req.OpHashes {
		if sop, err := n.ops.Get(h); err == nil {
			resp.Ops = append(resp.Ops, sop.Op)
		}
	}
	return resp
}

// processPublish accepts pushed ops into the pipeline, unless the publisher
// is blocked. Ops whose basis falls outside our claimed arc are refused;
// the publisher picked the wrong authority.
func (n *Node) processPublish(req *net.PublishRequest) *net.PublishResponse {
	resp := &net.PublishResponse{}
	if !req.Dna.Equal(n.dna.Hash) || n.blocks.IsBlockedAgent(req.From, time.Now().UnixNano()) {
		return resp
	}

	for _, op := range req.Ops {
		n.noteWarrant(op)
		if !n.inArc(op.Basis.Loc()) {
			continue
		}
		if err := n.pipeline.Submit(op, req.From, false); err != nil {
			continue
		}
		resp.Accepted++
	}
	return resp
}

// processGet serves integrated data.
func (n *Node) processGet(req *net.GetRequest) (*net.GetResponse, error) {
	if !req.Dna.Equal(n.dna.Hash) {
		return nil, fmt.Errorf("unknown dna %s", req.Dna.Short())
	}

	resp := &net.GetResponse{}
	var err error

	switch req.Kind {
	case net.QueryRecord:
		resp.Record, err = n.ops.GetRecord(req.Hash)
	case net.QueryEntry:
		resp.Details, err = n.ops.GetEntryDetails(req.Hash)
	case net.QueryLinks:
		resp.Links, err = n.ops.GetLinks(req.Hash)
	case net.QueryActivity:
		resp.Activity, err = n.ops.GetAgentActivity(req.Hash)
	case net.QueryWarrants:
		resp.Warrants, err = n.ops.GetWarrants(req.Hash)
	default:
		err = fmt.Errorf("unknown query kind %q", req.Kind)
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ------------------------------------------------------------------------
// Background loops

// gossipLoop initiates rounds while the node is running. The gossip manager
// is driven from here rather than its own loop so Suspend gates it.
func (n *Node) gossipLoop() {
	ticker := time.NewTicker(n.conf.Gossip.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
			if n.getState() != Running {
				continue
			}
			n.gossip.InitiateOnce()
		}
	}
}

// resizeLoop steps the storage arc toward its target coverage, prunes
// expired peers and blocks, and refreshes the self-published record.
func (n *Node) resizeLoop() {
	ticker := time.NewTicker(n.conf.ResizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
			if n.getState() != Running {
				continue
			}
			n.stepArc()
		}
	}
}

func (n *Node) stepArc() {
	now := time.Now().UnixNano()
	n.peerStore.PruneExpired(now)
	n.blocks.PruneExpired(now)

	networkSize := n.peerStore.Len()
	if networkSize < 1 {
		networkSize = 1
	}
	target := arq.TargetLength(networkSize, n.conf.TargetRedundancy)

	n.mtx.Lock()
	next := n.resizer.Step(n.cur, target)
	changed := next != n.cur
	n.cur = next
	stale := n.selfInfo == nil ||
		now-n.selfInfo.Body.SignedAt > n.conf.InfoTTL.Nanoseconds()/2
	n.mtx.Unlock()

	if changed || stale {
		if err := n.refreshSelfInfo(now); err != nil {
			n.logger.WithField("error", err).Error("node: failed to refresh agent info")
		}
	}
}

// refreshSelfInfo signs a fresh agent-info record and stores it locally so
// gossip propagates it.
func (n *Node) refreshSelfInfo(now int64) error {
	n.mtx.Lock()
	cur := n.cur
	n.mtx.Unlock()

	info, err := peers.NewAgentInfo(n.priv, peers.AgentInfoBody{
		Dna:       n.dna.Hash,
		Arq:       cur,
		URLs:      []string{n.trans.AdvertiseAddr()},
		SignedAt:  now,
		ExpiresAt: now + n.conf.InfoTTL.Nanoseconds(),
	})
	if err != nil {
		return err
	}

	n.mtx.Lock()
	n.selfInfo = info
	n.mtx.Unlock()

	return n.peerStore.Insert(info, now)
}

// transportFetcher adapts the transport to the fetch pool's Fetcher.
type transportFetcher struct {
	n *Node
}

// FetchOp pulls one op from one peer.
func (f *transportFetcher) FetchOp(peer hashes.Hash, opHash hashes.Hash) (*dht.Op, error) {
	info, err := f.n.peerStore.Get(peer)
	if err != nil {
		return nil, err
	}
	if len(info.Body.URLs) == 0 {
		return nil, fmt.Errorf("peer %s has no transport address", peer.Short())
	}

	var resp net.FetchResponse
	err = f.n.trans.FetchOps(info.Body.URLs[0], &net.FetchRequest{
		Dna:      f.n.dna.Hash,
		OpHashes: []hashes.Hash{opHash},
	}, &resp)
	if err != nil {
		return nil, err
	}

	for _, op := range resp.Ops {
		h, err := op.Hash()
		if err != nil {
			continue
		}
		if h.Equal(opHash) {
			return op, nil
		}
	}
	return nil, fmt.Errorf("peer %s does not hold op %s", peer.Short(), opHash.Short())
}
