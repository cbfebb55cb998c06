// Package gossip drives the anti-entropy protocol between peers of one DNA.
// A round compares agent-info stores with bloom filters and compares op holdings
// by recursively subdividing XOR region digests over the common arc set. Rounds
// only ever exchange op hashes; op payloads are pulled through the fetch pool.
package gossip

import (
	crand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/holonnet/holon/src/arq"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/net"
	"github.com/holonnet/holon/src/peers"
	"github.com/sirupsen/logrus"
)

// maxDiffDepth bounds the region subdivision loop of one round.
const maxDiffDepth = 48

// Config bounds the gossip schedule.
type Config struct {
	// Interval is the pace of the initiation loop.
	Interval time.Duration
	// MinSlice is the smallest time window a region is subdivided into;
	// at that size op hashes are listed outright.
	MinSlice time.Duration
	// PeerInterval is the minimum time between successful rounds with the
	// same peer.
	PeerInterval time.Duration
	// ErrorCooldown keeps a peer out of partner selection after a failed
	// round.
	ErrorCooldown time.Duration
	// MaxRegions caps the regions carried by one OpDiff request.
	MaxRegions int
	// BloomBits and BloomK size the agent-info bloom filter.
	BloomBits int
	BloomK    int
	// InboundRate and InboundBurst token-bucket the rounds we accept.
	InboundRate  float64
	InboundBurst int
	// InboundKBps and OutboundKBps budget the bandwidth gossip may use in
	// each direction, in kilobytes per second. Every message of a round is
	// charged by wire size; an empty budget makes the round wait for the
	// refill. Zero disables a budget.
	InboundKBps  int
	OutboundKBps int
}

// DefaultConfig returns the gossip bounds used when the DNA does not override
// them.
func DefaultConfig() Config {
	return Config{
		Interval:      500 * time.Millisecond,
		MinSlice:      5 * time.Minute,
		PeerInterval:  5 * time.Second,
		ErrorCooldown: 30 * time.Second,
		MaxRegions:    64,
		BloomBits:     1024,
		BloomK:        3,
		InboundRate:   4,
		InboundBurst:  8,
		InboundKBps:   1024,
		OutboundKBps:  1024,
	}
}

// OpRequester receives the op hashes a round found missing. The fetch pool
// implements it.
type OpRequester interface {
	Request(opHash hashes.Hash, source hashes.Hash)
}

// Deps wires the manager to the rest of the node.
type Deps struct {
	Transport net.Transport
	Peers     *peers.Store
	Ops       dht.Store
	Requester OpRequester
	// SelfInfo returns our current signed agent-info record, or nil before
	// the first publish.
	SelfInfo func() *peers.AgentInfo
	// ArqSet returns our current storage arc set.
	ArqSet func() *arq.Set
	// Blocked reports whether an agent is blocked for this DNA.
	Blocked func(agent hashes.Hash) bool
}

// contact is the per-peer gossip history used for partner selection.
type contact struct {
	lastSuccess int64
	lastError   int64
}

// Manager runs the initiation loop and answers the gossip RPCs of one DNA.
type Manager struct {
	mtx sync.Mutex

	conf   Config
	dna    hashes.Hash
	agent  hashes.Hash
	topo   arq.Topology
	deps   Deps
	logger *logrus.Entry

	contacts map[string]*contact
	forced   []hashes.Hash
	inbound  *tokenBucket
	inBytes  *byteBucket
	outBytes *byteBucket

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	started    bool
}

// NewManager creates a gossip manager for one DNA.
func NewManager(
	conf Config,
	dna hashes.Hash,
	agent hashes.Hash,
	topo arq.Topology,
	deps Deps,
	logger *logrus.Entry,
) *Manager {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Manager{
		conf:       conf,
		dna:        dna,
		agent:      agent,
		topo:       topo,
		deps:       deps,
		logger:     logger,
		contacts:   make(map[string]*contact),
		inbound:    newTokenBucket(conf.InboundRate, conf.InboundBurst),
		inBytes:    newByteBucket(conf.InboundKBps),
		outBytes:   newByteBucket(conf.OutboundKBps),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the initiation loop.
func (m *Manager) Start() {
	m.mtx.Lock()
	if m.started {
		m.mtx.Unlock()
		return
	}
	m.started = true
	m.mtx.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Stop shuts the initiation loop down and waits for the running round.
func (m *Manager) Stop() {
	close(m.shutdownCh)
	m.wg.Wait()
}

// ForceInitiate queues an agent for immediate partner selection, bypassing
// cooldowns.
func (m *Manager) ForceInitiate(agent hashes.Hash) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.forced = append(m.forced, agent)
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-ticker.C:
			m.InitiateOnce()
		}
	}
}

// InitiateOnce picks a partner and runs one round with it. Nodes that gate
// gossip on their own lifecycle call this instead of Start.
func (m *Manager) InitiateOnce() {
	now := time.Now().UnixNano()
	partner := m.pickPartner(now)
	if partner == nil {
		return
	}
	if err := m.runRound(partner); err != nil {
		m.logger.WithFields(logrus.Fields{
			"peer":  partner.AgentHash().Short(),
			"error": err,
		}).Debug("gossip: round failed")
	}
}

// pickPartner chooses the next peer to initiate with. Forced agents go first,
// then never-contacted peers at random, then the peer with the oldest
// successful round.
func (m *Manager) pickPartner(now int64) *peers.AgentInfo {
	m.mtx.Lock()
	for len(m.forced) > 0 {
		agent := m.forced[0]
		m.forced = m.forced[1:]
		m.mtx.Unlock()
		if info, err := m.deps.Peers.Get(agent); err == nil && m.eligible(info, now, true) {
			return info
		}
		m.mtx.Lock()
	}
	m.mtx.Unlock()

	var fresh []*peers.AgentInfo
	var best *peers.AgentInfo
	var bestSuccess int64

	for _, info := range m.deps.Peers.All(now) {
		if !m.eligible(info, now, false) {
			continue
		}

		c := m.contactFor(info.AgentHash())
		if c.lastSuccess == 0 {
			fresh = append(fresh, info)
			continue
		}
		if best == nil || c.lastSuccess < bestSuccess {
			best = info
			bestSuccess = c.lastSuccess
		}
	}

	if len(fresh) > 0 {
		return fresh[rand.Intn(len(fresh))]
	}
	return best
}

// eligible applies the static partner filters. Forced selection skips the
// cooldowns but not the block list or arc overlap.
func (m *Manager) eligible(info *peers.AgentInfo, now int64, forced bool) bool {
	agent := info.AgentHash()

	if agent.Equal(m.agent) {
		return false
	}
	if len(info.Body.URLs) == 0 {
		return false
	}
	if m.deps.Blocked != nil && m.deps.Blocked(agent) {
		return false
	}
	if !m.deps.ArqSet().Intersects(info.Body.Arq) {
		return false
	}

	if forced {
		return true
	}

	c := m.contactFor(agent)
	if c.lastError != 0 && now-c.lastError < m.conf.ErrorCooldown.Nanoseconds() {
		return false
	}
	if c.lastSuccess != 0 && now-c.lastSuccess < m.conf.PeerInterval.Nanoseconds() {
		return false
	}
	return true
}

func (m *Manager) contactFor(agent hashes.Hash) *contact {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c, ok := m.contacts[agent.String()]
	if !ok {
		c = &contact{}
		m.contacts[agent.String()] = c
	}
	return c
}

func (m *Manager) recordSuccess(agent hashes.Hash, now int64) {
	c := m.contactFor(agent)
	m.mtx.Lock()
	c.lastSuccess = now
	c.lastError = 0
	m.mtx.Unlock()
}

func (m *Manager) recordError(agent hashes.Hash, now int64) {
	c := m.contactFor(agent)
	m.mtx.Lock()
	c.lastError = now
	m.mtx.Unlock()
}

// infoKey is the bloom membership key of an agent-info record. SignedAt is
// part of the key so a refreshed record still propagates.
func infoKey(info *peers.AgentInfo) []byte {
	key := make([]byte, 0, 44)
	key = append(key, info.AgentHash().Digest()...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(info.Body.SignedAt))
	return append(key, ts[:]...)
}

// knownInfos returns every record we could push, our own included.
func (m *Manager) knownInfos(now int64) []*peers.AgentInfo {
	infos := m.deps.Peers.All(now)
	if self := m.deps.SelfInfo(); self != nil {
		found := false
		for _, info := range infos {
			if info.AgentHash().Equal(self.AgentHash()) {
				found = true
				break
			}
		}
		if !found {
			infos = append(infos, self)
		}
	}
	return infos
}

func (m *Manager) buildBloom(now int64) *Bloom {
	bloom := NewBloom(m.conf.BloomBits, m.conf.BloomK)
	for _, info := range m.knownInfos(now) {
		bloom.Add(infoKey(info))
	}
	return bloom
}

// missingFrom returns our records the given bloom does not contain.
func (m *Manager) missingFrom(bloomBits []byte, now int64) []*peers.AgentInfo {
	bloom := BloomFromBytes(bloomBits, m.conf.BloomK)

	var missing []*peers.AgentInfo
	for _, info := range m.knownInfos(now) {
		if !bloom.Has(infoKey(info)) {
			missing = append(missing, info)
		}
	}
	return missing
}

func (m *Manager) insertInfos(infos []*peers.AgentInfo, now int64) int {
	accepted := 0
	for _, info := range infos {
		if err := m.deps.Peers.Insert(info, now); err == nil {
			accepted++
		}
	}
	return accepted
}

// RunRoundWith initiates a full round with one peer immediately.
func (m *Manager) RunRoundWith(info *peers.AgentInfo) error {
	return m.runRound(info)
}

func (m *Manager) runRound(info *peers.AgentInfo) error {
	peerAgent := info.AgentHash()
	target := info.Body.URLs[0]
	now := time.Now().UnixNano()

	req := &net.InitiateRequest{
		RoundID:    randomID(),
		Dna:        m.dna,
		From:       m.agent,
		Timestamp:  now,
		AgentBloom: m.buildBloom(now).Bytes(),
	}
	if self := m.deps.SelfInfo(); self != nil {
		req.Agents = []*peers.AgentInfo{self}
	}
	req.ArqSet = m.deps.ArqSet().Arqs

	m.outBytes.take(messageSize(req))
	var resp net.InitiateResponse
	if err := m.deps.Transport.Initiate(target, req, &resp); err != nil {
		m.recordError(peerAgent, now)
		return err
	}
	m.inBytes.take(messageSize(&resp))
	if resp.Declined {
		m.recordError(peerAgent, now)
		m.logger.WithFields(logrus.Fields{
			"peer":   peerAgent.Short(),
			"reason": resp.Reason,
		}).Debug("gossip: round declined")
		return nil
	}

	m.insertInfos(resp.Agents, now)

	// push the records the acceptor's bloom lacked
	if missing := m.missingFrom(resp.AgentBloom, now); len(missing) > 0 {
		diffReq := &net.AgentDiffRequest{
			RoundID: req.RoundID,
			Dna:     m.dna,
			Agents:  missing,
		}
		m.outBytes.take(messageSize(diffReq))
		var diffResp net.AgentDiffResponse
		if err := m.deps.Transport.AgentDiff(target, diffReq, &diffResp); err != nil {
			m.recordError(peerAgent, now)
			return err
		}
		m.inBytes.take(messageSize(&diffResp))
	}

	// the op diff only runs over locations both sides claim; disjoint arcs
	// end the round here
	if hasCommonArc(m.deps.ArqSet(), resp.ArqSet) {
		cov := intersectCov{
			a: m.deps.ArqSet(),
			b: arq.NewSet(m.topo, resp.ArqSet...),
		}
		if err := m.diffOps(target, req.RoundID, cov, now, peerAgent); err != nil {
			m.recordError(peerAgent, now)
			return err
		}
	}

	m.recordSuccess(peerAgent, time.Now().UnixNano())
	return nil
}

// diffOps walks the region tree against one peer. Mismatched regions are
// halved until they reach MinSlice, at which point the peer lists its op
// hashes outright and we queue what we are missing.
func (m *Manager) diffOps(target, roundID string, cov dht.Coverage, now int64, peerAgent hashes.Hash) error {
	root, err := m.region(cov, 0, now)
	if err != nil {
		return err
	}

	pending := []net.Region{root}
	minSlice := m.conf.MinSlice.Nanoseconds()

	for depth := 0; len(pending) > 0 && depth < maxDiffDepth; depth++ {
		var inner, leaf []net.Region
		for _, r := range pending {
			if r.Until-r.From <= minSlice {
				leaf = append(leaf, r)
			} else {
				inner = append(inner, r)
			}
		}
		pending = nil

		for _, batch := range batches(leaf, m.conf.MaxRegions) {
			results, err := m.sendOpDiff(target, roundID, batch, true)
			if err != nil {
				return err
			}
			for _, res := range results {
				if res.Match {
					continue
				}
				if err := m.requestMissing(cov, res, peerAgent); err != nil {
					return err
				}
			}
		}

		for _, batch := range batches(inner, m.conf.MaxRegions) {
			results, err := m.sendOpDiff(target, roundID, batch, false)
			if err != nil {
				return err
			}
			for _, res := range results {
				if res.Match {
					continue
				}
				halves, err := m.split(cov, res.Region)
				if err != nil {
					return err
				}
				pending = append(pending, halves...)
			}
		}
	}

	return nil
}

func (m *Manager) sendOpDiff(target, roundID string, regions []net.Region, leaf bool) ([]net.RegionResult, error) {
	req := &net.OpDiffRequest{
		RoundID: roundID,
		Dna:     m.dna,
		ArqSet:  m.deps.ArqSet().Arqs,
		Regions: regions,
		Leaf:    leaf,
	}
	m.outBytes.take(messageSize(req))

	var resp net.OpDiffResponse
	if err := m.deps.Transport.OpDiff(target, req, &resp); err != nil {
		return nil, err
	}
	m.inBytes.take(messageSize(&resp))

	return resp.Results, nil
}

// requestMissing queues the peer's op hashes we do not hold into the fetch
// pool.
func (m *Manager) requestMissing(cov dht.Coverage, res net.RegionResult, peerAgent hashes.Hash) error {
	ours, err := m.deps.Ops.HashesInWindow(cov, res.Region.From, res.Region.Until)
	if err != nil {
		return err
	}

	held := make(map[string]bool, len(ours))
	for _, h := range ours {
		held[h.String()] = true
	}

	for _, h := range res.OpHashes {
		if held[h.String()] || m.deps.Ops.Has(h) {
			continue
		}
		m.deps.Requester.Request(h, peerAgent)
	}
	return nil
}

func (m *Manager) region(cov dht.Coverage, from, until int64) (net.Region, error) {
	digest, count, err := m.deps.Ops.RegionHash(cov, from, until)
	if err != nil {
		return net.Region{}, err
	}
	return net.Region{From: from, Until: until, Digest: digest, Count: count}, nil
}

func (m *Manager) split(cov dht.Coverage, r net.Region) ([]net.Region, error) {
	mid := r.From + (r.Until-r.From)/2

	lo, err := m.region(cov, r.From, mid)
	if err != nil {
		return nil, err
	}
	hi, err := m.region(cov, mid, r.Until)
	if err != nil {
		return nil, err
	}
	return []net.Region{lo, hi}, nil
}

func batches(regions []net.Region, max int) [][]net.Region {
	if max <= 0 {
		max = len(regions)
	}
	var out [][]net.Region
	for len(regions) > max {
		out = append(out, regions[:max])
		regions = regions[max:]
	}
	if len(regions) > 0 {
		out = append(out, regions)
	}
	return out
}

// hasCommonArc reports whether any of our arcs overlaps any of theirs.
func hasCommonArc(ours *arq.Set, theirs []arq.Arq) bool {
	for _, a := range theirs {
		if ours.Intersects(a) {
			return true
		}
	}
	return false
}

// intersectCov scopes region scans to the locations both sides claim.
type intersectCov struct {
	a dht.Coverage
	b dht.Coverage
}

func (c intersectCov) Contains(loc uint32) bool {
	return c.a.Contains(loc) && c.b.Contains(loc)
}

func randomID() string {
	buf := make([]byte, 16)
	if _, err := crand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
