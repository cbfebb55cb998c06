package gossip

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/holonnet/holon/src/arq"
	"github.com/holonnet/holon/src/net"
)

// ServeRPC answers one gossip RPC. It reports whether the command was a
// gossip command; the caller routes everything else elsewhere.
func (m *Manager) ServeRPC(rpc net.RPC) bool {
	switch cmd := rpc.Command.(type) {
	case *net.InitiateRequest:
		m.inBytes.take(messageSize(cmd))
		resp := m.processInitiate(cmd)
		m.outBytes.take(messageSize(resp))
		rpc.Respond(resp, nil)
	case *net.AgentDiffRequest:
		m.inBytes.take(messageSize(cmd))
		resp := m.processAgentDiff(cmd)
		m.outBytes.take(messageSize(resp))
		rpc.Respond(resp, nil)
	case *net.OpDiffRequest:
		m.inBytes.take(messageSize(cmd))
		resp := m.processOpDiff(cmd)
		m.outBytes.take(messageSize(resp))
		rpc.Respond(resp, nil)
	default:
		return false
	}
	return true
}

// decline builds a refused InitiateResponse.
func (m *Manager) decline(roundID, reason string) *net.InitiateResponse {
	return &net.InitiateResponse{
		RoundID:  roundID,
		From:     m.agent,
		Declined: true,
		Reason:   reason,
	}
}

// processInitiate accepts or declines a round. Accepting counts as a
// successful contact with the initiator so partner selection does not
// immediately dial them back.
func (m *Manager) processInitiate(req *net.InitiateRequest) *net.InitiateResponse {
	if !req.Dna.Equal(m.dna) {
		return m.decline(req.RoundID, "unknown dna")
	}
	if m.deps.Blocked != nil && m.deps.Blocked(req.From) {
		return m.decline(req.RoundID, "blocked")
	}
	if !m.inbound.allow() {
		return m.decline(req.RoundID, "rate limited")
	}

	ours := m.deps.ArqSet()
	overlap := false
	for _, a := range req.ArqSet {
		if ours.Intersects(a) {
			overlap = true
			break
		}
	}
	if !overlap {
		return m.decline(req.RoundID, "no arc overlap")
	}

	now := time.Now().UnixNano()
	m.insertInfos(req.Agents, now)
	m.recordSuccess(req.From, now)

	return &net.InitiateResponse{
		RoundID:       req.RoundID,
		From:          m.agent,
		Agents:        m.missingFrom(req.AgentBloom, now),
		ArqSet:        ours.Arqs,
		TimestampDiff: now - req.Timestamp,
		AgentBloom:    m.buildBloom(now).Bytes(),
	}
}

func (m *Manager) processAgentDiff(req *net.AgentDiffRequest) *net.AgentDiffResponse {
	accepted := 0
	if req.Dna.Equal(m.dna) {
		accepted = m.insertInfos(req.Agents, time.Now().UnixNano())
	}
	return &net.AgentDiffResponse{
		RoundID:  req.RoundID,
		Accepted: accepted,
	}
}

// processOpDiff compares the sender's regions against our holdings over the
// common arc set. No round state is kept; every request carries everything
// needed to answer it.
func (m *Manager) processOpDiff(req *net.OpDiffRequest) *net.OpDiffResponse {
	resp := &net.OpDiffResponse{RoundID: req.RoundID}
	if !req.Dna.Equal(m.dna) {
		return resp
	}

	cov := intersectCov{
		a: m.deps.ArqSet(),
		b: arq.NewSet(m.topo, req.ArqSet...),
	}

	for _, r := range req.Regions {
		digest, count, err := m.deps.Ops.RegionHash(cov, r.From, r.Until)
		if err != nil {
			continue
		}

		res := net.RegionResult{
			Region: r,
			Match:  count == r.Count && bytes.Equal(digest, r.Digest),
		}
		if req.Leaf && !res.Match {
			if hs, err := m.deps.Ops.HashesInWindow(cov, r.From, r.Until); err == nil {
				res.OpHashes = hs
			}
		}
		resp.Results = append(resp.Results, res)
	}

	return resp
}

// tokenBucket rate limits inbound round accepts.
type tokenBucket struct {
	mtx    sync.Mutex
	tokens float64
	rate   float64
	burst  float64
	last   time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens: float64(burst),
		rate:   rate,
		burst:  float64(burst),
		last:   time.Now(),
	}
}

func (t *tokenBucket) allow() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	now := time.Now()
	t.tokens += now.Sub(t.last).Seconds() * t.rate
	if t.tokens > t.burst {
		t.tokens = t.burst
	}
	t.last = now

	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

// byteBucket budgets gossip bandwidth in one direction. Charges may
// overdraw; the caller then sleeps off the debt, which throttles the round
// without ever refusing a message outright.
type byteBucket struct {
	mtx    sync.Mutex
	tokens float64
	rate   float64
	burst  float64
	last   time.Time
}

// newByteBucket sizes a bucket from a kilobytes-per-second budget. The burst
// is one second of budget. A non-positive budget disables the bucket.
func newByteBucket(kbps int) *byteBucket {
	if kbps <= 0 {
		return &byteBucket{}
	}
	rate := float64(kbps) * 1024
	return &byteBucket{
		tokens: rate,
		rate:   rate,
		burst:  rate,
		last:   time.Now(),
	}
}

// take charges size bytes against the budget and yields until the bucket is
// no longer overdrawn.
func (b *byteBucket) take(size int) {
	if b.rate == 0 {
		return
	}

	b.mtx.Lock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
	b.tokens -= float64(size)

	var wait time.Duration
	if b.tokens < 0 {
		wait = time.Duration(-b.tokens / b.rate * float64(time.Second))
	}
	b.mtx.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

// messageSize is the wire size a message charges against a bandwidth
// budget, using the transport's JSON encoding.
func messageSize(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
