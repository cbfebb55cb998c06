// Package countersigning implements multi-agent atomic commits. Every signer
// locks its chain for the session window, exchanges signed preflight
// responses anchoring each chain head, and commits an identical session entry
// at an identical timestamp. A session that cannot complete inside its window
// unlocks and leaves every chain exactly as it was.
package countersigning

import (
	"bytes"
	"crypto/ecdsa"
	crand "crypto/rand"
	"fmt"
	"sync"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/hashes"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// State is the lifecycle of a session at one signer.
type State string

const (
	// Accepting means the chain is locked and responses are being
	// collected.
	Accepting State = "Accepting"
	// Signing means every signer's response is in and the entry can be
	// committed.
	Signing State = "Signing"
	// Finalized means the session entry is on the chain.
	Finalized State = "Finalized"
	// TimedOut means the window closed before the entry committed.
	TimedOut State = "TimedOut"
	// Abandoned means a signer withdrew before completion.
	Abandoned State = "Abandoned"
)

// terminal reports whether the state accepts no further transitions.
func (s State) terminal() bool {
	return s == Finalized || s == TimedOut || s == Abandoned
}

// SessionTimes is the window inside which every signer must commit.
type SessionTimes struct {
	Start int64
	End   int64
}

// PreflightRequest proposes a countersigned commit to a set of agents.
type PreflightRequest struct {
	SessionID []byte
	Dna       hashes.Hash
	// Entry is the content every signer commits. EntryHash pins it.
	Entry     *chain.Entry
	EntryHash hashes.Hash
	// Signers are the agent hashes of every required countersigner.
	Signers []hashes.Hash
	Times   SessionTimes
}

// Check verifies the request's shape.
func (r *PreflightRequest) Check() error {
	if len(r.SessionID) == 0 {
		return fmt.Errorf("preflight request has no session id")
	}
	if r.Times.End <= r.Times.Start {
		return fmt.Errorf("session window must end after it starts")
	}
	if len(r.Signers) < 2 {
		return fmt.Errorf("countersigning needs at least 2 signers, got %d", len(r.Signers))
	}
	seen := make(map[string]bool, len(r.Signers))
	for _, s := range r.Signers {
		if seen[s.String()] {
			return fmt.Errorf("signer %s listed twice", s.Short())
		}
		seen[s.String()] = true
	}
	if r.Entry == nil {
		return fmt.Errorf("preflight request has no entry")
	}
	entryHash, err := r.Entry.Hash()
	if err != nil {
		return err
	}
	if !entryHash.Equal(r.EntryHash) {
		return fmt.Errorf("entry hash does not match the entry")
	}
	return nil
}

// NewSessionID returns a fresh random session id.
func NewSessionID() []byte {
	buf := make([]byte, 32)
	if _, err := crand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return buf
}

// responseBody is the signed portion of a preflight response.
type responseBody struct {
	SessionID []byte
	Agent     []byte
	HeadSeq   uint32
	HeadHash  hashes.Hash
}

func (b *responseBody) marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)

	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PreflightResponse is one signer's acceptance: it anchors the signer's chain
// head under its signature, committing the signer to not moving it until the
// session resolves.
type PreflightResponse struct {
	Body      responseBody
	Signature string
}

// AgentHash returns the responder's agent hash.
func (r *PreflightResponse) AgentHash() hashes.Hash {
	return hashes.New(hashes.Agent, r.Body.Agent)
}

// Verify checks the responder's signature.
func (r *PreflightResponse) Verify() (bool, error) {
	data, err := r.Body.marshal()
	if err != nil {
		return false, err
	}
	return keys.VerifyString(r.Body.Agent, data, r.Signature)
}

// SessionData is the body of the committed session entry: the request plus
// every signer's response, identical at every signer.
type SessionData struct {
	Request   PreflightRequest
	Responses []*PreflightResponse
}

// Session is one signer's view of a countersigning session.
type Session struct {
	mtx sync.Mutex

	state     State
	req       PreflightRequest
	chain     chain.Store
	priv      *ecdsa.PrivateKey
	agent     hashes.Hash
	logger    *logrus.Entry
	baseSeq   uint32
	baseHead  hashes.Hash
	response  *PreflightResponse
	responses map[string]*PreflightResponse
}

// NewSession accepts a preflight request: it locks the signer's chain,
// anchors the head, and produces the signer's response. The caller must
// resolve the session with Finalize, Abandon, or Expire, or the chain stays
// locked.
func NewSession(
	cs chain.Store,
	priv *ecdsa.PrivateKey,
	req PreflightRequest,
	logger *logrus.Entry,
) (*Session, error) {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if err := req.Check(); err != nil {
		return nil, err
	}

	author := keys.FromPublicKey(&priv.PublicKey)
	agent := hashes.New(hashes.Agent, author)

	listed := false
	for _, s := range req.Signers {
		if s.Equal(agent) {
			listed = true
			break
		}
	}
	if !listed {
		return nil, fmt.Errorf("agent %s is not a signer of this session", agent.Short())
	}

	headSeq, headHash, err := cs.Head()
	if err != nil {
		return nil, err
	}

	if err := cs.Lock(req.SessionID); err != nil {
		return nil, err
	}

	body := responseBody{
		SessionID: req.SessionID,
		Agent:     author,
		HeadSeq:   headSeq,
		HeadHash:  headHash,
	}
	data, err := body.marshal()
	if err != nil {
		cs.Unlock(req.SessionID)
		return nil, err
	}
	sig, err := keys.SignToString(priv, data)
	if err != nil {
		cs.Unlock(req.SessionID)
		return nil, err
	}

	s := &Session{
		state:     Accepting,
		req:       req,
		chain:     cs,
		priv:      priv,
		agent:     agent,
		logger:    logger,
		baseSeq:   headSeq,
		baseHead:  headHash,
		response:  &PreflightResponse{Body: body, Signature: sig},
		responses: make(map[string]*PreflightResponse),
	}
	s.responses[agent.String()] = s.response

	logger.WithFields(logrus.Fields{
		"session": fmt.Sprintf("%x", req.SessionID[:4]),
		"agent":   agent.Short(),
		"signers": len(req.Signers),
	}).Debug("countersigning: session accepted")

	return s, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Response returns this signer's own preflight response, to be sent to the
// other signers.
func (s *Session) Response() *PreflightResponse {
	return s.response
}

// AddResponse records another signer's response. Once every listed signer
// has responded the session moves to Signing.
func (s *Session) AddResponse(resp *PreflightResponse) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != Accepting {
		return fmt.Errorf("session is %s, not accepting responses", s.state)
	}
	if !bytes.Equal(resp.Body.SessionID, s.req.SessionID) {
		return fmt.Errorf("response belongs to a different session")
	}

	agent := resp.AgentHash()
	listed := false
	for _, signer := range s.req.Signers {
		if signer.Equal(agent) {
			listed = true
			break
		}
	}
	if !listed {
		return fmt.Errorf("agent %s is not a signer of this session", agent.Short())
	}

	ok, err := resp.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("response signature from %s does not verify", agent.Short())
	}

	s.responses[agent.String()] = resp

	if len(s.responses) == len(s.req.Signers) {
		s.state = Signing
	}
	return nil
}

// sessionEntry builds the identical entry every signer commits: the app
// entry's content wrapped with the full session evidence.
func (s *Session) sessionEntry() (*chain.Entry, error) {
	data := SessionData{Request: s.req}
	for _, signer := range s.req.Signers {
		data.Responses = append(data.Responses, s.responses[signer.String()])
	}

	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(buf, jh).Encode(data); err != nil {
		return nil, err
	}

	return &chain.Entry{
		Kind:       chain.AppEntry,
		Visibility: chain.Public,
		AppType:    "countersigning_session",
		Body:       buf.Bytes(),
	}, nil
}

// Finalize commits the session entry. It requires every response, a clock
// inside the window, and an unmoved chain head. On success the chain is
// unlocked and the committed record returned for publishing.
func (s *Session) Finalize(now int64) (*chain.Record, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != Signing {
		return nil, fmt.Errorf("session is %s, cannot finalize", s.state)
	}
	if now < s.req.Times.Start || now >= s.req.Times.End {
		s.state = TimedOut
		s.chain.Unlock(s.req.SessionID)
		return nil, fmt.Errorf("session window is closed")
	}

	entry, err := s.sessionEntry()
	if err != nil {
		return nil, err
	}
	entryHash, err := entry.Hash()
	if err != nil {
		return nil, err
	}

	// every signer commits at the window start so the records agree
	action := chain.Action{
		Type:      chain.CreateType,
		Author:    keys.FromPublicKey(&s.priv.PublicKey),
		Timestamp: s.req.Times.Start,
		Seq:       s.baseSeq + 1,
		Prev:      s.baseHead,
		EntryType: chain.AppEntry,
		EntryHash: entryHash,
	}
	record, err := chain.NewRecord(s.priv, action, entry)
	if err != nil {
		return nil, err
	}

	headSeq, headHash, err := s.chain.Head()
	if err != nil {
		return nil, err
	}
	if headSeq != s.baseSeq || !headHash.Equal(s.baseHead) {
		s.state = Abandoned
		s.chain.Unlock(s.req.SessionID)
		return nil, fmt.Errorf("chain head moved during the session")
	}

	if err := s.chain.Unlock(s.req.SessionID); err != nil {
		return nil, err
	}
	if err := s.chain.Append([]*chain.Record{record}); err != nil {
		s.state = Abandoned
		return nil, err
	}

	s.state = Finalized
	s.logger.WithFields(logrus.Fields{
		"session": fmt.Sprintf("%x", s.req.SessionID[:4]),
		"agent":   s.agent.Short(),
	}).Debug("countersigning: session finalized")

	return record, nil
}

// Abandon withdraws from a session that has not finalized and unlocks the
// chain.
func (s *Session) Abandon() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state.terminal() {
		return nil
	}
	s.state = Abandoned
	return s.chain.Unlock(s.req.SessionID)
}

// Expire times the session out if the window has closed without a commit.
// It reports whether the session is now (or already was) terminal.
func (s *Session) Expire(now int64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state.terminal() {
		return true
	}
	if now < s.req.Times.End {
		return false
	}

	s.state = TimedOut
	s.chain.Unlock(s.req.SessionID)
	return true
}
