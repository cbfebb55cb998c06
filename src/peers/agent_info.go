package peers

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/holonnet/holon/src/arq"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/hashes"
	"github.com/ugorji/go/codec"
)

// AgentInfoBody is the signed portion of an agent's self-published network
// record.
type AgentInfoBody struct {
	// Agent is the agent's uncompressed public key.
	Agent []byte
	Dna   hashes.Hash
	// Arq is the storage window the agent claims.
	Arq arq.Arq
	// URLs are the transport addresses the agent is reachable at.
	URLs []string
	// SignedAt and ExpiresAt are unix nanoseconds. A record is only valid
	// while SignedAt < now < ExpiresAt.
	SignedAt  int64
	ExpiresAt int64
}

// AgentInfo is a signed agent network record. Records are immutable; an
// agent refreshes its presence by signing a new body with a later SignedAt.
type AgentInfo struct {
	Body      AgentInfoBody
	Signature string
}

func (b *AgentInfoBody) marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)

	if err := enc.Encode(b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// NewAgentInfo signs an agent-info body with the agent's own key.
func NewAgentInfo(priv *ecdsa.PrivateKey, body AgentInfoBody) (*AgentInfo, error) {
	if body.SignedAt >= body.ExpiresAt {
		return nil, fmt.Errorf("agent info must expire after it is signed")
	}

	body.Agent = keys.FromPublicKey(&priv.PublicKey)

	data, err := body.marshal()
	if err != nil {
		return nil, err
	}

	sig, err := keys.SignToString(priv, data)
	if err != nil {
		return nil, err
	}

	return &AgentInfo{
		Body:      body,
		Signature: sig,
	}, nil
}

// Verify checks the agent's signature over the canonical body bytes.
func (i *AgentInfo) Verify() (bool, error) {
	data, err := i.Body.marshal()
	if err != nil {
		return false, err
	}
	return keys.VerifyString(i.Body.Agent, data, i.Signature)
}

// AgentHash returns the agent hash of the record's author.
func (i *AgentInfo) AgentHash() hashes.Hash {
	return hashes.New(hashes.Agent, i.Body.Agent)
}

// Expired reports whether the record is past its expiry at the given time.
func (i *AgentInfo) Expired(now int64) bool {
	return i.Body.ExpiresAt <= now
}
