package chain

import (
	"bytes"

	"github.com/holonnet/holon/src/hashes"
	"github.com/ugorji/go/codec"
)

// EntryKind identifies the four entry families.
type EntryKind string

const (
	// AgentEntry is the agent-key entry written at genesis. Its body is the
	// author's public key.
	AgentEntry EntryKind = "Agent"
	// AppEntry is an application-defined entry. Its body is opaque bytes.
	AppEntry EntryKind = "App"
	// CapClaimEntry is a private capability claim.
	CapClaimEntry EntryKind = "CapClaim"
	// CapGrantEntry is a private capability grant.
	CapGrantEntry EntryKind = "CapGrant"
)

// EntryVisibility says whether an entry's body is published to the DHT or
// kept on the author's chain only.
type EntryVisibility string

const (
	// Public entries are published with their StoreEntry op.
	Public EntryVisibility = "Public"
	// Private entries never leave the author's chain; only their actions
	// are published.
	Private EntryVisibility = "Private"
)

// Entry is the content addressed by an entry-bearing action.
type Entry struct {
	Kind       EntryKind
	Visibility EntryVisibility
	// AppType is the application-defined entry type name. Only set for
	// AppEntry entries.
	AppType string `json:",omitempty"`
	Body    []byte
}

// Visibility of capability entries is always private; agent and app entries
// default to public.
func defaultVisibility(kind EntryKind) EntryVisibility {
	switch kind {
	case CapClaimEntry, CapGrantEntry:
		return Private
	}
	return Public
}

// NewAgentEntry builds the genesis agent-key entry for a public key.
func NewAgentEntry(pubKey []byte) *Entry {
	return &Entry{
		Kind:       AgentEntry,
		Visibility: Public,
		Body:       pubKey,
	}
}

// NewAppEntry builds a public application entry.
func NewAppEntry(appType string, body []byte) *Entry {
	return &Entry{
		Kind:       AppEntry,
		Visibility: Public,
		AppType:    appType,
		Body:       body,
	}
}

// NewPrivateEntry builds a private entry of the given kind.
func NewPrivateEntry(kind EntryKind, body []byte) *Entry {
	return &Entry{
		Kind:       kind,
		Visibility: Private,
		Body:       body,
	}
}

// Marshal returns the canonical JSON encoding of the Entry.
func (e *Entry) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(e); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal converts canonical JSON back to an Entry.
func (e *Entry) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(e)
}

// Hash returns the typed hash of the canonical entry bytes. An agent entry
// hashes to the agent hash of its key so that entry lookups by agent address
// resolve.
func (e *Entry) Hash() (hashes.Hash, error) {
	if e.Kind == AgentEntry {
		return hashes.New(hashes.Agent, e.Body), nil
	}
	data, err := e.Marshal()
	if err != nil {
		return hashes.Hash{}, err
	}
	return hashes.New(hashes.Entry, data), nil
}
