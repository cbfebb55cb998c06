package net

import (
	"github.com/holonnet/holon/src/arq"
	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/peers"
)

// InitiateRequest opens a gossip round. It carries the initiator's view:
// its peer infos, its arc set, and a bloom filter of the agent infos it
// already holds so the acceptor only sends what is missing.
type InitiateRequest struct {
	RoundID    string
	Dna        hashes.Hash
	From       hashes.Hash
	Agents     []*peers.AgentInfo
	ArqSet     []arq.Arq
	Timestamp  int64
	AgentBloom []byte
}

// InitiateResponse accepts (or declines) a round. Agents carries the
// acceptor's infos the initiator's bloom indicates as missing.
type InitiateResponse struct {
	RoundID string
	From    hashes.Hash
	Agents  []*peers.AgentInfo
	ArqSet  []arq.Arq
	// TimestampDiff is acceptor time minus initiator time, for slice
	// alignment.
	TimestampDiff int64
	AgentBloom    []byte
	// Declined is set when the acceptor refuses the round (busy, blocked,
	// no arc overlap).
	Declined bool
	Reason   string `json:",omitempty"`
}

// AgentDiffRequest pushes the peer infos the other side's bloom lacked.
type AgentDiffRequest struct {
	RoundID string
	Dna     hashes.Hash
	Agents  []*peers.AgentInfo
}

// AgentDiffResponse reports how many records were accepted.
type AgentDiffResponse struct {
	RoundID  string
	Accepted int
}

// Region is one time slice of the common arc set with the XOR digest of the
// op hashes it holds.
type Region struct {
	From   int64
	Until  int64
	Digest []byte
	Count  int
}

// OpDiffRequest compares regions. The receiver answers per region with its
// own digest; for leaf regions it includes its explicit op-hash list so the
// sender can spot what it is missing.
type OpDiffRequest struct {
	RoundID string
	Dna     hashes.Hash
	ArqSet  []arq.Arq
	Regions []Region
	// Leaf marks the regions as minimum-size slices whose op hashes
	// should be listed outright.
	Leaf bool
}

// RegionResult is the receiver's view of one compared region.
type RegionResult struct {
	Region   Region
	Match    bool
	OpHashes []hashes.Hash `json:",omitempty"`
}

// OpDiffResponse carries the per-region comparison results.
type OpDiffResponse struct {
	RoundID string
	Results []RegionResult
}

// FetchRequest asks a peer for ops by hash. The fetch pool is the only
// caller.
type FetchRequest struct {
	Dna      hashes.Hash
	OpHashes []hashes.Hash
}

// FetchResponse returns the ops the peer holds. Hashes the peer does not
// hold are silently absent.
type FetchResponse struct {
	Ops []*dht.Op
}

// PublishRequest pushes freshly authored ops to an authority.
type PublishRequest struct {
	Dna  hashes.Hash
	From hashes.Hash
	Ops  []*dht.Op
}

// PublishResponse acknowledges how many ops were accepted into the
// receiver's pipeline.
type PublishResponse struct {
	Accepted int
}

// QueryKind selects what a GetRequest asks for.
type QueryKind string

const (
	QueryRecord   QueryKind = "Record"
	QueryEntry    QueryKind = "Entry"
	QueryLinks    QueryKind = "Links"
	QueryActivity QueryKind = "Activity"
	QueryWarrants QueryKind = "Warrants"
)

// GetRequest asks an authority for integrated data at a hash.
type GetRequest struct {
	Dna  hashes.Hash
	Kind QueryKind
	Hash hashes.Hash
}

// GetResponse carries whichever projection was asked for.
type GetResponse struct {
	Record   *chain.Record        `json:",omitempty"`
	Details  *dht.EntryDetails    `json:",omitempty"`
	Links    []*dht.Link          `json:",omitempty"`
	Activity []*dht.ActivityEntry `json:",omitempty"`
	Warrants []*dht.Warrant       `json:",omitempty"`
}
