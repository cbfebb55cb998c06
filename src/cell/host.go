package cell

import (
	crand "crypto/rand"
	"fmt"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/ribosome"
)

// callHost is the host surface handed to the guest. During a zome call it
// writes into the call's scratch; outside one (post-commit) the scratch is
// nil and writes fail.
type callHost struct {
	cell    *Cell
	scratch *chain.Scratch
}

// ------------------------------------------------------------------------
// Deterministic surface

func (h *callHost) VerifySignature(pub []byte, data []byte, sig string) (bool, error) {
	return keys.VerifyString(pub, data, sig)
}

func (h *callHost) HashOf(kind hashes.Kind, data []byte) hashes.Hash {
	return hashes.New(kind, data)
}

// MustGetAction resolves an action hash against the scratch overlay first,
// then the integrated DHT view.
func (h *callHost) MustGetAction(actionHash hashes.Hash) (*chain.Record, error) {
	if h.scratch != nil {
		if r, err := h.scratch.Get(actionHash); err == nil {
			return r, nil
		}
	} else if r, err := h.cell.chain.Get(actionHash); err == nil {
		return r, nil
	}
	return h.cell.ops.GetRecord(actionHash)
}

func (h *callHost) MustGetEntry(entryHash hashes.Hash) (*chain.Entry, error) {
	if details, err := h.cell.ops.GetEntryDetails(entryHash); err == nil && details.Entry != nil {
		return details.Entry, nil
	}

	// fall back to the agent's own chain for private entries
	records, err := h.Query(&chain.Filter{EntryHashes: []hashes.Hash{entryHash}})
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Entry != nil {
			return r.Entry, nil
		}
	}
	return nil, fmt.Errorf("entry %s is not resolvable", entryHash.Short())
}

// MustGetValidRecord resolves an action hash against validated sources
// only. Each source MustGetAction consults already carries that guarantee:
// the scratch and the agent's own chain hold self-authored records that
// pass self-validation before commit, and the op store's record index is
// populated exclusively at integration. Pending or rejected ops are never
// served through any of them.
func (h *callHost) MustGetValidRecord(actionHash hashes.Hash) (*chain.Record, error) {
	return h.MustGetAction(actionHash)
}

func (h *callHost) DnaInfo() ribosome.DnaInfo {
	return h.cell.dna
}

func (h *callHost) Trace(msg string) {
	h.cell.logger.WithField("agent", h.cell.agent.Short()).Debug(msg)
}

// ------------------------------------------------------------------------
// Chain writes

// putAction fills the authoring fields, signs the record, and appends it to
// the scratch.
func (h *callHost) putAction(action chain.Action, entry *chain.Entry) (hashes.Hash, error) {
	if h.scratch == nil {
		return hashes.Hash{}, fmt.Errorf("chain writes are only allowed inside a zome call")
	}

	action.Author = h.cell.author
	action.Timestamp = chain.Now()
	action.Seq = h.scratch.NextSeq()

	if action.Seq > 0 {
		_, head, err := h.scratch.Head()
		if err != nil {
			return hashes.Hash{}, err
		}
		action.Prev = head
	}

	record, err := chain.NewRecord(h.cell.priv, action, entry)
	if err != nil {
		return hashes.Hash{}, err
	}
	if err := h.scratch.Put(record); err != nil {
		return hashes.Hash{}, err
	}

	return record.Action.Hash()
}

func (h *callHost) Create(entry *chain.Entry) (hashes.Hash, error) {
	entryHash, err := entry.Hash()
	if err != nil {
		return hashes.Hash{}, err
	}
	return h.putAction(chain.Action{
		Type:      chain.CreateType,
		EntryType: entry.Kind,
		EntryHash: entryHash,
	}, entry)
}

func (h *callHost) Update(originalAction hashes.Hash, entry *chain.Entry) (hashes.Hash, error) {
	original, err := h.MustGetAction(originalAction)
	if err != nil {
		return hashes.Hash{}, err
	}
	if !original.Action.HasEntry() {
		return hashes.Hash{}, fmt.Errorf("update target %s carries no entry", originalAction.Short())
	}

	entryHash, err := entry.Hash()
	if err != nil {
		return hashes.Hash{}, err
	}
	return h.putAction(chain.Action{
		Type:           chain.UpdateType,
		EntryType:      entry.Kind,
		EntryHash:      entryHash,
		OriginalAction: originalAction,
		OriginalEntry:  original.Action.EntryHash,
	}, entry)
}

func (h *callHost) Delete(deletesAction hashes.Hash) (hashes.Hash, error) {
	target, err := h.MustGetAction(deletesAction)
	if err != nil {
		return hashes.Hash{}, err
	}
	if !target.Action.HasEntry() {
		return hashes.Hash{}, fmt.Errorf("delete target %s carries no entry", deletesAction.Short())
	}

	return h.putAction(chain.Action{
		Type:          chain.DeleteType,
		DeletesAction: deletesAction,
		DeletesEntry:  target.Action.EntryHash,
	}, nil)
}

func (h *callHost) CreateLink(base, target hashes.Hash, tag []byte) (hashes.Hash, error) {
	return h.putAction(chain.Action{
		Type:   chain.CreateLinkType,
		Base:   base,
		Target: target,
		Tag:    tag,
	}, nil)
}

func (h *callHost) DeleteLink(linkAction hashes.Hash) (hashes.Hash, error) {
	link, err := h.MustGetAction(linkAction)
	if err != nil {
		return hashes.Hash{}, err
	}
	if link.Action.Type != chain.CreateLinkType {
		return hashes.Hash{}, fmt.Errorf("delete-link target %s is a %s action", linkAction.Short(), link.Action.Type)
	}

	return h.putAction(chain.Action{
		Type:       chain.DeleteLinkType,
		LinkAction: linkAction,
		Base:       link.Action.Base,
	}, nil)
}

func (h *callHost) OpenChain(prevChain hashes.Hash) (hashes.Hash, error) {
	out := h.cell.guest.MigrateOpen(h, prevChain)
	if out.Code != ribosome.CodeValid {
		return hashes.Hash{}, fmt.Errorf("migrate open refused: %s", out.Reason)
	}
	return h.putAction(chain.Action{
		Type:        chain.OpenChainType,
		ChainTarget: prevChain,
	}, nil)
}

func (h *callHost) CloseChain(newChain hashes.Hash) (hashes.Hash, error) {
	out := h.cell.guest.MigrateClose(h, newChain)
	if out.Code != ribosome.CodeValid {
		return hashes.Hash{}, fmt.Errorf("migrate close refused: %s", out.Reason)
	}
	return h.putAction(chain.Action{
		Type:        chain.CloseChainType,
		ChainTarget: newChain,
	}, nil)
}

// ------------------------------------------------------------------------
// Reads

func (h *callHost) Get(actionHash hashes.Hash) (*chain.Record, error) {
	return h.MustGetAction(actionHash)
}

func (h *callHost) GetDetails(entryHash hashes.Hash) (*dht.EntryDetails, error) {
	return h.cell.ops.GetEntryDetails(entryHash)
}

func (h *callHost) GetLatest(entryHash hashes.Hash) (*chain.Record, error) {
	return dht.ResolveLatest(h.cell.ops, entryHash)
}

func (h *callHost) GetLinks(base hashes.Hash) ([]*dht.Link, error) {
	return h.cell.ops.GetLinks(base)
}

func (h *callHost) GetAgentActivity(agent hashes.Hash) ([]*dht.ActivityEntry, error) {
	return h.cell.ops.GetAgentActivity(agent)
}

// Query runs a filter over the agent's own chain, scratch included during a
// call.
func (h *callHost) Query(f *chain.Filter) ([]*chain.Record, error) {
	if h.scratch != nil {
		return h.scratch.Query(f)
	}
	return h.cell.chain.Query(f)
}

// ------------------------------------------------------------------------
// Ambient

func (h *callHost) EmitSignal(payload []byte) error {
	h.cell.emitSignal(payload)
	return nil
}

func (h *callHost) Sign(data []byte) (string, error) {
	return keys.SignToString(h.cell.priv, data)
}

func (h *callHost) SysTime() int64 {
	return chain.Now()
}

func (h *callHost) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := crand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h *callHost) AgentHash() hashes.Hash {
	return h.cell.agent
}
