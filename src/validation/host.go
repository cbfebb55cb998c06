package validation

import (
	"github.com/holonnet/holon/src/chain"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/ribosome"
	"github.com/sirupsen/logrus"
)

// DhtHost is the deterministic host surface backed by a DHT op store and,
// when the validating node authors data itself, its own source chain. The
// guest's validate callback sees exactly this.
type DhtHost struct {
	ops    dht.Store
	chain  chain.Store
	info   ribosomeInfo
	logger *logrus.Entry
}

type ribosomeInfo struct {
	hash        hashes.Hash
	name        string
	networkSeed string
}

// NewDhtHost builds the deterministic host view. The chain store may be nil
// on a node that only validates third-party data.
func NewDhtHost(ops dht.Store, cs chain.Store, dnaHash hashes.Hash, dnaName, networkSeed string, logger *logrus.Entry) *DhtHost {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	return &DhtHost{
		ops:   ops,
		chain: cs,
		info: ribosomeInfo{
			hash:        dnaHash,
			name:        dnaName,
			networkSeed: networkSeed,
		},
		logger: logger,
	}
}

// VerifySignature implements ribosome.DeterministicHost.
func (h *DhtHost) VerifySignature(pub []byte, data []byte, sig string) (bool, error) {
	return keys.VerifyString(pub, data, sig)
}

// HashOf implements ribosome.DeterministicHost.
func (h *DhtHost) HashOf(kind hashes.Kind, data []byte) hashes.Hash {
	return hashes.New(kind, data)
}

// MustGetAction implements ribosome.DeterministicHost. It consults the
// integrated op store first, then the local chain.
func (h *DhtHost) MustGetAction(actionHash hashes.Hash) (*chain.Record, error) {
	if r, err := h.ops.GetRecord(actionHash); err == nil {
		return r, nil
	}
	if h.chain != nil {
		if r, err := h.chain.Get(actionHash); err == nil {
			return r, nil
		}
	}
	return nil, cm.NewStoreErr("DhtHost", cm.KeyNotFound, actionHash.Short())
}

// MustGetEntry implements ribosome.DeterministicHost.
func (h *DhtHost) MustGetEntry(entryHash hashes.Hash) (*chain.Entry, error) {
	details, err := h.ops.GetEntryDetails(entryHash)
	if err == nil && details.Entry != nil {
		return details.Entry, nil
	}
	return nil, cm.NewStoreErr("DhtHost", cm.KeyNotFound, entryHash.Short())
}

// MustGetValidRecord implements ribosome.DeterministicHost.
func (h *DhtHost) MustGetValidRecord(actionHash hashes.Hash) (*chain.Record, error) {
	return h.MustGetAction(actionHash)
}

// DnaInfo implements ribosome.DeterministicHost.
func (h *DhtHost) DnaInfo() ribosome.DnaInfo {
	return ribosome.DnaInfo{
		Hash:        h.info.hash,
		Name:        h.info.name,
		NetworkSeed: h.info.networkSeed,
	}
}

// Trace implements ribosome.DeterministicHost.
func (h *DhtHost) Trace(msg string) {
	h.logger.Debug(msg)
}

// HaveAction reports whether the action is resolvable locally.
func (h *DhtHost) HaveAction(actionHash hashes.Hash) bool {
	_, err := h.MustGetAction(actionHash)
	return err == nil
}

// HaveEntry reports whether the entry is resolvable locally.
func (h *DhtHost) HaveEntry(entryHash hashes.Hash) bool {
	_, err := h.MustGetEntry(entryHash)
	return err == nil
}
