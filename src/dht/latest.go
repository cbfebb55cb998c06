package dht

import (
	"github.com/holonnet/holon/src/chain"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/hashes"
)

// ResolveLatest follows the integrated update chain from an entry to its
// newest revision. Competing updates of the same entry resolve to the one
// with the latest timestamp, ties breaking to the lower action hash, so
// every authority lands on the same winner. Traversal stops at the first
// revisited entry.
func ResolveLatest(s Store, entryHash hashes.Hash) (*chain.Record, error) {
	seen := make(map[string]bool)
	var latest *chain.Record

	cur := entryHash
	for !seen[cur.String()] {
		seen[cur.String()] = true

		details, err := s.GetEntryDetails(cur)
		if err != nil {
			// the tip's own StoreEntry op may not have integrated here;
			// the winning update already carries the entry
			break
		}

		winner := winningUpdate(details.Updates)
		if winner == nil {
			if latest == nil {
				latest = earliestCreation(details.Creations)
			}
			break
		}

		latest = winner
		cur = winner.Action.EntryHash
	}

	if latest == nil {
		return nil, cm.NewStoreErr("OpStore", cm.KeyNotFound, entryHash.Short())
	}
	return latest, nil
}

// winningUpdate picks the update with the latest timestamp, ties breaking to
// the lower action hash.
func winningUpdate(updates []*chain.Record) *chain.Record {
	var best *chain.Record
	var bestHash hashes.Hash

	for _, u := range updates {
		uh, err := u.Action.Hash()
		if err != nil {
			continue
		}
		if best == nil ||
			u.Action.Timestamp > best.Action.Timestamp ||
			(u.Action.Timestamp == best.Action.Timestamp && uh.String() < bestHash.String()) {
			best = u
			bestHash = uh
		}
	}
	return best
}

// earliestCreation picks the creation with the earliest timestamp, ties
// breaking to the lower action hash.
func earliestCreation(creations []*chain.Record) *chain.Record {
	var best *chain.Record
	var bestHash hashes.Hash

	for _, c := range creations {
		ch, err := c.Action.Hash()
		if err != nil {
			continue
		}
		if best == nil ||
			c.Action.Timestamp < best.Action.Timestamp ||
			(c.Action.Timestamp == best.Action.Timestamp && ch.String() < bestHash.String()) {
			best = c
			bestHash = ch
		}
	}
	return best
}
