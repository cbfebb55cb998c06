package chain

import "github.com/holonnet/holon/src/hashes"

// Filter selects records from a source chain. The zero value selects
// everything in ascending sequence order without entries.
type Filter struct {
	// SeqStart and SeqEnd bound the sequence range, inclusive on both ends.
	SeqStart *uint32
	SeqEnd   *uint32

	// UntilHash bounds the range by an action hash instead of a sequence
	// number. The query walks prev links from the head down to (and
	// including) this action, which makes it fork-safe: a forked sibling
	// at the same sequence is never visited.
	UntilHash *hashes.Hash

	// ActionTypes restricts to the given variants. Empty means all.
	ActionTypes []ActionType

	// EntryKinds restricts to records whose action carries an entry of one
	// of the given kinds. Empty means no entry-kind restriction.
	EntryKinds []EntryKind

	// EntryHashes restricts to records whose action references one of the
	// given entry hashes.
	EntryHashes []hashes.Hash

	// IncludeEntries controls whether entry bodies are attached to the
	// returned records.
	IncludeEntries bool

	// Descending returns records head-first instead of genesis-first.
	Descending bool
}

func (f *Filter) matchesSeq(seq uint32) bool {
	if f.SeqStart != nil && seq < *f.SeqStart {
		return false
	}
	if f.SeqEnd != nil && seq > *f.SeqEnd {
		return false
	}
	return true
}

func (f *Filter) matchesAction(a *Action) bool {
	if len(f.ActionTypes) > 0 {
		found := false
		for _, t := range f.ActionTypes {
			if a.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.EntryKinds) > 0 {
		if !a.HasEntry() {
			return false
		}
		found := false
		for _, k := range f.EntryKinds {
			if a.EntryType == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.EntryHashes) > 0 {
		if !a.HasEntry() {
			return false
		}
		found := false
		for _, h := range f.EntryHashes {
			if a.EntryHash.Equal(h) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// strip returns a copy of the record with the entry body removed when the
// filter does not ask for entries.
func (f *Filter) strip(r *Record) *Record {
	if f.IncludeEntries || r.Entry == nil {
		return r
	}
	return &Record{
		Action:    r.Action,
		Signature: r.Signature,
	}
}
