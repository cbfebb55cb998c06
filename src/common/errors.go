package common

import "fmt"

// StoreErrType enumerates the error conditions reported by the chain, op, and
// peer stores.
type StoreErrType uint32

const (
	// KeyNotFound is returned when an item is absent from a store.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists is returned on inserting a duplicate key.
	KeyAlreadyExists
	// HeadMoved is returned when a scratch transaction flushes against a
	// chain whose head advanced since the transaction began. The caller
	// retries.
	HeadMoved
	// GenesisIncomplete is returned on appending a non-genesis action to a
	// chain that does not yet hold the full genesis prefix.
	GenesisIncomplete
	// ChainLocked is returned on writing to a chain that is locked by a
	// countersigning session.
	ChainLocked
	// InvalidAppend is returned when a batch of actions does not extend the
	// chain head contiguously.
	InvalidAppend
	// Expired is returned on inserting an agent-info record that is already
	// past its expiry.
	Expired
	// Superseded is returned on inserting an agent-info record older than
	// the one already held for the same agent.
	Superseded
	// Empty is returned when a store has no item to serve.
	Empty
)

// StoreErr is a typed store error. It identifies the data type and key that
// an operation failed on, so callers can match on the condition rather than
// the message.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr creates a new StoreErr.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case HeadMoved:
		m = "Head Moved"
	case GenesisIncomplete:
		m = "Genesis Incomplete"
	case ChainLocked:
		m = "Chain Locked"
	case InvalidAppend:
		m = "Invalid Append"
	case Expired:
		m = "Expired"
	case Superseded:
		m = "Superseded"
	case Empty:
		m = "Empty"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is a StoreErr carrying the provided code.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
