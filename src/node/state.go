package node

import (
	"sync"
	"sync/atomic"
)

// State captures the lifecycle of a node: Starting, Running, Suspended, or
// Shutdown.
type State uint32

const (
	// Starting is the initial state, before the workers run.
	Starting State = iota
	// Running means the node gossips, validates, and serves.
	Running
	// Suspended means the node is initialised but not gossiping; inbound
	// requests are declined.
	Suspended
	// Shutdown is shutdown.
	Shutdown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type nodeState struct {
	state State
	wg    sync.WaitGroup
}

func (b *nodeState) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *nodeState) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// goFunc starts a goroutine tracked by the node's waitgroup.
func (b *nodeState) goFunc(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

func (b *nodeState) waitRoutines() {
	b.wg.Wait()
}
