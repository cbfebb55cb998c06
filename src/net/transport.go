package net

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes. Targets are transport addresses taken from
// peer agent-info records.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume and respond
	// to RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other
	// peers can reach us.
	AdvertiseAddr() string

	// Initiate, AgentDiff, and OpDiff carry the steps of a gossip round.

	Initiate(target string, args *InitiateRequest, resp *InitiateResponse) error

	AgentDiff(target string, args *AgentDiffRequest, resp *AgentDiffResponse) error

	OpDiff(target string, args *OpDiffRequest, resp *OpDiffResponse) error

	// FetchOps pulls ops by hash on behalf of the fetch pool.
	FetchOps(target string, args *FetchRequest, resp *FetchResponse) error

	// Publish pushes authored ops to an authority.
	Publish(target string, args *PublishRequest, resp *PublishResponse) error

	// Get queries integrated data at a remote authority.
	Get(target string, args *GetRequest, resp *GetResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
