package net

import (
	"net"
	"time"
)

// StreamLayer is the low-level connection abstraction under a
// NetworkTransport: a listener plus outbound dialing.
type StreamLayer interface {
	net.Listener

	// Dial opens an outgoing connection.
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the address other agents should dial to reach
	// this listener.
	AdvertiseAddr() string
}
