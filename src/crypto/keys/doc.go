// Package keys implements the public key cryptography used throughout holon.
//
// Every agent owns a key-pair. The private key signs chain actions, agent-info
// records, and warrants; the public key is the agent's identity, and its hash
// is the agent's address on the DHT ring.
//
// We use elliptic curve cryptography (ECDSA) with the secp256k1 curve, via
// btcsuite's golang implementation.
package keys
