package common

import (
	"encoding/hex"
	"fmt"
)

// EncodeToString returns the UPPERCASE hex representation of b with the 0X
// prefix. It is the canonical string form of hashes and public keys in logs,
// wire messages, and store keys.
func EncodeToString(b []byte) string {
	return fmt.Sprintf("0X%X", b)
}

// DecodeFromString converts a hex string with 0X prefix back to a byte slice.
func DecodeFromString(s string) ([]byte, error) {
	if len(s) < 2 {
		return nil, fmt.Errorf("hex string too short: %q", s)
	}
	return hex.DecodeString(s[2:])
}
