// Package message defines the wire-level Message type, its addressing and
// identity fields, and the internal flag bookkeeping the rest of the engine
// relies on to know when a message may be recycled.
package message

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Identity is the 16 random bytes assigned to a Message at init time and
// never mutated afterward. It doubles as the per-connection identity
// exchanged during the handshake (§4.1).
type Identity [16]byte

// NewIdentity returns a fresh random identity using google/uuid's v4
// generator as the random source, matching the "16 random bytes" rule of
// the data model without rolling a bespoke RNG.
func NewIdentity() Identity {
	var id Identity
	copy(id[:], uuid.New()[:])
	return id
}

func (i Identity) String() string {
	return hex.EncodeToString(i[:])
}

func (i Identity) IsZero() bool {
	return i == Identity{}
}
