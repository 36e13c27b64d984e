// Package clientid generates the 20-byte peer id sent in the BitTorrent
// handshake (BEP 20 Azureus-style convention: "-XX1000-" followed by random
// bytes).
package clientid

import (
	"crypto/rand"
	"fmt"
)

// Prefix identifies this client implementation and a nominal version.
const Prefix = "-GR0001-"

// New returns a fresh random 20-byte peer id with Prefix.
func New() [20]byte {
	var id [20]byte
	copy(id[:], Prefix)
	_, err := rand.Read(id[len(Prefix):])
	if err != nil {
		// crypto/rand.Read only fails if the OS RNG is unusable, which
		// makes the rest of the process unsafe to run anyway.
		panic(fmt.Sprintf("clientid: cannot read random bytes: %v", err))
	}
	return id
}
