package peersession

import (
	"sync"

	"github.com/dht11-dev/gorrent/internal/protocol"
)

// extensionState tracks the BEP 10 extension handshake: whether the peer
// supports it at all, and the numeric extended-message ids it told us to
// use for each named extension (ut_metadata, ut_pex) when we send it one.
type extensionState struct {
	enabled bool

	mu           sync.Mutex
	peerIDs      map[string]uint8
	peerVersion  string
	metadataSize int
	haveHandshake bool
}

func newExtensionState(ourExtensions map[string]uint8, peerSupportsExtensionProtocol bool) *extensionState {
	return &extensionState{
		enabled: peerSupportsExtensionProtocol && len(ourExtensions) > 0,
		peerIDs: make(map[string]uint8),
	}
}

// recordPeerHandshake stores the peer's "m" dict and metadata_size from
// its BEP 10 handshake message.
func (e *extensionState) recordPeerHandshake(hs protocol.ExtensionHandshakeMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, id := range hs.M {
		e.peerIDs[name] = id
	}
	e.peerVersion = hs.V
	e.metadataSize = hs.MetadataSize
	e.haveHandshake = true
}

// peerIDFor returns the extended-message id the peer wants us to use when
// sending it a message of the named extension.
func (e *extensionState) peerIDFor(name string) (uint8, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.peerIDs[name]
	return id, ok
}

// MetadataSize returns the total metadata size the peer advertised, if it
// has sent its extension handshake and supports ut_metadata.
func (e *extensionState) MetadataSize() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveHandshake {
		return 0, false
	}
	_, ok := e.peerIDs[protocol.ExtensionKeyMetadata]
	return e.metadataSize, ok
}

// Supports reports whether the peer has advertised the named extension.
func (e *extensionState) Supports(name string) bool {
	_, ok := e.peerIDFor(name)
	return ok
}

// MetadataSize exposes the peer's advertised metadata size and ut_metadata
// support on the owning Session.
func (s *Session) MetadataSize() (int, bool) { return s.ext.MetadataSize() }

// SupportsExtension reports whether the peer advertised the named BEP 10
// extension (e.g. protocol.ExtensionKeyMetadata, protocol.ExtensionKeyPEX).
func (s *Session) SupportsExtension(name string) bool { return s.ext.Supports(name) }
