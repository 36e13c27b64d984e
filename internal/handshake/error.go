package handshake

import "errors"

var (
	errInvalidInfoHash = errors.New("handshake: info hash mismatch")
	errSelfConnection  = errors.New("handshake: connected to self")
	errNotEncrypted    = errors.New("handshake: peer did not encrypt and encryption is required")
	errUnknownInfoHash = errors.New("handshake: unknown info hash")
)
