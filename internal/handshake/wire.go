// Package handshake implements the BitTorrent handshake (BEP 3) over a
// plaintext or MSE/PE-encrypted connection, used by both Dial and Accept.
// Dial tries MSE first and retries in plaintext when that fails.
package handshake

import (
	"encoding/binary"
	"errors"
	"io"
)

var pstr = [20]byte{19, 'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l'}

var errInvalidProtocol = errors.New("handshake: invalid protocol string")

func writeHandshake(w io.Writer, infoHash, peerID [20]byte, extensions [8]byte) error {
	h := struct {
		Pstr       [20]byte
		Extensions [8]byte
		InfoHash   [20]byte
		PeerID     [20]byte
	}{Pstr: pstr, Extensions: extensions, InfoHash: infoHash, PeerID: peerID}
	return binary.Write(w, binary.BigEndian, h)
}

// readHeader reads pstr+extensions+infohash (the part both plaintext and
// the post-MSE stream share), returning errInvalidProtocol if pstr does
// not match so the caller can fall back to treating it as MSE-obfuscated.
func readHeader(r io.Reader) (extensions [8]byte, infoHash [20]byte, err error) {
	var got [20]byte
	if _, err = io.ReadFull(r, got[:]); err != nil {
		return
	}
	if got != pstr {
		err = errInvalidProtocol
		return
	}
	if _, err = io.ReadFull(r, extensions[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, infoHash[:])
	return
}

func readPeerID(r io.Reader) (id [20]byte, err error) {
	_, err = io.ReadFull(r, id[:])
	return
}
