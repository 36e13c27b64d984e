// Package metadatafetcher bootstraps a torrent from a magnet link by
// fetching the "info" dict piece-by-piece over the BEP 9 ut_metadata
// extension.
package metadatafetcher

import (
	"crypto/sha1" // nolint:gosec
	"errors"
	"fmt"
)

const blockSize = 16 * 1024

// Peer is the subset of a peer session a Fetcher needs: one candidate
// source for ut_metadata pieces.
type Peer interface {
	MetadataSize() (size uint32, ok bool)
	RequestMetadataPiece(index uint32)
}

type block struct {
	size      uint32
	requested bool
	received  bool
}

// Result is the assembled "info" dict, once it has passed SHA-1
// verification against the torrent's info hash.
type Result struct {
	Info []byte
}

// ErrHashMismatch is returned by Deliver when every ut_metadata piece has
// arrived but the assembly does not hash to the expected info hash;
// the source peer should be banned and a different peer attached.
var ErrHashMismatch = errors.New("metadatafetcher: assembled info dict does not match info hash")

// Fetcher assembles the info dict from one peer at a time, restarting
// against a different peer on disconnect or hash mismatch rather than
// failing the whole bootstrap.
type Fetcher struct {
	infoHash    [20]byte
	queueLength int

	peer         Peer
	bytes        []byte
	blocks       []block
	numRequested int
	next         uint32
}

// New creates a Fetcher for infoHash. queueLength bounds the number of
// pipelined in-flight metadata piece requests.
func New(infoHash [20]byte, queueLength int) *Fetcher {
	return &Fetcher{infoHash: infoHash, queueLength: queueLength}
}

// Attach starts (or restarts) the fetch against a new peer, discarding
// any partial progress from a previous one. Partial state isn't worth
// carrying over: block count depends on the peer-advertised metadata
// size, which a misbehaving previous peer may have lied about.
func (f *Fetcher) Attach(p Peer) error {
	size, ok := p.MetadataSize()
	if !ok || size == 0 {
		return fmt.Errorf("metadatafetcher: peer did not advertise a usable metadata size")
	}
	f.peer = p
	f.bytes = make([]byte, size)
	f.blocks = blocksFor(size)
	f.numRequested = 0
	f.next = 0
	return nil
}

func blocksFor(size uint32) []block {
	n := size / blockSize
	if size%blockSize != 0 {
		n++
	}
	blocks := make([]block, n)
	for i := range blocks {
		blocks[i].size = blockSize
	}
	if mod := size % blockSize; mod != 0 && len(blocks) > 0 {
		blocks[len(blocks)-1].size = mod
	}
	return blocks
}

// Active reports whether a peer is currently attached.
func (f *Fetcher) Active() bool { return f.peer != nil }

// Detach forgets the current peer without discarding the infohash, so a
// later Attach can restart the fetch from a different source.
func (f *Fetcher) Detach() { f.peer = nil }

// Peer returns the currently attached peer, or nil.
func (f *Fetcher) Peer() Peer { return f.peer }

// RequestMore dispatches further ut_metadata piece requests up to the
// pipeline depth. Call once per engine tick while a fetch is active.
func (f *Fetcher) RequestMore() {
	if f.peer == nil {
		return
	}
	for f.next < uint32(len(f.blocks)) && f.numRequested < f.queueLength {
		f.peer.RequestMetadataPiece(f.next)
		f.blocks[f.next].requested = true
		f.numRequested++
		f.next++
	}
}

// Deliver records one received ut_metadata piece. Once every block has
// arrived it verifies the assembly's SHA-1 against the info hash: on
// match it returns a Result, on mismatch ErrHashMismatch (the caller
// should ban the source via connmanager and Attach a different peer).
func (f *Fetcher) Deliver(from Peer, index uint32, data []byte) (*Result, error) {
	if f.peer == nil || from != f.peer {
		return nil, fmt.Errorf("metadatafetcher: piece from non-active peer")
	}
	if index >= uint32(len(f.blocks)) {
		return nil, fmt.Errorf("metadatafetcher: invalid piece index %d", index)
	}
	b := &f.blocks[index]
	if !b.requested || b.received {
		return nil, fmt.Errorf("metadatafetcher: unrequested or duplicate piece index %d", index)
	}
	if uint32(len(data)) != b.size {
		return nil, fmt.Errorf("metadatafetcher: wrong size %d for piece %d", len(data), index)
	}

	b.received = true
	f.numRequested--
	begin := index * blockSize
	copy(f.bytes[begin:begin+b.size], data)

	if !f.allReceived() {
		return nil, nil
	}

	sum := sha1.Sum(f.bytes) // nolint:gosec
	if sum != f.infoHash {
		return nil, ErrHashMismatch
	}
	return &Result{Info: f.bytes}, nil
}

func (f *Fetcher) allReceived() bool {
	for i := range f.blocks {
		if !f.blocks[i].received {
			return false
		}
	}
	return true
}

// Idle reports that every block has been requested and none remain
// in flight: either the fetch finished, or it is stalled waiting on a
// response that will never come (e.g. the peer hung up silently).
func (f *Fetcher) Idle() bool {
	return f.peer != nil && f.next == uint32(len(f.blocks)) && f.numRequested == 0
}
