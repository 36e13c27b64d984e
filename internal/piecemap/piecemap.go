// Package piecemap implements block-level bookkeeping, Rarest-First
// piece selection with a Random-First-Piece override, endgame mode, and
// hash verification.
//
// PieceMap owns all piece/block state and the availability vector
// exclusively; callers invoke it from a single goroutine (the engine
// loop), so no internal locking is used.
package piecemap

import (
	"crypto/sha1" // nolint:gosec
	"math/rand"

	"github.com/dht11-dev/gorrent/internal/bitfield"
	"github.com/dht11-dev/gorrent/internal/piece"
)

// PeerID is an opaque, comparable handle a caller uses to identify which
// peer contributed a block, so a hash failure can penalize the right
// peers without PieceMap knowing anything about session internals.
type PeerID string

// State is the lifecycle of a single piece.
type State uint8

const (
	Missing State = iota
	InFlight
	Complete
)

// DeliverResult is the outcome of a Deliver call.
type DeliverResult uint8

const (
	Accepted DeliverResult = iota
	Duplicate
	Rejected
)

// randomFirstPieceFanout is how many of the rarest pieces the first pick
// of a session is drawn uniformly from, to avoid a thundering herd on the
// globally rarest piece.
const randomFirstPieceFanout = 4

// Request is a block to fetch from a peer.
type Request struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

type blockState struct {
	received   bool
	requesters map[PeerID]struct{}
}

type entry struct {
	p        *piece.Piece
	state    State
	blocks   []blockState
	data     []byte
	recvLeft int
}

// PieceMap tracks per-piece/per-block state and swarm availability for
// one torrent.
type PieceMap struct {
	entries          []entry
	avail            []uint32 // A[i]: peers currently known to have piece i
	local            bitfield.Bitfield
	endgame          bool
	maxDup           int
	endgameThreshold int
	pending          []uint32
	pickedFirst      bool
}

// New builds a PieceMap for the given pieces, all initially Missing.
// endgameThreshold is the count of remaining non-Complete pieces at which
// endgame mode (maxDup concurrent requesters per block) activates.
func New(pieces []piece.Piece, endgameThreshold, maxDup int) *PieceMap {
	entries := make([]entry, len(pieces))
	for i := range pieces {
		entries[i] = entry{
			p:      &pieces[i],
			blocks: make([]blockState, len(pieces[i].Blocks)),
		}
	}
	return &PieceMap{
		entries:          entries,
		avail:            make([]uint32, len(pieces)),
		local:            bitfield.New(uint32(len(pieces))),
		maxDup:           maxDup,
		endgameThreshold: endgameThreshold,
	}
}

func (m *PieceMap) remaining() int {
	n := 0
	for i := range m.entries {
		if m.entries[i].state != Complete {
			n++
		}
	}
	return n
}

// Bitfield returns the local possession bitmap (Complete pieces).
func (m *PieceMap) Bitfield() *bitfield.Bitfield { return &m.local }

// NumPieces returns P.
func (m *PieceMap) NumPieces() uint32 { return uint32(len(m.entries)) }

// Have registers that a single remote peer has piece i, incrementing A[i].
func (m *PieceMap) Have(i uint32) { m.avail[i]++ }

// PeerBitfield merges a whole remote bitfield into A[], called once per
// connected peer right after the BT handshake.
func (m *PieceMap) PeerBitfield(bf *bitfield.Bitfield) {
	for i := uint32(0); i < bf.Len() && i < uint32(len(m.avail)); i++ {
		if bf.Test(i) {
			m.avail[i]++
		}
	}
}

// PeerGone decrements A[] for every piece the disconnecting peer had.
func (m *PieceMap) PeerGone(bf *bitfield.Bitfield) {
	for i := uint32(0); i < bf.Len() && i < uint32(len(m.avail)); i++ {
		if bf.Test(i) && m.avail[i] > 0 {
			m.avail[i]--
		}
	}
}

// NextRequest selects the next block to request from a peer with the
// given remote bitfield, honoring (I3): at most maxDup concurrent
// requesters per block. Returns ok=false if nothing can be requested.
func (m *PieceMap) NextRequest(id PeerID, peerBitfield *bitfield.Bitfield) (Request, bool) {
	if !m.pickedFirst {
		if req, ok := m.pickRandomFirst(id, peerBitfield); ok {
			m.pickedFirst = true
			return req, true
		}
	}

	if m.remaining() <= m.endgameThreshold {
		m.endgame = true
	}

	limit := 1
	if m.endgame {
		limit = m.maxDup
	}

	idx, ok := m.rarestCandidate(peerBitfield, limit)
	if !ok {
		return Request{}, false
	}
	return m.requestFromPiece(id, idx, limit)
}

func (m *PieceMap) pickRandomFirst(id PeerID, peerBitfield *bitfield.Bitfield) (Request, bool) {
	var cands []candidate
	for i := range m.entries {
		idx := uint32(i)
		if m.entries[i].state == Complete || !peerBitfield.Test(idx) {
			continue
		}
		cands = append(cands, candidate{idx: idx, avail: m.avail[idx]})
	}
	if len(cands) == 0 {
		return Request{}, false
	}
	sortByAvail(cands)
	if len(cands) > randomFirstPieceFanout {
		cands = cands[:randomFirstPieceFanout]
	}
	pick := cands[rand.Intn(len(cands))] // nolint:gosec
	return m.requestFromPiece(id, pick.idx, 1)
}

type candidate struct {
	idx   uint32
	avail uint32
}

func sortByAvail(c []candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].avail < c[j-1].avail; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// rarestCandidate finds the lowest-availability piece the peer has that
// still has a block with fewer than limit concurrent requesters.
func (m *PieceMap) rarestCandidate(peerBitfield *bitfield.Bitfield, limit int) (uint32, bool) {
	best := uint32(0)
	bestAvail := ^uint32(0)
	found := false
	for i := range m.entries {
		idx := uint32(i)
		if m.entries[i].state == Complete || !peerBitfield.Test(idx) {
			continue
		}
		if !m.hasRequestableBlock(idx, limit) {
			continue
		}
		if m.avail[idx] < bestAvail {
			bestAvail = m.avail[idx]
			best = idx
			found = true
		}
	}
	return best, found
}

func (m *PieceMap) hasRequestableBlock(idx uint32, limit int) bool {
	e := &m.entries[idx]
	for i := range e.blocks {
		if e.blocks[i].received {
			continue
		}
		if len(e.blocks[i].requesters) < limit {
			return true
		}
	}
	return false
}

func (m *PieceMap) requestFromPiece(id PeerID, idx uint32, limit int) (Request, bool) {
	e := &m.entries[idx]
	for i := range e.blocks {
		bs := &e.blocks[i]
		if bs.received {
			continue
		}
		if _, already := bs.requesters[id]; already {
			continue
		}
		if len(bs.requesters) >= limit {
			continue
		}
		if bs.requesters == nil {
			bs.requesters = make(map[PeerID]struct{}, 1)
		}
		bs.requesters[id] = struct{}{}
		e.state = InFlight
		b := e.p.Blocks[i]
		return Request{PieceIndex: idx, Begin: b.Begin, Length: b.Length}, true
	}
	return Request{}, false
}

// Deliver records a received block. On the last outstanding block of a
// piece it verifies the SHA-1 of the assembly against the expected hash
// (I1), transitioning to Complete and queuing a HAVE broadcast on match,
// or resetting the piece to Missing on mismatch. contributors lists the
// peers that supplied data for the failed piece, for trust decrement
// on hash failure; it is non-nil only when result is Rejected due to a
// hash mismatch. completed holds the verified piece bytes, non-nil only
// when result is Accepted and this call finished the piece — the caller
// must persist it (e.g. to internal/filestore) since the map itself
// drops its copy once verified.
func (m *PieceMap) Deliver(id PeerID, pieceIndex, begin uint32, data []byte) (result DeliverResult, contributors []PeerID, completed []byte) {
	if pieceIndex >= uint32(len(m.entries)) {
		return Rejected, nil, nil
	}
	e := &m.entries[pieceIndex]
	if e.state == Complete {
		return Rejected, nil, nil
	}
	b := e.p.BlockAt(begin)
	if b == nil || b.Length != uint32(len(data)) {
		return Rejected, nil, nil
	}
	bs := &e.blocks[b.Index]
	if bs.received {
		return Duplicate, nil, nil
	}

	if e.data == nil {
		e.data = make([]byte, e.p.Length)
		e.recvLeft = len(e.blocks)
	}
	copy(e.data[b.Begin:b.Begin+b.Length], data)
	bs.received = true
	e.recvLeft--

	if e.recvLeft > 0 {
		return Accepted, nil, nil
	}

	sum := sha1.Sum(e.data) // nolint:gosec
	if sum != e.p.Hash {
		contributors = allContributors(e)
		m.resetPiece(e)
		return Rejected, contributors, nil
	}

	completed = e.data
	e.state = Complete
	e.data = nil
	m.local.Set(pieceIndex)
	m.pending = append(m.pending, pieceIndex)
	return Accepted, nil, completed
}

func allContributors(e *entry) []PeerID {
	seen := make(map[PeerID]struct{})
	var out []PeerID
	for i := range e.blocks {
		for id := range e.blocks[i].requesters {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func (m *PieceMap) resetPiece(e *entry) {
	e.state = Missing
	e.data = nil
	e.recvLeft = 0
	for i := range e.blocks {
		e.blocks[i] = blockState{}
	}
}

// CancelRequest clears id's requester mark on the block at
// (pieceIndex, begin), making the block requestable again. Called when a
// request times out, is rejected, or is canceled in endgame after
// another peer delivered the block first.
func (m *PieceMap) CancelRequest(id PeerID, pieceIndex, begin uint32) {
	if pieceIndex >= uint32(len(m.entries)) {
		return
	}
	e := &m.entries[pieceIndex]
	b := e.p.BlockAt(begin)
	if b == nil {
		return
	}
	delete(e.blocks[b.Index].requesters, id)
}

// Drop releases every outstanding requester mark held by id, for when
// the peer chokes us or its session closes. Received block data is kept;
// only the not-yet-delivered requests are freed for other peers.
func (m *PieceMap) Drop(id PeerID) {
	for i := range m.entries {
		e := &m.entries[i]
		if e.state != InFlight {
			continue
		}
		for j := range e.blocks {
			delete(e.blocks[j].requesters, id)
		}
	}
}

// Complete reports whether every piece has been verified.
func (m *PieceMap) Complete() bool {
	return m.remaining() == 0
}

// Endgame reports whether duplicate-request mode is active.
func (m *PieceMap) Endgame() bool { return m.endgame }

// PieceState returns the lifecycle state of piece i.
func (m *PieceMap) PieceState(i uint32) State { return m.entries[i].state }

// PendingBroadcast drains the set of pieces that became Complete since
// the last call, for HAVE fan-out.
func (m *PieceMap) PendingBroadcast() []uint32 {
	if len(m.pending) == 0 {
		return nil
	}
	out := m.pending
	m.pending = nil
	return out
}

// Snapshot returns the local bitfield bytes, suitable for a ResumeRecord.
func (m *PieceMap) Snapshot() []byte {
	cp := m.local.Copy()
	return cp.Bytes()
}

// Restore loads a previously saved bitfield, reverifying every claimed
// piece against disk via verify. Pieces that fail
// reverification are downgraded to Missing rather than trusted blindly.
func (m *PieceMap) Restore(saved []byte, verify func(index uint32) bool) {
	bf := bitfield.FromBytes(saved, m.NumPieces())
	for i := range m.entries {
		idx := uint32(i)
		if !bf.Test(idx) {
			continue
		}
		if verify(idx) {
			m.entries[i].state = Complete
			m.local.Set(idx)
		}
	}
}
