package piecemap

import (
	"crypto/sha1" // nolint:gosec
	"testing"

	"github.com/dht11-dev/gorrent/internal/bitfield"
	"github.com/dht11-dev/gorrent/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onePiecePieces(t *testing.T, length uint32) ([]piece.Piece, []byte) {
	t.Helper()
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data) // nolint:gosec
	p := piece.Piece{Index: 0, Length: length, Hash: hash}
	n := (length + piece.BlockSize - 1) / piece.BlockSize
	for i := uint32(0); i < n; i++ {
		begin := i * piece.BlockSize
		l := uint32(piece.BlockSize)
		if begin+l > length {
			l = length - begin
		}
		p.Blocks = append(p.Blocks, piece.Block{Index: i, Begin: begin, Length: l})
	}
	return []piece.Piece{p}, data
}

func fullBitfield(n uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	bf.SetAll()
	return &bf
}

func TestNextRequestThenDeliverCompletesPiece(t *testing.T) {
	pieces, data := onePiecePieces(t, piece.BlockSize*2)
	m := New(pieces, 0, 1)
	peer := fullBitfield(1)

	req1, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	res, _, _ := m.Deliver("peerA", req1.PieceIndex, req1.Begin, data[req1.Begin:req1.Begin+req1.Length])
	assert.Equal(t, Accepted, res)

	req2, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	res, _, _ = m.Deliver("peerA", req2.PieceIndex, req2.Begin, data[req2.Begin:req2.Begin+req2.Length])
	assert.Equal(t, Accepted, res)

	assert.True(t, m.Bitfield().Test(0))
	assert.Equal(t, []uint32{0}, m.PendingBroadcast())
	assert.Nil(t, m.PendingBroadcast())
}

func TestDeliverReturnsCompletedBytesOnlyOnFinish(t *testing.T) {
	pieces, data := onePiecePieces(t, piece.BlockSize*2)
	m := New(pieces, 0, 1)
	peer := fullBitfield(1)

	req1, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	res, _, completed := m.Deliver("peerA", req1.PieceIndex, req1.Begin, data[req1.Begin:req1.Begin+req1.Length])
	assert.Equal(t, Accepted, res)
	assert.Nil(t, completed)

	req2, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	res, _, completed = m.Deliver("peerA", req2.PieceIndex, req2.Begin, data[req2.Begin:req2.Begin+req2.Length])
	assert.Equal(t, Accepted, res)
	assert.Equal(t, data, completed)
}

func TestDeliverRejectsOnHashMismatch(t *testing.T) {
	pieces, _ := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)
	peer := fullBitfield(1)

	req, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	bad := make([]byte, req.Length)
	res, contributors, _ := m.Deliver("peerA", req.PieceIndex, req.Begin, bad)
	assert.Equal(t, Rejected, res)
	assert.Equal(t, []PeerID{"peerA"}, contributors)
	assert.False(t, m.Bitfield().Test(0))

	// Piece resets to Missing: a fresh request must be possible again.
	_, ok = m.NextRequest("peerB", peer)
	assert.True(t, ok)
}

func TestDeliverRejectsWrongLength(t *testing.T) {
	pieces, _ := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)
	res, _, _ := m.Deliver("peerA", 0, 0, make([]byte, 10))
	assert.Equal(t, Rejected, res)
}

func TestDeliverRejectsOutOfRangePiece(t *testing.T) {
	pieces, _ := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)
	res, _, _ := m.Deliver("peerA", 5, 0, make([]byte, piece.BlockSize))
	assert.Equal(t, Rejected, res)
}

func TestDeliverDuplicateAfterAccepted(t *testing.T) {
	pieces, data := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)
	peer := fullBitfield(1)

	req, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	res, _, _ := m.Deliver("peerA", req.PieceIndex, req.Begin, data)
	assert.Equal(t, Accepted, res)

	res, _, _ = m.Deliver("peerA", req.PieceIndex, req.Begin, data)
	assert.Equal(t, Rejected, res) // piece already Complete
}

func TestMaxDupLimitsConcurrentRequesters(t *testing.T) {
	pieces, _ := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 5, 2) // endgameThreshold high enough that endgame triggers immediately
	peer := fullBitfield(1)

	_, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	_, ok = m.NextRequest("peerB", peer)
	require.True(t, ok)
	// A third distinct peer should not get the block: maxDup=2 already reached.
	_, ok = m.NextRequest("peerC", peer)
	assert.False(t, ok)
}

func TestHaveAndPeerGoneTrackAvailability(t *testing.T) {
	pieces, _ := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)

	m.Have(0)
	m.Have(0)
	assert.Equal(t, uint32(2), m.avail[0])

	bf := bitfield.New(1)
	bf.Set(0)
	m.PeerGone(&bf)
	assert.Equal(t, uint32(1), m.avail[0])
}

func TestRestoreDowngradesFailedVerification(t *testing.T) {
	pieces, _ := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)

	saved := bitfield.New(1)
	saved.Set(0)

	m.Restore(saved.Bytes(), func(uint32) bool { return false })
	assert.False(t, m.Bitfield().Test(0))

	m2 := New(pieces, 0, 1)
	m2.Restore(saved.Bytes(), func(uint32) bool { return true })
	assert.True(t, m2.Bitfield().Test(0))
}

func TestCancelRequestFreesBlock(t *testing.T) {
	pieces, _ := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)
	peer := fullBitfield(1)

	req, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)

	// block is reserved: nobody else can request it
	_, ok = m.NextRequest("peerB", peer)
	require.False(t, ok)

	m.CancelRequest("peerA", req.PieceIndex, req.Begin)
	_, ok = m.NextRequest("peerB", peer)
	assert.True(t, ok)
}

func TestDropReleasesAllReservations(t *testing.T) {
	pieces, data := onePiecePieces(t, piece.BlockSize*2)
	m := New(pieces, 0, 1)
	peer := fullBitfield(1)

	req1, ok := m.NextRequest("peerA", peer)
	require.True(t, ok)
	res, _, _ := m.Deliver("peerA", req1.PieceIndex, req1.Begin, data[req1.Begin:req1.Begin+req1.Length])
	require.Equal(t, Accepted, res)

	_, ok = m.NextRequest("peerA", peer)
	require.True(t, ok)

	m.Drop("peerA")

	// the received block stays received; only the in-flight one is freed
	req3, ok := m.NextRequest("peerB", peer)
	require.True(t, ok)
	assert.NotEqual(t, req1.Begin, req3.Begin)

	res, _, completed := m.Deliver("peerB", req3.PieceIndex, req3.Begin, data[req3.Begin:req3.Begin+req3.Length])
	assert.Equal(t, Accepted, res)
	assert.Equal(t, data, completed)
}

func TestCompleteAndPieceState(t *testing.T) {
	pieces, data := onePiecePieces(t, piece.BlockSize)
	m := New(pieces, 0, 1)
	peer := fullBitfield(1)

	assert.False(t, m.Complete())
	assert.Equal(t, Missing, m.PieceState(0))

	req, _ := m.NextRequest("peerA", peer)
	assert.Equal(t, InFlight, m.PieceState(0))
	m.Deliver("peerA", req.PieceIndex, req.Begin, data)
	assert.Equal(t, Complete, m.PieceState(0))
	assert.True(t, m.Complete())
}
