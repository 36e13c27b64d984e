// Package piece describes the block-level layout of a torrent's pieces,
// used by piecemap to track request/delivery state per block.
package piece

import "github.com/dht11-dev/gorrent/internal/metainfo"

// BlockSize is the fixed request granularity (16 KiB).
const BlockSize = 16 * 1024

// Block is a contiguous byte range within a Piece.
type Block struct {
	Index  uint32 // index within the piece
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// Piece is the static (never-mutated) description of one piece: its
// length, its block layout, and its expected hash. Per-piece mutable
// state (requested/received/complete) lives in piecemap, not here.
type Piece struct {
	Index  uint32
	Length uint32
	Blocks []Block
	Hash   [20]byte
}

// NewPieces derives the block layout of every piece of a torrent.
func NewPieces(ti *metainfo.TorrentInfo) []Piece {
	pieces := make([]Piece, ti.NumPieces())
	for i := range pieces {
		idx := uint32(i)
		length := ti.PieceLen(idx)
		pieces[i] = Piece{
			Index:  idx,
			Length: length,
			Blocks: blocksFor(length),
			Hash:   ti.Pieces[i],
		}
	}
	return pieces
}

func blocksFor(length uint32) []Block {
	n := (length + BlockSize - 1) / BlockSize
	blocks := make([]Block, n)
	for i := uint32(0); i < n; i++ {
		begin := i * BlockSize
		blockLen := uint32(BlockSize)
		if begin+blockLen > length {
			blockLen = length - begin
		}
		blocks[i] = Block{Index: i, Begin: begin, Length: blockLen}
	}
	return blocks
}

// BlockAt returns the block starting at byte offset begin, or nil if begin
// is not block-aligned or out of range.
func (p *Piece) BlockAt(begin uint32) *Block {
	if begin%BlockSize != 0 {
		return nil
	}
	idx := begin / BlockSize
	if idx >= uint32(len(p.Blocks)) {
		return nil
	}
	return &p.Blocks[idx]
}
