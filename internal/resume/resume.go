// Package resume persists the single ResumeRecord a torrent needs to
// restart without re-downloading verified pieces.
package resume

// Record is the bencoded snapshot engine.Shutdown writes and engine.Start
// reads back. Unknown keys present in a loaded record but not in Record
// are preserved verbatim by Store, so the schema stays forward-compatible.
type Record struct {
	InfoHash    []byte `bencode:"infohash"` // 20 bytes
	PieceLength uint32 `bencode:"piece_length"`
	PieceCount  uint32 `bencode:"piece_count"`
	Bitfield    []byte `bencode:"bitfield"`
	Uploaded    int64  `bencode:"uploaded"`
	Downloaded  int64  `bencode:"downloaded"`
	PeersHint   []byte `bencode:"peers_hint"` // compact peer list, up to 200 addresses

	// Info is the raw bencoded info dict, stored once known so a
	// magnet-started torrent does not refetch metadata after a restart.
	Info []byte `bencode:"info,omitempty"`
}

// Store loads and saves Records keyed by infohash.
type Store interface {
	Read(infoHash [20]byte) (*Record, error)
	Write(r *Record) error
	Close() error
}
