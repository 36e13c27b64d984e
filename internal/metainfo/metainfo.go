// Package metainfo parses .torrent files into the normalized TorrentInfo
// the engine works with. The engine only ever sees a TorrentInfo, never
// a raw metainfo dict.
package metainfo

import (
	"crypto/sha1" // nolint:gosec
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dht11-dev/gorrent/internal/bencode"
)

// FileEntry is one file inside a (possibly multi-file) torrent.
type FileEntry struct {
	Path   string
	Length int64
}

// TorrentInfo is the immutable, already-validated description of content
// to download.
type TorrentInfo struct {
	InfoHash    [20]byte
	PieceLength uint32
	Pieces      [][20]byte // H[0..P)
	TotalLength int64
	Files       []FileEntry
	Name        string
	Private     bool

	// RawInfo is the exact bencoded "info" dict bytes, preserved so a
	// magnet-bootstrapped TorrentInfo (built by metadatafetcher) can be
	// re-verified against InfoHash and reused verbatim by resume.
	RawInfo []byte
}

// Torrent is the top-level metainfo file contents.
type Torrent struct {
	Info         TorrentInfo
	AnnounceList [][]string
	URLList      []string
}

var errMalformedPieces = errors.New("metainfo: piece hash list is not a multiple of 20 bytes")

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	PieceLength uint32             `bencode:"piece length"`
	Pieces      []byte             `bencode:"pieces"`
	Private     bencode.RawMessage `bencode:"private"`
	Name        string             `bencode:"name"`
	Length      int64              `bencode:"length"`
	Files       []rawFile          `bencode:"files"`
}

type rawTorrent struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	URLList      bencode.RawMessage `bencode:"url-list"`
}

// Parse decodes a .torrent file.
func Parse(r io.Reader) (*Torrent, error) {
	var t rawTorrent
	if err := bencode.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	if len(t.Info) == 0 {
		return nil, errors.New("metainfo: missing info dict")
	}
	info, err := ParseInfo(t.Info)
	if err != nil {
		return nil, err
	}
	out := &Torrent{Info: *info}
	switch {
	case len(t.AnnounceList) > 0:
		out.AnnounceList = t.AnnounceList
	case t.Announce != "":
		out.AnnounceList = [][]string{{t.Announce}}
	}
	if len(t.URLList) > 0 {
		if t.URLList[0] == 'l' {
			var l []string
			if bencode.DecodeBytes(t.URLList, &l) == nil {
				out.URLList = l
			}
		} else {
			var s string
			if bencode.DecodeBytes(t.URLList, &s) == nil {
				out.URLList = []string{s}
			}
		}
	}
	return out, nil
}

// ParseInfo decodes and validates the raw "info" dict bytes into a
// TorrentInfo, computing the infohash as SHA-1 of the exact bytes given.
func ParseInfo(raw []byte) (*TorrentInfo, error) {
	var ri rawInfo
	if err := bencode.DecodeBytes(raw, &ri); err != nil {
		return nil, fmt.Errorf("metainfo: info dict: %w", err)
	}
	if len(ri.Pieces)%sha1.Size != 0 {
		return nil, errMalformedPieces
	}
	for _, f := range ri.Files {
		for _, seg := range f.Path {
			if strings.TrimSpace(seg) == ".." {
				return nil, fmt.Errorf("metainfo: invalid file path segment %q", filepath.Join(f.Path...))
			}
		}
	}

	numPieces := uint32(len(ri.Pieces)) / sha1.Size
	ti := &TorrentInfo{
		PieceLength: ri.PieceLength,
		Pieces:      make([][20]byte, numPieces),
		Name:        ri.Name,
		RawInfo:     raw,
	}
	for i := range ti.Pieces {
		copy(ti.Pieces[i][:], ri.Pieces[i*sha1.Size:(i+1)*sha1.Size])
	}

	if len(ri.Files) == 0 {
		ti.TotalLength = ri.Length
		ti.Files = []FileEntry{{Path: ri.Name, Length: ri.Length}}
	} else {
		ti.Files = make([]FileEntry, len(ri.Files))
		for i, f := range ri.Files {
			ti.TotalLength += f.Length
			ti.Files[i] = FileEntry{Path: filepath.Join(append([]string{ri.Name}, f.Path...)...), Length: f.Length}
		}
	}

	// ceil(N/L) must equal P, and only the last piece may be short.
	if ti.PieceLength == 0 {
		return nil, errors.New("metainfo: zero piece length")
	}
	expectedPieces := (ti.TotalLength + int64(ti.PieceLength) - 1) / int64(ti.PieceLength)
	if ti.TotalLength == 0 {
		expectedPieces = 0
	}
	if expectedPieces != int64(numPieces) {
		return nil, fmt.Errorf("metainfo: piece count mismatch: have %d hashes, expect %d for length %d at piece length %d",
			numPieces, expectedPieces, ti.TotalLength, ti.PieceLength)
	}

	if len(ri.Private) > 0 {
		var asInt int64
		var asString string
		if bencode.DecodeBytes(ri.Private, &asInt) == nil {
			ti.Private = asInt == 1
		} else if bencode.DecodeBytes(ri.Private, &asString) == nil {
			ti.Private = asString == "1"
		}
	}

	sum := sha1.Sum(raw) // nolint:gosec
	ti.InfoHash = sum
	return ti, nil
}

// PieceLen returns the length of piece i, accounting for the final
// possibly-short piece of length N-(P-1)*L.
func (t *TorrentInfo) PieceLen(i uint32) uint32 {
	if i != uint32(len(t.Pieces))-1 {
		return t.PieceLength
	}
	last := t.TotalLength - int64(t.PieceLength)*int64(len(t.Pieces)-1)
	return uint32(last)
}

// NumPieces returns P.
func (t *TorrentInfo) NumPieces() uint32 { return uint32(len(t.Pieces)) }
