// Package filestore implements block-addressed reads and writes against
// the on-disk layout of a torrent's files: sparse allocation on first
// use, pieces that may span multiple files, and a bounded read cache so
// a popular piece isn't re-read from disk for every peer requesting it.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dht11-dev/gorrent/internal/metainfo"
	"github.com/dht11-dev/gorrent/internal/piececache"
)

// DefaultCacheSize and DefaultCacheTTL bound the in-memory read cache;
// internal/config exposes these as tunables.
const (
	DefaultCacheSize = 64 * 1024 * 1024
	DefaultCacheTTL  = 30 * time.Second
)

// Store reads and writes torrent data by piece index, mapping each
// piece's byte range onto one or more on-disk files.
type Store struct {
	dest        string
	pieceLength uint32
	totalLength int64

	mu    sync.Mutex
	files []*os.File

	cache *piececache.Cache
}

// Open prepares a Store for a torrent's file list, relative to dest.
// Every file is opened here, before any piece is written: a missing file
// is created and truncated to its final size, which leaves it sparse
// until pieces covering it are written. Files are not created lazily.
func Open(dest string, info *metainfo.TorrentInfo, cacheSize int64, cacheTTL time.Duration) (*Store, error) {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}
	if cacheTTL == 0 {
		cacheTTL = DefaultCacheTTL
	}
	s := &Store{
		dest:        abs,
		pieceLength: info.PieceLength,
		totalLength: info.TotalLength,
		files:       make([]*os.File, len(info.Files)),
		cache:       piececache.New(cacheSize, cacheTTL),
	}
	for i, fe := range info.Files {
		f, err := s.openFile(fe)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("filestore: opening %q: %w", fe.Path, err)
		}
		s.files[i] = f
	}
	return s, nil
}

func (s *Store) openFile(fe metainfo.FileEntry) (*os.File, error) {
	name := filepath.Join(s.dest, filepath.Clean(fe.Path))
	if err := os.MkdirAll(filepath.Dir(name), 0o750); err != nil {
		return nil, err
	}
	const mode = 0o640
	f, err := os.OpenFile(name, os.O_RDWR, mode) // nolint:gosec
	if os.IsNotExist(err) {
		f, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE, mode) // nolint:gosec
		if err != nil {
			return nil, err
		}
		if err = f.Truncate(fe.Length); err != nil {
			f.Close()
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if fi, serr := f.Stat(); serr == nil && fi.Size() != fe.Length {
		if err = f.Truncate(fe.Length); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := disableReadAhead(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Flush is the durability barrier used before writing a resume snapshot
// and at shutdown: it blocks until every written byte has been synced.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases every open file descriptor and stops the read cache's
// background ticker.
func (s *Store) Close() error {
	s.cache.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// spansFor returns the file spans covering byte range
// [begin, begin+length) of the whole torrent (the concatenation of all
// files in order, as pieces are defined in the .torrent).
func (s *Store) spansFor(begin, length int64) fileSpans {
	var spans fileSpans
	var pos int64
	remaining := length
	off := begin
	for _, f := range s.files {
		fi, err := f.Stat()
		if err != nil {
			continue
		}
		fileLen := fi.Size()
		fileStart, fileEnd := pos, pos+fileLen
		pos = fileEnd
		if remaining <= 0 {
			break
		}
		if off >= fileEnd {
			continue
		}
		spanOff := off - fileStart
		if spanOff < 0 {
			spanOff = 0
		}
		spanLen := fileEnd - fileStart - spanOff
		if spanLen > remaining {
			spanLen = remaining
		}
		spans = append(spans, fileSpan{file: f, off: spanOff, length: spanLen})
		off += spanLen
		remaining -= spanLen
	}
	return spans
}

// PieceRange returns the [begin, end) byte offset of piece index within
// the whole-torrent byte space.
func (s *Store) PieceRange(index uint32) (begin, end int64) {
	begin = int64(index) * int64(s.pieceLength)
	end = begin + int64(s.pieceLength)
	if end > s.totalLength {
		end = s.totalLength
	}
	return
}

// ReadBlock reads length bytes at offset begin within piece index,
// going through the bounded read cache keyed by whole-piece contents so
// concurrent requests from different peers for the same piece share one
// disk read.
func (s *Store) ReadBlock(index uint32, begin, length uint32) ([]byte, error) {
	pieceData, err := s.readPieceCached(index)
	if err != nil {
		return nil, err
	}
	if int64(begin)+int64(length) > int64(len(pieceData)) {
		return nil, fmt.Errorf("filestore: block [%d,%d) out of range for piece %d (len %d)", begin, begin+length, index, len(pieceData))
	}
	out := make([]byte, length)
	copy(out, pieceData[begin:begin+length])
	return out, nil
}

func (s *Store) readPieceCached(index uint32) ([]byte, error) {
	key := strconv.FormatUint(uint64(index), 10)
	return s.cache.Get(key, func() ([]byte, error) {
		pb, pe := s.PieceRange(index)
		buf := make([]byte, pe-pb)
		s.mu.Lock()
		spans := s.spansFor(pb, pe-pb)
		s.mu.Unlock()
		if err := spans.readFull(buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
}

// WritePiece writes a fully verified piece's bytes to disk, split across
// whichever files its byte range spans. Any cached copy of the piece is
// invalidated so later reads see the new bytes.
func (s *Store) WritePiece(index uint32, data []byte) error {
	pb, _ := s.PieceRange(index)
	s.mu.Lock()
	spans := s.spansFor(pb, int64(len(data)))
	s.mu.Unlock()
	if _, err := spans.write(data); err != nil {
		return err
	}
	s.cache.Invalidate(strconv.FormatUint(uint64(index), 10))
	return nil
}

// PieceReaderAt returns an io.ReaderAt over piece index's byte range,
// suitable for peersession.Session.SendPiece, which reads lazily right
// before a queued block is written to the wire.
func (s *Store) PieceReaderAt(index uint32) *pieceReaderAt {
	return &pieceReaderAt{store: s, index: index}
}

type pieceReaderAt struct {
	store *Store
	index uint32
}

func (r *pieceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	data, err := r.store.ReadBlock(r.index, uint32(off), uint32(len(p)))
	if err != nil {
		return 0, err
	}
	copy(p, data)
	return len(data), nil
}
