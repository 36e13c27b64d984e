package resume_test

import (
	"path/filepath"
	"testing"

	"github.com/dht11-dev/gorrent/internal/bencode"
	"github.com/dht11-dev/gorrent/internal/resume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStoreWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	store, err := resume.OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	var ih [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")
	rec := &resume.Record{
		InfoHash:    ih[:],
		PieceLength: 16384,
		PieceCount:  2,
		Bitfield:    []byte{0xC0},
		Uploaded:    100,
		Downloaded:  32768,
		PeersHint:   []byte{1, 2, 3, 4, 0x1A, 0xE1},
	}
	require.NoError(t, store.Write(rec))

	got, err := store.Read(ih)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestBoltStoreReadMissingReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	store, err := resume.OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	var ih [20]byte
	copy(ih[:], "bbbbbbbbbbbbbbbbbbbb")
	_, err = store.Read(ih)
	assert.Error(t, err)
}

func TestBoltStorePreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	store, err := resume.OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	var ih [20]byte
	copy(ih[:], "cccccccccccccccccccc")

	// simulate a record written by a newer schema with an extra key
	raw, err := bencode.EncodeBytes(map[string]interface{}{
		"infohash":     string(ih[:]),
		"piece_length": int64(16384),
		"piece_count":  int64(1),
		"bitfield":     "\x80",
		"uploaded":     int64(0),
		"downloaded":   int64(0),
		"peers_hint":   "",
		"future_key":   "keep me",
	})
	require.NoError(t, err)
	require.NoError(t, store.WriteRaw(ih, raw))

	rec, err := store.Read(ih)
	require.NoError(t, err)
	rec.Uploaded = 42
	require.NoError(t, store.Write(rec))

	got, err := store.ReadRaw(ih)
	require.NoError(t, err)
	var m map[string]bencode.RawMessage
	require.NoError(t, bencode.DecodeBytes(got, &m))
	assert.Contains(t, m, "future_key")

	rec2, err := store.Read(ih)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec2.Uploaded)
}
