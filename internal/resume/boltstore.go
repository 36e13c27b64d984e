package resume

import (
	"encoding/hex"
	"fmt"

	"github.com/dht11-dev/gorrent/internal/bencode"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("resume")

// BoltStore persists Records as bencoded blobs in a bbolt database, one
// key per infohash, so the whole schema (including any unknown keys a
// future version adds) round-trips without a field-by-field migration.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// Write upserts r under its infohash. Keys present in a previously
// stored record but unknown to the current Record schema are carried
// over, so records written by a newer version survive a re-save.
func (s *BoltStore) Write(r *Record) error {
	b, err := bencode.EncodeBytes(r)
	if err != nil {
		return err
	}
	key := []byte(hex.EncodeToString(r.InfoHash[:]))
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if old := bkt.Get(key); old != nil {
			if merged, merr := mergeUnknownKeys(old, b); merr == nil {
				b = merged
			}
		}
		return bkt.Put(key, b)
	})
}

func mergeUnknownKeys(old, cur []byte) ([]byte, error) {
	var oldMap, curMap map[string]bencode.RawMessage
	if err := bencode.DecodeBytes(old, &oldMap); err != nil {
		return nil, err
	}
	if err := bencode.DecodeBytes(cur, &curMap); err != nil {
		return nil, err
	}
	for k, v := range oldMap {
		if _, known := curMap[k]; !known {
			curMap[k] = v
		}
	}
	return bencode.EncodeBytes(curMap)
}

// WriteRaw stores pre-encoded record bytes verbatim, bypassing the
// schema merge; used to seed records from other sources.
func (s *BoltStore) WriteRaw(infoHash [20]byte, raw []byte) error {
	key := []byte(hex.EncodeToString(infoHash[:]))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, raw)
	})
}

// ReadRaw returns the stored bencoded bytes without decoding them.
func (s *BoltStore) ReadRaw(infoHash [20]byte) ([]byte, error) {
	key := []byte(hex.EncodeToString(infoHash[:]))
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return fmt.Errorf("resume: no record for infohash %x", infoHash)
		}
		raw = make([]byte, len(v))
		copy(raw, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Read loads the Record for infoHash, or an error if none exists.
func (s *BoltStore) Read(infoHash [20]byte) (*Record, error) {
	key := []byte(hex.EncodeToString(infoHash[:]))
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return fmt.Errorf("resume: no record for infohash %x", infoHash)
		}
		raw = make([]byte, len(v))
		copy(raw, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var r Record
	if err := bencode.DecodeBytes(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
