// Package bencode is a thin facade over github.com/zeebo/bencode so the
// rest of the engine depends on one internal name for the wire codec
// rather than importing the third-party package directly everywhere.
package bencode

import (
	"bytes"
	"io"

	"github.com/zeebo/bencode"
)

// RawMessage holds an undecoded bencoded value, e.g. the "info" dict, so
// it can be re-encoded byte-for-byte (needed for the infohash SHA-1).
type RawMessage = bencode.RawMessage

// Decoder decodes a stream of bencoded values.
type Decoder = bencode.Decoder

// Encoder encodes values as bencode.
type Encoder = bencode.Encoder

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return bencode.NewDecoder(r) }

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return bencode.NewEncoder(w) }

// DecodeBytes decodes b into v.
func DecodeBytes(b []byte, v interface{}) error {
	return bencode.DecodeBytes(b, v)
}

// EncodeBytes returns the bencoded form of v.
func EncodeBytes(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
