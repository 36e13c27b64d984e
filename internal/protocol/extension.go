package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/dht11-dev/gorrent/internal/bencode"
)

// Extended message IDs negotiated in the BEP 10 handshake "m" dict.
const (
	ExtensionIDHandshake = iota
	ExtensionIDMetadata
	ExtensionIDPEX
)

// Extension dictionary keys advertised in the handshake.
const (
	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
)

// ut_metadata message types (BEP 9).
const (
	ExtensionMetadataMessageTypeRequest = iota
	ExtensionMetadataMessageTypeData
	ExtensionMetadataMessageTypeReject
)

// ExtensionMessage is the BEP 10 envelope: one extra byte identifying the
// sub-protocol, followed by a bencoded payload.
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{}
}

func (m ExtensionMessage) ID() MessageID { return Extension }

func (m ExtensionMessage) Read([]byte) (int, error) {
	panic("protocol: ExtensionMessage.Read must not be called, use WriteTo")
}

// WriteTo serializes the envelope: id byte, bencoded payload, then raw
// block data for metadata-piece messages (BEP 9 keeps the piece bytes
// outside the bencoded dict).
func (m ExtensionMessage) WriteTo(w io.Writer) (n int64, err error) {
	nn, err := w.Write([]byte{m.ExtendedMessageID})
	n += int64(nn)
	if err != nil {
		return
	}
	wc := &countingWriter{w: w}
	err = bencode.NewEncoder(wc).Encode(m.Payload)
	n += wc.count
	if err != nil {
		return
	}
	if mm, ok := m.Payload.(ExtensionMetadataMessage); ok {
		nn, err = w.Write(mm.Data)
		n += int64(nn)
	}
	return
}

// UnmarshalBinary parses an extension envelope received from a peer.
func (m *ExtensionMessage) UnmarshalBinary(data []byte) error {
	var extID uint8
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &extID); err != nil {
		return err
	}
	m.ExtendedMessageID = extID
	payload := data[1:]
	dec := bencode.NewDecoder(bytes.NewReader(payload))
	var err error
	switch m.ExtendedMessageID {
	case ExtensionIDHandshake:
		var hs ExtensionHandshakeMessage
		err = dec.Decode(&hs)
		if hs.MetadataSize < 0 {
			hs.MetadataSize = 0
		}
		if hs.RequestQueue < 0 {
			hs.RequestQueue = 0
		}
		m.Payload = hs
	case ExtensionIDMetadata:
		var md ExtensionMetadataMessage
		err = dec.Decode(&md)
		md.Data = payload[dec.BytesParsed():]
		m.Payload = md
	case ExtensionIDPEX:
		var pex ExtensionPEXMessage
		err = dec.Decode(&pex)
		m.Payload = pex
	default:
		return fmt.Errorf("protocol: unknown extended message id: %d", m.ExtendedMessageID)
	}
	return err
}

// ExtensionHandshakeMessage negotiates which extensions are supported and,
// for ut_metadata, the total metadata size.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v"`
	YourIP       string           `bencode:"yourip,omitempty"`
	MetadataSize int              `bencode:"metadata_size,omitempty"`
	RequestQueue int              `bencode:"reqq"`
}

// NewExtensionHandshake builds the local handshake payload advertising
// ut_metadata and ut_pex support.
func NewExtensionHandshake(metadataSize uint32, version string, yourIP net.IP, requestQueueLength int) ExtensionHandshakeMessage {
	return ExtensionHandshakeMessage{
		M: map[string]uint8{
			ExtensionKeyMetadata: ExtensionIDMetadata,
			ExtensionKeyPEX:      ExtensionIDPEX,
		},
		V:            version,
		YourIP:       string(truncateIP(yourIP)),
		MetadataSize: int(metadataSize),
		RequestQueue: requestQueueLength,
	}
}

// ExtensionMetadataMessage implements the ut_metadata piece exchange.
type ExtensionMetadataMessage struct {
	Type      int    `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int    `bencode:"total_size,omitempty"`
	Data      []byte `bencode:"-"`
}

// ExtensionPEXMessage implements ut_pex, carrying compact peer lists of
// newly seen ("added") and dropped peers.
type ExtensionPEXMessage struct {
	Added   string `bencode:"added"`
	Dropped string `bencode:"dropped"`
}

func truncateIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

type countingWriter struct {
	w     io.Writer
	count int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.count += int64(n)
	return n, err
}
