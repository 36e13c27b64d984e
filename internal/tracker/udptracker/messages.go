package udptracker

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dht11-dev/gorrent/internal/tracker"
)

// action discriminates BEP 15 message types; the value rides in every
// request and response header.
type action int32

const (
	actionConnect action = iota
	actionAnnounce
	actionScrape
	actionError
)

// udpMessageHeader is the part shared by requests and responses; the
// transaction id is how the Transport matches replies to waiters.
type udpMessageHeader struct {
	Action        action
	TransactionID int32
}

func (h *udpMessageHeader) SetTransactionID(id int32) { h.TransactionID = id }

// udpRequestHeader prefixes every request with the connection id handed
// out by a prior connect exchange.
type udpRequestHeader struct {
	ConnectionID int64
	udpMessageHeader
}

func (h *udpRequestHeader) SetConnectionID(id int64) { h.ConnectionID = id }

// connectRequest opens a session: the magic constant stands in for the
// connection id, and the response carries the real one.
type connectRequest struct {
	udpRequestHeader
}

func newConnectRequest() *connectRequest {
	req := new(connectRequest)
	req.Action = actionConnect
	req.ConnectionID = connectionIDMagic
	return req
}

func (r *connectRequest) WriteTo(w io.Writer) (int64, error) {
	return 0, binary.Write(w, binary.BigEndian, r)
}

type connectResponse struct {
	udpMessageHeader
	ConnectionID int64
}

// announceRequest is the 98-byte BEP 15 announce body (offsets 0..97)
// followed by a 2-byte extensions field, 100 bytes in all.
type announceRequest struct {
	udpRequestHeader
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      tracker.Event
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
	Extensions uint16
}

type udpAnnounceResponse struct {
	udpMessageHeader
	Interval int32
	Leechers int32
	Seeders  int32
}

// transferAnnounceRequest appends the tracker URL's path+query after the
// fixed announce body, using BEP 41 option 0x2 ("URLData") chunks of at
// most 255 bytes each.
type transferAnnounceRequest struct {
	*announceRequest
	urlData string
}

const maxURLDataChunk = 255

func (r *transferAnnounceRequest) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Grow(98 + 2 + len(r.urlData))

	if err := binary.Write(&buf, binary.BigEndian, r.announceRequest); err != nil {
		return 0, err
	}
	for data := r.urlData; data != ""; {
		chunk := data
		if len(chunk) > maxURLDataChunk {
			chunk = chunk[:maxURLDataChunk]
		}
		data = data[len(chunk):]
		buf.WriteByte(0x2)
		buf.WriteByte(byte(len(chunk)))
		buf.WriteString(chunk)
	}
	return buf.WriteTo(w)
}
