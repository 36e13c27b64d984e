package protocol

import (
	"encoding/binary"
	"io"
)

// Message is a length-prefixed peer wire message (BEP 3 §"peer messages").
type Message interface {
	io.Reader
	ID() MessageID
}

// HaveMessage announces possession of one complete, verified piece.
type HaveMessage struct{ Index uint32 }

func (m HaveMessage) ID() MessageID { return Have }

func (m HaveMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	return 4, io.EOF
}

// RequestMessage asks for a block: piece Index, byte offset Begin, Length.
type RequestMessage struct{ Index, Begin, Length uint32 }

func (m RequestMessage) ID() MessageID { return Request }

func (m RequestMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return 12, io.EOF
}

// PieceMessage header precedes the raw block bytes, which are streamed
// separately by the reader to avoid buffering whole blocks twice.
type PieceMessage struct{ Index, Begin uint32 }

func (m PieceMessage) ID() MessageID { return Piece }

func (m PieceMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return 8, io.EOF
}

// BitfieldMessage carries the sender's piece-possession bitmap.
type BitfieldMessage struct {
	Data []byte
	pos  int
}

func (m BitfieldMessage) ID() MessageID { return Bitfield }

func (m *BitfieldMessage) Read(b []byte) (n int, err error) {
	n = copy(b, m.Data[m.pos:])
	m.pos += n
	if m.pos == len(m.Data) {
		err = io.EOF
	}
	return
}

// PortMessage announces the sender's DHT UDP port (BEP 5).
type PortMessage struct{ Port uint16 }

func (m PortMessage) ID() MessageID { return Port }

func (m PortMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint16(b[0:2], m.Port)
	return 2, io.EOF
}

type emptyMessage struct{}

func (emptyMessage) Read(b []byte) (int, error) { return 0, io.EOF }

// ChokeMessage tells the peer not to send requests.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage tells the peer it may send requests.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage tells the peer we want to request blocks once unchoked.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage tells the peer we have nothing to request.
type NotInterestedMessage struct{ emptyMessage }

// HaveAllMessage (BEP 6) replaces Bitfield when the sender is a seed.
type HaveAllMessage struct{ emptyMessage }

// HaveNoneMessage (BEP 6) replaces Bitfield when the sender has nothing.
type HaveNoneMessage struct{ emptyMessage }

// SuggestMessage (BEP 6) suggests a piece the peer should request next.
type SuggestMessage struct{ HaveMessage }

// AllowedFastMessage (BEP 6) permits requesting Index while choked.
type AllowedFastMessage struct{ HaveMessage }

// RejectMessage (BEP 6) rejects a previously allowed-fast request.
type RejectMessage struct{ RequestMessage }

// CancelMessage cancels a previously sent request.
type CancelMessage struct{ RequestMessage }

func (m ChokeMessage) ID() MessageID        { return Choke }
func (m UnchokeMessage) ID() MessageID      { return Unchoke }
func (m InterestedMessage) ID() MessageID   { return Interested }
func (m NotInterestedMessage) ID() MessageID { return NotInterested }
func (m HaveAllMessage) ID() MessageID      { return HaveAll }
func (m HaveNoneMessage) ID() MessageID     { return HaveNone }
func (m SuggestMessage) ID() MessageID      { return Suggest }
func (m AllowedFastMessage) ID() MessageID  { return AllowedFast }
func (m RejectMessage) ID() MessageID       { return Reject }
func (m CancelMessage) ID() MessageID       { return Cancel }
