// Package protocol implements the BitTorrent wire protocol: the BEP 3
// base messages, BEP 6 Fast Extension messages, and the BEP 10 extension
// envelope (BEP 9 ut_metadata, BEP 11 ut_pex) carried inside it.
package protocol

import "strconv"

// MessageID identifies the type of a message sent between peers.
type MessageID uint8

// Peer message types (BEP 3, BEP 6, BEP 10).
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	Suggest     MessageID = 13
	HaveAll     MessageID = 14
	HaveNone    MessageID = 15
	Reject      MessageID = 16
	AllowedFast MessageID = 17
	Extension   MessageID = 20
)

var messageIDStrings = map[MessageID]string{
	0:  "choke",
	1:  "unchoke",
	2:  "interested",
	3:  "not interested",
	4:  "have",
	5:  "bitfield",
	6:  "request",
	7:  "piece",
	8:  "cancel",
	9:  "port",
	13: "suggest",
	14: "have all",
	15: "have none",
	16: "reject",
	17: "allowed fast",
	20: "extension",
}

func (m MessageID) String() string {
	if s, ok := messageIDStrings[m]; ok {
		return s
	}
	return strconv.FormatInt(int64(m), 10)
}
