// Package tracker defines the announce contract shared by the HTTP and
// UDP tracker clients: the engine reports transfer progress and an
// event, the tracker answers with an interval and fresh peer addresses.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"
)

// Tracker is one announce endpoint. Implementations live in the
// httptracker and udptracker subpackages; Tier composes several into a
// BEP 12 failover group.
type Tracker interface {
	// Announce reports req.Torrent's progress and returns the tracker's
	// response. Callers re-announce every AnnounceResponse.Interval and
	// additionally on started/completed/stopped transitions.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	// URL identifies the endpoint in logs and stats.
	URL() string
}

// AnnounceRequest carries one announce's parameters.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// AnnounceResponse is the decoded tracker reply, normalized across the
// HTTP and UDP wire formats.
type AnnounceResponse struct {
	Interval       time.Duration
	MinInterval    time.Duration
	Leechers       int32
	Seeders        int32
	WarningMessage string
	Peers          []*net.TCPAddr
}

// Torrent is the transfer state reported in every announce.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}

// Event marks the lifecycle transition an announce reports. The numeric
// values are the BEP 15 wire encoding; String returns the HTTP query
// form.
type Event int32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return "empty"
	}
}

// ErrDecode marks a response that could not be parsed at all, as opposed
// to a well-formed failure the tracker reported.
var ErrDecode = errors.New("cannot decode response")

// Error is a failure reason sent by the tracker itself. RetryIn is
// non-zero when the tracker told us when to come back.
type Error struct {
	FailureReason string
	RetryIn       time.Duration
}

func (e *Error) Error() string { return e.FailureReason }
