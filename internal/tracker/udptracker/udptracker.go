// Package udptracker implements the BEP 15 UDP announce protocol as a
// tracker.Tracker. All trackers of a session share one Transport (one
// UDP socket); each UDPTracker only remembers its destination and URL
// path data.
package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/tracker"
)

// UDPTracker announces to one udp:// tracker URL over a shared
// Transport.
type UDPTracker struct {
	rawURL    string
	dest      string
	urlData   string
	log       logger.Logger
	transport *Transport
}

var _ tracker.Tracker = (*UDPTracker)(nil)

// New builds a UDPTracker for rawURL/u announcing through t.
func New(rawURL string, u *url.URL, t *Transport) *UDPTracker {
	return &UDPTracker{
		rawURL:    rawURL,
		dest:      u.Host,
		urlData:   u.RequestURI(),
		log:       logger.New("tracker " + u.Host),
		transport: t,
	}
}

func (t *UDPTracker) URL() string { return t.rawURL }

// Announce sends one BEP 15 announce and decodes the reply into the
// transport-independent response form.
func (t *UDPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	reply, err := t.transport.Do(newTransportRequest(ctx, req, t.dest, t.urlData))
	if err != nil {
		return nil, err
	}

	var header udpAnnounceResponse
	if err := binary.Read(bytes.NewReader(reply), binary.BigEndian, &header); err != nil {
		return nil, tracker.ErrDecode
	}
	if header.Action != actionAnnounce {
		return nil, fmt.Errorf("udptracker: expected announce response, got action %d", header.Action)
	}

	peers, err := tracker.DecodePeersCompact(reply[binary.Size(header):])
	if err != nil {
		return nil, tracker.ErrDecode
	}
	t.log.Debugf("announce response: interval=%d seeders=%d leechers=%d peers=%d",
		header.Interval, header.Seeders, header.Leechers, len(peers))

	return &tracker.AnnounceResponse{
		Interval: time.Duration(header.Interval) * time.Second,
		Leechers: header.Leechers,
		Seeders:  header.Seeders,
		Peers:    peers,
	}, nil
}
