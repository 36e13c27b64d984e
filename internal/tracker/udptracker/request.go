package udptracker

import (
	"context"
	"encoding/binary"

	"github.com/dht11-dev/gorrent/internal/tracker"
)

// transportRequest is one announce bound to its destination host:port
// and the calling context that bounds its retransmits.
type transportRequest struct {
	ctx  context.Context
	dest string
	transferAnnounceRequest
}

var _ udpRequest = (*transportRequest)(nil)

func newTransportRequest(ctx context.Context, req tracker.AnnounceRequest, dest, urlData string) *transportRequest {
	body := &announceRequest{
		InfoHash:   req.Torrent.InfoHash,
		PeerID:     req.Torrent.PeerID,
		Downloaded: req.Torrent.BytesDownloaded,
		Uploaded:   req.Torrent.BytesUploaded,
		Left:       req.Torrent.BytesLeft,
		Event:      req.Event,
		NumWant:    int32(req.NumWant),
		Port:       uint16(req.Torrent.Port),
	}
	body.Action = actionAnnounce
	// the key field is mirrored into the peer id's tail, a convention
	// some trackers use to correlate announces across address changes
	binary.BigEndian.PutUint32(body.PeerID[16:20], body.Key)

	return &transportRequest{
		ctx:  ctx,
		dest: dest,
		transferAnnounceRequest: transferAnnounceRequest{
			announceRequest: body,
			urlData:         urlData,
		},
	}
}
