// Package httptracker implements the BitTorrent HTTP tracker announce
// protocol as a tracker.Tracker.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/tracker"
)

// StatusError reports a non-200 announce response. The body is kept
// (truncated by the caller's size limit) because some trackers put the
// human-readable reason there instead of a bencoded failure.
type StatusError struct {
	Code   int
	Header http.Header
	Body   string
}

func (e *StatusError) Error() string {
	return "http status: " + strconv.Itoa(e.Code)
}

// announceResponse is the bencoded reply body. Peers stays raw because
// trackers send either a compact string or a list of dicts; parsePeers
// branches on the first byte.
type announceResponse struct {
	FailureReason  string             `bencode:"failure reason"`
	RetryIn        string             `bencode:"retry in"`
	WarningMessage string             `bencode:"warning message"`
	Interval       int32              `bencode:"interval"`
	MinInterval    int32              `bencode:"min interval"`
	TrackerID      string             `bencode:"tracker id"`
	Complete       int32              `bencode:"complete"`
	Incomplete     int32              `bencode:"incomplete"`
	Peers          bencode.RawMessage `bencode:"peers"`
}

// HTTPTracker announces to one HTTP(S) tracker URL.
type HTTPTracker struct {
	rawURL      string
	url         *url.URL
	timeout     time.Duration
	http        *http.Client
	userAgent   string
	maxBodySize int64
	log         logger.Logger

	trackerID string
}

// New builds an HTTPTracker for rawURL/u. transport is shared across
// trackers by the caller (one dialer/connection pool for the session).
// maxBodySize bounds how much of a misbehaving tracker's response body
// gets read before giving up.
func New(rawURL string, u *url.URL, timeout time.Duration, transport *http.Transport, userAgent string, maxBodySize int64) *HTTPTracker {
	return &HTTPTracker{
		rawURL:      rawURL,
		url:         u,
		timeout:     timeout,
		userAgent:   userAgent,
		maxBodySize: maxBodySize,
		log:         logger.New("tracker " + rawURL),
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (t *HTTPTracker) URL() string { return t.rawURL }

func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.Torrent.InfoHash[:]))
	q.Set("peer_id", string(req.Torrent.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Torrent.Port))
	q.Set("uploaded", strconv.FormatInt(req.Torrent.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Torrent.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(req.Torrent.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	if t.trackerID != "" {
		q.Set("trackerid", t.trackerID)
	}

	u := *t.url
	u.RawQuery = q.Encode()
	t.log.Debugf("making request to: %q", u.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, t.maxBodySize)
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(body)
		return nil, &StatusError{Code: resp.StatusCode, Header: resp.Header, Body: string(data)}
	}

	var ar announceResponse
	if err := bencode.NewDecoder(body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("%w: %s", tracker.ErrDecode, err)
	}
	if ar.FailureReason != "" {
		terr := &tracker.Error{FailureReason: ar.FailureReason}
		if n, aerr := strconv.Atoi(ar.RetryIn); aerr == nil && n > 0 {
			terr.RetryIn = time.Duration(n) * time.Minute
		}
		return nil, terr
	}
	if ar.WarningMessage != "" {
		t.log.Warning(ar.WarningMessage)
	}
	if ar.TrackerID != "" {
		t.trackerID = ar.TrackerID
	}

	peers, err := t.parsePeers(ar.Peers)
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval:       time.Duration(ar.Interval) * time.Second,
		MinInterval:    time.Duration(ar.MinInterval) * time.Second,
		Leechers:       ar.Incomplete,
		Seeders:        ar.Complete,
		WarningMessage: ar.WarningMessage,
		Peers:          peers,
	}, nil
}

// parsePeers handles both the compact (binary string) and the original
// (list of dicts) peer encodings a tracker may reply with.
func (t *HTTPTracker) parsePeers(b bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if b[0] == 'l' {
		return t.parsePeersDictionary(b)
	}
	var compact []byte
	if err := bencode.DecodeBytes(b, &compact); err != nil {
		return nil, err
	}
	return tracker.DecodePeersCompact(compact)
}

func (t *HTTPTracker) parsePeersDictionary(b bencode.RawMessage) ([]*net.TCPAddr, error) {
	var peers []struct {
		IP   string `bencode:"ip"`
		Port uint16 `bencode:"port"`
	}
	if err := bencode.DecodeBytes(b, &peers); err != nil {
		return nil, err
	}
	addrs := make([]*net.TCPAddr, len(peers))
	for i, p := range peers {
		addrs[i] = &net.TCPAddr{IP: net.ParseIP(p.IP), Port: int(p.Port)}
	}
	return addrs, nil
}
