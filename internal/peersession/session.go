// Package peersession implements the per-peer wire protocol state
// machine that runs after the BT handshake (BEP 3) completes. A Session owns one net.Conn, negotiates the BEP 10
// extension protocol (ut_metadata/BEP 9, ut_pex/BEP 11), pipelines
// block requests in both directions, and reports everything it reads
// on a single channel for the engine loop to consume.
package peersession

import (
	"io"
	"net"
	"time"

	"github.com/dht11-dev/gorrent/internal/bufferpool"
	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/protocol"
	"github.com/juju/ratelimit"
	metrics "github.com/rcrowley/go-metrics"
)

// PeerID is an opaque, comparable handle for the remote peer, matching
// piecemap.PeerID so engine code can key both maps the same way.
type PeerID string

// Piece is a received block, still backed by a pooled buffer that the
// caller must Release once it has copied or persisted the data.
type Piece struct {
	protocol.PieceMessage
	Buffer bufferpool.Buffer
}

// Session is a live, post-handshake connection to one peer.
type Session struct {
	conn     net.Conn
	peerID   [20]byte
	infoHash [20]byte

	log logger.Logger

	reader *reader
	writer *writer
	ext    *extensionState

	messages chan interface{}
	closeC   chan struct{}
	doneC    chan struct{}

	downloadMeter metrics.Meter
	uploadMeter   metrics.Meter
}

// Config bounds the resources a Session is allowed to use.
type Config struct {
	PieceTimeout  time.Duration
	MaxRequestsIn int
	DownloadLimit *ratelimit.Bucket // nil disables throttling
	UploadLimit   *ratelimit.Bucket
	OurExtensions map[string]uint8 // advertised in the BEP 10 handshake
}

// New wraps an already-handshaken net.Conn. extensions is the 8-byte
// reserved field the peer sent in its BT handshake (BEP 3), used to
// decide whether to attempt the BEP 10 extension handshake at all.
func New(conn net.Conn, peerID, infoHash [20]byte, extensions [8]byte, cfg Config, l logger.Logger) *Session {
	s := &Session{
		conn:          conn,
		peerID:        peerID,
		infoHash:      infoHash,
		log:           l,
		messages:      make(chan interface{}),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
		downloadMeter: metrics.NewMeter(),
		uploadMeter:   metrics.NewMeter(),
	}
	s.reader = newReader(conn, l, cfg.PieceTimeout, cfg.DownloadLimit, s.downloadMeter)
	s.writer = newWriter(conn, l, cfg.MaxRequestsIn, cfg.UploadLimit, s.uploadMeter)
	s.ext = newExtensionState(cfg.OurExtensions, supportsExtensionProtocol(extensions))
	return s
}

// PeerID returns the BT peer id advertised at handshake time.
func (s *Session) PeerID() [20]byte { return s.peerID }

// Addr returns the remote TCP address.
func (s *Session) Addr() *net.TCPAddr { return s.conn.RemoteAddr().(*net.TCPAddr) }

// DownloadRate and UploadRate report the 1-minute EWMA byte rate.
func (s *Session) DownloadRate() float64 { return s.downloadMeter.Rate1() }
func (s *Session) UploadRate() float64   { return s.uploadMeter.Rate1() }

// Messages delivers every message received from the peer. The channel is
// closed when the Session stops for any reason.
func (s *Session) Messages() <-chan interface{} { return s.messages }

// SendMessage queues msg for sending; it does not block on the network.
func (s *Session) SendMessage(msg protocol.Message) { s.writer.sendMessage(msg) }

// SendExtensionHandshake sends our BEP 10 handshake, once per session.
func (s *Session) SendExtensionHandshake(metadataSize uint32, version string, reqQ int) {
	if !s.ext.enabled {
		return
	}
	hs := protocol.NewExtensionHandshake(metadataSize, version, s.Addr().IP, reqQ)
	s.writer.sendExtension(extensionEnvelope{extID: protocol.ExtensionIDHandshake, payload: hs})
}

// SendExtensionMessage wraps payload in the BEP 10 envelope using the
// peer-advertised numeric id for name, and sends it. It is a no-op if the
// peer never advertised support for name.
func (s *Session) SendExtensionMessage(name string, payload interface{}) bool {
	id, ok := s.ext.peerIDFor(name)
	if !ok {
		return false
	}
	s.writer.sendExtension(extensionEnvelope{extID: id, payload: payload})
	return true
}

// SendPiece queues a block for upload. data is read lazily, just before
// the message is written, to avoid holding the block in memory while
// queued behind other peers' requests.
func (s *Session) SendPiece(req protocol.RequestMessage, data io.ReaderAt) {
	s.writer.sendPiece(req, data)
}

// CancelRequest removes a previously queued outgoing Piece matching req,
// if it has not been written yet.
func (s *Session) CancelRequest(req protocol.CancelMessage) { s.writer.cancelRequest(req) }

// Run drives the reader and writer goroutines until either fails or
// Close is called, then closes Messages() and the underlying conn.
func (s *Session) Run() {
	defer close(s.doneC)
	defer close(s.messages)
	defer s.conn.Close()

	go s.reader.run()
	defer func() { <-s.reader.done }()

	go s.writer.run()
	defer func() { <-s.writer.done }()

	for {
		select {
		case msg, ok := <-s.reader.messages:
			if !ok {
				return
			}
			if hs, isHandshake := msg.(protocol.ExtensionHandshakeMessage); isHandshake {
				s.ext.recordPeerHandshake(hs)
			}
			select {
			case s.messages <- msg:
			case <-s.closeC:
				return
			}
		case msg := <-s.writer.events:
			select {
			case s.messages <- msg:
			case <-s.closeC:
				return
			}
		case <-s.closeC:
			s.reader.stop()
			s.writer.stop()
			return
		case <-s.reader.done:
			s.writer.stop()
			return
		case <-s.writer.done:
			s.reader.stop()
			return
		}
	}
}

// Close stops the session and waits for Run to return.
func (s *Session) Close() {
	select {
	case <-s.closeC:
	default:
		close(s.closeC)
	}
	<-s.doneC
}

func supportsExtensionProtocol(reserved [8]byte) bool {
	return reserved[5]&0x10 != 0
}
