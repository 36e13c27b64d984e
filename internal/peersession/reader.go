package peersession

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dht11-dev/gorrent/internal/bufferpool"
	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/piece"
	"github.com/dht11-dev/gorrent/internal/protocol"
	"github.com/juju/ratelimit"
	metrics "github.com/rcrowley/go-metrics"
)

// readTimeout bounds how long we wait for any message; peers must send
// keep-alives to hold the connection open.
const readTimeout = 2 * time.Minute

// readBufferSize only needs to cover length + id + the largest fixed
// header (RequestMessage: 12 bytes).
const readBufferSize = 4 + 1 + 12

var blockPool = bufferpool.New(piece.BlockSize)

var errStoppedWhileWaitingBucket = errors.New("peersession: reader stopped while throttled")

type reader struct {
	conn         net.Conn
	r            io.Reader
	log          logger.Logger
	pieceTimeout time.Duration
	bucket       *ratelimit.Bucket
	meter        metrics.Meter
	messages     chan interface{}
	stopC        chan struct{}
	done         chan struct{}
}

func newReader(conn net.Conn, l logger.Logger, pieceTimeout time.Duration, bucket *ratelimit.Bucket, meter metrics.Meter) *reader {
	if pieceTimeout == 0 {
		pieceTimeout = 30 * time.Second
	}
	return &reader{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, readBufferSize),
		log:          l,
		pieceTimeout: pieceTimeout,
		bucket:       bucket,
		meter:        meter,
		messages:     make(chan interface{}),
		stopC:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (r *reader) stop() {
	select {
	case <-r.stopC:
	default:
		close(r.stopC)
	}
}

func (r *reader) run() {
	defer close(r.done)

	var err error
	defer func() {
		if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF || err == errStoppedWhileWaitingBucket {
			return
		}
		if _, ok := err.(*net.OpError); ok {
			return
		}
		select {
		case <-r.stopC:
		default:
			r.log.Debugln("peersession: read error:", err)
		}
	}()

	first := true
	for {
		if err = r.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		var length uint32
		if err = binary.Read(r.r, binary.BigEndian, &length); err != nil {
			return
		}
		if length == 0 { // keep-alive
			continue
		}

		var id protocol.MessageID
		if err = binary.Read(r.r, binary.BigEndian, &id); err != nil {
			return
		}
		length--

		msg, isFirstOnly, decodeErr := r.decode(id, length)
		if decodeErr != nil {
			err = decodeErr
			return
		}
		if msg == nil {
			continue // unknown/discarded message type
		}
		if isFirstOnly && !first {
			err = errors.New("peersession: bitfield-class message after handshake")
			return
		}
		if id < protocol.Suggest {
			first = false
		}

		select {
		case r.messages <- msg:
		case <-r.stopC:
			return
		}
	}
}

// decode reads exactly `length` bytes belonging to one message id and
// returns the typed payload. isFirstOnly is true for messages BEP 3/6
// require to be the very first message on a connection.
func (r *reader) decode(id protocol.MessageID, length uint32) (msg interface{}, firstOnly bool, err error) {
	switch id {
	case protocol.Choke:
		return protocol.ChokeMessage{}, false, nil
	case protocol.Unchoke:
		return protocol.UnchokeMessage{}, false, nil
	case protocol.Interested:
		return protocol.InterestedMessage{}, false, nil
	case protocol.NotInterested:
		return protocol.NotInterestedMessage{}, false, nil
	case protocol.HaveAll:
		return protocol.HaveAllMessage{}, true, nil
	case protocol.HaveNone:
		return protocol.HaveNoneMessage{}, true, nil
	case protocol.Have:
		var m protocol.HaveMessage
		if err = binary.Read(r.r, binary.BigEndian, &m.Index); err != nil {
			return nil, false, err
		}
		return m, false, nil
	case protocol.Suggest:
		var m protocol.SuggestMessage
		if err = binary.Read(r.r, binary.BigEndian, &m.Index); err != nil {
			return nil, false, err
		}
		return m, false, nil
	case protocol.AllowedFast:
		var m protocol.AllowedFastMessage
		if err = binary.Read(r.r, binary.BigEndian, &m.Index); err != nil {
			return nil, false, err
		}
		return m, false, nil
	case protocol.Bitfield:
		var m protocol.BitfieldMessage
		m.Data = make([]byte, length)
		if _, err = io.ReadFull(r.r, m.Data); err != nil {
			return nil, false, err
		}
		return m, true, nil
	case protocol.Request:
		var m protocol.RequestMessage
		if err = binary.Read(r.r, binary.BigEndian, &m); err != nil {
			return nil, false, err
		}
		if m.Length > piece.BlockSize {
			return nil, false, fmt.Errorf("peersession: requested block too large: %d", m.Length)
		}
		return m, false, nil
	case protocol.Reject:
		var m protocol.RejectMessage
		if err = binary.Read(r.r, binary.BigEndian, &m); err != nil {
			return nil, false, err
		}
		return m, false, nil
	case protocol.Cancel:
		var m protocol.CancelMessage
		if err = binary.Read(r.r, binary.BigEndian, &m); err != nil {
			return nil, false, err
		}
		return m, false, nil
	case protocol.Port:
		var m protocol.PortMessage
		if err = binary.Read(r.r, binary.BigEndian, &m.Port); err != nil {
			return nil, false, err
		}
		return m, false, nil
	case protocol.Piece:
		var m protocol.PieceMessage
		if err = binary.Read(r.r, binary.BigEndian, &m); err != nil {
			return nil, false, err
		}
		blockLen := length - 8
		if blockLen > piece.BlockSize {
			return nil, false, fmt.Errorf("peersession: received block too large: %d", blockLen)
		}
		buf, rerr := r.readBlock(blockLen)
		if rerr != nil {
			return nil, false, rerr
		}
		return Piece{PieceMessage: m, Buffer: buf}, false, nil
	case protocol.Extension:
		buf := make([]byte, length)
		if _, err = io.ReadFull(r.r, buf); err != nil {
			return nil, false, err
		}
		var em protocol.ExtensionMessage
		if err = em.UnmarshalBinary(buf); err != nil {
			return nil, false, err
		}
		return em.Payload, false, nil
	default:
		if _, err = io.CopyN(discard{}, r.r, int64(length)); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
}

func (r *reader) readBlock(length uint32) (buf bufferpool.Buffer, err error) {
	buf = blockPool.Get(int(length))
	defer func() {
		if err != nil {
			buf.Release()
		}
	}()

	var n, m int
	for {
		if r.bucket != nil {
			d := r.bucket.Take(int64(length))
			select {
			case <-time.After(d):
			case <-r.stopC:
				return buf, errStoppedWhileWaitingBucket
			}
		}

		if err = r.conn.SetReadDeadline(time.Now().Add(r.pieceTimeout)); err != nil {
			return
		}
		n, err = io.ReadFull(r.r, buf.Data[m:])
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() && n > 0 {
				m += n
				continue
			}
			return
		}
		if r.meter != nil {
			r.meter.Mark(int64(length))
		}
		return buf, nil
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
