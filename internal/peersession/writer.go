package peersession

import (
	"bytes"
	"container/list"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/protocol"
	"github.com/juju/ratelimit"
	metrics "github.com/rcrowley/go-metrics"
)

const keepAlivePeriod = 2 * time.Minute

// BlockUploaded is emitted on events() once a queued Piece has actually
// been written to the wire, so the engine can account uploaded bytes.
type BlockUploaded struct{ Length uint32 }

// outgoing is anything the writer can serialize: either a protocol.Message,
// an extensionEnvelope, or a pieceOut block transfer.
type outgoing interface {
	id() protocol.MessageID
	marshal() ([]byte, error)
}

type writer struct {
	conn          net.Conn
	log           logger.Logger
	maxRequestsIn int
	bucket        *ratelimit.Bucket
	meter         metrics.Meter

	queueC  chan outgoing
	cancelC chan protocol.CancelMessage
	queue   *list.List
	writeC  chan outgoing
	events  chan interface{}
	stopC   chan struct{}
	done    chan struct{}
}

func newWriter(conn net.Conn, l logger.Logger, maxRequestsIn int, bucket *ratelimit.Bucket, meter metrics.Meter) *writer {
	return &writer{
		conn:          conn,
		log:           l,
		maxRequestsIn: maxRequestsIn,
		bucket:        bucket,
		meter:         meter,
		queueC:        make(chan outgoing),
		cancelC:       make(chan protocol.CancelMessage),
		queue:         list.New(),
		writeC:        make(chan outgoing),
		events:        make(chan interface{}),
		stopC:         make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (w *writer) stop() {
	select {
	case <-w.stopC:
	default:
		close(w.stopC)
	}
}

func (w *writer) sendMessage(msg protocol.Message) {
	select {
	case w.queueC <- wireMessage{msg}:
	case <-w.done:
	}
}

func (w *writer) sendExtension(env extensionEnvelope) {
	select {
	case w.queueC <- env:
	case <-w.done:
	}
}

func (w *writer) sendPiece(req protocol.RequestMessage, data io.ReaderAt) {
	select {
	case w.queueC <- pieceOut{req: req, data: data}:
	case <-w.done:
	}
}

func (w *writer) cancelRequest(msg protocol.CancelMessage) {
	select {
	case w.cancelC <- msg:
	case <-w.done:
	}
}

func (w *writer) run() {
	defer close(w.done)

	go w.drainWrites()

	for {
		var (
			e      *list.Element
			msg    outgoing
			writeC chan outgoing
		)
		if w.queue.Len() > 0 {
			e = w.queue.Front()
			msg = e.Value.(outgoing)
			writeC = w.writeC
		}
		select {
		case m := <-w.queueC:
			w.enqueue(m)
		case writeC <- msg:
			w.queue.Remove(e)
		case cm := <-w.cancelC:
			w.cancelQueued(cm)
		case <-w.stopC:
			return
		}
	}
}

func (w *writer) enqueue(msg outgoing) {
	if m, ok := msg.(wireMessage); ok {
		if _, isChoke := m.Message.(protocol.ChokeMessage); isChoke {
			w.cancelQueuedPieces()
		}
	}
	w.queue.PushBack(msg)
}

func (w *writer) cancelQueuedPieces() {
	var next *list.Element
	for e := w.queue.Front(); e != nil; e = next {
		next = e.Next()
		if _, ok := e.Value.(pieceOut); ok {
			w.queue.Remove(e)
		}
	}
}

func (w *writer) cancelQueued(cm protocol.CancelMessage) {
	for e := w.queue.Front(); e != nil; e = e.Next() {
		if p, ok := e.Value.(pieceOut); ok && p.req == cm.RequestMessage {
			w.queue.Remove(e)
			return
		}
	}
}

func (w *writer) drainWrites() {
	defer w.conn.Close()

	if err := w.conn.SetWriteDeadline(time.Time{}); err != nil {
		w.log.Debugln("peersession: clearing write deadline:", err)
		return
	}

	ka := time.NewTicker(keepAlivePeriod / 2)
	defer ka.Stop()

	for {
		select {
		case msg := <-w.writeC:
			if p, ok := msg.(pieceOut); ok && w.bucket != nil {
				select {
				case <-time.After(w.bucket.Take(int64(p.req.Length))):
				case <-w.stopC:
					return
				}
			}
			payload, err := msg.marshal()
			if err != nil {
				w.log.Errorf("peersession: marshal message %v: %s", msg.id(), err)
				return
			}
			var hdr bytes.Buffer
			hdr.Grow(5)
			_ = binary.Write(&hdr, binary.BigEndian, uint32(1+len(payload)))
			hdr.WriteByte(byte(msg.id()))
			n1, err1 := w.conn.Write(hdr.Bytes())
			n2, err2 := 0, error(nil)
			if err1 == nil {
				n2, err2 = w.conn.Write(payload)
			}
			w.countUpload(msg, n1+n2)
			if err := firstErr(err1, err2); err != nil {
				if _, ok := err.(*net.OpError); ok {
					w.log.Debugf("peersession: write failed: %s", err)
				} else {
					w.log.Errorf("peersession: write failed: %s", err)
				}
				return
			}
		case <-ka.C:
			if _, err := w.conn.Write([]byte{0, 0, 0, 0}); err != nil {
				return
			}
		case <-w.stopC:
			return
		}
	}
}

func (w *writer) countUpload(msg outgoing, n int) {
	if _, ok := msg.(pieceOut); !ok {
		return
	}
	uploaded := n - 13 // length(4) + id(1) + index(4) + begin(4)
	if uploaded <= 0 {
		return
	}
	if w.meter != nil {
		w.meter.Mark(int64(uploaded))
	}
	select {
	case w.events <- BlockUploaded{Length: uint32(uploaded)}:
	case <-w.stopC:
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// wireMessage adapts a protocol.Message (the io.Reader-based wire
// contract) to outgoing by draining Read() into a single buffer.
type wireMessage struct{ protocol.Message }

func (m wireMessage) id() protocol.MessageID { return m.Message.ID() }

func (m wireMessage) marshal() ([]byte, error) {
	tmp := make([]byte, 16*1024+64)
	var buf bytes.Buffer
	for {
		n, err := m.Message.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// pieceOut is a queued block upload; the data is read from disk lazily,
// right before it is written to the wire, via bucket-throttled ReadAt.
type pieceOut struct {
	req  protocol.RequestMessage
	data io.ReaderAt
}

func (p pieceOut) id() protocol.MessageID { return protocol.Piece }

func (p pieceOut) marshal() ([]byte, error) {
	buf := make([]byte, 8+p.req.Length)
	binary.BigEndian.PutUint32(buf[0:4], p.req.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.req.Begin)
	if _, err := p.data.ReadAt(buf[8:], int64(p.req.Begin)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// extensionEnvelope wraps a BEP 10 payload with the extended message id
// the peer told us to use for it.
type extensionEnvelope struct {
	extID   uint8
	payload interface{}
}

func (extensionEnvelope) id() protocol.MessageID { return protocol.Extension }

func (e extensionEnvelope) marshal() ([]byte, error) {
	env := protocol.ExtensionMessage{ExtendedMessageID: e.extID, Payload: e.payload}
	var buf bytes.Buffer
	if _, err := env.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
