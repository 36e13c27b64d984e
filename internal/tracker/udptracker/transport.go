package udptracker

// http://bittorrent.org/beps/bep_0015.html
// http://xbtt.sourceforge.net/udp_tracker_protocol.html

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dht11-dev/gorrent/internal/blocklist"
	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/tracker"
)

const connectionIDMagic = 0x41727101980
const connectionIDInterval = time.Minute

// maxRetryExponent bounds the retransmit schedule: a request is resent
// after 15*2^n seconds, n = 0..8, then the transaction fails (BEP 15).
const maxRetryExponent = 8

var errTransactionTimeout = errors.New("udptracker: no response from tracker")

// Transport is a single UDP socket shared by every UDPTracker of a
// session. It matches responses to in-flight transactions by the 32-bit
// transaction id and caches connection ids per tracker address.
type Transport struct {
	blocklist      *blocklist.Blocklist
	connectTimeout time.Duration
	log            logger.Logger

	m            sync.Mutex
	conn         *net.UDPConn
	connections  map[string]*connection
	transactions map[int32]*transaction

	closeC    chan struct{}
	closeOnce sync.Once
}

type connection struct {
	m         sync.Mutex
	id        int64
	timestamp time.Time
}

// NewTransport creates a Transport. bl may be nil to disable blocklist
// checks on resolved tracker addresses.
func NewTransport(bl *blocklist.Blocklist, connectTimeout time.Duration) *Transport {
	return &Transport{
		blocklist:      bl,
		connectTimeout: connectTimeout,
		log:            logger.New("udp tracker transport"),
		connections:    make(map[string]*connection),
		transactions:   make(map[int32]*transaction),
		closeC:         make(chan struct{}),
	}
}

// Run opens the socket and blocks reading responses until Close. Do also
// opens the socket on first use, so Run is optional; it exists so the
// owner can keep the read loop's lifetime explicit.
func (t *Transport) Run() {
	if err := t.listen(); err != nil {
		t.log.Error(err)
		return
	}
	<-t.closeC
}

// Close the socket and fail all in-flight transactions.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closeC) })
	t.m.Lock()
	defer t.m.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *Transport) listen() error {
	t.m.Lock()
	defer t.m.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	t.conn = conn
	go t.readLoop(conn)
	return nil
}

// Do resolves the tracker address, establishes a connection id if the
// cached one has expired, then sends the announce with retransmits.
func (t *Transport) Do(req *transportRequest) ([]byte, error) {
	if err := t.listen(); err != nil {
		return nil, err
	}

	ctx := req.ctx
	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	ip, port, err := tracker.ResolveHost(ctx, req.dest, t.blocklist)
	if err != nil {
		return nil, err
	}
	addr := &net.UDPAddr{IP: ip, Port: port}

	conn := t.getConnection(addr.String())
	conn.m.Lock()
	if time.Since(conn.timestamp) > connectionIDInterval {
		conn.id, err = t.connect(ctx, addr)
		if err != nil {
			conn.m.Unlock()
			return nil, err
		}
		conn.timestamp = time.Now()
	}
	id := conn.id
	conn.m.Unlock()

	req.SetConnectionID(id)
	trx := newTransaction(req, addr)
	return t.retryTransaction(req.ctx, trx)
}

func (t *Transport) getConnection(addr string) *connection {
	t.m.Lock()
	defer t.m.Unlock()
	conn, ok := t.connections[addr]
	if !ok {
		conn = new(connection)
		t.connections[addr] = conn
	}
	return conn
}

// connect sends a connectRequest and returns the connection id given by
// the tracker.
func (t *Transport) connect(ctx context.Context, addr *net.UDPAddr) (int64, error) {
	req := newConnectRequest()
	trx := newTransaction(req, addr)

	data, err := t.retryTransaction(ctx, trx)
	if err != nil {
		return 0, err
	}

	var response connectResponse
	if err = binary.Read(bytes.NewReader(data), binary.BigEndian, &response); err != nil {
		return 0, err
	}
	if response.Action != actionConnect {
		return 0, errors.New("udptracker: invalid action in connect response")
	}
	t.log.Debugf("connect response: %#v", response)
	return response.ConnectionID, nil
}

// retryTransaction registers trx, writes it and retransmits on the
// 15*2^n schedule until a response arrives, ctx ends, or the schedule is
// exhausted.
func (t *Transport) retryTransaction(ctx context.Context, trx *transaction) ([]byte, error) {
	t.m.Lock()
	t.transactions[trx.id] = trx
	t.m.Unlock()
	defer func() {
		t.m.Lock()
		delete(t.transactions, trx.id)
		t.m.Unlock()
	}()

	for n := 0; n <= maxRetryExponent; n++ {
		t.writeTrx(trx)
		select {
		case <-trx.done:
			return trx.response, trx.err
		case <-time.After(time.Duration(15<<n) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.closeC:
			return nil, errors.New("udptracker: transport closed")
		}
	}
	return nil, errTransactionTimeout
}

func (t *Transport) writeTrx(trx *transaction) {
	t.log.Debugln("writing transaction, id:", trx.id)
	var buf bytes.Buffer
	if _, err := trx.request.WriteTo(&buf); err != nil {
		t.log.Error(err)
		return
	}
	if _, err := t.conn.WriteTo(buf.Bytes(), trx.addr); err != nil {
		t.log.Error(err)
	}
}

// readLoop reads datagrams, finds the owning transaction by transaction
// id and completes it.
func (t *Transport) readLoop(conn *net.UDPConn) {
	// Read buffer must be big enough to hold a UDP packet of maximum
	// expected size: header + compact peer list.
	const maxNumWant = 1000
	bigBuf := make([]byte, 20+6*maxNumWant)
	for {
		n, err := conn.Read(bigBuf)
		if err != nil {
			select {
			case <-t.closeC:
			default:
				t.log.Error(err)
			}
			return
		}
		buf := bigBuf[:n]

		var header udpMessageHeader
		if err = binary.Read(bytes.NewReader(buf), binary.BigEndian, &header); err != nil {
			t.log.Error(err)
			continue
		}

		t.m.Lock()
		trx, ok := t.transactions[header.TransactionID]
		delete(t.transactions, header.TransactionID)
		t.m.Unlock()
		if !ok {
			t.log.Debugln("unexpected transaction_id:", header.TransactionID)
			continue
		}

		if header.Action == actionError {
			// The part after the header is the failure reason.
			trx.err = &tracker.Error{FailureReason: string(buf[binary.Size(header):])}
			trx.complete()
			continue
		}

		// Copy into a new slice because buf is overwritten at next read.
		trx.response = make([]byte, len(buf))
		copy(trx.response, buf)
		trx.complete()
	}
}
