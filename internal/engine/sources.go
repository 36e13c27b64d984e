package engine

import (
	"context"
	"net"
	"time"

	"github.com/dht11-dev/gorrent/internal/handshake"
	"github.com/dht11-dev/gorrent/internal/mse"
)

type dialResult struct {
	addr   *net.TCPAddr
	result handshake.Result
	err    error
}

type acceptResult struct {
	addr   *net.TCPAddr
	result handshake.Result
}

// reservedBytes builds the BEP 3 reserved field: bit 20 (from the right)
// advertises the extension protocol, bit 0 DHT support.
func (e *Engine) reservedBytes() [8]byte {
	var ext [8]byte
	ext[5] |= 0x10 // BEP 10 extension protocol
	if e.dhtNode != nil {
		ext[7] |= 0x01 // BEP 5 DHT
	}
	return ext
}

// addCandidates merges newly learned addresses into the queue and tries
// to put them to use immediately.
func (e *Engine) addCandidates(addrs []*net.TCPAddr) {
	if len(addrs) == 0 {
		return
	}
	e.candidates.Push(addrs, e.port)
	e.maintainPeers()
}

// maintainPeers dials candidates until the swarm reaches its target size
// or the queue runs dry. Addresses still in their failure backoff are
// parked and retried by the sweep tick.
func (e *Engine) maintainPeers() {
	for len(e.peers)+e.dialing < e.cfg.Swarm.TargetPeers && e.dialing < e.cfg.Download.MaxPeerDial {
		addr := e.candidates.Pop()
		if addr == nil {
			e.askMorePeers()
			return
		}
		key := addr.String()
		if _, connected := e.peers[key]; connected {
			continue
		}
		if bo, ok := e.backoffs[key]; ok && time.Now().Before(bo.until) {
			e.parked = append(e.parked, parkedAddr{addr: addr, until: bo.until})
			continue
		}
		e.dialing++
		go e.dial(addr)
	}
}

func (e *Engine) askMorePeers() {
	need := len(e.peers) < e.cfg.Swarm.TargetPeers/2
	for _, an := range e.announcers {
		an.NeedMorePeers(need)
	}
}

// unparkAddrs requeues parked addresses whose backoff has expired.
func (e *Engine) unparkAddrs() {
	now := time.Now()
	kept := e.parked[:0]
	var ready []*net.TCPAddr
	for _, p := range e.parked {
		if now.Before(p.until) {
			kept = append(kept, p)
		} else {
			ready = append(ready, p.addr)
		}
	}
	e.parked = kept
	if len(ready) > 0 {
		e.candidates.Push(ready, e.port)
	}
}

func (e *Engine) dial(addr *net.TCPAddr) {
	enc := !e.cfg.Peer.Encryption.DisableOutgoing
	force := e.cfg.Peer.Encryption.ForceOutgoing
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Peer.ConnectTimeout+e.cfg.Peer.HandshakeTimeout)
	defer cancel()
	res, err := handshake.Dial(ctx, addr, e.cfg.Peer.ConnectTimeout, e.cfg.Peer.HandshakeTimeout,
		enc, force, e.reservedBytes(), e.infoHash, e.ourID)
	select {
	case e.dialResults <- dialResult{addr: addr, result: res, err: err}:
	case <-e.closeC:
		if err == nil {
			res.Conn.Close()
		}
	}
}

func (e *Engine) handleDialResult(res dialResult) {
	e.dialing--
	if res.err != nil {
		e.log.Debugf("dial %s failed: %s", res.addr, res.err)
		e.registerFailure(res.addr)
		e.maintainPeers()
		return
	}
	e.startPeer(res.result, res.addr, true)
}

// registerFailure applies the reconnect backoff: doubled per consecutive
// failure within [BackoffMin, BackoffMax], reset by a successful piece.
func (e *Engine) registerFailure(addr *net.TCPAddr) {
	key := addr.String()
	bo := e.backoffs[key]
	if bo == nil {
		bo = &dialBackoff{}
		e.backoffs[key] = bo
	}
	d := e.cfg.Peer.BackoffMin << bo.failures
	if d > e.cfg.Peer.BackoffMax || d <= 0 {
		d = e.cfg.Peer.BackoffMax
	}
	bo.failures++
	bo.until = time.Now().Add(d)
	e.parked = append(e.parked, parkedAddr{addr: addr, until: bo.until})
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.closeC:
			default:
				e.log.Error(err)
			}
			return
		}
		go e.acceptConn(conn)
	}
}

func (e *Engine) acceptConn(conn net.Conn) {
	sKeyHash := mse.HashSKey(e.infoHash[:])
	res, err := handshake.Accept(conn, e.cfg.Peer.HandshakeTimeout,
		func(h [20]byte) bool { return h == e.infoHash },
		func(h [20]byte) []byte {
			if h == sKeyHash {
				return e.infoHash[:]
			}
			return nil
		},
		func(provided mse.CryptoMethod) mse.CryptoMethod {
			if provided&mse.RC4 != 0 {
				return mse.RC4
			}
			if !e.cfg.Peer.Encryption.ForceIncoming && provided&mse.PlainText != 0 {
				return mse.PlainText
			}
			return 0
		},
		e.cfg.Peer.Encryption.ForceIncoming, e.reservedBytes(), e.ourID)
	if err != nil {
		e.log.Debugf("incoming handshake from %s failed: %s", conn.RemoteAddr(), err)
		return
	}
	addr := res.Conn.RemoteAddr().(*net.TCPAddr)
	select {
	case e.acceptResults <- acceptResult{addr: addr, result: res}:
	case <-e.closeC:
		res.Conn.Close()
	}
}
