package engine

import (
	"net"
	"strconv"
	"time"

	"github.com/dht11-dev/gorrent/internal/bitfield"
	"github.com/dht11-dev/gorrent/internal/connmanager"
	"github.com/dht11-dev/gorrent/internal/handshake"
	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/peersession"
	"github.com/dht11-dev/gorrent/internal/piecemap"
	"github.com/dht11-dev/gorrent/internal/protocol"
	"github.com/dht11-dev/gorrent/internal/tracker"
)

// maxPeerErrors is the tolerance budget for suspicious-but-survivable
// behavior (unsolicited blocks, bogus requests) before the session is
// closed as a protocol error.
const maxPeerErrors = 8

type blockKey struct {
	index uint32
	begin uint32
}

// peerState is the engine-side record of one connected peer. The wire
// I/O lives in the Session; everything here is owned by the run loop.
type peerState struct {
	session *peersession.Session
	id      piecemap.PeerID // remote address, the swarm-view key
	addr    *net.TCPAddr
	log     logger.Logger

	bitfield bitfield.Bitfield // allocated once the info dict is known

	// messages that arrived before the info dict was known, replayed by
	// promotePeer in arrival order
	heldMessages []interface{}

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	outstanding map[blockKey]time.Time
	gotPiece    bool
	errorBudget int
	rttSeconds  float64 // EWMA of request->piece latency

	allowedFast      map[uint32]struct{}
	fastExt          bool
	extHandshakeSeen bool
	trustPenalty     int // choke rounds left with a halved score
}

// startPeer wraps a freshly handshaken connection in a Session and
// registers it with the swarm view.
func (e *Engine) startPeer(res handshake.Result, addr *net.TCPAddr, outgoing bool) {
	key := addr.String()
	if _, dup := e.peers[key]; dup {
		res.Conn.Close()
		return
	}
	if ok, reason := e.cm.Admit(addr, len(e.peers)); !ok {
		e.log.Debugf("rejecting peer %s: %s", key, reason)
		res.Conn.Close()
		return
	}

	log := logger.New("peer").Sub(key)
	scfg := peersession.Config{
		PieceTimeout:  e.cfg.Peer.PieceTimeout,
		MaxRequestsIn: e.cfg.Download.RequestQueueLength,
		DownloadLimit: e.downloadBucket,
		UploadLimit:   e.uploadBucket,
		OurExtensions: map[string]uint8{
			protocol.ExtensionKeyMetadata: protocol.ExtensionIDMetadata,
			protocol.ExtensionKeyPEX:      protocol.ExtensionIDPEX,
		},
	}
	session := peersession.New(res.Conn, res.PeerID, e.infoHash, res.PeerExtensions, scfg, log)

	ps := &peerState{
		session:     session,
		id:          piecemap.PeerID(key),
		addr:        addr,
		log:         log,
		amChoking:   true,
		peerChoking: true,
		outstanding: make(map[blockKey]time.Time),
		allowedFast: make(map[uint32]struct{}),
		fastExt:     res.PeerExtensions[7]&0x04 != 0,
	}
	e.peers[key] = ps

	e.cm.Register(&connmanager.PeerRecord{
		ID:   key,
		Addr: addr,
		ChokeFn: func() {
			if !ps.amChoking {
				ps.amChoking = true
				session.SendMessage(protocol.ChokeMessage{})
			}
		},
		UnchokeFn: func() {
			if ps.amChoking {
				ps.amChoking = false
				session.SendMessage(protocol.UnchokeMessage{})
			}
		},
		ChokingFn:    func() bool { return ps.amChoking },
		InterestedFn: func() bool { return ps.peerInterested },
		DownloadSpeedFn: func() int {
			return ps.score(ps.session.DownloadRate(), e.cm.Snubbed(key))
		},
		UploadSpeedFn: func() int {
			return ps.score(ps.session.UploadRate(), false)
		},
	})

	e.pex.Add(addr)
	e.recentlySeen.Add(addr)

	go session.Run()
	go e.forwardMessages(ps)

	var metadataSize uint32
	if e.info != nil {
		metadataSize = uint32(len(e.info.RawInfo))
	}
	session.SendExtensionHandshake(metadataSize, Version, e.cfg.Download.RequestQueueLength)
	if e.dhtNode != nil && res.PeerExtensions[7]&0x01 != 0 {
		session.SendMessage(protocol.PortMessage{Port: uint16(e.dhtNode.Port())})
	}
	if e.pm != nil {
		ps.bitfield = bitfield.New(e.pm.NumPieces())
		if e.pm.Bitfield().Count() > 0 {
			bf := e.pm.Bitfield().Copy()
			session.SendMessage(&protocol.BitfieldMessage{Data: bf.Bytes()})
		}
	}
	e.log.Debugf("peer %s connected (outgoing=%t, cipher=%s)", key, outgoing, res.Cipher)
}

// score applies the per-peer scoring modifiers to a raw byte
// rate: a snubbed peer scores zero, a trust-penalized peer half.
func (ps *peerState) score(rate float64, snubbed bool) int {
	if snubbed {
		return 0
	}
	if ps.trustPenalty > 0 {
		rate /= 2
	}
	return int(rate)
}

// forwardMessages pumps one session's receive channel into the run
// loop's shared fan-in, then reports the disconnect.
func (e *Engine) forwardMessages(ps *peerState) {
	for msg := range ps.session.Messages() {
		select {
		case e.peerMessages <- peerEvent{ps: ps, msg: msg}:
		case <-e.closeC:
			return
		}
	}
	select {
	case e.peerDone <- ps:
	case <-e.closeC:
	}
}

// closePeer tears the session down; the forwarder goroutine will report
// it back via peerDone once the session's channel closes.
func (e *Engine) closePeer(ps *peerState, reason string) {
	ps.log.Debugln("closing peer:", reason)
	go ps.session.Close()
}

func (e *Engine) handlePeerGone(ps *peerState) {
	key := string(ps.id)
	if e.peers[key] != ps {
		return
	}
	delete(e.peers, key)
	banned := e.cm.IsBanned(key)
	e.cm.Unregister(key)
	e.pex.Drop(ps.addr)

	if e.pm != nil {
		if ps.bitfield.Len() > 0 {
			e.pm.PeerGone(&ps.bitfield)
		}
		e.pm.Drop(ps.id)
	}
	if e.fetcher != nil && e.fetcher.Peer() == ps {
		e.restartMetadataFetch(nil)
	}

	// the address returns to the candidate pool with backoff, unless the
	// peer was banned for corrupting data
	if !banned {
		if ps.gotPiece {
			delete(e.backoffs, key)
			e.candidates.Push([]*net.TCPAddr{ps.addr}, e.port)
		} else {
			e.registerFailure(ps.addr)
		}
	}
	e.maintainPeers()
}

// promotePeer initializes the piece-oriented side of a session once the
// info dict is known and replays any messages held back until then.
func (e *Engine) promotePeer(ps *peerState) {
	ps.bitfield = bitfield.New(e.pm.NumPieces())
	if e.pm.Bitfield().Count() > 0 {
		bf := e.pm.Bitfield().Copy()
		ps.session.SendMessage(&protocol.BitfieldMessage{Data: bf.Bytes()})
	}
	held := ps.heldMessages
	ps.heldMessages = nil
	for _, msg := range held {
		e.handlePeerMessage(ps, msg)
	}
}

func (e *Engine) handlePeerMessage(ps *peerState, msg interface{}) {
	switch m := msg.(type) {
	case protocol.HaveMessage:
		e.handleHave(ps, m)
	case protocol.BitfieldMessage:
		e.handleBitfield(ps, m)
	case protocol.HaveAllMessage:
		e.handleHaveAll(ps, m)
	case protocol.HaveNoneMessage:
	case protocol.SuggestMessage:
	case protocol.AllowedFastMessage:
		e.handleAllowedFast(ps, m)
	case protocol.UnchokeMessage:
		ps.peerChoking = false
		e.fillRequests(ps)
	case protocol.ChokeMessage:
		e.handleChoked(ps)
	case protocol.InterestedMessage:
		ps.peerInterested = true
		e.cm.FastUnchoke(string(ps.id))
	case protocol.NotInterestedMessage:
		ps.peerInterested = false
	case protocol.RequestMessage:
		e.handleRequest(ps, m)
	case protocol.RejectMessage:
		e.handleReject(ps, m)
	case protocol.CancelMessage:
		ps.session.CancelRequest(m)
	case protocol.PortMessage:
		if e.dhtNode != nil {
			e.dhtNode.AddNode(net.JoinHostPort(ps.addr.IP.String(), strconv.Itoa(int(m.Port))))
		}
	case peersession.Piece:
		e.handlePiece(ps, m)
	case peersession.BlockUploaded:
		e.bytesUploaded.Add(int64(m.Length))
	case protocol.ExtensionHandshakeMessage:
		e.handleExtensionHandshake(ps, m)
	case protocol.ExtensionMetadataMessage:
		e.handleMetadataMessage(ps, m)
	case protocol.ExtensionPEXMessage:
		e.handlePEXMessage(ps, m)
	default:
		ps.log.Debugf("dropping unhandled message %T", msg)
	}
}

func (e *Engine) handleHave(ps *peerState, m protocol.HaveMessage) {
	if e.pm == nil {
		ps.heldMessages = append(ps.heldMessages, m)
		return
	}
	if m.Index >= e.pm.NumPieces() {
		e.protocolError(ps, "have index out of range")
		return
	}
	if ps.bitfield.Test(m.Index) {
		return // duplicate HAVE, state unchanged
	}
	ps.bitfield.Set(m.Index)
	e.pm.Have(m.Index)
	e.updateInterest(ps)
	e.fillRequests(ps)
}

func (e *Engine) handleBitfield(ps *peerState, m protocol.BitfieldMessage) {
	if e.pm == nil {
		ps.heldMessages = append(ps.heldMessages, m)
		return
	}
	numPieces := e.pm.NumPieces()
	if uint32(len(m.Data)) != (numPieces+7)/8 {
		e.protocolError(ps, "bitfield length mismatch")
		return
	}
	// check padding on the raw bytes: FromBytes clears it
	if mod := numPieces % 8; mod != 0 && m.Data[len(m.Data)-1]&byte(0xff>>mod) != 0 {
		e.protocolError(ps, "bitfield has padding bits set")
		return
	}
	bf := bitfield.FromBytes(m.Data, numPieces)
	if ps.bitfield.Count() > 0 {
		e.pm.PeerGone(&ps.bitfield) // replace any HAVE-derived view
	}
	ps.bitfield = bf.Copy()
	e.pm.PeerBitfield(&ps.bitfield)
	e.updateInterest(ps)
	e.fillRequests(ps)
}

func (e *Engine) handleHaveAll(ps *peerState, m protocol.HaveAllMessage) {
	if e.pm == nil {
		ps.heldMessages = append(ps.heldMessages, m)
		return
	}
	if ps.bitfield.Count() > 0 {
		e.pm.PeerGone(&ps.bitfield)
	}
	ps.bitfield.SetAll()
	e.pm.PeerBitfield(&ps.bitfield)
	e.updateInterest(ps)
	e.fillRequests(ps)
}

func (e *Engine) handleAllowedFast(ps *peerState, m protocol.AllowedFastMessage) {
	if e.pm == nil {
		ps.heldMessages = append(ps.heldMessages, m)
		return
	}
	if m.Index >= e.pm.NumPieces() {
		e.protocolError(ps, "allowed-fast index out of range")
		return
	}
	ps.allowedFast[m.Index] = struct{}{}
}

// handleChoked conceptually cancels every outstanding request: the marks
// are released in the piece map so other peers can pick the blocks up,
// and CANCELs are emitted only if this peer has ever produced a PIECE.
func (e *Engine) handleChoked(ps *peerState) {
	ps.peerChoking = true
	for key := range ps.outstanding {
		e.pm.CancelRequest(ps.id, key.index, key.begin)
		if ps.gotPiece {
			ps.session.SendMessage(protocol.CancelMessage{RequestMessage: protocol.RequestMessage{
				Index: key.index, Begin: key.begin, Length: e.blockLength(key),
			}})
		}
		delete(ps.outstanding, key)
	}
	e.fillAll()
}

func (e *Engine) handleRequest(ps *peerState, m protocol.RequestMessage) {
	if e.pm == nil {
		e.protocolError(ps, "request before metadata")
		return
	}
	if m.Index >= e.pm.NumPieces() {
		e.protocolError(ps, "request index out of range")
		return
	}
	pi := &e.pieces[m.Index]
	if m.Begin+m.Length > pi.Length {
		e.protocolError(ps, "request range out of piece bounds")
		return
	}
	if ps.amChoking {
		if ps.fastExt {
			ps.session.SendMessage(protocol.RejectMessage{RequestMessage: m})
		}
		return
	}
	if e.pm.PieceState(m.Index) != piecemap.Complete {
		ps.errorBudget++
		if ps.errorBudget > maxPeerErrors {
			e.protocolError(ps, "too many requests for incomplete pieces")
		}
		return
	}
	ps.session.SendPiece(m, e.store.PieceReaderAt(m.Index))
}

func (e *Engine) handleReject(ps *peerState, m protocol.RejectMessage) {
	key := blockKey{index: m.Index, begin: m.Begin}
	if _, ok := ps.outstanding[key]; !ok {
		return
	}
	delete(ps.outstanding, key)
	e.pm.CancelRequest(ps.id, m.Index, m.Begin)
	e.fillAll()
}

// updateInterest flips our interested bit when the peer's bitfield
// gains or loses pieces we still need.
func (e *Engine) updateInterest(ps *peerState) {
	if e.pm == nil || ps.bitfield.Len() == 0 {
		return
	}
	interested := false
	if !e.pm.Complete() {
		local := e.pm.Bitfield()
		for i := uint32(0); i < ps.bitfield.Len(); i++ {
			if ps.bitfield.Test(i) && !local.Test(i) {
				interested = true
				break
			}
		}
	}
	switch {
	case interested && !ps.amInterested:
		ps.amInterested = true
		ps.session.SendMessage(protocol.InterestedMessage{})
	case !interested && ps.amInterested:
		ps.amInterested = false
		ps.session.SendMessage(protocol.NotInterestedMessage{})
	}
}

func (e *Engine) protocolError(ps *peerState, reason string) {
	e.closePeer(ps, newError(KindProtocol, reason).Error())
}

// chokeTick runs one round of the tit-for-tat algorithm and ages out
// trust penalties.
func (e *Engine) chokeTick() {
	e.cm.Tick(e.pm != nil && e.pm.Complete())
	for _, ps := range e.peers {
		if ps.trustPenalty > 0 {
			ps.trustPenalty--
		}
	}
}

// pexTick sends the swarm's membership diff to every peer that
// negotiated ut_pex. The PEXList is flushed once per tick so every peer
// sees the same diff; per-peer rate limiting falls out of the tick
// period itself.
func (e *Engine) pexTick() {
	added, dropped := e.pex.Flush()
	if added == "" && dropped == "" {
		return
	}
	msg := protocol.ExtensionPEXMessage{Added: added, Dropped: dropped}
	for _, ps := range e.peers {
		ps.session.SendExtensionMessage(protocol.ExtensionKeyPEX, msg)
	}
}

func (e *Engine) handlePEXMessage(ps *peerState, m protocol.ExtensionPEXMessage) {
	addrs, err := tracker.DecodePeersCompact([]byte(m.Added))
	if err != nil {
		e.protocolError(ps, "malformed pex payload")
		return
	}
	e.addCandidates(addrs)
}
