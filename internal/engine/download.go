package engine

import (
	"strconv"
	"time"

	"github.com/dht11-dev/gorrent/internal/peersession"
	"github.com/dht11-dev/gorrent/internal/piece"
	"github.com/dht11-dev/gorrent/internal/piecemap"
	"github.com/dht11-dev/gorrent/internal/protocol"
)

// rttSmoothing is the EWMA factor for the per-peer request latency used
// to size the request pipeline.
const rttSmoothing = 0.3

// pipelineDepth adapts the number of outstanding requests to the peer's
// bandwidth-delay product: rate * rtt / blockSize, clamped to the
// configured bounds. Before any measurement exists the configured
// default applies.
func (e *Engine) pipelineDepth(ps *peerState) int {
	if ps.rttSeconds == 0 {
		return e.cfg.Download.RequestQueueLength
	}
	depth := int(ps.session.DownloadRate() * ps.rttSeconds / float64(piece.BlockSize))
	if depth < e.cfg.Download.RequestQueueMin {
		depth = e.cfg.Download.RequestQueueMin
	}
	if depth > e.cfg.Download.RequestQueueMax {
		depth = e.cfg.Download.RequestQueueMax
	}
	return depth
}

// fillRequests tops the peer's pipeline up with blocks from the piece
// map. Issuance pauses while the piece writer is backlogged; the sweep
// tick retries once it drains.
func (e *Engine) fillRequests(ps *peerState) {
	if e.pm == nil || ps.peerChoking || !ps.amInterested || ps.bitfield.Len() == 0 {
		return
	}
	if len(e.writeC) == cap(e.writeC) {
		return
	}
	depth := e.pipelineDepth(ps)
	for len(ps.outstanding) < depth {
		req, ok := e.pm.NextRequest(ps.id, &ps.bitfield)
		if !ok {
			return
		}
		ps.outstanding[blockKey{index: req.PieceIndex, begin: req.Begin}] = time.Now()
		ps.session.SendMessage(protocol.RequestMessage{Index: req.PieceIndex, Begin: req.Begin, Length: req.Length})
	}
}

func (e *Engine) fillAll() {
	for _, ps := range e.peers {
		e.fillRequests(ps)
	}
}

// blockLength recovers the length of a known block for CANCEL messages.
func (e *Engine) blockLength(key blockKey) uint32 {
	if key.index >= uint32(len(e.pieces)) {
		return piece.BlockSize
	}
	if b := e.pieces[key.index].BlockAt(key.begin); b != nil {
		return b.Length
	}
	return piece.BlockSize
}

// handlePiece is the downlink hot path: match the block to a request,
// feed it to the piece map, and react to verification results.
func (e *Engine) handlePiece(ps *peerState, m peersession.Piece) {
	data := m.Buffer.Data
	defer m.Buffer.Release()

	if e.pm == nil {
		ps.errorBudget++
		if ps.errorBudget > maxPeerErrors {
			e.protocolError(ps, "piece before metadata")
		}
		return
	}

	key := blockKey{index: m.Index, begin: m.Begin}
	if sentAt, requested := ps.outstanding[key]; requested {
		delete(ps.outstanding, key)
		rtt := time.Since(sentAt).Seconds()
		if ps.rttSeconds == 0 {
			ps.rttSeconds = rtt
		} else {
			ps.rttSeconds = (1-rttSmoothing)*ps.rttSeconds + rttSmoothing*rtt
		}
	} else {
		// unsolicited blocks are tolerated if the piece map accepts
		// them, but they cost error budget
		ps.errorBudget++
		if ps.errorBudget > maxPeerErrors {
			e.protocolError(ps, "too many unsolicited blocks")
			return
		}
	}

	result, contributors, completed := e.pm.Deliver(ps.id, m.Index, m.Begin, data)
	switch result {
	case piecemap.Duplicate:
		// lost an endgame race, nothing to do
	case piecemap.Rejected:
		if contributors != nil {
			e.handleHashFailure(m.Index, contributors)
			e.fillAll()
			return
		}
		ps.errorBudget++
		if ps.errorBudget > maxPeerErrors {
			e.protocolError(ps, "too many rejected blocks")
			return
		}
	case piecemap.Accepted:
		ps.gotPiece = true
		delete(e.backoffs, string(ps.id))
		e.bytesDownloaded.Add(int64(len(data)))
		e.cm.MarkDelivery(string(ps.id))
		e.cancelDuplicates(ps, key)
		if completed != nil {
			// drain the broadcast queue now but announce each piece only
			// after its write lands, so peers never request blocks that
			// are not on disk yet; writes complete in FIFO order
			e.haveQueue = append(e.haveQueue, e.pm.PendingBroadcast()...)
			e.writeC <- writeJob{index: m.Index, data: completed}
		}
	}
	e.fillRequests(ps)
}

// cancelDuplicates tells every other peer still holding an endgame
// request for this block to drop it. CANCELs go only to peers that have
// produced at least one PIECE.
func (e *Engine) cancelDuplicates(got *peerState, key blockKey) {
	if !e.pm.Endgame() {
		return
	}
	for _, other := range e.peers {
		if other == got {
			continue
		}
		if _, dup := other.outstanding[key]; !dup {
			continue
		}
		delete(other.outstanding, key)
		e.pm.CancelRequest(other.id, key.index, key.begin)
		if other.gotPiece {
			other.session.SendMessage(protocol.CancelMessage{RequestMessage: protocol.RequestMessage{
				Index: key.index, Begin: key.begin, Length: e.blockLength(key),
			}})
		}
	}
}

// handleHashFailure applies the trust policy to every peer that
// contributed a block to the corrupt piece: score halved for three
// rounds, banned after BanThreshold failures.
func (e *Engine) handleHashFailure(index uint32, contributors []piecemap.PeerID) {
	e.log.Errorln(newError(KindHashFailure, "piece "+strconv.FormatUint(uint64(index), 10)+" failed verification"))
	for _, id := range contributors {
		key := string(id)
		ps, connected := e.peers[key]
		if !connected {
			continue
		}
		ps.trustPenalty = 3
		if e.cm.DecrementTrust(key) {
			e.closePeer(ps, newError(KindBanned, "too many corrupt pieces").Error())
		}
	}
}

// sweepTimeouts re-requests blocks whose deadline has passed; the slow
// peer keeps the connection but loses the block reservation.
func (e *Engine) sweepTimeouts() {
	if e.pm == nil {
		e.sweepMetadataFetch()
		return
	}
	now := time.Now()
	expired := false
	for _, ps := range e.peers {
		for key, sentAt := range ps.outstanding {
			if now.Sub(sentAt) < e.cfg.Download.RequestTimeout {
				continue
			}
			delete(ps.outstanding, key)
			e.pm.CancelRequest(ps.id, key.index, key.begin)
			if ps.gotPiece {
				ps.session.SendMessage(protocol.CancelMessage{RequestMessage: protocol.RequestMessage{
					Index: key.index, Begin: key.begin, Length: e.blockLength(key),
				}})
			}
			ps.log.Debugln(newError(KindTimeout, "block request expired, re-requesting elsewhere"))
			expired = true
		}
	}
	if expired {
		e.fillAll()
	}
}

// pieceWriter commits verified pieces to disk off the run loop, so a
// slow disk shows up as request backpressure instead of a stalled swarm.
func (e *Engine) pieceWriter() {
	defer close(e.writerDone)
	for job := range e.writeC {
		err := e.store.WritePiece(job.index, job.data)
		e.writeResults <- writeResult{index: job.index, err: err}
	}
}

func (e *Engine) handleWriteResult(res writeResult) {
	if res.err != nil {
		// cannot silently lose verified data
		e.fatal(wrapError(KindIO, "committing piece", res.err))
		return
	}
	e.bytesLeft.Add(-int64(e.pieces[res.index].Length))
	if len(e.haveQueue) > 0 && e.haveQueue[0] == res.index {
		e.haveQueue = e.haveQueue[1:]
	}
	e.broadcastHave(res.index)
	if e.pm.Complete() {
		e.markComplete()
	}
	e.fillAll()
}

// broadcastHave fans one newly committed piece out to every peer that
// does not already have it, and re-evaluates interest since a completed
// piece may end our interest in some peers.
func (e *Engine) broadcastHave(index uint32) {
	for _, ps := range e.peers {
		if ps.bitfield.Len() > 0 && ps.bitfield.Test(index) {
			continue
		}
		ps.session.SendMessage(protocol.HaveMessage{Index: index})
	}
	for _, ps := range e.peers {
		e.updateInterest(ps)
	}
}
