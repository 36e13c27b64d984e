package engine

import (
	"github.com/dht11-dev/gorrent/internal/metadatafetcher"
	"github.com/dht11-dev/gorrent/internal/metainfo"
	"github.com/dht11-dev/gorrent/internal/protocol"
)

// metadatafetcher.Peer implementation: a peerState is one candidate
// source for ut_metadata pieces.

func (ps *peerState) MetadataSize() (uint32, bool) {
	size, ok := ps.session.MetadataSize()
	if !ok || size <= 0 {
		return 0, false
	}
	return uint32(size), true
}

func (ps *peerState) RequestMetadataPiece(index uint32) {
	ps.session.SendExtensionMessage(protocol.ExtensionKeyMetadata, protocol.ExtensionMetadataMessage{
		Type:  protocol.ExtensionMetadataMessageTypeRequest,
		Piece: index,
	})
}

func (e *Engine) handleExtensionHandshake(ps *peerState, m protocol.ExtensionHandshakeMessage) {
	if ps.extHandshakeSeen {
		ps.log.Debugln("peer re-sent its extension handshake")
		return
	}
	ps.extHandshakeSeen = true
	if e.pm == nil {
		e.maybeStartMetadataFetch(ps)
	}
}

// maybeStartMetadataFetch attaches the fetcher to ps if no fetch is
// running and ps advertises ut_metadata with a plausible size.
func (e *Engine) maybeStartMetadataFetch(ps *peerState) {
	if e.fetcher == nil || e.fetcher.Active() {
		return
	}
	if _, ok := ps.MetadataSize(); !ok {
		return
	}
	if err := e.fetcher.Attach(ps); err != nil {
		ps.log.Debugln(err)
		return
	}
	ps.log.Infoln("fetching metadata")
	e.fetcher.RequestMore()
}

// restartMetadataFetch abandons the current source and attaches any
// other connected peer that can serve ut_metadata. skip is excluded
// (the peer being banned or closed).
func (e *Engine) restartMetadataFetch(skip *peerState) {
	if e.fetcher == nil {
		return
	}
	e.fetcher.Detach()
	for _, other := range e.peers {
		if other == skip {
			continue
		}
		e.maybeStartMetadataFetch(other)
		if e.fetcher.Active() {
			return
		}
	}
	// no candidate right now; the next extension handshake retries
}

// sweepMetadataFetch re-issues requests for a stalled fetch and kicks a
// restart if the fetcher lost its peer.
func (e *Engine) sweepMetadataFetch() {
	if e.fetcher == nil {
		return
	}
	if !e.fetcher.Active() {
		e.restartMetadataFetch(nil)
		return
	}
	e.fetcher.RequestMore()
}

func (e *Engine) handleMetadataMessage(ps *peerState, m protocol.ExtensionMetadataMessage) {
	switch m.Type {
	case protocol.ExtensionMetadataMessageTypeRequest:
		e.serveMetadataRequest(ps, m.Piece)
	case protocol.ExtensionMetadataMessageTypeData:
		e.handleMetadataData(ps, m)
	case protocol.ExtensionMetadataMessageTypeReject:
		if e.fetcher != nil && e.fetcher.Peer() == ps {
			ps.log.Debugln("metadata request rejected, failing over")
			e.restartMetadataFetch(ps)
		}
	}
}

func (e *Engine) serveMetadataRequest(ps *peerState, index uint32) {
	reject := protocol.ExtensionMetadataMessage{
		Type:  protocol.ExtensionMetadataMessageTypeReject,
		Piece: index,
	}
	if e.info == nil {
		ps.session.SendExtensionMessage(protocol.ExtensionKeyMetadata, reject)
		return
	}
	total := uint32(len(e.info.RawInfo))
	start := index * metadataBlockSize
	if start >= total {
		ps.session.SendExtensionMessage(protocol.ExtensionKeyMetadata, reject)
		return
	}
	end := start + metadataBlockSize
	if end > total {
		end = total
	}
	ps.session.SendExtensionMessage(protocol.ExtensionKeyMetadata, protocol.ExtensionMetadataMessage{
		Type:      protocol.ExtensionMetadataMessageTypeData,
		Piece:     index,
		TotalSize: int(total),
		Data:      e.info.RawInfo[start:end],
	})
}

const metadataBlockSize = 16 * 1024

func (e *Engine) handleMetadataData(ps *peerState, m protocol.ExtensionMetadataMessage) {
	if e.fetcher == nil || e.fetcher.Peer() != ps {
		return // late data from a detached source
	}
	result, err := e.fetcher.Deliver(ps, m.Piece, m.Data)
	if err != nil {
		ps.log.Errorln("metadata fetch:", err)
		// a source whose assembled dict fails hash verification is
		// banned outright; a merely confused one just loses the fetch
		if err == metadatafetcher.ErrHashMismatch {
			e.cm.Ban(string(ps.id))
		}
		e.closePeer(ps, wrapError(KindMetadataInvalid, "bad ut_metadata data", err).Error())
		e.restartMetadataFetch(ps)
		return
	}
	if result == nil {
		e.fetcher.RequestMore()
		return
	}

	info, err := metainfo.ParseInfo(result.Info)
	if err != nil {
		// hash matched but the dict is garbage: the torrent itself is
		// broken, not the peer
		e.fatal(wrapError(KindMetadataInvalid, "parsing fetched info dict", err))
		return
	}
	e.log.Infoln("metadata complete:", info.Name)
	if err := e.initTorrent(info); err != nil {
		e.fatal(err)
		return
	}
	e.fetcher = nil
}
