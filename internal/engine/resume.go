package engine

import (
	"bytes"
	"crypto/sha1" // nolint:gosec
	"net"

	"github.com/dht11-dev/gorrent/internal/resume"
	"github.com/dht11-dev/gorrent/internal/tracker"
)

// maxPeersHint bounds the compact address list stored in the resume
// record.
const maxPeersHint = 200

// restoreResume applies a previously saved record: every piece the
// record claims complete is reverified against the bytes actually on
// disk, and any mismatch is silently downgraded to missing.
func (e *Engine) restoreResume() {
	if e.resumeStore == nil {
		return
	}
	rec, err := e.resumeStore.Read(e.infoHash)
	if err != nil {
		e.log.Debugln("no resume record:", err)
		return
	}
	if rec.PieceLength != e.info.PieceLength || rec.PieceCount != e.pm.NumPieces() {
		e.log.Infoln("resume record does not match torrent, ignoring")
		return
	}
	if uint32(len(rec.Bitfield)) < (e.pm.NumPieces()+7)/8 {
		e.log.Infoln("resume bitfield truncated, ignoring")
		return
	}

	e.pm.Restore(rec.Bitfield, e.reverifyPiece)
	restored := e.pm.Bitfield().Count()
	if restored > 0 {
		var have int64
		for i := uint32(0); i < e.pm.NumPieces(); i++ {
			if e.pm.Bitfield().Test(i) {
				have += int64(e.pieces[i].Length)
			}
		}
		e.bytesLeft.Store(e.info.TotalLength - have)
		e.log.Infof("resumed with %d/%d pieces", restored, e.pm.NumPieces())
	}
	e.bytesUploaded.Store(rec.Uploaded)
	e.bytesDownloaded.Store(rec.Downloaded)

	if addrs, err := tracker.DecodePeersCompact(rec.PeersHint); err == nil {
		e.candidates.Push(addrs, e.port)
	}
}

func (e *Engine) reverifyPiece(index uint32) bool {
	pi := &e.pieces[index]
	data, err := e.store.ReadBlock(index, 0, pi.Length)
	if err != nil {
		return false
	}
	sum := sha1.Sum(data) // nolint:gosec
	return sum == pi.Hash
}

// writeResume persists the current snapshot. Unknown keys from a
// previously loaded record are preserved by the store's bencode layer.
func (e *Engine) writeResume() {
	if e.resumeStore == nil {
		return
	}
	rec := &resume.Record{
		InfoHash:   e.infoHash[:],
		Uploaded:   e.bytesUploaded.Load(),
		Downloaded: e.bytesDownloaded.Load(),
		PeersHint:  e.peersHint(),
	}
	if e.info != nil {
		rec.PieceLength = e.info.PieceLength
		rec.Info = e.info.RawInfo
	}
	if e.pm != nil {
		rec.PieceCount = e.pm.NumPieces()
		rec.Bitfield = e.pm.Snapshot()
	}
	if err := e.resumeStore.Write(rec); err != nil {
		e.log.Errorln("writing resume record:", err)
	}
}

// peersHint collects recently good addresses, connected peers first.
func (e *Engine) peersHint() []byte {
	var buf bytes.Buffer
	seen := make(map[tracker.CompactPeer]struct{})
	write := func(addr *net.TCPAddr) bool {
		cp := tracker.NewCompactPeer(addr)
		if _, dup := seen[cp]; dup {
			return true
		}
		seen[cp] = struct{}{}
		b, err := cp.MarshalBinary()
		if err != nil {
			return true
		}
		buf.Write(b)
		return len(seen) < maxPeersHint
	}
	for _, ps := range e.peers {
		if !write(ps.addr) {
			return buf.Bytes()
		}
	}
	for _, cp := range e.recentlySeen.Peers() {
		if !write(cp.Addr()) {
			break
		}
	}
	return buf.Bytes()
}
