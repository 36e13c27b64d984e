// Package pexlist accumulates the swarm-membership diff gossiped over
// ut_pex (BEP 11): which peers joined and which left since the last PEX
// message. The engine owns one PEXList per torrent and flushes it once
// per PEX tick, sending the same diff to every peer that negotiated the
// extension.
package pexlist

import (
	"net"
	"strings"

	"github.com/dht11-dev/gorrent/internal/tracker"
)

// maxFlushPeers caps the added and dropped parts of every message after
// the first one; BEP 11 allows larger initial messages so a fresh peer
// can learn the whole swarm at once.
const maxFlushPeers = 50

// PEXList records joins and leaves between flushes. A peer that joins
// and leaves within one flush window cancels itself out to whichever
// event came last.
type PEXList struct {
	pending map[tracker.CompactPeer]bool // true = added, false = dropped
	flushed bool
}

// New returns an empty PEXList.
func New() *PEXList {
	return &PEXList{pending: make(map[tracker.CompactPeer]bool)}
}

// Add records that addr joined the swarm.
func (l *PEXList) Add(addr *net.TCPAddr) {
	l.pending[tracker.NewCompactPeer(addr)] = true
}

// Drop records that addr left the swarm.
func (l *PEXList) Drop(addr *net.TCPAddr) {
	l.pending[tracker.NewCompactPeer(addr)] = false
}

// Flush drains the recorded diff as two compact peer lists, ready for
// the "added" and "dropped" fields of a ut_pex message.
func (l *PEXList) Flush() (added, dropped string) {
	limit := len(l.pending)
	if l.flushed && limit > maxFlushPeers {
		limit = maxFlushPeers
	}
	l.flushed = true

	var addBuf, dropBuf strings.Builder
	for cp, isAdd := range l.pending {
		buf := &dropBuf
		if isAdd {
			buf = &addBuf
		}
		if buf.Len()/6 >= limit {
			continue
		}
		b, err := cp.MarshalBinary()
		if err != nil {
			continue
		}
		buf.Write(b)
	}
	l.pending = make(map[tracker.CompactPeer]bool)
	return addBuf.String(), dropBuf.String()
}
