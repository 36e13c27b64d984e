package pexlist

import (
	"net"

	"github.com/dht11-dev/gorrent/internal/tracker"
)

// MaxLength bounds how many addresses RecentlySeen remembers.
const MaxLength = 25

// RecentlySeen remembers the last MaxLength distinct peer addresses the
// engine connected to, for the resume record's peers hint.
type RecentlySeen struct {
	peers []tracker.CompactPeer
}

// Add records addr, evicting the oldest entry once the list is full.
// Known addresses are not re-added.
func (l *RecentlySeen) Add(addr *net.TCPAddr) {
	cp := tracker.NewCompactPeer(addr)
	for _, known := range l.peers {
		if known == cp {
			return
		}
	}
	if len(l.peers) == MaxLength {
		copy(l.peers, l.peers[1:])
		l.peers = l.peers[:MaxLength-1]
	}
	l.peers = append(l.peers, cp)
}

// Peers returns the remembered addresses, oldest first.
func (l *RecentlySeen) Peers() []tracker.CompactPeer {
	return l.peers
}

// Len returns the number of remembered addresses.
func (l *RecentlySeen) Len() int {
	return len(l.peers)
}
