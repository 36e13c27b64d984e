// Package addrlist keeps the queue of peer addresses that have been
// discovered (tracker, DHT, PEX, resume hints) but not dialed yet:
// deduplicated by address, capped in size, and handed out freshest
// first on the theory that a recently advertised peer is the most
// likely to still be reachable.
package addrlist

import (
	"net"
	"sort"
	"time"

	"github.com/dht11-dev/gorrent/internal/blocklist"
)

type candidate struct {
	addr     *net.TCPAddr
	lastSeen time.Time
}

// AddrList is the candidate queue. It is not safe for concurrent use;
// the engine loop is its only caller.
type AddrList struct {
	queue  []*candidate // ordered stalest first; Pop takes from the end
	byAddr map[string]*candidate

	limit     int
	blocklist *blocklist.Blocklist
}

// New returns an empty queue holding at most limit addresses. bl may be
// nil to disable blocklist filtering.
func New(limit int, bl *blocklist.Blocklist) *AddrList {
	return &AddrList{
		byAddr:    make(map[string]*candidate),
		limit:     limit,
		blocklist: bl,
	}
}

// Len returns the number of queued addresses.
func (l *AddrList) Len() int {
	return len(l.queue)
}

// Pop removes and returns the most recently seen address, or nil when
// the queue is empty.
func (l *AddrList) Pop() *net.TCPAddr {
	if len(l.queue) == 0 {
		return nil
	}
	c := l.queue[len(l.queue)-1]
	l.queue = l.queue[:len(l.queue)-1]
	delete(l.byAddr, c.addr.String())
	return c.addr
}

// Push merges newly learned addresses into the queue. Already-known
// addresses just have their freshness bumped. When the queue overflows
// its limit, the stalest entries are evicted.
func (l *AddrList) Push(addrs []*net.TCPAddr, listenPort int) {
	now := time.Now()
	for _, addr := range addrs {
		if !l.usable(addr, listenPort) {
			continue
		}
		key := addr.String()
		if known, ok := l.byAddr[key]; ok {
			known.lastSeen = now
			continue
		}
		c := &candidate{addr: addr, lastSeen: now}
		l.byAddr[key] = c
		l.queue = append(l.queue, c)
	}

	sort.Slice(l.queue, func(i, j int) bool {
		return l.queue[i].lastSeen.Before(l.queue[j].lastSeen)
	})
	for len(l.queue) > l.limit {
		evicted := l.queue[0]
		l.queue = l.queue[1:]
		delete(l.byAddr, evicted.addr.String())
	}
}

// usable filters addresses that can never produce a session: the zero
// port, our own listen address, and blocklisted IPs.
func (l *AddrList) usable(addr *net.TCPAddr, listenPort int) bool {
	if addr.Port == 0 {
		return false
	}
	if addr.IP.IsLoopback() && addr.Port == listenPort {
		return false
	}
	if l.blocklist != nil && l.blocklist.Blocked(addr.IP) {
		return false
	}
	return true
}
