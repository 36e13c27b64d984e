// Package connmanager implements admission control for new connections,
// the BEP 3 tit-for-tat choking algorithm with optimistic unchoke
// rounds, and the trust-decrement/ban/snub bookkeeping layered on top of
// it.
package connmanager

import (
	"net"
	"sync"
	"time"

	"github.com/dht11-dev/gorrent/internal/blocklist"
)

// PeerRecord is one connected peer as the swarm view sees it: callbacks
// into whatever owns the connection (the engine wires these to a
// peersession.Session plus its own choke/interest state) and the
// trust/snub bookkeeping the Manager maintains itself.
type PeerRecord struct {
	ID   string
	Addr net.Addr

	ChokeFn         func()
	UnchokeFn       func()
	ChokingFn       func() bool
	InterestedFn    func() bool
	DownloadSpeedFn func() int
	UploadSpeedFn   func() int

	optimistic   bool
	trust        int32
	banned       bool
	lastDelivery time.Time
}

// Manager is the swarm view the engine loop drives once per unchoke
// tick: it owns admission control, the choking algorithm, and per-peer
// trust.
type Manager struct {
	mu           sync.Mutex
	ck           *choker
	blocklist    *blocklist.Blocklist
	maxPeers     int
	snubTimeout  time.Duration
	banThreshold int32
	peers        map[string]*PeerRecord
}

// New builds a Manager. regularSlots/optimisticSlots parameterize the
// choke rounds (the "3 regular + 1 optimistic" default lives in
// internal/config). bl may be nil to disable blocklist admission
// control.
func New(regularSlots, optimisticSlots, maxPeers int, bl *blocklist.Blocklist, banThreshold int32, snubTimeout time.Duration) *Manager {
	return &Manager{
		ck:           newChoker(regularSlots, optimisticSlots),
		blocklist:    bl,
		maxPeers:     maxPeers,
		snubTimeout:  snubTimeout,
		banThreshold: banThreshold,
		peers:        make(map[string]*PeerRecord),
	}
}

// Admit applies admission control to a candidate address before it is
// dialed or accepted: IP blocklist membership, then the swarm-wide peer
// cap.
func (m *Manager) Admit(addr net.Addr, currentPeerCount int) (ok bool, reason string) {
	if m.blocklist != nil {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			if ip := net.ParseIP(host); ip != nil && m.blocklist.Blocked(ip) {
				return false, "blocklisted"
			}
		}
	}
	if currentPeerCount >= m.maxPeers {
		return false, "max peers reached"
	}
	return true, ""
}

// Register adds a connected peer to the swarm view.
func (m *Manager) Register(pr *PeerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[pr.ID] = pr
}

// Unregister removes a disconnected peer and frees any unchoke slot it
// held.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.peers[id]
	if !ok {
		return
	}
	m.ck.forget(pr)
	delete(m.peers, id)
}

// Tick runs one round of the tit-for-tat choking algorithm; the caller
// invokes this every 10 seconds. Banned peers never get a slot.
func (m *Manager) Tick(torrentCompleted bool) {
	m.mu.Lock()
	swarm := make([]*PeerRecord, 0, len(m.peers))
	for _, pr := range m.peers {
		if pr.banned {
			continue
		}
		swarm = append(swarm, pr)
	}
	m.mu.Unlock()
	m.ck.tick(swarm, torrentCompleted)
}

// FastUnchoke unchokes id immediately rather than waiting for the next
// tick, called when a peer becomes interested and a slot is free.
func (m *Manager) FastUnchoke(id string) {
	m.mu.Lock()
	pr := m.peers[id]
	m.mu.Unlock()
	if pr != nil {
		m.ck.fastUnchoke(pr)
	}
}

// MarkDelivery records that a peer just contributed a block, clearing its
// snub status.
func (m *Manager) MarkDelivery(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.peers[id]; ok {
		pr.lastDelivery = time.Now()
	}
}

// Snubbed reports whether a peer that delivered data before has sent
// nothing since for longer than the configured snub timeout; a peer that
// never delivered is not reported as snubbed. A snubbed peer is
// excluded from rate scoring until it delivers again.
func (m *Manager) Snubbed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.peers[id]
	if !ok || pr.lastDelivery.IsZero() {
		return false
	}
	return time.Since(pr.lastDelivery) > m.snubTimeout
}

// DecrementTrust penalizes id for contributing to a piece that failed
// hash verification. Once accumulated penalties cross banThreshold the
// peer is banned and future Admit calls for its address should be
// rejected by the caller via the blocklist.
func (m *Manager) DecrementTrust(id string) (banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.peers[id]
	if !ok {
		return false
	}
	pr.trust--
	if pr.trust <= -m.banThreshold {
		pr.banned = true
		return true
	}
	return false
}

// Ban marks id banned immediately, bypassing the trust counter; used for
// unambiguous offenses like serving metadata that fails hash
// verification.
func (m *Manager) Ban(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.peers[id]; ok {
		pr.banned = true
	}
}

// IsBanned reports whether id has crossed the trust threshold.
func (m *Manager) IsBanned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.peers[id]
	return ok && pr.banned
}
