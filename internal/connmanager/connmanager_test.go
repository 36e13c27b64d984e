package connmanager

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer backs a PeerRecord with plain fields so tests can flip and
// inspect choke/interest state directly.
type fakePeer struct {
	choking    bool
	interested bool
	down       int
	up         int
}

func (f *fakePeer) record(id string) *PeerRecord {
	return &PeerRecord{
		ID:              id,
		ChokeFn:         func() { f.choking = true },
		UnchokeFn:       func() { f.choking = false },
		ChokingFn:       func() bool { return f.choking },
		InterestedFn:    func() bool { return f.interested },
		DownloadSpeedFn: func() int { return f.down },
		UploadSpeedFn:   func() int { return f.up },
	}
}

func TestAdmitRejectsAtMaxPeers(t *testing.T) {
	m := New(3, 1, 2, nil, 3, time.Minute)
	addr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}

	ok, _ := m.Admit(addr, 1)
	assert.True(t, ok)

	ok, reason := m.Admit(addr, 2)
	assert.False(t, ok)
	assert.Equal(t, "max peers reached", reason)
}

func TestTickUnchokesInterestedPeer(t *testing.T) {
	m := New(1, 0, 50, nil, 3, time.Minute)
	f := &fakePeer{choking: true, interested: true, down: 100}
	m.Register(f.record("peer-1"))

	m.Tick(false)

	assert.False(t, f.choking)
}

func TestTickOptimisticRoundAndRevert(t *testing.T) {
	// Four interested peers at rates 100/80/60/40 with 3 regular slots:
	// the optimistic round unchokes all four (slowest via the optimistic
	// slot); the following regular round chokes the slowest again.
	m := New(3, 1, 50, nil, 3, time.Minute)
	fakes := []*fakePeer{
		{choking: true, interested: true, down: 100},
		{choking: true, interested: true, down: 80},
		{choking: true, interested: true, down: 60},
		{choking: true, interested: true, down: 40},
	}
	records := make([]*PeerRecord, len(fakes))
	for i, f := range fakes {
		records[i] = f.record("peer-" + string(rune('a'+i)))
		m.Register(records[i])
	}

	m.Tick(false)
	for i, f := range fakes {
		assert.False(t, f.choking, "peer %d should be unchoked after optimistic round", i)
	}
	assert.True(t, records[3].optimistic)

	m.Tick(false)
	assert.False(t, fakes[0].choking)
	assert.False(t, fakes[1].choking)
	assert.False(t, fakes[2].choking)
	assert.True(t, fakes[3].choking, "slowest peer reverts on the regular round")
	assert.False(t, records[3].optimistic)
}

func TestTickSeedingRanksByUploadRate(t *testing.T) {
	m := New(1, 0, 50, nil, 3, time.Minute)
	slowUp := &fakePeer{choking: true, interested: true, down: 100, up: 10}
	fastUp := &fakePeer{choking: true, interested: true, down: 0, up: 50}
	m.Register(slowUp.record("slow-up"))
	m.Register(fastUp.record("fast-up"))

	m.Tick(true)

	assert.True(t, slowUp.choking)
	assert.False(t, fastUp.choking)
}

func TestTickSkipsBannedPeers(t *testing.T) {
	m := New(1, 0, 50, nil, 3, time.Minute)
	f := &fakePeer{choking: true, interested: true, down: 100}
	m.Register(f.record("peer-1"))
	m.Ban("peer-1")

	m.Tick(false)

	assert.True(t, f.choking)
}

func TestFastUnchoke(t *testing.T) {
	m := New(1, 1, 50, nil, 3, time.Minute)
	f := &fakePeer{choking: true, interested: true}
	m.Register(f.record("peer-1"))

	m.FastUnchoke("peer-1")

	assert.False(t, f.choking)
}

func TestUnregisterFreesSlot(t *testing.T) {
	m := New(1, 0, 50, nil, 3, time.Minute)
	a := &fakePeer{choking: true, interested: true, down: 5}
	b := &fakePeer{choking: true, interested: true, down: 1}
	m.Register(a.record("peer-a"))
	m.Register(b.record("peer-b"))

	m.Tick(false)
	assert.False(t, a.choking)

	m.Unregister("peer-a")
	m.FastUnchoke("peer-b")
	assert.False(t, b.choking)
}

func TestDecrementTrustBansAfterThreshold(t *testing.T) {
	m := New(3, 1, 50, nil, 2, time.Minute)
	f := &fakePeer{choking: true, interested: true}
	m.Register(f.record("peer-1"))

	banned := m.DecrementTrust("peer-1")
	require.False(t, banned)
	banned = m.DecrementTrust("peer-1")
	require.True(t, banned)

	assert.True(t, m.IsBanned("peer-1"))
}

func TestSnubbedAfterTimeout(t *testing.T) {
	m := New(3, 1, 50, nil, 3, 10*time.Millisecond)
	f := &fakePeer{choking: true, interested: true}
	m.Register(f.record("peer-1"))

	assert.False(t, m.Snubbed("peer-1"), "never delivered yet, not snubbed")

	m.MarkDelivery("peer-1")
	assert.False(t, m.Snubbed("peer-1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.Snubbed("peer-1"))
}
