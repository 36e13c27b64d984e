package tracker

import (
	"context"
	"math/rand"
	"sync"
)

// Tier is a BEP 12 failover group: announces go to one member at a time,
// and a failed announce moves the cursor to the next member. Members are
// shuffled once at construction, as the announce-list spec requires.
type Tier struct {
	trackers []Tracker

	mu  sync.Mutex
	cur int
}

var _ Tracker = (*Tier)(nil)

// NewTier groups trackers into a failover unit.
func NewTier(trackers []Tracker) *Tier {
	shuffled := make([]Tracker, len(trackers))
	for i, n := range rand.Perm(len(trackers)) { // nolint:gosec
		shuffled[i] = trackers[n]
	}
	return &Tier{trackers: shuffled}
}

func (t *Tier) current() Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackers[t.cur]
}

func (t *Tier) advanceFrom(trk Tracker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// only advance if nobody else already did
	if t.trackers[t.cur] == trk {
		t.cur = (t.cur + 1) % len(t.trackers)
	}
}

// Announce tries the current member; on failure the next announce will
// go to the following one.
func (t *Tier) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	trk := t.current()
	resp, err := trk.Announce(ctx, req)
	if err != nil {
		t.advanceFrom(trk)
	}
	return resp, err
}

// URL reports the member the next announce would go to.
func (t *Tier) URL() string {
	return t.current().URL()
}
