package connmanager

import (
	"math/rand"
	"sort"
)

// optimisticEvery is the cadence of optimistic rounds: every third choke
// tick, in addition to re-ranking the regular slots, one random
// interested peer is unchoked regardless of its rate so that new peers
// get a chance to prove themselves.
const optimisticEvery = 3

// choker holds the slot state of the tit-for-tat algorithm. It is not
// safe for concurrent use; the Manager runs it from the engine loop
// only, with a snapshot of the swarm taken under the Manager's lock.
type choker struct {
	regularSlots    int
	optimisticSlots int
	round           int

	unchoked   map[*PeerRecord]struct{}
	optimistic map[*PeerRecord]struct{}
}

func newChoker(regularSlots, optimisticSlots int) *choker {
	return &choker{
		regularSlots:    regularSlots,
		optimisticSlots: optimisticSlots,
		unchoked:        make(map[*PeerRecord]struct{}, regularSlots),
		optimistic:      make(map[*PeerRecord]struct{}, optimisticSlots),
	}
}

// forget drops a disconnected peer from the slot bookkeeping.
func (c *choker) forget(pr *PeerRecord) {
	delete(c.unchoked, pr)
	delete(c.optimistic, pr)
}

func score(pr *PeerRecord, seeding bool) int {
	if seeding {
		return pr.UploadSpeedFn()
	}
	return pr.DownloadSpeedFn()
}

// tick runs one choke round over the swarm: interested peers are ranked
// by rate (upload rate when seeding, download rate while leeching), the
// top regularSlots are unchoked, and everyone else is choked — except
// that on an optimistic round a random leftover gets the optimistic
// slot, and on regular rounds the current optimistic pick does not
// consume a regular slot.
func (c *choker) tick(swarm []*PeerRecord, seeding bool) {
	optimisticRound := c.round == 0
	c.round = (c.round + 1) % optimisticEvery

	candidates := make([]*PeerRecord, 0, len(swarm))
	for _, pr := range swarm {
		if pr.InterestedFn() {
			candidates = append(candidates, pr)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return score(candidates[i], seeding) > score(candidates[j], seeding)
	})

	var leftovers []*PeerRecord
	granted := 0
	for _, pr := range candidates {
		switch {
		case granted < c.regularSlots && (optimisticRound || !pr.optimistic):
			c.grantRegular(pr)
			granted++
		case granted < c.regularSlots && pr.optimistic:
			// regular round: the standing optimistic pick keeps its
			// unchoke without consuming a regular slot
		default:
			leftovers = append(leftovers, pr)
		}
	}

	if optimisticRound {
		for i := 0; i < c.optimisticSlots && len(leftovers) > 0; i++ {
			n := rand.Intn(len(leftovers)) // nolint:gosec
			c.grantOptimistic(leftovers[n])
			leftovers[n] = leftovers[len(leftovers)-1]
			leftovers = leftovers[:len(leftovers)-1]
		}
	}

	for _, pr := range leftovers {
		c.revoke(pr)
	}
}

// fastUnchoke grants a slot immediately when a peer becomes interested
// and capacity is free, instead of making it wait out the tick period.
func (c *choker) fastUnchoke(pr *PeerRecord) {
	if !pr.ChokingFn() || !pr.InterestedFn() {
		return
	}
	if len(c.unchoked) < c.regularSlots {
		c.grantRegular(pr)
		return
	}
	if len(c.optimistic) < c.optimisticSlots {
		c.grantOptimistic(pr)
	}
}

func (c *choker) grantRegular(pr *PeerRecord) {
	if !pr.ChokingFn() {
		if pr.optimistic {
			// promote: the slot it holds becomes a regular one
			pr.optimistic = false
			delete(c.optimistic, pr)
			c.unchoked[pr] = struct{}{}
		}
		return
	}
	pr.UnchokeFn()
	pr.optimistic = false
	c.unchoked[pr] = struct{}{}
}

func (c *choker) grantOptimistic(pr *PeerRecord) {
	if !pr.ChokingFn() {
		if !pr.optimistic {
			pr.optimistic = true
			delete(c.unchoked, pr)
			c.optimistic[pr] = struct{}{}
		}
		return
	}
	pr.UnchokeFn()
	pr.optimistic = true
	c.optimistic[pr] = struct{}{}
}

func (c *choker) revoke(pr *PeerRecord) {
	if pr.ChokingFn() {
		return
	}
	pr.ChokeFn()
	pr.optimistic = false
	delete(c.unchoked, pr)
	delete(c.optimistic, pr)
}
