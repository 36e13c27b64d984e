package announcer

import (
	"context"
	"sync"
	"time"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/tracker"
)

// StopAnnouncer fires the "stopped" event at every tracker in parallel,
// best-effort: shutdown proceeds once all announces return or the
// timeout expires, whichever comes first.
type StopAnnouncer struct {
	trackers []tracker.Tracker
	torrent  tracker.Torrent
	timeout  time.Duration
	log      logger.Logger

	resultC chan struct{}
	closeC  chan struct{}
	doneC   chan struct{}
}

// NewStopAnnouncer builds a StopAnnouncer; resultC receives one value
// when every tracker has been told (or given up on).
func NewStopAnnouncer(trackers []tracker.Tracker, torrent tracker.Torrent, timeout time.Duration, resultC chan struct{}, l logger.Logger) *StopAnnouncer {
	return &StopAnnouncer{
		trackers: trackers,
		torrent:  torrent,
		timeout:  timeout,
		log:      l,
		resultC:  resultC,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Close abandons any announces still in flight.
func (a *StopAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

// Run announces the stopped event to every tracker. Invoke with the go
// statement.
func (a *StopAnnouncer) Run() {
	defer close(a.doneC)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	go func() {
		select {
		case <-a.closeC:
			cancel()
		case <-ctx.Done():
		}
	}()

	req := tracker.AnnounceRequest{
		Torrent: a.torrent,
		Event:   tracker.EventStopped,
	}
	var wg sync.WaitGroup
	for _, trk := range a.trackers {
		wg.Add(1)
		go func(trk tracker.Tracker) {
			defer wg.Done()
			if _, err := trk.Announce(ctx, req); err != nil && err != context.Canceled {
				a.log.Debugf("stopped event to %s failed: %s", trk.URL(), err)
			}
		}(trk)
	}
	wg.Wait()

	select {
	case a.resultC <- struct{}{}:
	case <-a.closeC:
	}
}
