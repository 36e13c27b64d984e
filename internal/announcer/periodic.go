// Package announcer drives the tracker side of a torrent's lifecycle:
// one PeriodicalAnnouncer per tracker keeps re-announcing on the
// tracker's schedule and feeds discovered peers back to the engine, and
// a StopAnnouncer fires the final "stopped" event at shutdown.
package announcer

import (
	"context"
	"math"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/tracker"
	"github.com/dht11-dev/gorrent/internal/tracker/httptracker"
)

// Status is the announcer's view of its tracker's health.
type Status int

const (
	NotContactedYet Status = iota
	Contacting
	Working
	NotWorking
)

// Stats is a snapshot of the announcer's state for status displays.
type Stats struct {
	Status   Status
	Error    *AnnounceError
	Seeders  int
	Leechers int
}

// PeriodicalAnnouncer announces one torrent to one tracker on the
// interval the tracker dictates, switching to the min interval while the
// engine is short on peers, and backing off exponentially while the
// tracker is unreachable.
type PeriodicalAnnouncer struct {
	trk        tracker.Tracker
	numWant    int
	getTorrent func() tracker.Torrent
	log        logger.Logger

	status       Status
	interval     time.Duration
	minInterval  time.Duration
	seeders      int
	leechers     int
	lastError    *AnnounceError
	lastAnnounce time.Time
	retry        retryBackoff

	completedC chan struct{}
	newPeers   chan []*net.TCPAddr
	responseC  chan *tracker.AnnounceResponse
	errC       chan error
	statsC     chan chan Stats
	closeC     chan struct{}
	doneC      chan struct{}

	wantMu    sync.RWMutex
	wantPeers bool
	wantC     chan struct{}
}

// NewPeriodicalAnnouncer builds an announcer for trk. getTorrent is
// called right before each announce to snapshot the transfer counters;
// completedC signals the one-time "completed" event; discovered peers
// are delivered on newPeers.
func NewPeriodicalAnnouncer(trk tracker.Tracker, numWant int, minInterval time.Duration, getTorrent func() tracker.Torrent, completedC chan struct{}, newPeers chan []*net.TCPAddr, l logger.Logger) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		trk:         trk,
		numWant:     numWant,
		minInterval: minInterval,
		getTorrent:  getTorrent,
		log:         l,
		status:      NotContactedYet,
		completedC:  completedC,
		newPeers:    newPeers,
		responseC:   make(chan *tracker.AnnounceResponse),
		errC:        make(chan error),
		statsC:      make(chan chan Stats),
		closeC:      make(chan struct{}),
		doneC:       make(chan struct{}),
		wantC:       make(chan struct{}, 1),
		retry: retryBackoff{
			initial: 5 * time.Second,
			max:     30 * time.Minute,
		},
	}
}

// Close stops the announce loop and waits for it to exit.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

// NeedMorePeers tells the announcer whether the engine is hungry for
// addresses; while true, re-announces run at the tracker's min interval
// instead of its regular one.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) {
	a.wantMu.Lock()
	a.wantPeers = val
	a.wantMu.Unlock()
	select {
	case a.wantC <- struct{}{}:
	case <-a.doneC:
	default:
	}
}

func (a *PeriodicalAnnouncer) needMorePeers() bool {
	a.wantMu.RLock()
	defer a.wantMu.RUnlock()
	return a.wantPeers
}

// Stats snapshots the announcer state from its own goroutine.
func (a *PeriodicalAnnouncer) Stats() Stats {
	req := make(chan Stats, 1)
	var stats Stats
	select {
	case a.statsC <- req:
		select {
		case stats = <-req:
		case <-a.closeC:
		}
	case <-a.closeC:
	}
	return stats
}

// Run announces "started" immediately, then loops on the timer until
// Close. Invoke with the go statement.
func (a *PeriodicalAnnouncer) Run() {
	defer close(a.doneC)

	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	// No "completed" event is sent when the torrent was already complete
	// at start (BEP 3); drain a pre-closed channel here.
	select {
	case <-a.completedC:
		a.completedC = nil
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.status = Contacting
	go a.announce(ctx, tracker.EventStarted, a.numWant)

	for {
		select {
		case <-timer.C:
			if a.status == Contacting {
				break
			}
			a.status = Contacting
			go a.announce(ctx, tracker.EventNone, a.numWant)
		case resp := <-a.responseC:
			a.handleResponse(resp)
			timer.Reset(a.nextDelay())
		case err := <-a.errC:
			a.handleError(err)
			if terr, ok := a.lastError.Err.(*tracker.Error); ok && terr.RetryIn > 0 {
				timer.Reset(terr.RetryIn)
			} else {
				timer.Reset(a.retry.NextBackOff())
			}
		case <-a.wantC:
			if a.status == Contacting {
				break
			}
			timer.Reset(time.Until(a.lastAnnounce.Add(a.nextDelay())))
		case <-a.completedC:
			if a.status == Contacting {
				cancel()
				ctx, cancel = context.WithCancel(context.Background())
			}
			a.status = Contacting
			a.completedC = nil // at most one "completed" event
			go a.announce(ctx, tracker.EventCompleted, 0)
		case req := <-a.statsC:
			req <- Stats{Status: a.status, Error: a.lastError, Seeders: a.seeders, Leechers: a.leechers}
		case <-a.closeC:
			return
		}
	}
}

// nextDelay picks the wait before the next regular announce.
func (a *PeriodicalAnnouncer) nextDelay() time.Duration {
	if a.needMorePeers() {
		return a.minInterval
	}
	return a.interval
}

func (a *PeriodicalAnnouncer) handleResponse(resp *tracker.AnnounceResponse) {
	a.status = Working
	a.lastAnnounce = time.Now()
	a.lastError = nil
	a.retry.Reset()
	a.seeders = int(resp.Seeders)
	a.leechers = int(resp.Leechers)
	a.interval = resp.Interval
	if resp.MinInterval > 0 {
		a.minInterval = resp.MinInterval
	}
}

func (a *PeriodicalAnnouncer) handleError(err error) {
	a.status = NotWorking
	a.lastAnnounce = time.Now()
	a.lastError = classifyError(err)
	if a.lastError.Unknown {
		a.log.Errorln("announce error:", a.lastError.ErrorWithType())
	} else {
		a.log.Debugln("announce error:", a.lastError.Err.Error())
	}
}

// announce performs one blocking announce and reports the outcome back
// to the Run loop. It runs in its own goroutine so a slow tracker never
// stalls timer handling.
func (a *PeriodicalAnnouncer) announce(ctx context.Context, event tracker.Event, numWant int) {
	resp, err := a.trk.Announce(ctx, tracker.AnnounceRequest{
		Torrent: a.getTorrent(),
		Event:   event,
		NumWant: numWant,
	})
	if err == context.Canceled {
		return
	}
	if err != nil {
		select {
		case a.errC <- err:
		case <-ctx.Done():
		}
		return
	}
	select {
	case a.newPeers <- resp.Peers:
	case <-ctx.Done():
		return
	}
	select {
	case a.responseC <- resp:
	case <-ctx.Done():
	}
}

// retryBackoff doubles the wait after each consecutive announce failure,
// capped at max, and is reset on the first success.
type retryBackoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func (b *retryBackoff) Reset() { b.next = 0 }

func (b *retryBackoff) NextBackOff() time.Duration {
	if b.next == 0 {
		b.next = b.initial
		return b.next
	}
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return b.next
}

// AnnounceError pairs the raw error with a message fit for a status
// display; Unknown marks errors that did not match any familiar shape
// and deserve a log line at error level.
type AnnounceError struct {
	Err     error
	Message string
	Unknown bool
}

func classifyError(err error) *AnnounceError {
	e := &AnnounceError{Err: err}
	switch err := err.(type) {
	case *net.DNSError:
		if strings.HasSuffix(err.Error(), "no such host") {
			e.Message = "host not found: " + err.Name
			return e
		}
	case *url.Error:
		if strings.HasSuffix(err.Error(), "connection refused") {
			e.Message = "tracker refused the connection"
			return e
		}
	case *httptracker.StatusError:
		if err.Code == 403 || err.Code == 404 {
			e.Message = "tracker returned http status: " + strconv.Itoa(err.Code)
			return e
		}
	case *tracker.Error:
		e.Message = "announce error: " + err.FailureReason
		return e
	case net.Error:
		if err.Timeout() {
			e.Message = "timeout contacting tracker"
			return e
		}
	}
	e.Message = "unknown error in announce"
	e.Unknown = true
	return e
}

// ErrorWithType renders the error prefixed with its dynamic type, which
// is what distinguishes otherwise identical net error strings.
func (e *AnnounceError) ErrorWithType() string {
	return reflect.TypeOf(e.Err).String() + ": " + e.Err.Error()
}
