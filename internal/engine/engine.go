// Package engine is the composition root: it owns the PieceMap, the
// ConnectionManager, every PeerSession and the candidate address queue,
// and drives them from a single run loop.
//
// All torrent state is confined to the run-loop goroutine. Sessions,
// announcers, the DHT node, the acceptor and the piece writer run in
// their own goroutines and communicate with the loop over channels only.
package engine

import (
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"

	"github.com/dht11-dev/gorrent/internal/addrlist"
	"github.com/dht11-dev/gorrent/internal/announcer"
	"github.com/dht11-dev/gorrent/internal/blocklist"
	"github.com/dht11-dev/gorrent/internal/clientid"
	"github.com/dht11-dev/gorrent/internal/config"
	"github.com/dht11-dev/gorrent/internal/connmanager"
	"github.com/dht11-dev/gorrent/internal/dht"
	"github.com/dht11-dev/gorrent/internal/filestore"
	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/metadatafetcher"
	"github.com/dht11-dev/gorrent/internal/metainfo"
	"github.com/dht11-dev/gorrent/internal/pexlist"
	"github.com/dht11-dev/gorrent/internal/piece"
	"github.com/dht11-dev/gorrent/internal/piecemap"
	"github.com/dht11-dev/gorrent/internal/resume"
	"github.com/dht11-dev/gorrent/internal/tracker"
	"github.com/dht11-dev/gorrent/internal/tracker/httptracker"
	"github.com/dht11-dev/gorrent/internal/tracker/udptracker"
)

// Version is advertised in the BEP 10 extension handshake "v" field.
const Version = "gorrent 0.1.0"

// hashBacklog bounds queued verified-but-unwritten pieces; when the
// writer falls this far behind, no new block requests are issued.
const hashBacklog = 32

// Options configures a new Engine. Info is nil when starting from a
// magnet link; the engine then bootstraps it from peers over ut_metadata.
type Options struct {
	Config    *config.Config
	InfoHash  [20]byte
	Info      *metainfo.TorrentInfo
	Trackers  [][]string // announce URL tiers
	Dest      string     // download directory
	Resume    resume.Store
	DHT       *dht.Node
	Blocklist *blocklist.Blocklist
}

// Engine downloads and seeds a single torrent.
type Engine struct {
	cfg      *config.Config
	log      logger.Logger
	infoHash [20]byte
	ourID    [20]byte
	dest     string

	info   *metainfo.TorrentInfo
	pieces []piece.Piece
	pm     *piecemap.PieceMap
	store  *filestore.Store

	resumeStore resume.Store

	cm         *connmanager.Manager
	candidates *addrlist.AddrList
	peers      map[string]*peerState
	dialing    int
	backoffs   map[string]*dialBackoff
	parked     []parkedAddr

	fetcher *metadatafetcher.Fetcher

	pex          *pexlist.PEXList
	recentlySeen pexlist.RecentlySeen

	listener *net.TCPListener
	port     int
	dhtNode  *dht.Node
	dhtC     <-chan []*net.TCPAddr

	trackers     []tracker.Tracker
	announcers   []*announcer.PeriodicalAnnouncer
	trackerPeers chan []*net.TCPAddr
	completedC   chan struct{}
	completeOnce sync.Once

	downloadBucket *ratelimit.Bucket
	uploadBucket   *ratelimit.Bucket

	peerMessages  chan peerEvent
	peerDone      chan *peerState
	dialResults   chan dialResult
	acceptResults chan acceptResult
	writeC        chan writeJob
	writeResults  chan writeResult
	writerDone    chan struct{}

	// pieces verified but not yet on disk, in write order; HAVEs are
	// deferred until the matching write result arrives
	haveQueue []uint32

	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
	bytesLeft       atomic.Int64

	closeC    chan struct{}
	closeOnce sync.Once
	doneC     chan struct{}
	completed chan struct{}

	runErr error
}

type peerEvent struct {
	ps  *peerState
	msg interface{}
}

type writeJob struct {
	index uint32
	data  []byte
}

type writeResult struct {
	index uint32
	err   error
}

type dialBackoff struct {
	failures int
	until    time.Time
}

type parkedAddr struct {
	addr  *net.TCPAddr
	until time.Time
}

// New builds an Engine. The TCP listener is opened immediately so the
// announced port is final; everything else starts in Run.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		c := config.DefaultConfig
		opts.Config = &c
	}
	cfg := opts.Config

	port := cfg.Port
	if s := os.Getenv("BT_PORT"); s != "" {
		if p, err := net.LookupPort("tcp", s); err == nil {
			port = p
		}
	}
	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: port})
	if err != nil && port != 0 {
		// preferred port unavailable, fall back to ephemeral
		listener, err = net.ListenTCP("tcp4", &net.TCPAddr{})
	}
	if err != nil {
		return nil, wrapError(KindIO, "opening listen port", err)
	}

	e := &Engine{
		cfg:           cfg,
		log:           logger.New("engine"),
		infoHash:      opts.InfoHash,
		ourID:         clientid.New(),
		dest:          opts.Dest,
		info:          opts.Info,
		resumeStore:   opts.Resume,
		candidates:    addrlist.New(cfg.Swarm.MaxCandidates, opts.Blocklist),
		peers:         make(map[string]*peerState),
		backoffs:      make(map[string]*dialBackoff),
		pex:           pexlist.New(),
		listener:      listener,
		port:          listener.Addr().(*net.TCPAddr).Port,
		dhtNode:       opts.DHT,
		trackerPeers:  make(chan []*net.TCPAddr),
		completedC:    make(chan struct{}),
		peerMessages:  make(chan peerEvent),
		peerDone:      make(chan *peerState),
		dialResults:   make(chan dialResult),
		acceptResults: make(chan acceptResult),
		writeC:        make(chan writeJob, hashBacklog),
		writeResults:  make(chan writeResult, hashBacklog+1),
		writerDone:    make(chan struct{}),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
		completed:     make(chan struct{}),
	}
	e.cm = connmanager.New(
		cfg.Upload.Slots, cfg.Upload.OptimisticSlots, cfg.Swarm.MaxPeers,
		opts.Blocklist, int32(cfg.Swarm.BanThreshold), cfg.Swarm.SnubTimeout)

	if cfg.Download.SpeedLimit > 0 {
		e.downloadBucket = ratelimit.NewBucketWithRate(float64(cfg.Download.SpeedLimit), cfg.Download.SpeedLimit)
	}
	if cfg.Upload.SpeedLimit > 0 {
		e.uploadBucket = ratelimit.NewBucketWithRate(float64(cfg.Upload.SpeedLimit), cfg.Upload.SpeedLimit)
	}

	e.buildTrackers(opts.Trackers, opts.Blocklist)

	if e.info != nil {
		if err := e.initTorrent(e.info); err != nil {
			listener.Close()
			return nil, err
		}
	} else {
		e.fetcher = metadatafetcher.New(e.infoHash, cfg.Download.MetadataRequestQueueLength)
		e.bytesLeft.Store(1) // unknown until metadata arrives; non-zero marks us a leecher
	}
	return e, nil
}

// Port returns the TCP port the engine accepts peers on.
func (e *Engine) Port() int { return e.port }

// AddPeers feeds addresses into the candidate queue from outside the
// run loop, e.g. magnet "x.pe" hints. Safe from any goroutine.
func (e *Engine) AddPeers(addrs []*net.TCPAddr) {
	go func() {
		select {
		case e.trackerPeers <- addrs:
		case <-e.closeC:
		}
	}()
}

// NotifyComplete returns a channel closed when every piece has been
// verified and committed to disk.
func (e *Engine) NotifyComplete() <-chan struct{} { return e.completed }

func (e *Engine) buildTrackers(tiers [][]string, bl *blocklist.Blocklist) {
	httpTransport := new(http.Transport)
	udpTransport := udptracker.NewTransport(bl, e.cfg.Tracker.UDPTimeout)
	for _, tierURLs := range tiers {
		var trackers []tracker.Tracker
		for _, raw := range tierURLs {
			u, err := url.Parse(raw)
			if err != nil {
				e.log.Debugln(wrapError(KindTracker, "skipping invalid tracker url "+raw, err))
				continue
			}
			switch u.Scheme {
			case "http", "https":
				trackers = append(trackers, httptracker.New(raw, u, e.cfg.Tracker.HTTPTimeout, httpTransport, Version, e.cfg.Tracker.HTTPMaxResponseSize))
			case "udp":
				trackers = append(trackers, udptracker.New(raw, u, udpTransport))
			default:
				e.log.Debugln("skipping unsupported tracker scheme:", raw)
			}
		}
		switch len(trackers) {
		case 0:
		case 1:
			e.trackers = append(e.trackers, trackers[0])
		default:
			e.trackers = append(e.trackers, tracker.NewTier(trackers))
		}
	}
}

// initTorrent is called once the info dict is known: at construction for
// .torrent starts, or after the metadata fetch for magnet starts. It
// opens the file store, builds the piece map, and applies resume state.
func (e *Engine) initTorrent(info *metainfo.TorrentInfo) error {
	store, err := filestore.Open(e.dest, info, e.cfg.Cache.Size, e.cfg.Cache.TTL)
	if err != nil {
		return wrapError(KindIO, "opening files", err)
	}
	e.info = info
	e.store = store
	e.pieces = piece.NewPieces(info)
	e.pm = piecemap.New(e.pieces, e.cfg.Download.EndgameThreshold, e.cfg.Download.EndgameDuplicateRequests)
	e.bytesLeft.Store(info.TotalLength)

	e.restoreResume()

	// peers connected during the metadata fetch are promoted to RUNNING
	for _, ps := range e.peers {
		e.promotePeer(ps)
	}
	if e.pm.Complete() {
		e.markComplete()
	}
	return nil
}

// Run drives the engine until Close is called or a fatal error occurs.
// The returned error is nil on a clean shutdown.
func (e *Engine) Run() error {
	defer close(e.doneC)

	go e.acceptLoop()
	go e.pieceWriter()
	e.startAnnouncers()
	if e.dhtNode != nil {
		e.dhtC = e.dhtNode.Subscribe(e.infoHash)
	}

	chokeTicker := time.NewTicker(e.cfg.Swarm.ChokeInterval)
	defer chokeTicker.Stop()
	pexTicker := time.NewTicker(e.cfg.Swarm.PEXInterval)
	defer pexTicker.Stop()
	sweepTicker := time.NewTicker(5 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case ev := <-e.peerMessages:
			e.handlePeerMessage(ev.ps, ev.msg)
		case ps := <-e.peerDone:
			e.handlePeerGone(ps)
		case res := <-e.dialResults:
			e.handleDialResult(res)
		case res := <-e.acceptResults:
			e.startPeer(res.result, res.addr, false)
		case res := <-e.writeResults:
			e.handleWriteResult(res)
		case addrs := <-e.trackerPeers:
			e.addCandidates(addrs)
		case addrs := <-e.dhtC:
			e.addCandidates(addrs)
		case <-chokeTicker.C:
			e.chokeTick()
		case <-pexTicker.C:
			e.pexTick()
		case <-sweepTicker.C:
			e.sweepTimeouts()
			e.unparkAddrs()
			e.maintainPeers()
		case <-e.closeC:
			e.shutdown()
			return e.runErr
		}
		if e.runErr != nil {
			e.shutdown()
			return e.runErr
		}
	}
}

// Close requests a graceful shutdown: pending writes are flushed and a
// resume snapshot is written before Run returns.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closeC) })
	<-e.doneC
}

// fatal records an unrecoverable error; the run loop shuts down after
// the current event.
func (e *Engine) fatal(err error) {
	if e.runErr == nil {
		e.runErr = err
	}
}

func (e *Engine) shutdown() {
	e.closeOnce.Do(func() { close(e.closeC) })
	e.log.Infoln("shutting down")

	for _, a := range e.announcers {
		a.Close()
	}
	if len(e.trackers) > 0 {
		e.announceStopped()
	}
	e.listener.Close()

	for _, ps := range e.peers {
		ps.session.Close()
	}

	close(e.writeC)
	<-e.writerDone
	// collect any write errors that raced with shutdown
	for _, res := range drainWriteResults(e.writeResults) {
		e.handleWriteResult(res)
	}

	if e.store != nil {
		if err := e.store.Flush(); err != nil {
			e.log.Errorln("flushing files:", err)
		}
	}
	e.writeResume()
	if e.store != nil {
		e.store.Close()
	}
}

func drainWriteResults(c chan writeResult) []writeResult {
	var out []writeResult
	for {
		select {
		case r := <-c:
			out = append(out, r)
		default:
			return out
		}
	}
}

func (e *Engine) announceStopped() {
	resultC := make(chan struct{}, 1)
	stop := announcer.NewStopAnnouncer(e.trackers, e.announcerTorrent(), e.cfg.Tracker.StoppedEventTimeout, resultC, e.log)
	go stop.Run()
	select {
	case <-resultC:
	case <-time.After(e.cfg.Tracker.StoppedEventTimeout + time.Second):
	}
	stop.Close()
}

func (e *Engine) startAnnouncers() {
	for _, trk := range e.trackers {
		an := announcer.NewPeriodicalAnnouncer(
			trk, e.cfg.Tracker.NumWant, e.cfg.Tracker.MinAnnounceInterval,
			e.announcerTorrent, e.completedC, e.trackerPeers,
			e.log.Sub(trk.URL()))
		e.announcers = append(e.announcers, an)
		go an.Run()
	}
}

// announcerTorrent snapshots the announce statistics. It is called from
// announcer goroutines, so only atomics are read here.
func (e *Engine) announcerTorrent() tracker.Torrent {
	return tracker.Torrent{
		BytesUploaded:   e.bytesUploaded.Load(),
		BytesDownloaded: e.bytesDownloaded.Load(),
		BytesLeft:       e.bytesLeft.Load(),
		InfoHash:        e.infoHash,
		PeerID:          e.ourID,
		Port:            e.port,
	}
}

// markComplete fires the one-time completion transitions: the tracker
// "completed" event and the public NotifyComplete channel.
func (e *Engine) markComplete() {
	e.completeOnce.Do(func() {
		e.log.Infoln("download complete")
		close(e.completedC)
		close(e.completed)
		for _, ps := range e.peers {
			e.updateInterest(ps)
		}
	})
}

// Stats is a snapshot of transfer progress.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
	Peers      int
}

// TransferStats may be called from any goroutine.
func (e *Engine) TransferStats() Stats {
	return Stats{
		Uploaded:   e.bytesUploaded.Load(),
		Downloaded: e.bytesDownloaded.Load(),
		Left:       e.bytesLeft.Load(),
	}
}
