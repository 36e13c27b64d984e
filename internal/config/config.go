// Package config holds every tunable of the engine with documented
// defaults, optionally overridden from a YAML file.
package config

import (
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	yaml "gopkg.in/yaml.v2"
)

// Config for the engine and its collaborators.
type Config struct {
	// Database file to save resume data.
	Database string `yaml:"database"`
	// DataDir is where downloaded files are written.
	DataDir string `yaml:"data_dir"`
	// TCP port to listen for incoming peer connections. 0 picks an
	// ephemeral port. The BT_PORT environment variable overrides this.
	Port int `yaml:"port"`
	// DHT node will listen on this UDP port. 0 disables DHT.
	DHTPort int `yaml:"dht_port"`

	Download struct {
		// Max number of blocks requested from a peer but not received yet.
		// Used as the initial pipeline depth before rate measurements
		// adapt it within [RequestQueueMin, RequestQueueMax].
		RequestQueueLength int           `yaml:"request_queue_length"`
		RequestQueueMin    int           `yaml:"request_queue_min"`
		RequestQueueMax    int           `yaml:"request_queue_max"`
		// Time to wait for a requested block before re-requesting elsewhere.
		RequestTimeout time.Duration `yaml:"request_timeout"`
		// Remaining non-complete pieces at which endgame mode activates.
		EndgameThreshold int `yaml:"endgame_threshold"`
		// Max parallel requesters per block in endgame mode.
		EndgameDuplicateRequests int `yaml:"endgame_duplicate_requests"`
		// Max number of outgoing connections to dial in parallel.
		MaxPeerDial int `yaml:"max_peer_dial"`
		// Running metadata downloads pipeline depth.
		MetadataRequestQueueLength int `yaml:"metadata_request_queue_length"`
		// Download rate limit in bytes per second. 0 means unlimited.
		SpeedLimit int64 `yaml:"speed_limit"`
	} `yaml:"download"`

	Upload struct {
		// Regular unchoke slots per choke round; the optimistic slot is
		// granted on top of these.
		Slots int `yaml:"slots"`
		// Optimistic unchoke slots rotated every third round.
		OptimisticSlots int `yaml:"optimistic_slots"`
		// Upload rate limit in bytes per second. 0 means unlimited.
		SpeedLimit int64 `yaml:"speed_limit"`
	} `yaml:"upload"`

	Swarm struct {
		// Hard cap on connected peers.
		MaxPeers int `yaml:"max_peers"`
		// Dialing stops once this many peers are connected.
		TargetPeers int `yaml:"target_peers"`
		// Candidate addresses kept queued, deduplicated by address.
		MaxCandidates int `yaml:"max_candidates"`
		// An unchoked peer delivering nothing for this long is snubbed.
		SnubTimeout time.Duration `yaml:"snub_timeout"`
		// Hash failures a connected peer may contribute to before it is
		// banned. Failures are counted per connection and never age out.
		BanThreshold int `yaml:"ban_threshold"`
		// Interval between choke rounds; every third round is optimistic.
		ChokeInterval time.Duration `yaml:"choke_interval"`
		// Interval between PEX messages per peer.
		PEXInterval time.Duration `yaml:"pex_interval"`
	} `yaml:"swarm"`

	Peer struct {
		// Time to wait for a TCP connection to open.
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		// Time to wait for the BitTorrent handshake to complete.
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		// If a peer that started sending a block sends no bytes for this
		// long, the connection is closed.
		PieceTimeout time.Duration `yaml:"piece_timeout"`
		// Failed addresses are retried after an exponential backoff
		// starting at BackoffMin, doubling per failure up to BackoffMax.
		BackoffMin time.Duration `yaml:"backoff_min"`
		BackoffMax time.Duration `yaml:"backoff_max"`
		Encryption struct {
			// Do not dial encrypted connections.
			DisableOutgoing bool `yaml:"disable_outgoing"`
			// Dial only encrypted connections.
			ForceOutgoing bool `yaml:"force_outgoing"`
			// Do not accept unencrypted connections.
			ForceIncoming bool `yaml:"force_incoming"`
		} `yaml:"encryption"`
	} `yaml:"peer"`

	Tracker struct {
		// Number of peer addresses to request per announce.
		NumWant int `yaml:"numwant"`
		// Time to wait for the stopped event announce at shutdown.
		StoppedEventTimeout time.Duration `yaml:"stopped_event_timeout"`
		// Announce interval used while more peers are wanted, until a
		// tracker sends its own min interval. It does not bound the
		// tracker's regular interval.
		MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`
		// Total time to wait for an HTTP announce response.
		HTTPTimeout time.Duration `yaml:"http_timeout"`
		// Max size of an HTTP announce response body.
		HTTPMaxResponseSize int64 `yaml:"http_max_response_size"`
		// Per-announce deadline for UDP trackers.
		UDPTimeout time.Duration `yaml:"udp_timeout"`
	} `yaml:"tracker"`

	Cache struct {
		// Bound on the in-memory piece read cache.
		Size int64 `yaml:"size"`
		// Unused cached pieces are dropped after this long.
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
}

// DefaultConfig values follow the wire protocol's conventional numbers:
// 10 second choke rounds, 4 unchoke slots, 50 peer cap.
var DefaultConfig = func() Config {
	var c Config
	c.Database = "~/.gorrent/resume.db"
	c.DataDir = "."
	c.Port = 0
	c.DHTPort = 7246

	c.Download.RequestQueueLength = 16
	c.Download.RequestQueueMin = 4
	c.Download.RequestQueueMax = 128
	c.Download.RequestTimeout = 60 * time.Second
	c.Download.EndgameThreshold = 2
	c.Download.EndgameDuplicateRequests = 3
	c.Download.MaxPeerDial = 10
	c.Download.MetadataRequestQueueLength = 2

	c.Upload.Slots = 3
	c.Upload.OptimisticSlots = 1

	c.Swarm.MaxPeers = 50
	c.Swarm.TargetPeers = 30
	c.Swarm.MaxCandidates = 10000
	c.Swarm.SnubTimeout = 30 * time.Second
	c.Swarm.BanThreshold = 3
	c.Swarm.ChokeInterval = 10 * time.Second
	c.Swarm.PEXInterval = time.Minute

	c.Peer.ConnectTimeout = 5 * time.Second
	c.Peer.HandshakeTimeout = 30 * time.Second
	c.Peer.PieceTimeout = 30 * time.Second
	c.Peer.BackoffMin = 30 * time.Second
	c.Peer.BackoffMax = 30 * time.Minute

	c.Tracker.NumWant = 100
	c.Tracker.StoppedEventTimeout = 5 * time.Second
	c.Tracker.MinAnnounceInterval = time.Minute
	c.Tracker.HTTPTimeout = 30 * time.Second
	c.Tracker.HTTPMaxResponseSize = 2 * 1024 * 1024
	c.Tracker.UDPTimeout = 60 * time.Second

	c.Cache.Size = 64 * 1024 * 1024
	c.Cache.TTL = 30 * time.Second
	return c
}()

// Load reads filename over the defaults. A missing file is not an
// error; the defaults are returned unchanged. "~" in filename and in
// path-valued fields is expanded.
func Load(filename string) (*Config, error) {
	c := DefaultConfig

	path, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &c, c.expandPaths()
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, c.expandPaths()
}

func (c *Config) expandPaths() error {
	var err error
	if c.Database, err = homedir.Expand(c.Database); err != nil {
		return err
	}
	c.DataDir, err = homedir.Expand(c.DataDir)
	return err
}
