// Command gorrent downloads a single torrent given a .torrent file or a
// magnet URI, seeds it back to the swarm while running, and resumes
// verified pieces across restarts.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cenkalti/log"
	"github.com/urfave/cli"

	"github.com/dht11-dev/gorrent/internal/blocklist"
	"github.com/dht11-dev/gorrent/internal/config"
	"github.com/dht11-dev/gorrent/internal/dht"
	"github.com/dht11-dev/gorrent/internal/engine"
	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/magnet"
	"github.com/dht11-dev/gorrent/internal/metainfo"
	"github.com/dht11-dev/gorrent/internal/resume"
)

const (
	exitError = 1
	exitUsage = 2
)

// resolvePeerHints converts magnet "x.pe" host:port strings into
// dialable addresses, dropping any that do not resolve.
func resolvePeerHints(hints []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, h := range hints {
		if addr, err := net.ResolveTCPAddr("tcp4", h); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func main() {
	app := cli.NewApp()
	app.Name = "gorrent"
	app.Usage = "download a torrent from a .torrent file or magnet URI"
	app.ArgsUsage = "<file.torrent | magnet:?...>"
	app.Version = engine.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read configuration from `FILE`",
			Value: "~/.gorrent.yaml",
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "write downloaded files under `DIR`",
		},
		cli.IntFlag{
			Name:  "port, p",
			Usage: "listen for peers on `PORT` (0 = ephemeral)",
		},
		cli.StringFlag{
			Name:  "blocklist",
			Usage: "load a CIDR blocklist from `FILE`",
		},
		cli.BoolFlag{
			Name:  "no-dht",
			Usage: "disable DHT peer discovery",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug logging",
		},
	}
	app.Action = run
	// usage errors exit 2, runtime errors exit 1
	app.OnUsageError = func(_ *cli.Context, err error, _ bool) error {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		cli.ShowAppHelp(c)
		os.Exit(exitUsage)
	}
	arg := c.Args().First()

	if c.Bool("debug") {
		logger.SetLevel(log.DEBUG)
	} else {
		logger.SetLevel(log.INFO)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return &engine.Error{Kind: engine.KindConfig, Msg: "loading config", Err: err}
	}
	if c.IsSet("output") {
		cfg.DataDir = c.String("output")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}

	opts := engine.Options{
		Config: cfg,
		Dest:   cfg.DataDir,
	}

	var magnetLink *magnet.Link
	switch {
	case strings.HasPrefix(arg, "magnet:?"):
		link, err := magnet.Parse(arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid magnet uri:", err)
			os.Exit(exitUsage)
		}
		magnetLink = link
		opts.InfoHash = link.InfoHash
		opts.Trackers = link.Trackers
	case strings.HasSuffix(arg, ".torrent"):
		f, err := os.Open(arg)
		if err != nil {
			return err
		}
		t, err := metainfo.Parse(f)
		f.Close()
		if err != nil {
			return err
		}
		opts.Info = &t.Info
		opts.InfoHash = t.Info.InfoHash
		opts.Trackers = t.AnnounceList
	default:
		fmt.Fprintln(os.Stderr, "argument must be a .torrent path or a magnet URI")
		os.Exit(exitUsage)
	}

	if path := c.String("blocklist"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("loading blocklist: %w", err)
		}
		bl := blocklist.New()
		n, err := bl.Reload(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("parsing blocklist: %w", err)
		}
		logger.New("main").Infof("blocklist loaded, %d rules", n)
		opts.Blocklist = bl
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o750); err != nil {
		return err
	}
	store, err := resume.OpenBoltStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening resume database: %w", err)
	}
	defer store.Close()
	opts.Resume = store

	// a magnet start may already have its metadata saved from a
	// previous run
	if opts.Info == nil {
		if rec, err := store.Read(opts.InfoHash); err == nil && len(rec.Info) > 0 {
			if info, perr := metainfo.ParseInfo(rec.Info); perr == nil && info.InfoHash == opts.InfoHash {
				opts.Info = info
			}
		}
	}

	if !c.Bool("no-dht") && cfg.DHTPort > 0 {
		node, err := dht.New(cfg.DHTPort)
		if err != nil {
			logger.New("main").Errorln("starting DHT node:", err)
		} else {
			defer node.Close()
			opts.DHT = node
		}
	}

	e, err := engine.New(opts)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run() }()

	if magnetLink != nil && len(magnetLink.PeerHints) > 0 {
		e.AddPeers(resolvePeerHints(magnetLink.PeerHints))
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	select {
	case <-e.NotifyComplete():
		e.Close()
		<-runErr
		return nil
	case sig := <-sigC:
		logger.New("main").Infoln("received", sig, "- shutting down")
		e.Close()
		return <-runErr
	case err := <-runErr:
		return err
	}
}
