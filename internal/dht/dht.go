// Package dht adapts the Kademlia node from github.com/nictuku/dht to
// the engine's peer-source interface: the engine asks for peers of one
// infohash and receives batches of TCP addresses on a channel.
package dht

import (
	"net"
	"time"

	node "github.com/nictuku/dht"

	"github.com/dht11-dev/gorrent/internal/logger"
)

const defaultRouters = "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881,dht.libtorrent.org:25401,dht.aelitis.com:6881"

// Node wraps one running DHT node. A single Node serves every torrent of
// the process; per-torrent subscriptions are made with Subscribe.
type Node struct {
	dht    *node.DHT
	port   int
	log    logger.Logger
	closeC chan struct{}
	doneC  chan struct{}

	subscribeC chan *subscription
}

type subscription struct {
	infoHash string
	peersC   chan []*net.TCPAddr
}

// New starts a DHT node listening on the given UDP port.
func New(port int) (*Node, error) {
	cfg := node.NewConfig()
	cfg.Address = "0.0.0.0"
	cfg.Port = port
	cfg.DHTRouters = defaultRouters
	cfg.SaveRoutingTable = false
	d, err := node.New(cfg)
	if err != nil {
		return nil, err
	}
	if err = d.Start(); err != nil {
		return nil, err
	}
	n := &Node{
		dht:        d,
		port:       port,
		log:        logger.New("dht"),
		closeC:     make(chan struct{}),
		doneC:      make(chan struct{}),
		subscribeC: make(chan *subscription),
	}
	go n.run()
	return n, nil
}

// Port returns the UDP port the node listens on, for the BEP 5 PORT
// message sent to peers that advertise DHT support.
func (n *Node) Port() int { return n.port }

// AddNode feeds a "host:port" learned from a peer's PORT message (BEP 5)
// into the routing table.
func (n *Node) AddNode(hostPort string) { n.dht.AddNode(hostPort) }

// Close stops the node and every subscription's announce loop.
func (n *Node) Close() {
	close(n.closeC)
	<-n.doneC
	n.dht.Stop()
}

// Subscribe registers interest in peers for infoHash and returns the
// channel address batches are delivered on. The announce flag also
// inserts our own listen port into the DHT for other peers to find.
func (n *Node) Subscribe(infoHash [20]byte) <-chan []*net.TCPAddr {
	sub := &subscription{
		infoHash: string(infoHash[:]),
		peersC:   make(chan []*net.TCPAddr, 1),
	}
	select {
	case n.subscribeC <- sub:
	case <-n.closeC:
	}
	return sub.peersC
}

// run periodically re-issues peer requests for every subscription and
// fans incoming results out to the matching subscriber. The request
// rate is limited so the node is not hammered when the swarm is dry.
func (n *Node) run() {
	defer close(n.doneC)

	subs := make(map[string]*subscription)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case sub := <-n.subscribeC:
			subs[sub.infoHash] = sub
			n.dht.PeersRequest(sub.infoHash, true)
		case <-ticker.C:
			for ih := range subs {
				n.dht.PeersRequest(ih, true)
			}
		case res := <-n.dht.PeersRequestResults:
			for ih, peers := range res {
				sub, ok := subs[string(ih)]
				if !ok {
					continue
				}
				addrs := parsePeers(peers)
				if len(addrs) == 0 {
					continue
				}
				select {
				case sub.peersC <- addrs:
				default:
					// subscriber is behind; drop the batch, DHT
					// will produce more
				}
			}
		case <-n.closeC:
			return
		}
	}
}

// parsePeers decodes the 6-byte compact addresses the DHT library
// returns as raw strings.
func parsePeers(peers []string) []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(peers))
	for _, peer := range peers {
		if len(peer) != 6 {
			// only IPv4 is supported for now
			continue
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP(peer[:4]),
			Port: int((uint16(peer[4]) << 8) | uint16(peer[5])),
		})
	}
	return addrs
}
