package udptracker_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/chihaya/chihaya/frontend/udp"
	"github.com/chihaya/chihaya/middleware"
	"github.com/chihaya/chihaya/storage"
	_ "github.com/chihaya/chihaya/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dht11-dev/gorrent/internal/tracker"
	"github.com/dht11-dev/gorrent/internal/tracker/udptracker"
)

const announceTimeout = 2 * time.Second

// startTestTracker runs an in-process chihaya UDP frontend to announce
// against.
func startTestTracker(t *testing.T, addr string) {
	t.Helper()
	ps, err := storage.NewPeerStore("memory", map[string]interface{}{})
	require.NoError(t, err)
	lgc := middleware.NewLogic(middleware.ResponseConfig{AnnounceInterval: time.Minute}, ps, nil, nil)
	fe, err := udp.NewFrontend(lgc, udp.Config{
		Addr:         addr,
		MaxClockSkew: time.Minute,
		PrivateKey:   "M4YlzP02iB0B46P2i3QLyMOW6nWXnVlYeJ91xIdtu8Ao7IIVKLZEaCEshTChmFrS",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.Empty(t, <-fe.Stop()) })
}

func TestAnnounceReturnsSwarmPeers(t *testing.T) {
	startTestTracker(t, "127.0.0.1:5000")

	const rawURL = "udp://127.0.0.1:5000/announce"
	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	transport := udptracker.NewTransport(nil, 5*time.Second)
	go transport.Run()
	defer transport.Close()
	trk := udptracker.New(rawURL, u, transport)

	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	// a seeder joins the swarm first
	seeder := tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			PeerID: [20]byte{1},
			Port:   1111,
		},
	}
	_, err = trk.Announce(ctx, seeder)
	require.NoError(t, err)

	// a leecher announcing afterwards should be told about the seeder
	leecher := tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			PeerID:    [20]byte{2},
			Port:      2222,
			BytesLeft: 1,
		},
		NumWant: 10,
	}
	resp, err := trk.Announce(ctx, leecher)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, 1111, resp.Peers[0].Port)
}
