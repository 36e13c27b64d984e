package pexlist

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAddr(ip string) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 1}
}

func TestFlushSplitsAddedAndDropped(t *testing.T) {
	l := New()
	l.Add(newAddr("1.1.1.1"))
	l.Drop(newAddr("2.2.2.2"))

	added, dropped := l.Flush()
	assert.Len(t, added, 6)
	assert.Len(t, dropped, 6)

	// the diff is consumed by the flush
	added, dropped = l.Flush()
	assert.Empty(t, added)
	assert.Empty(t, dropped)
}

func TestLastEventWins(t *testing.T) {
	l := New()
	l.Add(newAddr("1.1.1.1"))
	l.Drop(newAddr("1.1.1.1"))

	added, dropped := l.Flush()
	assert.Empty(t, added)
	assert.Len(t, dropped, 6)
}

func TestFlushCapAppliesAfterFirstFlush(t *testing.T) {
	l := New()
	for i := 0; i < 60; i++ {
		l.Add(newAddr("10.0.0." + strconv.Itoa(i)))
	}
	added, _ := l.Flush()
	assert.Equal(t, 60, len(added)/6, "initial flush is unlimited")

	for i := 0; i < 60; i++ {
		l.Add(newAddr("10.0.1." + strconv.Itoa(i)))
	}
	added, _ = l.Flush()
	assert.Equal(t, maxFlushPeers, len(added)/6)
}

func TestRecentlySeen(t *testing.T) {
	var l RecentlySeen
	assert.Equal(t, 0, l.Len())

	l.Add(newAddr("1.1.1.1"))
	assert.Equal(t, 1, l.Len())
	l.Add(newAddr("1.1.1.1"))
	assert.Equal(t, 1, l.Len(), "duplicates are not re-added")

	for i := 0; i < 24; i++ {
		l.Add(newAddr("2.2.2." + strconv.Itoa(i)))
	}
	require.Equal(t, MaxLength, l.Len())

	l.Add(newAddr("3.3.3.3"))
	assert.Equal(t, MaxLength, l.Len())
	// the oldest entry made room for the newest
	peers := l.Peers()
	assert.Equal(t, [4]byte{3, 3, 3, 3}, peers[len(peers)-1].IP)
	for _, p := range peers {
		assert.NotEqual(t, [4]byte{1, 1, 1, 1}, p.IP)
	}
}
