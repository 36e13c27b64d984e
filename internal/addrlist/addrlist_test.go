package addrlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrList(t *testing.T) {
	al := New(2, nil)

	al.Push([]*net.TCPAddr{newAddr("1.1.1.1")}, 5000)
	assert.Equal(t, 1, al.Len())

	// same addr again is deduplicated
	al.Push([]*net.TCPAddr{newAddr("1.1.1.1")}, 5000)
	assert.Equal(t, 1, al.Len())

	al.Push([]*net.TCPAddr{newAddr("2.2.2.2")}, 5000)
	assert.Equal(t, 2, al.Len())

	// capacity 2: oldest entry is evicted
	al.Push([]*net.TCPAddr{newAddr("3.3.3.3")}, 5000)
	assert.Equal(t, 2, al.Len())

	// Pop returns the newest address first
	addr := al.Pop()
	assert.Equal(t, "3.3.3.3:1", addr.String())
	assert.Equal(t, 1, al.Len())

	al.Pop()
	assert.Nil(t, al.Pop())
	assert.Equal(t, 0, al.Len())
}

func TestAddrListDiscardsInvalid(t *testing.T) {
	al := New(10, nil)

	// zero port is invalid
	al.Push([]*net.TCPAddr{{IP: net.ParseIP("1.1.1.1"), Port: 0}}, 5000)
	assert.Equal(t, 0, al.Len())

	// own loopback listen address is discarded
	al.Push([]*net.TCPAddr{{IP: net.ParseIP("127.0.0.1"), Port: 5000}}, 5000)
	assert.Equal(t, 0, al.Len())
}

func newAddr(ip string) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 1}
}
