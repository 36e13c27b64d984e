package mse

import (
	"net"
	"sync"

	"github.com/dht11-dev/gorrent/internal/logger"
)

// Conn adapts net.Conn to transparently run Read/Write through a
// Handshake, so once negotiated it behaves just like the underlying
// socket to the rest of the engine.
type Conn struct {
	net.Conn
	*Handshake
	mr sync.Mutex
	mw sync.Mutex
}

// WrapConn wraps conn. Outgoing or Incoming must be called on the
// returned Conn before Read/Write.
func WrapConn(conn net.Conn, log logger.Logger) *Conn {
	return &Conn{Conn: conn, Handshake: New(conn, log)}
}

func (c *Conn) Read(p []byte) (n int, err error) {
	c.mr.Lock()
	n, err = c.Handshake.Read(p)
	c.mr.Unlock()
	return
}

func (c *Conn) Write(p []byte) (n int, err error) {
	c.mw.Lock()
	n, err = c.Handshake.Write(p)
	c.mw.Unlock()
	return
}
