package handshake

import (
	"io"
	"net"
)

// rwConn lets Accept re-read the bytes it already consumed while probing
// for a plaintext handshake, by splicing a replay reader in front of the
// live connection, without losing net.Conn's deadline/close methods.
type rwConn struct {
	io.Reader
	io.Writer
	net.Conn
}

func (c *rwConn) Read(p []byte) (int, error)  { return c.Reader.Read(p) }
func (c *rwConn) Write(p []byte) (int, error) { return c.Writer.Write(p) }
