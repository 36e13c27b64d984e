package udptracker

import (
	"io"
	"math/rand"
	"net"
)

// udpRequest is anything the transport can send: a connect request or an
// announce request. Both carry the common BEP 15 request header.
type udpRequest interface {
	io.WriterTo
	SetTransactionID(int32)
	SetConnectionID(int64)
}

// transaction is one in-flight request/response exchange, matched to its
// datagram by the random transaction id.
type transaction struct {
	id       int32
	request  udpRequest
	addr     *net.UDPAddr
	response []byte
	err      error
	done     chan struct{}
}

func newTransaction(req udpRequest, addr *net.UDPAddr) *transaction {
	t := &transaction{
		id:      rand.Int31(), // nolint:gosec
		request: req,
		addr:    addr,
		done:    make(chan struct{}),
	}
	req.SetTransactionID(t.id)
	return t
}

// complete is called exactly once, by the read loop, after the
// transaction has been removed from the transport's map.
func (t *transaction) complete() { close(t.done) }
