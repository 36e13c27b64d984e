package mse_test

import (
	"io"
	"testing"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/mse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe2 is a bidirectional io.Pipe, standing in for a net.Conn pair.
type pipe2 struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipe2) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipe2) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipe2) Close() error {
	_ = p.r.Close()
	_ = p.w.Close()
	return nil
}

func newPipe2() (*pipe2, *pipe2) {
	var a, b pipe2
	a.r, b.w = io.Pipe()
	b.r, a.w = io.Pipe()
	return &a, &b
}

func TestHandshakeOutgoingIncoming(t *testing.T) {
	connA, connB := newPipe2()
	log := logger.New("test")

	a := mse.New(connA, log)
	b := mse.New(connB, log)

	sKey := []byte("infohash-stand-in!!!")
	payloadA := []byte("payloadA")
	payloadB := []byte("payloadB")

	done := make(chan error, 1)
	go func() {
		_, err := a.Outgoing(sKey, mse.RC4, payloadA)
		done <- err
	}()

	selected, err := b.Incoming(
		func(sKeyHash [20]byte) []byte {
			if sKeyHash == mse.HashSKey(sKey) {
				return sKey
			}
			return nil
		},
		func(provided mse.CryptoMethod) mse.CryptoMethod {
			if provided&mse.RC4 != 0 {
				return mse.RC4
			}
			return 0
		},
	)
	require.NoError(t, err)
	assert.Equal(t, mse.RC4, selected)
	require.NoError(t, <-done)

	got := make([]byte, len(payloadA))
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	assert.Equal(t, payloadA, got)

	done2 := make(chan error, 1)
	go func() {
		_, werr := b.Write(payloadB)
		done2 <- werr
	}()
	got = make([]byte, len(payloadB))
	_, err = io.ReadFull(a, got)
	require.NoError(t, err)
	assert.Equal(t, payloadB, got)
	require.NoError(t, <-done2)
}

func TestIncomingRejectsUnknownSKey(t *testing.T) {
	connA, connB := newPipe2()
	log := logger.New("test")

	a := mse.New(connA, log)
	b := mse.New(connB, log)

	done := make(chan error, 1)
	go func() {
		_, err := a.Outgoing([]byte("real-key"), mse.RC4, nil)
		done <- err
	}()

	_, err := b.Incoming(
		func([20]byte) []byte { return nil },
		func(mse.CryptoMethod) mse.CryptoMethod { return mse.RC4 },
	)
	assert.Error(t, err)

	// Unblock the outgoing side, which is waiting on a step it will never
	// receive now that the incoming side bailed out early.
	_ = connA.Close()
	_ = connB.Close()
	<-done
}
