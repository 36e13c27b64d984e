package handshake

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/mse"
)

// Result is a successfully handshaken connection and what was negotiated.
type Result struct {
	Conn              net.Conn
	Cipher            mse.CryptoMethod
	PeerExtensions    [8]byte
	PeerID            [20]byte
	InfoHash          [20]byte // the torrent's infohash; Accept reads it from the peer
}

// Dial performs an outgoing BT handshake. With enableEncryption it first
// runs an MSE handshake that carries the BT handshake; if that fails and
// forceEncryption is off, it redials and sends the BT handshake in
// plaintext. Without enableEncryption the connection is plaintext only.
// No plaintext attempt is made before MSE, and no timer triggers a switch.
func Dial(ctx context.Context, addr net.Addr, dialTimeout, handshakeTimeout time.Duration,
	enableEncryption, forceEncryption bool, extensions [8]byte, infoHash, ourID [20]byte) (Result, error) {
	log := logger.New("handshake").Sub("-> " + addr.String())

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return Result{}, err
	}
	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	out := bytes.NewBuffer(make([]byte, 0, 68))
	if err = writeHandshake(out, infoHash, ourID, extensions); err != nil {
		return Result{}, err
	}
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return Result{}, err
	}

	var cipher mse.CryptoMethod
	var wire net.Conn = conn

	if enableEncryption {
		sKey := infoHash[:]
		provide := mse.RC4
		if !forceEncryption {
			provide |= mse.PlainText
		}
		mseConn := mse.WrapConn(conn, log)
		cipher, err = mseConn.Outgoing(sKey, provide, out.Bytes())
		switch {
		case err == nil:
			log.Debugf("encryption handshake succeeded, cipher=%s", cipher)
			wire = mseConn
		case forceEncryption:
			return Result{}, errNotEncrypted
		default:
			log.Debugln("encryption handshake failed, retrying in plaintext:", err)
			conn.Close()
			conn, err = dialer.DialContext(ctx, addr.Network(), addr.String())
			if err != nil {
				return Result{}, err
			}
			if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
				return Result{}, err
			}
			if _, err = conn.Write(out.Bytes()); err != nil {
				return Result{}, err
			}
			wire = conn
		}
	} else if _, err = conn.Write(out.Bytes()); err != nil {
		return Result{}, err
	}

	peerExt, gotInfoHash, err := readHeader(wire)
	if err != nil {
		return Result{}, err
	}
	if gotInfoHash != infoHash {
		return Result{}, errInvalidInfoHash
	}
	peerID, err := readPeerID(wire)
	if err != nil {
		return Result{}, err
	}
	if peerID == ourID {
		return Result{}, errSelfConnection
	}

	ok = true
	return Result{Conn: wire, Cipher: cipher, PeerExtensions: peerExt, PeerID: peerID, InfoHash: infoHash}, nil
}
