package handshake

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/dht11-dev/gorrent/internal/logger"
	"github.com/dht11-dev/gorrent/internal/mse"
)

// Accept performs an incoming BT handshake on conn. hasInfoHash reports
// whether the local node is serving the given info hash; getSKey looks
// up the MSE stream key for an sKeyHash advertised by an encrypted peer.
// cryptoSelect picks a cipher from the methods the peer offered.
func Accept(conn net.Conn, handshakeTimeout time.Duration,
	hasInfoHash func([20]byte) bool, getSKey func([20]byte) []byte,
	cryptoSelect func(mse.CryptoMethod) mse.CryptoMethod,
	forceEncryption bool, ourExtensions [8]byte, ourID [20]byte) (Result, error) {
	log := logger.New("handshake").Sub("<- " + conn.RemoteAddr().String())

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	tee := io.TeeReader(conn, &buf)

	var wire net.Conn = conn
	var cipher mse.CryptoMethod

	peerExt, infoHash, err := readHeader(tee)
	if err == errInvalidProtocol {
		log.Debugln("not a plaintext handshake, trying encryption")
		replay := &rwConn{Reader: io.MultiReader(&buf, conn), Writer: conn, Conn: conn}
		mseConn := mse.WrapConn(replay, log)
		cipher, err = mseConn.Incoming(getSKey, cryptoSelect)
		if err != nil {
			return Result{}, err
		}
		wire = mseConn
		peerExt, infoHash, err = readHeader(wire)
		if err != nil {
			return Result{}, err
		}
	} else if err != nil {
		return Result{}, err
	} else if forceEncryption {
		return Result{}, errNotEncrypted
	}

	if !hasInfoHash(infoHash) {
		return Result{}, errUnknownInfoHash
	}

	peerID, err := readPeerID(wire)
	if err != nil {
		return Result{}, err
	}
	if peerID == ourID {
		return Result{}, errSelfConnection
	}

	if err = writeHandshake(wire, infoHash, ourID, ourExtensions); err != nil {
		return Result{}, err
	}

	ok = true
	return Result{Conn: wire, Cipher: cipher, PeerExtensions: peerExt, PeerID: peerID, InfoHash: infoHash}, nil
}
