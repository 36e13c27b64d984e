package engine

import (
	"bytes"
	"crypto/sha1" // nolint:gosec
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/dht11-dev/gorrent/internal/config"
	"github.com/dht11-dev/gorrent/internal/metainfo"
	"github.com/dht11-dev/gorrent/internal/resume"
)

const testTimeout = 30 * time.Second

// buildTestInfo constructs a real single-file info dict: two 16 KiB
// pieces of 0x00 and 0x01 bytes respectively.
func buildTestInfo(t *testing.T) (*metainfo.TorrentInfo, [][]byte) {
	t.Helper()
	p0 := bytes.Repeat([]byte{0x00}, 16384)
	p1 := bytes.Repeat([]byte{0x01}, 16384)
	h0 := sha1.Sum(p0) // nolint:gosec
	h1 := sha1.Sum(p1) // nolint:gosec
	raw, err := bencode.EncodeBytes(map[string]interface{}{
		"name":         "testfile",
		"length":       int64(32768),
		"piece length": int64(16384),
		"pieces":       string(h0[:]) + string(h1[:]),
	})
	require.NoError(t, err)
	info, err := metainfo.ParseInfo(raw)
	require.NoError(t, err)
	return info, [][]byte{p0, p1}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig
	cfg.Peer.Encryption.DisableOutgoing = true
	cfg.Peer.ConnectTimeout = 2 * time.Second
	cfg.Peer.HandshakeTimeout = 5 * time.Second
	cfg.Swarm.ChokeInterval = time.Second
	cfg.Download.RequestTimeout = 5 * time.Second
	return &cfg
}

// scriptedPeer speaks just enough raw BEP 3/10 to exercise the engine
// from the remote side.
type scriptedPeer struct {
	t        *testing.T
	listener net.Listener
	infoHash [20]byte
	peerID   [20]byte
	pieces   [][]byte // by index; nil entries are not served
	bitfield byte     // single-byte bitfield sent after handshake
	metadata []byte   // non-nil advertises ut_metadata over BEP 10
	corrupt  map[uint32]bool
}

func newScriptedPeer(t *testing.T, infoHash [20]byte, pieces [][]byte) *scriptedPeer {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	p := &scriptedPeer{
		t:        t,
		listener: l,
		infoHash: infoHash,
		pieces:   pieces,
		corrupt:  make(map[uint32]bool),
	}
	copy(p.peerID[:], "-TS0001-aaaaaaaaaaaa")
	return p
}

func (p *scriptedPeer) addr() *net.TCPAddr { return p.listener.Addr().(*net.TCPAddr) }

// serve accepts connections until the listener closes; each connection
// is handled with the same script.
func (p *scriptedPeer) serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *scriptedPeer) handle(conn net.Conn) {
	defer conn.Close()

	hs := make([]byte, 68)
	if _, err := io.ReadFull(conn, hs); err != nil {
		return
	}
	if hs[0] != 19 || string(hs[1:20]) != "BitTorrent protocol" {
		return
	}

	var reserved [8]byte
	if p.metadata != nil {
		reserved[5] |= 0x10
	}
	var out bytes.Buffer
	out.WriteByte(19)
	out.WriteString("BitTorrent protocol")
	out.Write(reserved[:])
	out.Write(p.infoHash[:])
	out.Write(p.peerID[:])
	if _, err := conn.Write(out.Bytes()); err != nil {
		return
	}

	if p.bitfield != 0 {
		p.writeMessage(conn, 5, []byte{p.bitfield})
	}

	for {
		conn.SetReadDeadline(time.Now().Add(testTimeout))
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			return
		}
		if length == 0 {
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		id, body := payload[0], payload[1:]
		switch id {
		case 2: // interested
			p.writeMessage(conn, 1, nil) // unchoke
		case 6: // request
			index := binary.BigEndian.Uint32(body[0:4])
			begin := binary.BigEndian.Uint32(body[4:8])
			reqLen := binary.BigEndian.Uint32(body[8:12])
			if index >= uint32(len(p.pieces)) || p.pieces[index] == nil {
				continue
			}
			data := make([]byte, reqLen)
			copy(data, p.pieces[index][begin:begin+reqLen])
			if p.corrupt[index] {
				data[0] ^= 0xff
			}
			var piece bytes.Buffer
			binary.Write(&piece, binary.BigEndian, index)
			binary.Write(&piece, binary.BigEndian, begin)
			piece.Write(data)
			p.writeMessage(conn, 7, piece.Bytes())
		case 20: // extended
			p.handleExtended(conn, body)
		}
	}
}

func (p *scriptedPeer) handleExtended(conn net.Conn, body []byte) {
	if len(body) == 0 || p.metadata == nil {
		return
	}
	switch body[0] {
	case 0: // engine's extension handshake; reply with ours
		hs, _ := bencode.EncodeBytes(map[string]interface{}{
			"m":             map[string]interface{}{"ut_metadata": int64(2)},
			"metadata_size": int64(len(p.metadata)),
		})
		p.writeMessage(conn, 20, append([]byte{0}, hs...))
	case 2: // ut_metadata request (the id we advertised)
		var req struct {
			Type  int64  `bencode:"msg_type"`
			Piece uint32 `bencode:"piece"`
		}
		if err := bencode.DecodeBytes(body[1:], &req); err != nil || req.Type != 0 {
			return
		}
		start := req.Piece * 16384
		end := start + 16384
		if end > uint32(len(p.metadata)) {
			end = uint32(len(p.metadata))
		}
		resp, _ := bencode.EncodeBytes(map[string]interface{}{
			"msg_type":   int64(1),
			"piece":      int64(req.Piece),
			"total_size": int64(len(p.metadata)),
		})
		// the engine advertises ExtensionIDMetadata=1 in its "m" dict
		payload := append([]byte{1}, resp...)
		payload = append(payload, p.metadata[start:end]...)
		p.writeMessage(conn, 20, payload)
	}
}

func (p *scriptedPeer) writeMessage(conn net.Conn, id byte, body []byte) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1+len(body)))
	buf.WriteByte(id)
	buf.Write(body)
	conn.Write(buf.Bytes())
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- e.Run() }()
	t.Cleanup(func() {
		e.Close()
		require.NoError(t, <-done)
	})
	return e
}

func waitComplete(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.NotifyComplete():
	case <-time.After(testTimeout):
		t.Fatal("download did not complete")
	}
}

func TestSingleFileSinglePeer(t *testing.T) {
	info, pieces := buildTestInfo(t)
	peer := newScriptedPeer(t, info.InfoHash, pieces)
	peer.bitfield = 0xC0
	go peer.serve()

	dest := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	store, err := resume.OpenBoltStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	e := startEngine(t, Options{
		Config:   testConfig(t),
		InfoHash: info.InfoHash,
		Info:     info,
		Dest:     dest,
		Resume:   store,
	})
	e.AddPeers([]*net.TCPAddr{peer.addr()})
	waitComplete(t, e)

	e.Close()

	data, err := os.ReadFile(filepath.Join(dest, "testfile"))
	require.NoError(t, err)
	want := append(bytes.Repeat([]byte{0x00}, 16384), bytes.Repeat([]byte{0x01}, 16384)...)
	assert.Equal(t, want, data)

	rec, err := store.Read(info.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0}, rec.Bitfield)
	assert.Equal(t, uint32(2), rec.PieceCount)
}

func TestHashFailureRecovery(t *testing.T) {
	info, pieces := buildTestInfo(t)

	bad := newScriptedPeer(t, info.InfoHash, pieces)
	bad.bitfield = 0xC0
	bad.corrupt[1] = true
	go bad.serve()

	good := newScriptedPeer(t, info.InfoHash, pieces)
	good.bitfield = 0xC0
	go good.serve()

	dest := t.TempDir()
	e := startEngine(t, Options{
		Config:   testConfig(t),
		InfoHash: info.InfoHash,
		Info:     info,
		Dest:     dest,
	})
	e.AddPeers([]*net.TCPAddr{bad.addr(), good.addr()})
	waitComplete(t, e)

	data, err := os.ReadFile(filepath.Join(dest, "testfile"))
	require.NoError(t, err)
	want := append(bytes.Repeat([]byte{0x00}, 16384), bytes.Repeat([]byte{0x01}, 16384)...)
	assert.Equal(t, want, data)
}

func TestMagnetBootstrap(t *testing.T) {
	info, pieces := buildTestInfo(t)

	peer := newScriptedPeer(t, info.InfoHash, pieces)
	peer.bitfield = 0xC0
	peer.metadata = info.RawInfo
	go peer.serve()

	dest := t.TempDir()
	e := startEngine(t, Options{
		Config:   testConfig(t),
		InfoHash: info.InfoHash,
		Info:     nil, // magnet start: infohash only
		Dest:     dest,
	})
	e.AddPeers([]*net.TCPAddr{peer.addr()})
	waitComplete(t, e)

	data, err := os.ReadFile(filepath.Join(dest, "testfile"))
	require.NoError(t, err)
	assert.Len(t, data, 32768)
}

func TestResumeReverifiesPieces(t *testing.T) {
	info, pieces := buildTestInfo(t)
	dest := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "resume.db")

	// first run: download everything
	{
		peer := newScriptedPeer(t, info.InfoHash, pieces)
		peer.bitfield = 0xC0
		go peer.serve()

		store, err := resume.OpenBoltStore(dbPath)
		require.NoError(t, err)
		e, err := New(Options{
			Config:   testConfig(t),
			InfoHash: info.InfoHash,
			Info:     info,
			Dest:     dest,
			Resume:   store,
		})
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- e.Run() }()
		e.AddPeers([]*net.TCPAddr{peer.addr()})
		waitComplete(t, e)
		e.Close()
		require.NoError(t, <-done)
		store.Close()
	}

	// corrupt piece 1 on disk; restore must downgrade it to missing
	path := filepath.Join(dest, "testfile")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, 16384)
	require.NoError(t, err)
	f.Close()

	// second run: piece 0 passes reverification, piece 1 is refetched
	{
		peer := newScriptedPeer(t, info.InfoHash, pieces)
		peer.bitfield = 0xC0
		go peer.serve()

		store, err := resume.OpenBoltStore(dbPath)
		require.NoError(t, err)
		defer store.Close()
		e := startEngine(t, Options{
			Config:   testConfig(t),
			InfoHash: info.InfoHash,
			Info:     info,
			Dest:     dest,
			Resume:   store,
		})
		e.AddPeers([]*net.TCPAddr{peer.addr()})
		waitComplete(t, e)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want := append(bytes.Repeat([]byte{0x00}, 16384), bytes.Repeat([]byte{0x01}, 16384)...)
	assert.Equal(t, want, data)
}
