package metadatafetcher_test

import (
	"crypto/sha1" // nolint:gosec
	"testing"

	"github.com/dht11-dev/gorrent/internal/metadatafetcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	size      uint32
	ok        bool
	requested []uint32
}

func (p *fakePeer) MetadataSize() (uint32, bool)        { return p.size, p.ok }
func (p *fakePeer) RequestMetadataPiece(index uint32)    { p.requested = append(p.requested, index) }

func TestFetcherAssemblesAcrossTwoBlocks(t *testing.T) {
	info := make([]byte, 20*1024) // two blocks: 16KiB + 4KiB
	for i := range info {
		info[i] = byte(i)
	}
	ih := sha1.Sum(info) // nolint:gosec

	peer := &fakePeer{size: uint32(len(info)), ok: true}
	f := metadatafetcher.New(ih, 10)
	require.NoError(t, f.Attach(peer))

	f.RequestMore()
	assert.Equal(t, []uint32{0, 1}, peer.requested)

	res, err := f.Deliver(peer, 0, info[:16*1024])
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = f.Deliver(peer, 1, info[16*1024:])
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, info, res.Info)
}

func TestFetcherRejectsHashMismatch(t *testing.T) {
	info := make([]byte, 16*1024)
	var wrongHash [20]byte
	copy(wrongHash[:], "not-the-real-hash!!!")

	peer := &fakePeer{size: uint32(len(info)), ok: true}
	f := metadatafetcher.New(wrongHash, 10)
	require.NoError(t, f.Attach(peer))
	f.RequestMore()

	_, err := f.Deliver(peer, 0, info)
	assert.ErrorIs(t, err, metadatafetcher.ErrHashMismatch)
}

func TestAttachFailsWithoutMetadataSize(t *testing.T) {
	var ih [20]byte
	f := metadatafetcher.New(ih, 10)
	err := f.Attach(&fakePeer{ok: false})
	assert.Error(t, err)
}

func TestDeliverRejectsUnrequestedIndex(t *testing.T) {
	var ih [20]byte
	peer := &fakePeer{size: 16 * 1024, ok: true}
	f := metadatafetcher.New(ih, 10)
	require.NoError(t, f.Attach(peer))

	_, err := f.Deliver(peer, 0, make([]byte, 16*1024))
	assert.Error(t, err)
}
