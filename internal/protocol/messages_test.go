package protocol

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, m Message) []byte {
	t.Helper()
	buf := make([]byte, 64)
	n, err := m.Read(buf)
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}
	return buf[:n]
}

func TestHaveMessageEncoding(t *testing.T) {
	m := HaveMessage{Index: 0x01020304}
	b := readAll(t, m)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b)
	assert.Equal(t, Have, m.ID())
}

func TestRequestMessageEncoding(t *testing.T) {
	m := RequestMessage{Index: 1, Begin: 2, Length: 16384}
	b := readAll(t, m)
	assert.Len(t, b, 12)
	assert.Equal(t, Request, m.ID())
}

func TestBitfieldMessageStreamsAllBytes(t *testing.T) {
	m := &BitfieldMessage{Data: []byte{0xff, 0x00, 0xab}}
	buf := make([]byte, 1)
	var got []byte
	for {
		n, err := m.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{0xff, 0x00, 0xab}, got)
}

func TestEmptyMessageIDs(t *testing.T) {
	assert.Equal(t, Choke, ChokeMessage{}.ID())
	assert.Equal(t, Unchoke, UnchokeMessage{}.ID())
	assert.Equal(t, Interested, InterestedMessage{}.ID())
	assert.Equal(t, NotInterested, NotInterestedMessage{}.ID())
	assert.Equal(t, HaveAll, HaveAllMessage{}.ID())
	assert.Equal(t, HaveNone, HaveNoneMessage{}.ID())
}

func TestFastExtensionMessageIDs(t *testing.T) {
	assert.Equal(t, Suggest, SuggestMessage{}.ID())
	assert.Equal(t, AllowedFast, AllowedFastMessage{}.ID())
	assert.Equal(t, Reject, RejectMessage{}.ID())
}

func TestMessageIDString(t *testing.T) {
	assert.Equal(t, "choke", Choke.String())
	assert.Equal(t, "allowed fast", AllowedFast.String())
	assert.Equal(t, "42", MessageID(42).String())
}
