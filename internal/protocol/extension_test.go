package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	hs := NewExtensionHandshake(12345, "gorrent/1.0", nil, 250)

	var buf bytes.Buffer
	_, err := ExtensionMessage{ExtendedMessageID: ExtensionIDHandshake, Payload: hs}.WriteTo(&buf)
	require.NoError(t, err)

	var out ExtensionMessage
	require.NoError(t, out.UnmarshalBinary(buf.Bytes()))
	got, ok := out.Payload.(ExtensionHandshakeMessage)
	require.True(t, ok)
	assert.Equal(t, uint8(ExtensionIDMetadata), got.M[ExtensionKeyMetadata])
	assert.Equal(t, uint8(ExtensionIDPEX), got.M[ExtensionKeyPEX])
	assert.Equal(t, 12345, got.MetadataSize)
	assert.Equal(t, 250, got.RequestQueue)
}

func TestExtensionMetadataMessageCarriesRawData(t *testing.T) {
	msg := ExtensionMetadataMessage{Type: ExtensionMetadataMessageTypeData, Piece: 3, TotalSize: 9, Data: []byte("rawbytes!")}

	var buf bytes.Buffer
	_, err := ExtensionMessage{ExtendedMessageID: ExtensionIDMetadata, Payload: msg}.WriteTo(&buf)
	require.NoError(t, err)

	var out ExtensionMessage
	require.NoError(t, out.UnmarshalBinary(buf.Bytes()))
	got, ok := out.Payload.(ExtensionMetadataMessage)
	require.True(t, ok)
	assert.Equal(t, ExtensionMetadataMessageTypeData, got.Type)
	assert.Equal(t, uint32(3), got.Piece)
	assert.Equal(t, []byte("rawbytes!"), got.Data)
}

func TestExtensionMessageRejectsUnknownID(t *testing.T) {
	var out ExtensionMessage
	err := out.UnmarshalBinary([]byte{99, 'd', 'e'})
	assert.Error(t, err)
}
