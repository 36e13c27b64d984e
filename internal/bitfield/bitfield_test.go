package bitfield

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexOf(b *Bitfield) string { return hex.EncodeToString(b.Bytes()) }

func TestFromBytesClearsPadding(t *testing.T) {
	buf := []byte{0x0f}

	v := FromBytes(buf, 8)
	assert.Equal(t, "0f", hexOf(&v))

	buf2 := []byte{0x0f}
	v2 := FromBytes(buf2, 7)
	assert.Equal(t, "0e", hexOf(&v2))

	assert.Panics(t, func() { FromBytes([]byte{0x00}, 9) })
}

func TestSetClearTest(t *testing.T) {
	v := New(10)
	require.Equal(t, "0000", hexOf(&v))

	v.Set(0)
	assert.Equal(t, "8000", hexOf(&v))

	v.Set(9)
	assert.Equal(t, "8040", hexOf(&v))

	assert.Panics(t, func() { v.Set(10) })

	v.Clear(0)
	assert.Equal(t, "0040", hexOf(&v))

	assert.False(t, v.Test(2))
	assert.True(t, v.Test(9))
}

func TestCountAndAll(t *testing.T) {
	v := New(12)
	assert.Equal(t, uint32(0), v.Count())
	assert.False(t, v.All())

	v.SetAll()
	assert.Equal(t, uint32(12), v.Count())
	assert.True(t, v.All())
}

func TestHasPaddingSet(t *testing.T) {
	// 10 bits needs 2 bytes; bit 15 (last bit of second byte) is padding.
	buf := []byte{0xff, 0xff}
	v := Bitfield{bytes: buf, bits: 10}
	assert.True(t, v.HasPaddingSet())

	v2 := FromBytes([]byte{0xff, 0xff}, 10)
	assert.False(t, v2.HasPaddingSet())
}

func TestUnion(t *testing.T) {
	a := New(8)
	b := New(8)
	a.Set(0)
	b.Set(7)
	a.Union(&b)
	assert.True(t, a.Test(0))
	assert.True(t, a.Test(7))
}
