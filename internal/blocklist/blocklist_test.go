package blocklist

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIDR(t *testing.T) {
	r, err := parseCIDR([]byte("0.0.1.1/24"))
	require.NoError(t, err)
	assert.Equal(t, uint32(256), r.first)
	assert.Equal(t, uint32(511), r.last)
}

func TestParseCIDRRejectsIPv6(t *testing.T) {
	_, err := parseCIDR([]byte("2001:db8::/32"))
	assert.Error(t, err)
}

func TestBlocked(t *testing.T) {
	input := `# test rules
6.0.0.0/8

10.1.2.0/24
`
	b := New()
	n, err := b.Reload(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, b.Len())

	assert.True(t, b.Blocked(net.ParseIP("6.1.2.3")))
	assert.True(t, b.Blocked(net.ParseIP("10.1.2.255")))
	assert.False(t, b.Blocked(net.ParseIP("10.1.3.0")))
	assert.False(t, b.Blocked(net.ParseIP("176.240.195.107")))
	assert.False(t, b.Blocked(net.ParseIP("2001:db8::1")), "ipv6 is never blocked")
}

func TestEmptyInput(t *testing.T) {
	b := New()
	n, err := b.Reload(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, b.Blocked(net.ParseIP("0.0.0.0")))
}

func TestGarbageOnlyInputFails(t *testing.T) {
	b := New()
	_, err := b.Reload(strings.NewReader("this is not\na cidr list\n"))
	assert.Error(t, err)
}

func TestMalformedLinesAreTolerated(t *testing.T) {
	input := "bogus line\n6.0.0.0/8\n"
	b := New()
	n, err := b.Reload(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, b.Blocked(net.ParseIP("6.255.255.255")))
}

func TestMergeOverlappingRanges(t *testing.T) {
	merged := mergeRanges([]ipRange{
		{first: 100, last: 200},
		{first: 150, last: 300},
		{first: 301, last: 400}, // adjacent, coalesces
		{first: 1000, last: 2000},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, ipRange{first: 100, last: 400}, merged[0])
	assert.Equal(t, ipRange{first: 1000, last: 2000}, merged[1])
}

func TestReloadReplacesOldRules(t *testing.T) {
	b := New()
	_, err := b.Reload(strings.NewReader("6.0.0.0/8\n"))
	require.NoError(t, err)
	require.True(t, b.Blocked(net.ParseIP("6.1.1.1")))

	_, err = b.Reload(strings.NewReader("7.0.0.0/8\n"))
	require.NoError(t, err)
	assert.False(t, b.Blocked(net.ParseIP("6.1.1.1")))
	assert.True(t, b.Blocked(net.ParseIP("7.1.1.1")))
}
