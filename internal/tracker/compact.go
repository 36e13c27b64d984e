package tracker

import (
	"encoding/binary"
	"errors"
	"net"
)

// compactLen is the wire size of one compact peer entry: a 4-byte IPv4
// address followed by a 2-byte big-endian port (BEP 23).
const compactLen = 6

var errBadCompactLength = errors.New("tracker: compact peer data is not a multiple of 6 bytes")

// CompactPeer is one address in compact form. It contains no pointers,
// so it doubles as a map key for deduplication.
type CompactPeer struct {
	IP   [net.IPv4len]byte
	Port uint16
}

// NewCompactPeer converts addr. The address must be IPv4.
func NewCompactPeer(addr *net.TCPAddr) CompactPeer {
	var cp CompactPeer
	copy(cp.IP[:], addr.IP.To4())
	cp.Port = uint16(addr.Port)
	return cp
}

// Addr converts back to a dialable address.
func (p CompactPeer) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(p.IP[:]), Port: int(p.Port)}
}

// MarshalBinary encodes the 6-byte wire form.
func (p CompactPeer) MarshalBinary() ([]byte, error) {
	out := make([]byte, compactLen)
	copy(out[:net.IPv4len], p.IP[:])
	binary.BigEndian.PutUint16(out[net.IPv4len:], p.Port)
	return out, nil
}

// UnmarshalBinary decodes exactly one 6-byte entry.
func (p *CompactPeer) UnmarshalBinary(data []byte) error {
	if len(data) != compactLen {
		return errBadCompactLength
	}
	copy(p.IP[:], data[:net.IPv4len])
	p.Port = binary.BigEndian.Uint16(data[net.IPv4len:])
	return nil
}

// DecodePeersCompact splits a concatenated compact peer list into
// addresses.
func DecodePeersCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%compactLen != 0 {
		return nil, errBadCompactLength
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/compactLen)
	for off := 0; off < len(b); off += compactLen {
		var cp CompactPeer
		if err := cp.UnmarshalBinary(b[off : off+compactLen]); err != nil {
			return nil, err
		}
		addrs = append(addrs, cp.Addr())
	}
	return addrs, nil
}
