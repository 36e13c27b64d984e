package tracker

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/dht11-dev/gorrent/internal/blocklist"
)

var (
	errNoIPv4Address  = errors.New("tracker: host has no ipv4 address")
	errAddressBlocked = errors.New("tracker: address is blocked")
)

// ResolveHost turns a "host:port" tracker address into a dialable IPv4
// address, consulting bl (when non-nil) so announces never reach a
// blocklisted endpoint. Literal IPs skip the resolver.
func ResolveHost(ctx context.Context, addr string, bl *blocklist.Blocklist) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}

	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	if bl != nil && bl.Blocked(ip) {
		return nil, 0, errAddressBlocked
	}
	return ip, port, nil
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, errNoIPv4Address
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, errNoIPv4Address
}
