// Package magnet parses magnet URIs (BEP 9) into the infohash and tracker
// hints needed to bootstrap a MetadataFetcher before any .torrent file
// exists.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/multiformats/go-multihash"
)

// Link is the decoded form of a "magnet:?xt=urn:btih:..." URI.
type Link struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    [][]string // tiers, in announce-list order
	PeerHints   []string   // x.pe addr:port bootstrap hints
}

// Parse decodes a magnet URI. It accepts both urn:btih: (hex or base32)
// and urn:btmh: (BEP 9 multihash) info-hash forms.
func Parse(s string) (*Link, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("magnet: not a magnet link")
	}

	params := u.Query()

	xts, ok := params["xt"]
	if !ok || len(xts) == 0 {
		return nil, errors.New("magnet: missing xt param")
	}

	var l Link
	l.InfoHash, err = decodeInfoHash(xts[0])
	if err != nil {
		return nil, err
	}

	if names := params["dn"]; len(names) != 0 {
		l.DisplayName = names[0]
	}

	var tiers []trackerTier
	for key, values := range params {
		switch {
		case key == "tr":
			for i, tr := range values {
				tiers = append(tiers, trackerTier{trackers: []string{tr}, index: i - len(values)})
			}
		case strings.HasPrefix(key, "tr."):
			index, err := strconv.Atoi(key[len("tr."):])
			if err == nil && index >= 0 {
				tiers = append(tiers, trackerTier{trackers: values, index: index})
			}
		}
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].index < tiers[j].index })
	l.Trackers = make([][]string, len(tiers))
	for i, t := range tiers {
		l.Trackers[i] = t.trackers
	}

	l.PeerHints = params["x.pe"]

	return &l, nil
}

// String re-serializes the link as a magnet URI.
func (l *Link) String() string {
	var b strings.Builder
	b.Grow(512)
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(hex.EncodeToString(l.InfoHash[:]))
	if l.DisplayName != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(l.DisplayName))
	}
	for i, tier := range l.Trackers {
		if len(tier) == 1 {
			b.WriteString("&tr=")
			b.WriteString(url.QueryEscape(tier[0]))
			continue
		}
		for _, tr := range tier {
			b.WriteString("&tr.")
			b.WriteString(strconv.Itoa(i))
			b.WriteString("=")
			b.WriteString(url.QueryEscape(tr))
		}
	}
	for _, p := range l.PeerHints {
		b.WriteString("&x.pe=")
		b.WriteString(p)
	}
	return b.String()
}

type trackerTier struct {
	trackers []string
	index    int
}

// decodeInfoHash accepts urn:btih: with 40 hex or 32 base32 characters, or
// urn:btmh: with a hex-encoded multihash whose digest is 20 bytes.
func decodeInfoHash(xt string) ([20]byte, error) {
	var ih [20]byte
	var b []byte
	var err error
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		xt = xt[len("urn:btih:"):]
		switch len(xt) {
		case 40:
			b, err = hex.DecodeString(xt)
		case 32:
			b, err = base32.StdEncoding.DecodeString(strings.ToUpper(xt))
		default:
			return ih, errors.New("magnet: btih must be 32 or 40 characters")
		}
		if err != nil {
			return ih, err
		}
	case strings.HasPrefix(xt, "urn:btmh:"):
		xt = xt[len("urn:btmh:"):]
		mh, merr := multihash.FromHexString(xt)
		if merr != nil {
			return ih, merr
		}
		dm, merr := multihash.Decode(mh)
		if merr != nil {
			return ih, merr
		}
		if dm.Code != multihash.SHA1 || len(dm.Digest) != 20 {
			return ih, errors.New("magnet: multihash digest must be 20-byte sha1")
		}
		b = dm.Digest
	default:
		return ih, errors.New(`magnet: xt must start with "urn:btih:" or "urn:btmh:"`)
	}
	copy(ih[:], b)
	return ih, nil
}
