package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Link is a torrent's identity plus the discovery hints a magnet URI can
// carry: enough to bootstrap the info dict from peers.
type Link struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
	WebSeeds []string
}

const xtPrefix = "urn:btih:"

var ErrNotMagnet = errors.New("magnet: not a magnet URI")

// String renders the link as a magnet URI. Empty attributes are omitted; no
// whitespace, no trailing separator.
func (l Link) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=")
	b.WriteString(xtPrefix)
	b.WriteString(hex.EncodeToString(l.InfoHash[:]))

	if l.Name != "" {
		b.WriteString("&dn=")
		escape(&b, l.Name)
	}
	for _, tr := range l.Trackers {
		if tr == "" {
			continue
		}
		b.WriteString("&tr=")
		escape(&b, tr)
	}
	for _, ws := range l.WebSeeds {
		if ws == "" {
			continue
		}
		b.WriteString("&ws=")
		escape(&b, ws)
	}
	return b.String()
}

// escape percent-encodes everything outside the RFC 3986 unreserved set.
func escape(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(b, "%%%02X", c)
		}
	}
}

// Parse decodes a magnet URI. The infohash may be 40 hex characters or 32
// base32 characters.
func Parse(s string) (*Link, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, ErrNotMagnet
	}

	q := u.Query()
	var link Link
	var haveHash bool

	for _, xt := range q["xt"] {
		if !strings.HasPrefix(xt, xtPrefix) {
			continue
		}
		hash, err := decodeHash(strings.TrimPrefix(xt, xtPrefix))
		if err != nil {
			return nil, err
		}
		link.InfoHash = hash
		haveHash = true
	}
	if !haveHash {
		return nil, errors.New("magnet: missing xt=urn:btih parameter")
	}

	link.Name = q.Get("dn")
	link.Trackers = q["tr"]
	link.WebSeeds = q["ws"]
	return &link, nil
}

func decodeHash(s string) ([20]byte, error) {
	var hash [20]byte
	switch len(s) {
	case 40:
		raw, err := hex.DecodeString(s)
		if err != nil {
			return hash, fmt.Errorf("magnet: bad hex infohash: %w", err)
		}
		copy(hash[:], raw)
	case 32:
		raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return hash, fmt.Errorf("magnet: bad base32 infohash: %w", err)
		}
		copy(hash[:], raw)
	default:
		return hash, fmt.Errorf("magnet: infohash must be 40 hex or 32 base32 characters, got %d", len(s))
	}
	return hash, nil
}
