package descriptor

import (
	"bytes"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// Identifier is a partial descriptor: an info-hash plus optional discovery
// hints. The rest is fetched from peers.
type Identifier struct {
	InfoHash metainfo.Hash
	Name     string
	Trackers []string
	Peers    []string
}

// ParseIdentifier accepts a magnet URI, a 40 character hex info-hash or a
// 32 character base32 info-hash.
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(strings.ToLower(s), "magnet:") {
		m, err := metainfo.ParseMagnetUri(s)
		if err != nil {
			return Identifier{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
		}
		id := Identifier{
			InfoHash: m.InfoHash,
			Name:     m.DisplayName,
			Trackers: dedupe(m.Trackers),
		}
		if m.Params != nil {
			id.Peers = dedupe(m.Params["x.pe"])
		}
		return id, nil
	}

	var h metainfo.Hash
	switch len(s) {
	case 40:
		if err := h.FromHexString(s); err != nil {
			return Identifier{}, fmt.Errorf("%w: invalid hex info-hash %q", ErrMalformedDescriptor, s)
		}
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil || len(b) != len(h) {
			return Identifier{}, fmt.Errorf("%w: invalid base32 info-hash %q", ErrMalformedDescriptor, s)
		}
		copy(h[:], b)
	default:
		return Identifier{}, fmt.Errorf("%w: unrecognised identifier %q", ErrMalformedDescriptor, s)
	}
	return Identifier{InfoHash: h}, nil
}

// Resolve accepts either raw .torrent bytes or an identifier string. Exactly
// one of the returned descriptor and identifier is meaningful: when the
// descriptor is nil the identifier must be completed through peers.
func Resolve(input []byte) (*Descriptor, Identifier, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) > 0 && trimmed[0] == 'd' && !looksLikeHash(trimmed) {
		d, err := Parse(input)
		if err != nil {
			return nil, Identifier{}, err
		}
		return d, Identifier{InfoHash: d.InfoHash, Name: d.Name, Trackers: d.Announce}, nil
	}

	id, err := ParseIdentifier(string(trimmed))
	if err != nil {
		return nil, Identifier{}, err
	}
	return nil, id, nil
}

// A hex hash may begin with 'd', so do not mistake it for a dictionary.
func looksLikeHash(b []byte) bool {
	if len(b) != 40 {
		return false
	}
	for _, c := range b {
		if !strings.ContainsRune("0123456789abcdefABCDEF", rune(c)) {
			return false
		}
	}
	return true
}
