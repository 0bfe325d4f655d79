package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
)

// ErrSourceUnreachable wraps every failure of a discovery source. It is
// logged and counted, never fatal.
var ErrSourceUnreachable = errors.New("discovery source unreachable")

// Announce describes the local node to trackers.
type Announce struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string
}

// Source yields candidate peer addresses ("host:port") for a torrent.
type Source interface {
	Name() string
	Peers(ctx context.Context, req Announce) ([]string, error)
}

// TrackerSources builds a source for every announce URL with a supported
// scheme. Unsupported ones are logged and skipped.
func TrackerSources(announce []string, log zerolog.Logger) []Source {
	var out []Source
	for _, a := range announce {
		u, err := url.Parse(a)
		if err != nil {
			log.Warn().Err(err).Str("tracker", a).Msg("Skipping unparsable tracker")
			continue
		}
		switch u.Scheme {
		case "http", "https":
			out = append(out, NewHTTPTracker(a))
		case "udp":
			out = append(out, NewUDPTracker(u.Host))
		default:
			log.Debug().Str("tracker", a).Msg("Skipping tracker with unsupported scheme")
		}
	}
	return out
}

// Static replays peer hints supplied by the caller, such as x.pe magnet
// parameters.
type Static struct {
	Addrs []string
}

func (Static) Name() string { return "static" }

func (s Static) Peers(context.Context, Announce) ([]string, error) {
	return s.Addrs, nil
}

// parseCompact decodes 6-byte IPv4 or 18-byte IPv6 peer entries.
func parseCompact(b []byte, size int) []string {
	ipLen := size - 2
	var out []string
	for i := 0; i+size <= len(b); i += size {
		ip := net.IP(append([]byte(nil), b[i:i+ipLen]...))
		port := binary.BigEndian.Uint16(b[i+ipLen:])
		if port == 0 {
			continue
		}
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return out
}
