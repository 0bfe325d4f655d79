package torrent

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"swarmd/internal/config"
	"swarmd/internal/discovery"
	"swarmd/internal/transport"
)

// network holds the transports and listeners shared by every torrent.
type network struct {
	dialer    *transport.Dialer
	listeners []io.Closer
	port      int
	dht       *discovery.DHTNode
	logger    zerolog.Logger
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	copy(id[len(peerIDPrefix):], xid.New().Bytes())
	return id
}

// newNetwork opens the enabled transports and hands every inbound
// connection to route.
func newNetwork(cfg *config.Config, logger zerolog.Logger, route func(net.Conn)) (*network, error) {
	n := &network{logger: logger}
	var dialers []transport.Transport

	if cfg.EnableTCP {
		l, err := transport.ListenTCP(net.JoinHostPort("", strconv.Itoa(cfg.ListenPort)))
		if err != nil {
			return nil, err
		}
		n.port = l.Addr().(*net.TCPAddr).Port
		n.serve(l, "tcp", route)
		dialers = append(dialers, transport.TCP{Timeout: cfg.DialTimeout})
	}

	if cfg.EnableUTP {
		port := n.port
		if port == 0 {
			port = cfg.ListenPort
		}
		u, err := transport.NewUTP(net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			n.Close()
			return nil, err
		}
		n.serve(u, "utp", route)
		dialers = append(dialers, u)
	}

	if cfg.EnableWebSocket {
		l, err := transport.ListenWebSocket(net.JoinHostPort("", strconv.Itoa(cfg.WebSocketPort)))
		if err != nil {
			n.Close()
			return nil, err
		}
		n.serve(l, "ws", route)
		dialers = append(dialers, transport.WebSocket{Timeout: cfg.DialTimeout})
	}

	if len(dialers) == 0 {
		return nil, fmt.Errorf("%w: no transport enabled", transport.ErrNoTransport)
	}
	n.dialer = transport.NewDialer(dialers...)

	if cfg.EnableDHT {
		d, err := discovery.StartDHT(cfg.DHTPort, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("DHT unavailable, continuing with trackers only")
		} else {
			n.dht = d
		}
	}
	return n, nil
}

func (n *network) serve(l net.Listener, name string, route func(net.Conn)) {
	n.listeners = append(n.listeners, l)
	n.logger.Info().Str("transport", name).Str("addr", l.Addr().String()).Msg("Listening for peers")
	go func() {
		if err := transport.Accept(l, name, route); err != nil {
			n.logger.Error().Err(err).Str("transport", name).Msg("Peer listener stopped")
		}
	}()
}

func (n *network) Close() {
	for _, l := range n.listeners {
		l.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
}
