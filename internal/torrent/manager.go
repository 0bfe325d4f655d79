package torrent

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"swarmd/internal/config"
	"swarmd/internal/peer"
	"swarmd/internal/ratelimit"
)

// Client owns every torrent of the process together with the resources
// they share: the rate limiter, the peer listeners and the DHT node.
type Client struct {
	config  *config.Config
	Logger  zerolog.Logger
	peerID  [20]byte
	limiter *ratelimit.Limiter
	net     *network

	mu       sync.RWMutex
	torrents map[metainfo.Hash]*Torrent
	closed   bool

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	// cleanup tracks removals still closing or deleting their data.
	cleanup sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewClient starts listening for peers on every enabled transport.
func NewClient(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   cfg,
		Logger:   log,
		peerID:   newPeerID(),
		limiter:  ratelimit.New(cfg.DownloadBytesPerSecond(), cfg.UploadBytesPerSecond()),
		torrents: make(map[metainfo.Hash]*Torrent),
		subs:     make(map[chan Event]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	n, err := newNetwork(cfg, log, c.handleIncoming)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open peer listeners: %w", err)
	}
	c.net = n

	if cfg.StatsInterval > 0 {
		go c.statsRoutine()
	}
	return c, nil
}

// Port is the TCP port peers can reach this client on, 0 without TCP.
func (c *Client) Port() int {
	return c.net.port
}

// handleIncoming reads the handshake of an inbound connection and passes
// it to the swarm of the requested info-hash.
func (c *Client) handleIncoming(nc net.Conn) {
	hs, err := peer.ReadIncoming(nc, c.config.HandshakeTimeout)
	if err != nil {
		c.Logger.Debug().Err(err).Str("peer", nc.RemoteAddr().String()).Msg("Inbound handshake failed")
		nc.Close()
		return
	}

	c.mu.RLock()
	t, ok := c.torrents[metainfo.Hash(hs.InfoHash)]
	c.mu.RUnlock()
	if !ok {
		c.Logger.Debug().Str("infoHash", metainfo.Hash(hs.InfoHash).HexString()).Msg("Inbound connection for unknown torrent")
		nc.Close()
		return
	}

	if err := t.swarm.Incoming(nc, hs); err != nil {
		t.log.Debug().Err(err).Str("peer", nc.RemoteAddr().String()).Msg("Rejected inbound peer")
	}
}

// Torrents lists the registered torrents ordered by name.
func (c *Client) Torrents() []*Torrent {
	c.mu.RLock()
	out := make([]*Torrent, 0, len(c.torrents))
	for _, t := range c.torrents {
		out = append(out, t)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].InfoHash() < out[j].InfoHash()
	})
	return out
}

// Subscribe returns a channel of events from every torrent. Events are
// dropped when the subscriber falls behind. Call the returned func to stop.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			c.subMu.Unlock()
		})
	}
}

// publish fans e out to subscribers unless t has been removed. The removed
// flag is set under subMu, so nothing is delivered once Remove returns.
func (c *Client) publish(t *Torrent, e Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if t.removed.Load() {
		return
	}
	for ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Destroy stops every torrent and waits for them, then closes the
// listeners and the DHT node. Downloaded data is deleted unless KeepFiles
// is set. Calling it again is a no-op.
func (c *Client) Destroy() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		torrents := c.torrents
		c.torrents = make(map[metainfo.Hash]*Torrent)
		c.mu.Unlock()

		c.cancel()

		var g errgroup.Group
		for _, t := range torrents {
			t := t
			g.Go(func() error {
				t.stop()
				<-t.swarm.Done()
				return t.closeStore(!c.config.KeepFiles)
			})
		}
		if err := g.Wait(); err != nil {
			c.Logger.Error().Err(err).Msg("Error closing torrents")
		}
		c.cleanup.Wait()
		c.net.Close()
		c.Logger.Info().Int("torrents", len(torrents)).Msg("Client destroyed")
	})
	return nil
}
