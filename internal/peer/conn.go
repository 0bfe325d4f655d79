package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"

	"swarmd/internal/ratelimit"
	"swarmd/internal/wire"
)

// State is the lifecycle of a connection. Closed is terminal.
type State int32

const (
	Connecting State = iota
	Handshaking
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	default:
		return "closed"
	}
}

// Block addresses one request inside a piece.
type Block struct {
	Index  int
	Begin  int64
	Length int64
}

// Dialer opens a byte stream to a peer address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Config carries what a connection needs from its swarm.
type Config struct {
	InfoHash [20]byte
	PeerID   [20]byte

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	Limiter *ratelimit.Limiter

	// ReadBlock serves upload requests from verified data.
	ReadBlock func(index int, begin, length int64) ([]byte, error)

	Log zerolog.Logger
}

func (c Config) keepAliveInterval() time.Duration {
	if c.IdleTimeout <= 0 {
		return 2 * time.Minute
	}
	return c.IdleTimeout / 3
}

// Event is posted by a connection's reader to its swarm. A non-nil Err is
// the last event for that connection.
type Event struct {
	Conn    *Conn
	Message *wire.Message
	Err     error
}

// Conn is one peer wire connection. Its reader and writer goroutines touch
// only the network; the exported protocol fields are owned by the swarm
// loop and must not be used from other goroutines.
type Conn struct {
	Addr       string
	ID         [20]byte
	Outbound   bool
	Extensions bool

	Have           *roaring.Bitmap
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	// Requests are the blocks we asked this peer for, with the time each
	// was sent.
	Requests   map[Block]time.Time
	Missed     map[Block]int
	BadPieces  int
	UnchokedAt time.Time
	Connected  time.Time

	// RemoteMetadataID is the peer's ut_metadata extension id, 0 when it
	// does not support metadata exchange.
	RemoteMetadataID int
	MetadataSize     int

	DownloadRate float64
	UploadRate   float64
	lastDown     int64
	lastUp       int64
	lastSample   time.Time

	conn  net.Conn
	cfg   Config
	log   zerolog.Logger
	state atomic.Int32

	downloaded atomic.Int64
	uploaded   atomic.Int64

	mu       sync.Mutex
	queue    []outgoing
	wake     chan struct{}
	closeErr error

	lifetime  context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type outgoing struct {
	msg    *wire.Message
	upload *Block
}

func newConn(nc net.Conn, addr string, outbound bool, cfg Config) *Conn {
	c := &Conn{
		Addr:        addr,
		Outbound:    outbound,
		Have:        roaring.New(),
		AmChoking:   true,
		PeerChoking: true,
		Requests:    make(map[Block]time.Time),
		Missed:      make(map[Block]int),
		conn:        nc,
		cfg:         cfg,
		log:         cfg.Log.With().Str("peer", addr).Logger(),
		Connected:   time.Now(),
		lastSample:  time.Now(),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	c.state.Store(int32(Connecting))
	return c
}

// Dial connects to addr and performs the handshake.
func Dial(ctx context.Context, d Dialer, addr string, cfg Config) (*Conn, error) {
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	nc, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, classify(err)
	}

	c := newConn(nc, addr, true, cfg)
	c.state.Store(int32(Handshaking))
	if err := c.deadline(cfg.HandshakeTimeout); err != nil {
		nc.Close()
		return nil, err
	}
	if _, err := nc.Write(wire.NewHandshake(cfg.InfoHash, cfg.PeerID).Serialize()); err != nil {
		nc.Close()
		return nil, classify(err)
	}
	hs, err := wire.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, classify(err)
	}
	if err := c.accept(hs); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// ReadIncoming reads the handshake of an inbound connection so that the
// caller can route it to the swarm for its info hash.
func ReadIncoming(nc net.Conn, timeout time.Duration) (*wire.Handshake, error) {
	if timeout > 0 {
		nc.SetDeadline(time.Now().Add(timeout))
	}
	hs, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, classify(err)
	}
	return hs, nil
}

// Accept answers an inbound handshake that ReadIncoming already consumed.
func Accept(nc net.Conn, hs *wire.Handshake, cfg Config) (*Conn, error) {
	c := newConn(nc, nc.RemoteAddr().String(), false, cfg)
	c.state.Store(int32(Handshaking))
	if err := c.deadline(cfg.HandshakeTimeout); err != nil {
		nc.Close()
		return nil, err
	}
	if err := c.accept(hs); err != nil {
		nc.Close()
		return nil, err
	}
	if _, err := nc.Write(wire.NewHandshake(cfg.InfoHash, cfg.PeerID).Serialize()); err != nil {
		nc.Close()
		return nil, classify(err)
	}
	return c, nil
}

func (c *Conn) deadline(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := c.conn.SetDeadline(time.Now().Add(d)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	return nil
}

func (c *Conn) accept(hs *wire.Handshake) error {
	if hs.InfoHash != c.cfg.InfoHash {
		return classify(ErrInfoHashMismatch)
	}
	if hs.PeerID == c.cfg.PeerID {
		return classify(ErrSelfConnection)
	}
	c.ID = hs.PeerID
	c.Extensions = hs.SupportsExtensions()
	c.conn.SetDeadline(time.Time{})
	c.state.Store(int32(Established))
	return nil
}

// Start launches the reader and writer. Events go to events until the
// connection closes or done is closed.
func (c *Conn) Start(events chan<- Event, done <-chan struct{}) {
	go c.writeLoop()
	go c.readLoop(events, done)
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close shuts the connection down. The first reason wins.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrClosed
		}
		c.mu.Lock()
		c.closeErr = reason
		c.queue = nil
		c.mu.Unlock()
		c.state.Store(int32(Closed))
		c.cancel()
		c.conn.Close()
		close(c.done)
	})
}

func (c *Conn) Downloaded() int64 { return c.downloaded.Load() }
func (c *Conn) Uploaded() int64   { return c.uploaded.Load() }

// SampleRates refreshes DownloadRate and UploadRate from the byte counters.
func (c *Conn) SampleRates(now time.Time) {
	dt := now.Sub(c.lastSample).Seconds()
	if dt <= 0 {
		return
	}
	down, up := c.Downloaded(), c.Uploaded()
	c.DownloadRate = float64(down-c.lastDown) / dt
	c.UploadRate = float64(up-c.lastUp) / dt
	c.lastDown, c.lastUp, c.lastSample = down, up, now
}

func (c *Conn) String() string {
	return c.Addr
}

func (c *Conn) readLoop(events chan<- Event, done <-chan struct{}) {
	post := func(e Event) bool {
		select {
		case events <- e:
			return true
		case <-done:
			return false
		}
	}

	for {
		if c.cfg.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		h, err := wire.ReadHeader(c.conn)
		if err != nil {
			c.Close(classify(err))
			break
		}
		if h.KeepAlive() {
			continue
		}
		if h.ID == wire.Piece && h.PayloadLength() > 8 && c.cfg.Limiter != nil {
			n := h.PayloadLength() - 8
			if err := c.cfg.Limiter.Acquire(c.lifetime, ratelimit.Download, n); err != nil {
				c.Close(ErrClosed)
				break
			}
			if c.cfg.IdleTimeout > 0 {
				c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
			}
		}
		m, err := wire.ReadPayload(c.conn, h)
		if err != nil {
			c.Close(classify(err))
			break
		}
		if m.ID == wire.Piece && len(m.Payload) > 8 {
			c.downloaded.Add(int64(len(m.Payload) - 8))
		}
		if !post(Event{Conn: c, Message: m}) {
			c.Close(ErrClosed)
			return
		}
	}
	post(Event{Conn: c, Err: c.Err()})
}
