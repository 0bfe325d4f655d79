package swarm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"

	"swarmd/internal/descriptor"
	"swarmd/internal/peer"
	"swarmd/internal/ratelimit"
	"swarmd/internal/storage"
	"swarmd/internal/wire"
)

// ErrStopped is returned by calls made after the swarm loop exited.
var ErrStopped = errors.New("swarm stopped")

// Config tunes one swarm.
type Config struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Announce []string

	MaxPeers           int
	PipelineDepth      int
	RequestTimeout     time.Duration
	MaxMissedDeadlines int

	ChokeInterval    time.Duration
	MaxUnchoked      int
	OptimisticEvery  int
	EndgameThreshold int
	MaxBadPieces     int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	// TickInterval drives request timeouts, dialing and metadata retries.
	TickInterval time.Duration
	// RetryBackoff is the first delay before redialing a failed address.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxPeers <= 0 {
		c.MaxPeers = 50
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = 16
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.MaxMissedDeadlines <= 0 {
		c.MaxMissedDeadlines = 2
	}
	if c.ChokeInterval <= 0 {
		c.ChokeInterval = 10 * time.Second
	}
	if c.MaxUnchoked <= 0 {
		c.MaxUnchoked = 4
	}
	if c.OptimisticEvery <= 0 {
		c.OptimisticEvery = 3
	}
	if c.EndgameThreshold <= 0 {
		c.EndgameThreshold = 5
	}
	if c.MaxBadPieces <= 0 {
		c.MaxBadPieces = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = 5 * time.Minute
	}
}

// EventKind classifies notifications emitted by a swarm.
type EventKind int

const (
	MetadataReceived EventKind = iota
	PieceVerified
	Completed
	PeerConnected
	PeerDisconnected
)

func (k EventKind) String() string {
	switch k {
	case MetadataReceived:
		return "metadata"
	case PieceVerified:
		return "piece"
	case Completed:
		return "done"
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  EventKind
	Piece int
	Peer  string
}

// Deps are the collaborators a swarm does not own.
type Deps struct {
	Dialer  peer.Dialer
	Limiter *ratelimit.Limiter
	Log     zerolog.Logger

	// OnMetadata opens the store a magnet swarm will fill once its info
	// dictionary is verified. It runs on its own goroutine and ctx is
	// cancelled when the swarm stops.
	OnMetadata func(ctx context.Context, desc *descriptor.Descriptor) (*storage.Store, error)
	// OnEvent receives notifications from the loop. It must not block.
	OnEvent func(Event)
	// OnConnected runs after every successful peer connection.
	OnConnected func()
}

// Swarm is the peer set and piece scheduler of one torrent. All of its
// state is owned by the goroutine running Run; other goroutines talk to it
// through channels.
type Swarm struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	rng  *rand.Rand

	desc     *descriptor.Descriptor
	store    *storage.Store
	storeRef atomic.Pointer[storage.Store]
	have     *roaring.Bitmap
	avail    []int

	conns      map[*peer.Conn]struct{}
	candidates map[string]*candidate
	dialing    map[string]bool
	bannedIDs  map[[20]byte]bool
	rawBits    map[*peer.Conn][]byte

	pending  map[int]*pendingPiece
	avoid    map[int]map[*peer.Conn]bool
	priority []int
	endgame  bool
	seeding  bool

	chokeRound int
	optimistic *peer.Conn

	metadata *metadataState
	opening  bool
	opened   chan metadataOpened

	downloaded int64
	uploaded   int64

	ctx        context.Context
	peerEvents chan peer.Event
	events     chan interface{}
	done       chan struct{}
}

type candidate struct {
	addr      string
	failures  int
	nextTry   time.Time
	connected bool
	banned    bool
}

// New creates a swarm. desc and store are nil for a magnet add, in which
// case the swarm first fetches the info dictionary from peers.
func New(cfg Config, desc *descriptor.Descriptor, store *storage.Store, deps Deps) *Swarm {
	cfg.setDefaults()
	s := &Swarm{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Log.With().Str("infoHash", metainfo.Hash(cfg.InfoHash).HexString()).Logger(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		have:       roaring.New(),
		conns:      make(map[*peer.Conn]struct{}),
		candidates: make(map[string]*candidate),
		dialing:    make(map[string]bool),
		bannedIDs:  make(map[[20]byte]bool),
		rawBits:    make(map[*peer.Conn][]byte),
		pending:    make(map[int]*pendingPiece),
		avoid:      make(map[int]map[*peer.Conn]bool),
		opened:     make(chan metadataOpened, 1),
		ctx:        context.Background(),
		peerEvents: make(chan peer.Event, 64),
		events:     make(chan interface{}, 16),
		done:       make(chan struct{}),
	}
	if desc != nil && store != nil {
		s.setStore(desc, store)
	}
	return s
}

func (s *Swarm) setStore(desc *descriptor.Descriptor, store *storage.Store) {
	s.desc = desc
	s.store = store
	s.storeRef.Store(store)
	s.have = store.Bitfield()
	s.avail = make([]int, desc.NumPieces())
	s.seeding = store.Complete()
}

// Done is closed when Run returns.
func (s *Swarm) Done() <-chan struct{} {
	return s.done
}

// Run is the swarm's event loop. It returns when ctx is cancelled, after
// closing every connection.
func (s *Swarm) Run(ctx context.Context, discovered <-chan []string) {
	s.ctx = ctx
	defer s.shutdown()

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	choke := time.NewTicker(s.cfg.ChokeInterval)
	defer choke.Stop()

	s.log.Debug().Bool("seeding", s.seeding).Bool("metadata", s.desc != nil).Msg("Swarm started")

	for {
		select {
		case e := <-s.peerEvents:
			s.handlePeerEvent(e)
		case e := <-s.events:
			s.handleEvent(ctx, e)
		case r := <-s.opened:
			s.adoptMetadata(r)
		case addrs := <-discovered:
			s.addCandidates(addrs)
			s.maybeConnect(ctx)
		case <-tick.C:
			now := time.Now()
			s.checkTimeouts(now)
			s.maybeConnect(ctx)
			s.requestAll()
			s.requestMetadata(now)
		case <-choke.C:
			s.rechoke()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Swarm) shutdown() {
	if s.opening {
		<-s.opened
	}
	for c := range s.conns {
		s.removeConn(c, peer.ErrClosed)
	}
	close(s.done)
	s.log.Debug().Msg("Swarm stopped")
}

// post hands an internal event to the loop.
func (s *Swarm) post(e interface{}) bool {
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

type dialResult struct {
	addr string
	conn *peer.Conn
	err  error
}

type incoming struct {
	conn *peer.Conn
}

type addPeers struct {
	addrs []string
}

type prioritize struct {
	first, last int
}

type statsRequest struct {
	ch chan Stats
}

func (s *Swarm) handleEvent(ctx context.Context, e interface{}) {
	switch e := e.(type) {
	case dialResult:
		delete(s.dialing, e.addr)
		cand := s.candidates[e.addr]
		if e.err != nil {
			if cand != nil {
				cand.failures++
				cand.nextTry = time.Now().Add(s.retryDelay(cand.failures))
			}
			s.log.Debug().Err(e.err).Str("peer", e.addr).Msg("Dial failed")
			return
		}
		s.addConn(e.conn)
	case incoming:
		s.addConn(e.conn)
	case addPeers:
		s.addCandidates(e.addrs)
		s.maybeConnect(ctx)
	case prioritize:
		s.setPriority(e.first, e.last)
	case statsRequest:
		e.ch <- s.stats()
	}
}

// Incoming completes the handshake of an inbound connection whose
// handshake was already read, then hands it to the loop.
func (s *Swarm) Incoming(nc net.Conn, hs *wire.Handshake) error {
	select {
	case <-s.done:
		nc.Close()
		return ErrStopped
	default:
	}
	c, err := peer.Accept(nc, hs, s.peerConfig())
	if err != nil {
		return err
	}
	if !s.post(incoming{conn: c}) {
		c.Close(ErrStopped)
		return ErrStopped
	}
	return nil
}

// AddPeers offers candidate addresses to the swarm.
func (s *Swarm) AddPeers(addrs []string) {
	s.post(addPeers{addrs: addrs})
}

// Prioritize asks the picker to fetch pieces first through last before
// anything else, for streaming readers.
func (s *Swarm) Prioritize(first, last int) {
	select {
	case s.events <- prioritize{first, last}:
	case <-s.done:
	default:
	}
}

// Stats returns a snapshot of the swarm taken by the loop.
func (s *Swarm) Stats(ctx context.Context) (Stats, error) {
	ch := make(chan Stats, 1)
	select {
	case s.events <- statsRequest{ch}:
	case <-s.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-ch:
		return st, nil
	case <-s.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (s *Swarm) emit(e Event) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(e)
	}
}

func (s *Swarm) peerConfig() peer.Config {
	return peer.Config{
		InfoHash:         s.cfg.InfoHash,
		PeerID:           s.cfg.PeerID,
		DialTimeout:      s.cfg.DialTimeout,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		IdleTimeout:      s.cfg.IdleTimeout,
		Limiter:          s.deps.Limiter,
		ReadBlock:        s.readBlock,
		Log:              s.log,
	}
}

// readBlock runs on peer writer goroutines.
func (s *Swarm) readBlock(index int, begin, length int64) ([]byte, error) {
	st := s.storeRef.Load()
	if st == nil {
		return nil, storage.ErrNotYetAvailable
	}
	return st.ReadBlock(index, begin, length)
}
