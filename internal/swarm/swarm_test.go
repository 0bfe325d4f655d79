package swarm

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"swarmd/internal/descriptor"
	"swarmd/internal/peer"
	"swarmd/internal/ratelimit"
	"swarmd/internal/storage"
	"swarmd/internal/transport"
	"swarmd/internal/wire"
)

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func testConfig(d *descriptor.Descriptor) Config {
	var id [20]byte
	_, _ = rand.Read(id[:])
	return Config{
		InfoHash:         d.InfoHash,
		PeerID:           id,
		RequestTimeout:   2 * time.Second,
		ChokeInterval:    50 * time.Millisecond,
		TickInterval:     20 * time.Millisecond,
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
		IdleTimeout:      5 * time.Second,
		RetryBackoff:     50 * time.Millisecond,
		MaxRetryBackoff:  200 * time.Millisecond,
	}
}

type node struct {
	swarm      *Swarm
	addr       string
	events     chan Event
	discovered chan []string
	cancel     context.CancelFunc

	mu    sync.Mutex
	store *storage.Store
	// hold, when set, keeps the metadata store from opening until closed.
	hold chan struct{}
	held chan struct{}
}

func (n *node) Store() *storage.Store {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store
}

func (n *node) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-n.events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// peek is stats for polling conditions, which may run off the test goroutine.
func (n *node) peek() (Stats, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := n.swarm.Stats(ctx)
	return st, err == nil
}

func (n *node) stats(t *testing.T) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := n.swarm.Stats(ctx)
	require.NoError(t, err)
	return st
}

// startNode runs a swarm behind a loopback TCP listener. A nil store starts
// a magnet swarm that allocates memory storage once metadata arrives.
func startNode(t *testing.T, cfg Config, desc *descriptor.Descriptor, store *storage.Store, lim *ratelimit.Limiter) *node {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	n := &node{
		addr:       ln.Addr().String(),
		events:     make(chan Event, 1024),
		discovered: make(chan []string, 4),
		store:      store,
	}
	n.swarm = New(cfg, desc, store, Deps{
		Dialer:  transport.TCP{Timeout: time.Second},
		Limiter: lim,
		Log:     zerolog.Nop(),
		OnEvent: func(e Event) {
			select {
			case n.events <- e:
			default:
			}
		},
		OnMetadata: func(ctx context.Context, d *descriptor.Descriptor) (*storage.Store, error) {
			n.mu.Lock()
			hold := n.hold
			n.mu.Unlock()
			if hold != nil {
				n.held <- struct{}{}
				select {
				case <-hold:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			st, err := storage.New(d, storage.NewMemoryStore(d.Length), 4, zerolog.Nop())
			if err != nil {
				return nil, err
			}
			n.mu.Lock()
			n.store = st
			n.mu.Unlock()
			return st, nil
		},
	})

	go transport.Accept(ln, "tcp", func(nc net.Conn) {
		hs, err := peer.ReadIncoming(nc, time.Second)
		if err != nil {
			nc.Close()
			return
		}
		_ = n.swarm.Incoming(nc, hs)
	})

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.swarm.Run(ctx, n.discovered)
	t.Cleanup(func() {
		cancel()
		ln.Close()
		<-n.swarm.Done()
	})
	return n
}

func buildTorrent(t *testing.T, data []byte, pieceLength int64) *descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.Build("blob", []descriptor.Source{descriptor.SourceFromBytes(nil, data)}, pieceLength, nil)
	require.NoError(t, err)
	return d
}

func seedStore(t *testing.T, d *descriptor.Descriptor, data []byte) *storage.Store {
	t.Helper()
	st, err := storage.New(d, storage.NewMemoryStoreFrom(append([]byte(nil), data...)), 4, zerolog.Nop())
	require.NoError(t, err)
	st.MarkAllVerified()
	return st
}

func emptyStore(t *testing.T, d *descriptor.Descriptor) *storage.Store {
	t.Helper()
	st, err := storage.New(d, storage.NewMemoryStore(d.Length), 4, zerolog.Nop())
	require.NoError(t, err)
	return st
}

// fillPieces verifies the given pieces of st from data.
func fillPieces(t *testing.T, st *storage.Store, d *descriptor.Descriptor, data []byte, pieces ...int) {
	t.Helper()
	for _, i := range pieces {
		off := d.PieceOffset(i)
		for b := int64(0); b < d.PieceSize(i); b += descriptor.BlockSize {
			n := d.BlockLength(i, b)
			require.NoError(t, st.WriteBlock(i, b, data[off+b:off+b+n]))
		}
		ok, err := st.TryVerify(i)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func requireContent(t *testing.T, st *storage.Store, data []byte) {
	t.Helper()
	got, err := st.ReadRange(0, 0, int64(len(data)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestSeedToLeecher(t *testing.T) {
	data := content(300_000)
	d := buildTorrent(t, data, 32*1024)

	seeder := startNode(t, testConfig(d), d, seedStore(t, d, data), nil)
	leech := emptyStore(t, d)
	leecher := startNode(t, testConfig(d), d, leech, nil)

	leecher.swarm.AddPeers([]string{seeder.addr})
	leecher.waitEvent(t, Completed)
	require.True(t, leech.Complete())
	requireContent(t, leech, data)

	st := leecher.stats(t)
	require.True(t, st.Seeding)
	require.Equal(t, d.NumPieces(), st.Verified)
	require.Equal(t, d.Length, st.BytesCompleted)
	require.Equal(t, 1.0, st.Progress())

	// A second leecher can fetch everything from the first one alone.
	seeder.cancel()
	<-seeder.swarm.Done()
	third := emptyStore(t, d)
	next := startNode(t, testConfig(d), d, third, nil)
	next.discovered <- []string{leecher.addr}
	next.waitEvent(t, Completed)
	requireContent(t, third, data)
}

func TestLateDiscovery(t *testing.T) {
	data := content(100_000)
	d := buildTorrent(t, data, 16*1024)

	seeder := startNode(t, testConfig(d), d, seedStore(t, d, data), nil)
	leech := emptyStore(t, d)
	leecher := startNode(t, testConfig(d), d, leech, nil)

	time.Sleep(100 * time.Millisecond)
	st := leecher.stats(t)
	require.Zero(t, st.NumPeers)
	require.Zero(t, st.Verified)

	leecher.discovered <- []string{seeder.addr}
	leecher.waitEvent(t, Completed)
	requireContent(t, leech, data)
}

func TestDisjointHalves(t *testing.T) {
	data := content(256 * 1024)
	d := buildTorrent(t, data, 32*1024)
	require.Equal(t, 8, d.NumPieces())

	a := emptyStore(t, d)
	fillPieces(t, a, d, data, 0, 1, 2, 3)
	b := emptyStore(t, d)
	fillPieces(t, b, d, data, 4, 5, 6, 7)

	na := startNode(t, testConfig(d), d, a, nil)
	nb := startNode(t, testConfig(d), d, b, nil)
	na.swarm.AddPeers([]string{nb.addr})

	na.waitEvent(t, Completed)
	nb.waitEvent(t, Completed)
	requireContent(t, a, data)
	requireContent(t, b, data)
}

func TestStopDuringTransfer(t *testing.T) {
	data := content(512 * 1024)
	d := buildTorrent(t, data, 16*1024)

	seeder := startNode(t, testConfig(d), d, seedStore(t, d, data), ratelimit.New(0, 64*1024))
	leech := emptyStore(t, d)
	leecher := startNode(t, testConfig(d), d, leech, nil)
	leecher.swarm.AddPeers([]string{seeder.addr})
	leecher.waitEvent(t, PieceVerified)

	leecher.cancel()
	<-leecher.swarm.Done()
	require.False(t, leech.Complete())

	_, err := leecher.swarm.Stats(context.Background())
	require.ErrorIs(t, err, ErrStopped)

	require.Eventually(t, func() bool {
		st, ok := seeder.peek()
		return ok && st.NumPeers == 0
	}, 5*time.Second, 20*time.Millisecond)
}

// corrupt flips one byte of every read.
type corrupt struct {
	*storage.MemoryStore
}

func (c corrupt) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.MemoryStore.ReadAt(p, off)
	if n > 0 {
		p[0] ^= 0xff
	}
	return n, err
}

func TestCorruptPeerBanned(t *testing.T) {
	data := content(256 * 1024)
	d := buildTorrent(t, data, 16*1024)

	bad, err := storage.New(d, corrupt{storage.NewMemoryStoreFrom(append([]byte(nil), data...))}, 0, zerolog.Nop())
	require.NoError(t, err)
	bad.MarkAllVerified()
	liar := startNode(t, testConfig(d), d, bad, nil)

	leech := emptyStore(t, d)
	leecher := startNode(t, testConfig(d), d, leech, nil)
	leecher.swarm.AddPeers([]string{liar.addr})

	require.Eventually(t, func() bool {
		st, ok := leecher.peek()
		return ok && st.Banned == 1 && st.NumPeers == 0
	}, 10*time.Second, 20*time.Millisecond)
	require.Zero(t, leech.NumVerified())

	// The banned address is never redialed; an honest seeder still works.
	honest := startNode(t, testConfig(d), d, seedStore(t, d, data), nil)
	leecher.swarm.AddPeers([]string{honest.addr})
	leecher.waitEvent(t, Completed)
	requireContent(t, leech, data)
	for _, p := range leecher.stats(t).Peers {
		require.NotEqual(t, liar.addr, p.Addr)
	}
}

func TestMagnetFetchesMetadata(t *testing.T) {
	data := content(200_000)
	d := buildTorrent(t, data, 32*1024)

	seeder := startNode(t, testConfig(d), d, seedStore(t, d, data), nil)
	leecher := startNode(t, testConfig(d), nil, nil, nil)
	require.False(t, leecher.stats(t).HasMetadata)

	leecher.swarm.AddPeers([]string{seeder.addr})
	leecher.waitEvent(t, MetadataReceived)
	leecher.waitEvent(t, Completed)

	st := leecher.Store()
	require.NotNil(t, st)
	require.Equal(t, d.InfoHash, st.Descriptor().InfoHash)
	requireContent(t, st, data)
}

func TestSlowStoreOpenKeepsLoopResponsive(t *testing.T) {
	data := content(200_000)
	d := buildTorrent(t, data, 32*1024)

	seeder := startNode(t, testConfig(d), d, seedStore(t, d, data), nil)
	leecher := startNode(t, testConfig(d), nil, nil, nil)
	hold := make(chan struct{})
	leecher.mu.Lock()
	leecher.hold = hold
	leecher.held = make(chan struct{}, 1)
	leecher.mu.Unlock()

	leecher.swarm.AddPeers([]string{seeder.addr})
	select {
	case <-leecher.held:
	case <-time.After(10 * time.Second):
		t.Fatal("metadata store was never opened")
	}

	for i := 0; i < 5; i++ {
		st := leecher.stats(t)
		require.False(t, st.HasMetadata)
		require.Equal(t, 1, st.NumPeers)
		time.Sleep(20 * time.Millisecond)
	}

	close(hold)
	leecher.waitEvent(t, MetadataReceived)
	leecher.waitEvent(t, Completed)
	requireContent(t, leecher.Store(), data)
}

func TestStopWhileStoreOpens(t *testing.T) {
	data := content(100_000)
	d := buildTorrent(t, data, 32*1024)

	seeder := startNode(t, testConfig(d), d, seedStore(t, d, data), nil)
	leecher := startNode(t, testConfig(d), nil, nil, nil)
	leecher.mu.Lock()
	leecher.hold = make(chan struct{})
	leecher.held = make(chan struct{}, 1)
	leecher.mu.Unlock()

	leecher.swarm.AddPeers([]string{seeder.addr})
	select {
	case <-leecher.held:
	case <-time.After(10 * time.Second):
		t.Fatal("metadata store was never opened")
	}
	leecher.cancel()
	select {
	case <-leecher.swarm.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("swarm did not stop while its store was opening")
	}
	require.Nil(t, leecher.Store())
}

func TestMetadataKeepsEarlyHaves(t *testing.T) {
	data := content(4 * 16 * 1024)
	d := buildTorrent(t, data, 16*1024)
	s := New(testConfig(d), nil, nil, Deps{Log: zerolog.Nop()})

	a := fakeConn("a")
	b := fakeConn("b")
	s.conns[a] = struct{}{}
	s.conns[b] = struct{}{}
	require.NoError(t, s.onBitfield(a, wire.MarshalBitfield(roaring.BitmapOf(0), d.NumPieces())))
	require.NoError(t, s.onHave(a, 2))
	require.NoError(t, s.onHave(b, 1))

	s.adoptMetadata(metadataOpened{desc: d, store: emptyStore(t, d)})

	require.Equal(t, []uint32{0, 2}, a.Have.ToArray())
	require.Equal(t, []uint32{1}, b.Have.ToArray())
	require.Equal(t, []int{1, 1, 1, 0}, s.avail)
	require.Empty(t, s.rawBits)

	// A later bitfield replaces the replayed set without double counting.
	require.NoError(t, s.onBitfield(b, wire.MarshalBitfield(roaring.BitmapOf(1, 3), d.NumPieces())))
	require.Equal(t, []int{1, 1, 1, 1}, s.avail)
}

// fakeConn builds a loop-side connection with no network behind it.
func fakeConn(addr string, pieces ...uint32) *peer.Conn {
	return &peer.Conn{
		Addr:        addr,
		Have:        roaring.BitmapOf(pieces...),
		AmChoking:   true,
		PeerChoking: true,
		Requests:    make(map[peer.Block]time.Time),
		Missed:      make(map[peer.Block]int),
	}
}

func newTestSwarm(t *testing.T, pieces int) (*Swarm, *descriptor.Descriptor) {
	t.Helper()
	data := content(pieces * 16 * 1024)
	d := buildTorrent(t, data, 16*1024)
	s := New(testConfig(d), d, emptyStore(t, d), Deps{Log: zerolog.Nop()})
	return s, d
}

func (s *Swarm) attach(c *peer.Conn) {
	have := c.Have
	c.Have = roaring.New()
	s.conns[c] = struct{}{}
	s.setHave(c, have)
}

func TestPickRarestFirst(t *testing.T) {
	s, _ := newTestSwarm(t, 4)
	a := fakeConn("a", 0, 1, 2, 3)
	b := fakeConn("b", 0, 1, 3)
	c := fakeConn("c", 0, 3)
	s.attach(a)
	s.attach(b)
	s.attach(c)

	i, ok := s.pickPiece(a)
	require.True(t, ok)
	require.Equal(t, 2, i)

	i, ok = s.pickPiece(b)
	require.True(t, ok)
	require.Equal(t, 1, i)
}

func TestPickBreaksTiesRandomly(t *testing.T) {
	s, _ := newTestSwarm(t, 4)
	a := fakeConn("a", 0, 1, 2, 3)
	s.attach(a)

	seen := make(map[int]bool)
	for n := 0; n < 200; n++ {
		i, ok := s.pickPiece(a)
		require.True(t, ok)
		seen[i] = true
	}
	require.Len(t, seen, 4)
}

func TestPriorityBeatsRarity(t *testing.T) {
	s, _ := newTestSwarm(t, 4)
	a := fakeConn("a", 0, 1, 2, 3)
	b := fakeConn("b", 0, 1, 3)
	s.attach(a)
	s.attach(b)

	s.setPriority(3, 3)
	i, ok := s.pickPiece(a)
	require.True(t, ok)
	require.Equal(t, 3, i)
}

func TestPickSkipsPeersWithoutPiece(t *testing.T) {
	s, _ := newTestSwarm(t, 4)
	a := fakeConn("a")
	s.attach(a)
	_, ok := s.pickPiece(a)
	require.False(t, ok)
}

func TestEndgameDuplicatesRequests(t *testing.T) {
	s, _ := newTestSwarm(t, 2)
	a := fakeConn("a", 0, 1)
	b := fakeConn("b", 0, 1)
	s.attach(a)
	s.attach(b)
	for _, c := range []*peer.Conn{a, b} {
		c.AmInterested = true
		c.PeerChoking = false
	}

	s.requestFrom(a)
	require.Len(t, a.Requests, 2)
	require.True(t, s.inEndgame())

	s.requestFrom(b)
	require.Len(t, b.Requests, 2)
	for blk := range b.Requests {
		_, dup := a.Requests[blk]
		require.True(t, dup)
	}
}

func TestNoEndgameWhileMissing(t *testing.T) {
	s, _ := newTestSwarm(t, 8)
	a := fakeConn("a", 0)
	s.attach(a)
	a.AmInterested = true
	a.PeerChoking = false

	s.requestFrom(a)
	require.Len(t, a.Requests, 1)
	require.False(t, s.inEndgame())
}

func TestRechokeLimitsUnchoked(t *testing.T) {
	s, _ := newTestSwarm(t, 2)
	var conns []*peer.Conn
	for _, addr := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		c := fakeConn(addr)
		c.PeerInterested = true
		s.attach(c)
		conns = append(conns, c)
	}
	idle := fakeConn("idle")
	s.attach(idle)

	optimistic := make(map[*peer.Conn]bool)
	for round := 0; round < 30; round++ {
		s.rechoke()
		unchoked := 0
		for _, c := range conns {
			if !c.AmChoking {
				unchoked++
			}
		}
		require.Equal(t, s.cfg.MaxUnchoked+1, unchoked)
		require.True(t, idle.AmChoking)
		require.NotNil(t, s.optimistic)
		optimistic[s.optimistic] = true
	}
	require.Greater(t, len(optimistic), 1)
}

func TestTimedOutBlockGoesElsewhere(t *testing.T) {
	s, _ := newTestSwarm(t, 1)
	s.cfg.RequestTimeout = time.Second
	s.cfg.MaxMissedDeadlines = 1
	a := fakeConn("a", 0)
	b := fakeConn("b", 0)
	s.attach(a)
	s.attach(b)
	a.AmInterested, a.PeerChoking = true, false

	s.requestFrom(a)
	require.Len(t, a.Requests, 1)

	s.checkTimeouts(time.Now().Add(2 * time.Second))
	require.Empty(t, a.Requests)

	s.requestFrom(a)
	require.Empty(t, a.Requests)

	b.AmInterested, b.PeerChoking = true, false
	s.requestFrom(b)
	require.Len(t, b.Requests, 1)
}
