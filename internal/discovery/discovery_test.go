package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testAnnounce() Announce {
	var a Announce
	copy(a.InfoHash[:], "0123456789abcdefghij")
	copy(a.PeerID[:], "-SD0100-xxxxxxxxxxxx")
	a.Port = 6881
	a.Left = 1000
	return a
}

func TestHTTPTrackerCompact(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		bencode.Marshal(w, map[string]interface{}{
			"interval": 1800,
			"peers":    string([]byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0x1a, 0xe2}),
		})
	}))
	defer srv.Close()

	peers, err := NewHTTPTracker(srv.URL + "/announce").Peers(context.Background(), testAnnounce())
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:6881", "10.0.0.2:6882"}, peers)
	require.Equal(t, "0123456789abcdefghij", query.Get("info_hash"))
	require.Equal(t, "1", query.Get("compact"))
	require.Equal(t, "6881", query.Get("port"))
}

func TestHTTPTrackerDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]interface{}{
			"interval": 1800,
			"peers": []interface{}{
				map[string]interface{}{"ip": "192.168.1.5", "port": 51413},
				map[string]interface{}{"ip": "::1", "port": 6881},
				map[string]interface{}{"ip": "bad", "port": 0},
			},
		})
	}))
	defer srv.Close()

	peers, err := NewHTTPTracker(srv.URL).Peers(context.Background(), testAnnounce())
	require.NoError(t, err)
	require.Equal(t, []string{"192.168.1.5:51413", "[::1]:6881"}, peers)
}

func TestHTTPTrackerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]interface{}{"failure reason": "unregistered torrent"})
	}))
	defer srv.Close()

	_, err := NewHTTPTracker(srv.URL).Peers(context.Background(), testAnnounce())
	require.ErrorContains(t, err, "unregistered torrent")
}

// fakeUDPTracker answers one connect and one announce.
func fakeUDPTracker(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			action := binary.BigEndian.Uint32(buf[8:])
			tid := append([]byte(nil), buf[12:16]...)
			switch {
			case action == udpActionConnect && n == 16:
				resp := make([]byte, 16)
				copy(resp[4:], tid)
				binary.BigEndian.PutUint64(resp[8:], 0xfeedface)
				pc.WriteTo(resp, addr)
			case action == udpActionAnnounce && n == 98:
				if binary.BigEndian.Uint64(buf[0:]) != 0xfeedface {
					continue
				}
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:], udpActionAnnounce)
				copy(resp[4:], tid)
				binary.BigEndian.PutUint32(resp[8:], 900)
				copy(resp[20:], []byte{10, 1, 2, 3, 0x1a, 0xe1})
				pc.WriteTo(resp, addr)
			}
		}
	}()
	return pc.LocalAddr().String()
}

func TestUDPTracker(t *testing.T) {
	tr := NewUDPTracker(fakeUDPTracker(t))
	tr.Timeout = time.Second
	peers, err := tr.Peers(context.Background(), testAnnounce())
	require.NoError(t, err)
	require.Equal(t, []string{"10.1.2.3:6881"}, peers)
}

func TestUDPTrackerTimesOut(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	tr := &UDPTracker{Host: pc.LocalAddr().String(), Timeout: 50 * time.Millisecond, Retries: 1}
	_, err = tr.Peers(context.Background(), testAnnounce())
	require.Error(t, err)
}

type fakeSource struct {
	name  string
	err   error
	calls atomic.Int32

	mu    sync.Mutex
	peers []string
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Peers(context.Context, Announce) ([]string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers, s.err
}

func (s *fakeSource) set(peers []string) {
	s.mu.Lock()
	s.peers = peers
	s.mu.Unlock()
}

func testOptions() Options {
	return Options{
		Interval:   time.Hour,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 40 * time.Millisecond,
		Timeout:    time.Second,
		Breaker: BreakerSettings{
			MaxRequests:    1,
			Interval:       time.Minute,
			Timeout:        time.Minute,
			MinRequests:    3,
			ErrorThreshold: 0.5,
		},
	}
}

func TestRoundMergesSources(t *testing.T) {
	a := &fakeSource{name: "a", peers: []string{"1.1.1.1:1", "2.2.2.2:2"}}
	b := &fakeSource{name: "b", peers: []string{"2.2.2.2:2", "3.3.3.3:3"}}
	bad := &fakeSource{name: "bad", err: errors.New("connection refused")}

	f := NewFinder([]Source{a, b, bad, Static{Addrs: []string{"4.4.4.4:4"}}}, testAnnounce, testOptions(), zerolog.Nop())
	peers := f.Round(context.Background())
	require.ElementsMatch(t, []string{"1.1.1.1:1", "2.2.2.2:2", "3.3.3.3:3", "4.4.4.4:4"}, peers)
}

func TestQueryWrapsUnreachable(t *testing.T) {
	bad := &fakeSource{name: "bad", err: errors.New("no route")}
	f := NewFinder([]Source{bad}, testAnnounce, testOptions(), zerolog.Nop())
	_, err := f.query(context.Background(), f.sources[0], testAnnounce())
	require.ErrorIs(t, err, ErrSourceUnreachable)
}

func TestBreakerOpensOnRepeatedFailure(t *testing.T) {
	bad := &fakeSource{name: "bad", err: errors.New("no route")}
	f := NewFinder([]Source{bad}, testAnnounce, testOptions(), zerolog.Nop())
	for i := 0; i < 10; i++ {
		f.Round(context.Background())
	}
	require.Equal(t, int32(3), bad.calls.Load())
}

func TestBackoffDoublesAndResets(t *testing.T) {
	f := NewFinder(nil, testAnnounce, testOptions(), zerolog.Nop())
	require.Equal(t, 10*time.Millisecond, f.nextBackoff())
	require.Equal(t, 20*time.Millisecond, f.nextBackoff())
	require.Equal(t, 40*time.Millisecond, f.nextBackoff())
	require.Equal(t, 40*time.Millisecond, f.nextBackoff())
	f.ResetBackoff()
	require.Equal(t, 10*time.Millisecond, f.Backoff())
}

func TestRunKeepsRetryingUntilPeersAppear(t *testing.T) {
	src := &fakeSource{name: "late"}
	f := NewFinder([]Source{src}, testAnnounce, testOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan []string)
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx, out) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	src.set([]string{"5.5.5.5:5"})

	select {
	case got := <-out:
		require.Equal(t, []string{"5.5.5.5:5"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no peers delivered")
	}

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}
