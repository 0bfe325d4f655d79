package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nictuku/dht"
	"github.com/rs/zerolog"
)

// DHTNode is the single DHT node shared by every torrent of a client.
type DHTNode struct {
	node *dht.DHT
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[dht.InfoHash]map[chan []string]struct{}
	done chan struct{}
	once sync.Once
}

// StartDHT joins the DHT on the given UDP port; 0 picks a free port.
func StartDHT(port int, log zerolog.Logger) (*DHTNode, error) {
	cfg := dht.NewConfig()
	cfg.Port = port
	cfg.SaveRoutingTable = false
	node, err := dht.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dht node: %w", err)
	}
	if err := node.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dht node: %w", err)
	}
	n := &DHTNode{
		node: node,
		log:  log.With().Str("component", "dht").Logger(),
		subs: make(map[dht.InfoHash]map[chan []string]struct{}),
		done: make(chan struct{}),
	}
	go n.drain()
	n.log.Info().Int("port", node.Port()).Msg("DHT node started")
	return n, nil
}

func (n *DHTNode) drain() {
	for {
		select {
		case r := <-n.node.PeersRequestResults:
			for ih, peers := range r {
				addrs := make([]string, 0, len(peers))
				for _, p := range peers {
					addrs = append(addrs, dht.DecodePeerAddress(p))
				}
				n.dispatch(ih, addrs)
			}
		case <-n.done:
			return
		}
	}
}

func (n *DHTNode) dispatch(ih dht.InfoHash, addrs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[ih] {
		select {
		case ch <- addrs:
		default:
		}
	}
}

func (n *DHTNode) subscribe(ih dht.InfoHash) chan []string {
	ch := make(chan []string, 16)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[ih] == nil {
		n.subs[ih] = make(map[chan []string]struct{})
	}
	n.subs[ih][ch] = struct{}{}
	return ch
}

func (n *DHTNode) unsubscribe(ih dht.InfoHash, ch chan []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[ih], ch)
	if len(n.subs[ih]) == 0 {
		delete(n.subs, ih)
	}
}

func (n *DHTNode) Close() {
	n.once.Do(func() {
		close(n.done)
		n.node.Stop()
	})
}

// Source returns a discovery source for one info hash. Each round issues a
// peers request and collects results for up to wait.
func (n *DHTNode) Source(wait time.Duration) Source {
	return &dhtSource{node: n, wait: wait}
}

type dhtSource struct {
	node *DHTNode
	wait time.Duration
}

func (*dhtSource) Name() string { return "dht" }

func (s *dhtSource) Peers(ctx context.Context, req Announce) ([]string, error) {
	select {
	case <-s.node.done:
		return nil, fmt.Errorf("dht node closed")
	default:
	}

	ih := dht.InfoHash(string(req.InfoHash[:]))
	ch := s.node.subscribe(ih)
	defer s.node.unsubscribe(ih, ch)

	s.node.node.PeersRequest(string(ih), req.Left == 0)

	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	var out []string
	for {
		select {
		case addrs := <-ch:
			out = append(out, addrs...)
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, nil
		}
	}
}
