package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swarmd/internal/peer"
	"swarmd/internal/wire"
)

var errSeedToSeed = errors.New("both peers are seeding")

func (s *Swarm) addCandidates(addrs []string) {
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := s.candidates[a]; ok {
			continue
		}
		s.candidates[a] = &candidate{addr: a}
	}
}

func (s *Swarm) retryDelay(failures int) time.Duration {
	d := s.cfg.RetryBackoff
	for i := 1; i < failures && d < s.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxRetryBackoff {
		d = s.cfg.MaxRetryBackoff
	}
	return d
}

// maybeConnect dials candidates until the peer budget is used.
func (s *Swarm) maybeConnect(ctx context.Context) {
	now := time.Now()
	budget := s.cfg.MaxPeers - len(s.conns) - len(s.dialing)
	if budget <= 0 {
		return
	}
	for addr, c := range s.candidates {
		if budget <= 0 {
			return
		}
		if c.connected || c.banned || s.dialing[addr] || now.Before(c.nextTry) {
			continue
		}
		s.dialing[addr] = true
		c.nextTry = now.Add(s.retryDelay(c.failures + 1))
		budget--
		go s.dial(ctx, addr)
	}
}

func (s *Swarm) dial(ctx context.Context, addr string) {
	c, err := peer.Dial(ctx, s.deps.Dialer, addr, s.peerConfig())
	if !s.post(dialResult{addr: addr, conn: c, err: err}) && c != nil {
		c.Close(ErrStopped)
	}
}

func (s *Swarm) addConn(c *peer.Conn) {
	if s.bannedIDs[c.ID] {
		c.Close(fmt.Errorf("%w: banned peer", peer.ErrProtocol))
		return
	}
	if len(s.conns) >= s.cfg.MaxPeers {
		c.Close(fmt.Errorf("peer limit reached"))
		return
	}
	for other := range s.conns {
		if other.ID == c.ID {
			c.Close(fmt.Errorf("duplicate connection"))
			return
		}
	}

	s.conns[c] = struct{}{}
	if cand, ok := s.candidates[c.Addr]; ok {
		cand.connected = true
		cand.failures = 0
	}
	connectedPeers.Inc()
	c.Start(s.peerEvents, s.done)

	if s.store != nil && !s.have.IsEmpty() {
		c.Send(wire.FormatBitfield(wire.MarshalBitfield(s.have, s.desc.NumPieces())))
	}
	if c.Extensions {
		h := wire.ExtendedHandshake{
			M: map[string]int{wire.UtMetadata: wire.UtMetadataID},
			V: "swarmd",
		}
		if s.desc != nil {
			h.MetadataSize = len(s.desc.InfoBytes)
		}
		if m, err := wire.FormatExtendedHandshake(h); err == nil {
			c.Send(m)
		}
	}

	s.log.Debug().Str("peer", c.Addr).Bool("outbound", c.Outbound).Int("peers", len(s.conns)).Msg("Peer connected")
	if s.deps.OnConnected != nil {
		s.deps.OnConnected()
	}
	s.emit(Event{Kind: PeerConnected, Peer: c.Addr})
	s.maybeUnchoke(c)
}

// removeConn forgets a connection and returns its outstanding requests.
func (s *Swarm) removeConn(c *peer.Conn, reason error) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	delete(s.rawBits, c)
	connectedPeers.Dec()

	s.releaseRequests(c)
	if s.avail != nil {
		it := c.Have.Iterator()
		for it.HasNext() {
			if i := int(it.Next()); i < len(s.avail) {
				s.avail[i]--
			}
		}
	}
	for _, set := range s.avoid {
		delete(set, c)
	}
	if s.optimistic == c {
		s.optimistic = nil
	}
	if s.metadata != nil {
		s.metadata.forget(c)
	}
	s.downloaded += c.Downloaded()
	s.uploaded += c.Uploaded()

	if cand, ok := s.candidates[c.Addr]; ok {
		cand.connected = false
		if errors.Is(reason, peer.ErrProtocol) || errors.Is(reason, peer.ErrTimeout) {
			cand.failures++
			cand.nextTry = time.Now().Add(s.retryDelay(cand.failures))
		}
	}

	c.Close(reason)
	s.log.Debug().Err(reason).Str("peer", c.Addr).Int("peers", len(s.conns)).Msg("Peer disconnected")
	s.emit(Event{Kind: PeerDisconnected, Peer: c.Addr})
	s.requestAll()
}

// ban closes c and refuses it from now on.
func (s *Swarm) ban(c *peer.Conn, reason string) {
	s.bannedIDs[c.ID] = true
	if cand, ok := s.candidates[c.Addr]; ok {
		cand.banned = true
	}
	bannedPeers.Inc()
	s.log.Warn().Str("peer", c.Addr).Str("reason", reason).Msg("Banning peer")
	s.removeConn(c, fmt.Errorf("%w: %s", peer.ErrProtocol, reason))
}

// dropIfSeedPair closes connections where neither side needs anything.
func (s *Swarm) dropIfSeedPair(c *peer.Conn) bool {
	if !s.seeding || s.desc == nil {
		return false
	}
	if int(c.Have.GetCardinality()) < s.desc.NumPieces() {
		return false
	}
	s.removeConn(c, errSeedToSeed)
	return true
}
