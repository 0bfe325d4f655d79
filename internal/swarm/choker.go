package swarm

import (
	"sort"
	"time"

	"swarmd/internal/peer"
	"swarmd/internal/wire"
)

// rechoke runs every ChokeInterval. The best MaxUnchoked interested peers
// by reciprocation stay unchoked: download rate from them while leeching,
// upload rate to them while seeding. One more interested peer is unchoked
// optimistically and rotated every OptimisticEvery rounds.
func (s *Swarm) rechoke() {
	s.chokeRound++
	now := time.Now()

	var interested []*peer.Conn
	for c := range s.conns {
		c.SampleRates(now)
		if c.PeerInterested {
			interested = append(interested, c)
		}
	}
	s.rng.Shuffle(len(interested), func(i, j int) {
		interested[i], interested[j] = interested[j], interested[i]
	})
	sort.SliceStable(interested, func(i, j int) bool {
		return s.reciprocation(interested[i]) > s.reciprocation(interested[j])
	})

	rotate := s.optimistic == nil || !s.optimistic.PeerInterested ||
		(s.chokeRound-1)%s.cfg.OptimisticEvery == 0
	if _, ok := s.conns[s.optimistic]; !ok {
		rotate = true
	}
	if !rotate {
		for i, c := range interested {
			if c == s.optimistic {
				interested = append(interested[:i:i], interested[i+1:]...)
				break
			}
		}
	}

	unchoke := make(map[*peer.Conn]bool)
	n := s.cfg.MaxUnchoked
	if n > len(interested) {
		n = len(interested)
	}
	for _, c := range interested[:n] {
		unchoke[c] = true
	}
	if rest := interested[n:]; rotate {
		s.optimistic = nil
		if len(rest) > 0 {
			s.optimistic = rest[s.rng.Intn(len(rest))]
		}
	}
	if s.optimistic != nil {
		unchoke[s.optimistic] = true
	}

	for c := range s.conns {
		s.setChoked(c, !unchoke[c], now)
	}
}

func (s *Swarm) reciprocation(c *peer.Conn) float64 {
	if s.seeding {
		return c.UploadRate
	}
	return c.DownloadRate
}

// maybeUnchoke serves a newly interested peer right away when a slot is
// free instead of waiting for the next round.
func (s *Swarm) maybeUnchoke(c *peer.Conn) {
	if !c.PeerInterested || !c.AmChoking || s.store == nil {
		return
	}
	unchoked := 0
	for other := range s.conns {
		if !other.AmChoking {
			unchoked++
		}
	}
	if unchoked < s.cfg.MaxUnchoked+1 {
		s.setChoked(c, false, time.Now())
	}
}

func (s *Swarm) setChoked(c *peer.Conn, choked bool, now time.Time) {
	if c.AmChoking == choked {
		return
	}
	c.AmChoking = choked
	if choked {
		c.ClearUploads()
		c.Send(&wire.Message{ID: wire.Choke})
		return
	}
	c.UnchokedAt = now
	c.Send(&wire.Message{ID: wire.Unchoke})
}
