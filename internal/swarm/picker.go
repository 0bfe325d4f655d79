package swarm

import (
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"

	"swarmd/internal/descriptor"
	"swarmd/internal/peer"
	"swarmd/internal/storage"
	"swarmd/internal/wire"
)

// pendingPiece tracks the blocks of a piece being downloaded.
type pendingPiece struct {
	index     int
	received  []bool
	requested [][]*peer.Conn
	// skip lists peers that missed the deadline for a block, so the
	// re-request goes elsewhere.
	skip         []map[*peer.Conn]bool
	contributors map[*peer.Conn]bool
}

func newPendingPiece(d *descriptor.Descriptor, index int) *pendingPiece {
	n := d.NumBlocks(index)
	p := &pendingPiece{
		index:        index,
		received:     make([]bool, n),
		requested:    make([][]*peer.Conn, n),
		skip:         make([]map[*peer.Conn]bool, n),
		contributors: make(map[*peer.Conn]bool),
	}
	return p
}

func (p *pendingPiece) requestedFrom(b int, c *peer.Conn) bool {
	for _, r := range p.requested[b] {
		if r == c {
			return true
		}
	}
	return false
}

func (p *pendingPiece) dropRequester(b int, c *peer.Conn) {
	rs := p.requested[b]
	for i, r := range rs {
		if r == c {
			p.requested[b] = append(rs[:i], rs[i+1:]...)
			return
		}
	}
}

// idle reports whether nothing was received or requested for the piece.
func (p *pendingPiece) idle() bool {
	for b := range p.received {
		if p.received[b] || len(p.requested[b]) > 0 {
			return false
		}
	}
	return true
}

func blockOf(d *descriptor.Descriptor, index, b int) peer.Block {
	begin := int64(b) * descriptor.BlockSize
	return peer.Block{Index: index, Begin: begin, Length: d.BlockLength(index, begin)}
}

func (s *Swarm) setPriority(first, last int) {
	if s.desc == nil {
		return
	}
	if first < 0 {
		first = 0
	}
	if last >= s.desc.NumPieces() {
		last = s.desc.NumPieces() - 1
	}
	s.priority = s.priority[:0]
	for i := first; i <= last; i++ {
		if !s.have.Contains(uint32(i)) {
			s.priority = append(s.priority, i)
		}
	}
	s.requestAll()
}

// updateInterest sends interested or not interested when our need for c's
// pieces changes.
func (s *Swarm) updateInterest(c *peer.Conn) {
	if s.store == nil {
		return
	}
	want := !s.seeding && !roaring.AndNot(c.Have, s.have).IsEmpty()
	if want == c.AmInterested {
		return
	}
	c.AmInterested = want
	if want {
		c.Send(&wire.Message{ID: wire.Interested})
	} else {
		c.Send(&wire.Message{ID: wire.NotInterested})
	}
}

func (s *Swarm) requestAll() {
	for c := range s.conns {
		s.requestFrom(c)
	}
}

// requestFrom fills c's request pipeline.
func (s *Swarm) requestFrom(c *peer.Conn) {
	if s.store == nil || s.seeding || c.PeerChoking || !c.AmInterested {
		return
	}
	for len(c.Requests) < s.cfg.PipelineDepth {
		p, b, ok := s.nextBlock(c)
		if !ok {
			return
		}
		blk := blockOf(s.desc, p.index, b)
		p.requested[b] = append(p.requested[b], c)
		c.Requests[blk] = time.Now()
		c.Send(wire.FormatRequest(blk.Index, int(blk.Begin), int(blk.Length)))
	}
}

// nextBlock picks what to ask c for next: blocks of pieces in progress,
// then a new piece (streaming priority first, otherwise rarest first), then
// in endgame a duplicate of a block already requested elsewhere.
func (s *Swarm) nextBlock(c *peer.Conn) (*pendingPiece, int, bool) {
	for _, i := range s.priority {
		if p, ok := s.pending[i]; ok && c.Have.Contains(uint32(i)) {
			if b, ok := s.freeBlock(p, c); ok {
				return p, b, true
			}
		}
	}
	for _, p := range s.pending {
		if !c.Have.Contains(uint32(p.index)) {
			continue
		}
		if b, ok := s.freeBlock(p, c); ok {
			return p, b, true
		}
	}

	if i, ok := s.pickPiece(c); ok {
		s.store.SetRequested(i)
		p := newPendingPiece(s.desc, i)
		s.pending[i] = p
		if b, ok := s.freeBlock(p, c); ok {
			return p, b, true
		}
	}

	if !s.inEndgame() {
		return nil, 0, false
	}
	for _, p := range s.pending {
		if !c.Have.Contains(uint32(p.index)) {
			continue
		}
		for b := range p.received {
			if !p.received[b] && !p.requestedFrom(b, c) && !p.skip[b][c] {
				endgameRequests.Inc()
				return p, b, true
			}
		}
	}
	return nil, 0, false
}

// freeBlock finds a block of p that nobody has been asked for.
func (s *Swarm) freeBlock(p *pendingPiece, c *peer.Conn) (int, bool) {
	fallback := -1
	for b := range p.received {
		if p.received[b] || len(p.requested[b]) > 0 {
			continue
		}
		if p.skip[b][c] {
			if fallback < 0 && s.onlySource(p.index, c) {
				fallback = b
			}
			continue
		}
		return b, true
	}
	if fallback >= 0 {
		return fallback, true
	}
	return 0, false
}

// onlySource reports whether c is the only connected peer with piece i.
func (s *Swarm) onlySource(i int, c *peer.Conn) bool {
	for other := range s.conns {
		if other != c && other.Have.Contains(uint32(i)) {
			return false
		}
	}
	return true
}

// pickPiece chooses a Missing piece c has: a priority piece if any,
// otherwise the rarest, ties broken uniformly at random.
func (s *Swarm) pickPiece(c *peer.Conn) (int, bool) {
	for _, i := range s.priority {
		if s.pickable(i, c) {
			return i, true
		}
	}

	best, bestAvail, ties := -1, 0, 0
	it := c.Have.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if !s.pickable(i, c) {
			continue
		}
		a := s.avail[i]
		switch {
		case best < 0 || a < bestAvail:
			best, bestAvail, ties = i, a, 1
		case a == bestAvail:
			ties++
			if s.rng.Intn(ties) == 0 {
				best = i
			}
		}
	}
	return best, best >= 0
}

func (s *Swarm) pickable(i int, c *peer.Conn) bool {
	if i >= s.desc.NumPieces() || !c.Have.Contains(uint32(i)) {
		return false
	}
	if _, ok := s.pending[i]; ok {
		return false
	}
	if s.store.State(i) != storage.Missing {
		return false
	}
	if s.avoid[i][c] && !s.onlySource(i, c) {
		return false
	}
	return true
}

// inEndgame is true once every missing piece has been requested and few
// remain unverified.
func (s *Swarm) inEndgame() bool {
	missing, requested, _ := s.store.Counts()
	on := missing == 0 && requested > 0 && requested <= s.cfg.EndgameThreshold
	if on && !s.endgame {
		s.log.Debug().Int("remaining", requested).Msg("Entering endgame")
	}
	s.endgame = on
	return on
}

// handleBlock stores a received block and verifies the piece once complete.
func (s *Swarm) handleBlock(c *peer.Conn, index, begin int, data []byte) {
	blk := peer.Block{Index: index, Begin: int64(begin), Length: int64(len(data))}
	if _, ok := c.Requests[blk]; !ok {
		return
	}
	delete(c.Requests, blk)
	delete(c.Missed, blk)
	blocksReceived.Inc()

	p, ok := s.pending[index]
	if !ok {
		return
	}
	b := begin / descriptor.BlockSize
	if p.received[b] {
		return
	}
	if err := s.store.WriteBlock(index, int64(begin), data); err != nil {
		if errors.Is(err, storage.ErrPieceVerified) {
			return
		}
		s.removeConn(c, fmt.Errorf("%w: %v", peer.ErrProtocol, err))
		return
	}
	p.received[b] = true
	p.contributors[c] = true

	for _, other := range p.requested[b] {
		if other == c {
			continue
		}
		if _, ok := other.Requests[blk]; ok {
			delete(other.Requests, blk)
			delete(other.Missed, blk)
			other.Send(wire.FormatCancel(blk.Index, int(blk.Begin), int(blk.Length)))
		}
	}
	p.requested[b] = nil

	for _, r := range p.received {
		if !r {
			s.requestFrom(c)
			return
		}
	}
	s.verify(p)
	if _, ok := s.conns[c]; ok {
		s.requestFrom(c)
	}
}

func (s *Swarm) verify(p *pendingPiece) {
	delete(s.pending, p.index)
	ok, err := s.store.TryVerify(p.index)
	if errors.Is(err, storage.ErrVerificationFailure) {
		pieceFailures.Inc()
		s.log.Warn().Int("piece", p.index).Int("contributors", len(p.contributors)).Msg("Piece failed verification")
		if s.avoid[p.index] == nil {
			s.avoid[p.index] = make(map[*peer.Conn]bool)
		}
		for c := range p.contributors {
			s.avoid[p.index][c] = true
			c.BadPieces++
			if c.BadPieces >= s.cfg.MaxBadPieces {
				s.ban(c, fmt.Sprintf("%d pieces failed verification", c.BadPieces))
			}
		}
		s.requestAll()
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int("piece", p.index).Msg("Failed to store piece")
		s.store.SetMissing(p.index)
		return
	}
	if ok {
		s.pieceDone(p.index)
	}
}

// pieceDone publishes a newly verified piece.
func (s *Swarm) pieceDone(i int) {
	s.have.Add(uint32(i))
	delete(s.avoid, i)
	piecesVerified.Inc()
	for k, j := range s.priority {
		if j == i {
			s.priority = append(s.priority[:k], s.priority[k+1:]...)
			break
		}
	}

	have := wire.FormatHave(i)
	for c := range s.conns {
		if !c.Have.Contains(uint32(i)) {
			c.Send(have)
		}
	}
	s.emit(Event{Kind: PieceVerified, Piece: i})

	for c := range s.conns {
		s.updateInterest(c)
	}
	if s.store.Complete() {
		s.becomeSeed()
	}
}

func (s *Swarm) becomeSeed() {
	if s.seeding {
		return
	}
	s.seeding = true
	s.endgame = false
	s.priority = nil
	s.log.Info().Str("name", s.desc.Name).Msg("Download complete, seeding")
	s.emit(Event{Kind: Completed})
	for c := range s.conns {
		for blk := range c.Requests {
			c.Send(wire.FormatCancel(blk.Index, int(blk.Begin), int(blk.Length)))
		}
		c.Requests = make(map[peer.Block]time.Time)
		c.Missed = make(map[peer.Block]int)
		s.updateInterest(c)
		s.dropIfSeedPair(c)
	}
}

// releaseRequests returns c's outstanding requests to the picker. Pieces
// nobody else is working on go back to Missing.
func (s *Swarm) releaseRequests(c *peer.Conn) {
	for blk := range c.Requests {
		p, ok := s.pending[blk.Index]
		if !ok {
			continue
		}
		p.dropRequester(int(blk.Begin/descriptor.BlockSize), c)
		if p.idle() {
			delete(s.pending, blk.Index)
			s.store.SetMissing(blk.Index)
		}
	}
	c.Requests = make(map[peer.Block]time.Time)
	c.Missed = make(map[peer.Block]int)
}

// checkTimeouts re-arms overdue requests. A block that misses its deadline
// MaxMissedDeadlines times is cancelled on that peer and left for another.
func (s *Swarm) checkTimeouts(now time.Time) {
	for c := range s.conns {
		for blk, sent := range c.Requests {
			if now.Sub(sent) < s.cfg.RequestTimeout {
				continue
			}
			c.Missed[blk]++
			if c.Missed[blk] < s.cfg.MaxMissedDeadlines {
				c.Requests[blk] = now
				continue
			}
			requestTimeouts.Inc()
			delete(c.Requests, blk)
			delete(c.Missed, blk)
			c.Send(wire.FormatCancel(blk.Index, int(blk.Begin), int(blk.Length)))
			if p, ok := s.pending[blk.Index]; ok {
				b := int(blk.Begin / descriptor.BlockSize)
				p.dropRequester(b, c)
				if p.skip[b] == nil {
					p.skip[b] = make(map[*peer.Conn]bool)
				}
				p.skip[b][c] = true
			}
		}
	}
}
