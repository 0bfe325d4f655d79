package swarm

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"

	"swarmd/internal/peer"
	"swarmd/internal/storage"
	"swarmd/internal/wire"
)

func (s *Swarm) handlePeerEvent(e peer.Event) {
	c := e.Conn
	if _, ok := s.conns[c]; !ok {
		return
	}
	if e.Err != nil {
		s.removeConn(c, e.Err)
		return
	}
	if err := s.handleMessage(c, e.Message); err != nil {
		s.removeConn(c, fmt.Errorf("%w: %v", peer.ErrProtocol, err))
	}
}

func (s *Swarm) handleMessage(c *peer.Conn, m *wire.Message) error {
	switch m.ID {
	case wire.Choke:
		c.PeerChoking = true
		s.releaseRequests(c)
		s.requestAll()
	case wire.Unchoke:
		c.PeerChoking = false
		s.requestFrom(c)
	case wire.Interested:
		c.PeerInterested = true
		s.maybeUnchoke(c)
	case wire.NotInterested:
		c.PeerInterested = false
	case wire.Have:
		i, err := wire.ParseHave(m)
		if err != nil {
			return err
		}
		return s.onHave(c, i)
	case wire.Bitfield:
		return s.onBitfield(c, m.Payload)
	case wire.Request:
		return s.onRequest(c, m)
	case wire.Cancel:
		i, begin, length, err := wire.ParseRequest(m)
		if err != nil {
			return err
		}
		c.CancelUpload(peer.Block{Index: i, Begin: int64(begin), Length: int64(length)})
	case wire.Piece:
		if s.store == nil {
			return nil
		}
		i, begin, data, err := wire.ParsePiece(m)
		if err != nil {
			return err
		}
		s.handleBlock(c, i, begin, data)
	case wire.Extended:
		return s.onExtended(c, m)
	}
	return nil
}

func (s *Swarm) onHave(c *peer.Conn, i int) error {
	if s.desc != nil && i >= s.desc.NumPieces() {
		return fmt.Errorf("have for piece %d of %d", i, s.desc.NumPieces())
	}
	if c.Have.Contains(uint32(i)) {
		return nil
	}
	c.Have.Add(uint32(i))
	if s.avail != nil {
		s.avail[i]++
	}
	if s.dropIfSeedPair(c) {
		return nil
	}
	s.updateInterest(c)
	s.requestFrom(c)
	return nil
}

func (s *Swarm) onBitfield(c *peer.Conn, bits []byte) error {
	if s.desc == nil {
		s.rawBits[c] = append([]byte(nil), bits...)
		return nil
	}
	have, err := wire.UnmarshalBitfield(bits, s.desc.NumPieces())
	if err != nil {
		return err
	}
	s.setHave(c, have)
	if s.dropIfSeedPair(c) {
		return nil
	}
	s.updateInterest(c)
	s.requestFrom(c)
	return nil
}

// setHave replaces c's piece set and recounts availability. Indexes past
// the end of the torrent are dropped.
func (s *Swarm) setHave(c *peer.Conn, have *roaring.Bitmap) {
	if s.avail != nil {
		it := c.Have.Iterator()
		for it.HasNext() {
			if i := int(it.Next()); i < len(s.avail) {
				s.avail[i]--
			}
		}
	}
	if s.desc != nil {
		have.RemoveRange(uint64(s.desc.NumPieces()), math.MaxUint32+1)
	}
	c.Have = have
	if s.avail != nil {
		it := c.Have.Iterator()
		for it.HasNext() {
			s.avail[int(it.Next())]++
		}
	}
}

func (s *Swarm) onRequest(c *peer.Conn, m *wire.Message) error {
	i, begin, length, err := wire.ParseRequest(m)
	if err != nil {
		return err
	}
	if s.store == nil || c.AmChoking {
		return nil
	}
	if i >= s.desc.NumPieces() || int64(begin)+int64(length) > s.desc.PieceSize(i) {
		return fmt.Errorf("request for piece %d offset %d length %d out of range", i, begin, length)
	}
	if s.store.State(i) != storage.Verified {
		return nil
	}
	c.Upload(peer.Block{Index: i, Begin: int64(begin), Length: int64(length)})
	return nil
}
