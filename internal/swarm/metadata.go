package swarm

import (
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/torrent/metainfo"

	"swarmd/internal/descriptor"
	"swarmd/internal/peer"
	"swarmd/internal/storage"
	"swarmd/internal/wire"
)

// metadataState assembles the info dictionary of a magnet add.
type metadataState struct {
	size    int
	pieces  [][]byte
	asked   map[int]*peer.Conn
	askedAt map[int]time.Time
}

func newMetadataState(size int) *metadataState {
	n := (size + wire.MetadataPieceSize - 1) / wire.MetadataPieceSize
	return &metadataState{
		size:    size,
		pieces:  make([][]byte, n),
		asked:   make(map[int]*peer.Conn),
		askedAt: make(map[int]time.Time),
	}
}

func (m *metadataState) pieceLen(i int) int {
	if i == len(m.pieces)-1 {
		return m.size - i*wire.MetadataPieceSize
	}
	return wire.MetadataPieceSize
}

func (m *metadataState) forget(c *peer.Conn) {
	for i, owner := range m.asked {
		if owner == c {
			delete(m.asked, i)
			delete(m.askedAt, i)
		}
	}
}

func (m *metadataState) complete() bool {
	for _, p := range m.pieces {
		if p == nil {
			return false
		}
	}
	return true
}

func (s *Swarm) onExtended(c *peer.Conn, m *wire.Message) error {
	id, body, err := wire.ParseExtended(m)
	if err != nil {
		return err
	}
	switch id {
	case wire.ExtendedHandshakeID:
		h, err := wire.ParseExtendedHandshake(body)
		if err != nil {
			return err
		}
		c.RemoteMetadataID = h.M[wire.UtMetadata]
		c.MetadataSize = h.MetadataSize
		if s.desc == nil && c.RemoteMetadataID != 0 && c.MetadataSize > 0 {
			if c.MetadataSize > wire.MaxMetadataSize {
				return fmt.Errorf("metadata size %d too large", c.MetadataSize)
			}
			if s.metadata == nil {
				s.metadata = newMetadataState(c.MetadataSize)
			}
			s.requestMetadata(time.Now())
		}
	case wire.UtMetadataID:
		mm, data, err := wire.ParseMetadata(body)
		if err != nil {
			return err
		}
		return s.onMetadataMessage(c, mm, data)
	}
	return nil
}

func (s *Swarm) onMetadataMessage(c *peer.Conn, mm wire.MetadataMessage, data []byte) error {
	switch mm.MsgType {
	case wire.MetadataRequest:
		s.serveMetadata(c, mm.Piece)
	case wire.MetadataReject:
		if s.metadata != nil && s.metadata.asked[mm.Piece] == c {
			delete(s.metadata.asked, mm.Piece)
			delete(s.metadata.askedAt, mm.Piece)
		}
	case wire.MetadataData:
		md := s.metadata
		if s.desc != nil || md == nil {
			return nil
		}
		if mm.Piece < 0 || mm.Piece >= len(md.pieces) || md.asked[mm.Piece] != c {
			return nil
		}
		if len(data) != md.pieceLen(mm.Piece) {
			return fmt.Errorf("metadata piece %d has %d bytes", mm.Piece, len(data))
		}
		md.pieces[mm.Piece] = append([]byte(nil), data...)
		delete(md.asked, mm.Piece)
		delete(md.askedAt, mm.Piece)
		if md.complete() {
			s.finishMetadata()
		} else {
			s.requestMetadata(time.Now())
		}
	}
	return nil
}

func (s *Swarm) serveMetadata(c *peer.Conn, piece int) {
	if c.RemoteMetadataID == 0 {
		return
	}
	if s.desc == nil || piece < 0 || piece*wire.MetadataPieceSize >= len(s.desc.InfoBytes) {
		if m, err := wire.FormatMetadata(c.RemoteMetadataID, wire.MetadataMessage{MsgType: wire.MetadataReject, Piece: piece}, nil); err == nil {
			c.Send(m)
		}
		return
	}
	start := piece * wire.MetadataPieceSize
	end := start + wire.MetadataPieceSize
	if end > len(s.desc.InfoBytes) {
		end = len(s.desc.InfoBytes)
	}
	m, err := wire.FormatMetadata(c.RemoteMetadataID, wire.MetadataMessage{
		MsgType:   wire.MetadataData,
		Piece:     piece,
		TotalSize: len(s.desc.InfoBytes),
	}, s.desc.InfoBytes[start:end])
	if err == nil {
		c.Send(m)
	}
}

// requestMetadata spreads outstanding metadata pieces over peers that
// support the extension. Requests older than RequestTimeout are reissued.
func (s *Swarm) requestMetadata(now time.Time) {
	md := s.metadata
	if s.desc != nil || md == nil {
		return
	}
	for i, at := range md.askedAt {
		if now.Sub(at) > s.cfg.RequestTimeout {
			delete(md.asked, i)
			delete(md.askedAt, i)
		}
	}

	var sources []*peer.Conn
	for c := range s.conns {
		if c.RemoteMetadataID != 0 && c.MetadataSize == md.size {
			sources = append(sources, c)
		}
	}
	if len(sources) == 0 {
		return
	}
	next := s.rng.Intn(len(sources))
	for i, p := range md.pieces {
		if p != nil {
			continue
		}
		if _, ok := md.asked[i]; ok {
			continue
		}
		c := sources[next%len(sources)]
		next++
		m, err := wire.FormatMetadata(c.RemoteMetadataID, wire.MetadataMessage{MsgType: wire.MetadataRequest, Piece: i}, nil)
		if err != nil {
			continue
		}
		c.Send(m)
		md.asked[i] = c
		md.askedAt[i] = now
	}
}

func (s *Swarm) finishMetadata() {
	md := s.metadata
	buf := make([]byte, 0, md.size)
	for _, p := range md.pieces {
		buf = append(buf, p...)
	}

	desc, err := descriptor.VerifyInfoBytes(metainfo.Hash(s.cfg.InfoHash), buf, s.cfg.Announce)
	if err != nil {
		if errors.Is(err, descriptor.ErrHashMismatch) {
			s.log.Warn().Msg("Assembled metadata does not match info hash, refetching")
		} else {
			s.log.Warn().Err(err).Msg("Received malformed metadata, refetching")
		}
		s.metadata = newMetadataState(md.size)
		s.requestMetadata(time.Now())
		return
	}

	if s.deps.OnMetadata == nil {
		s.log.Error().Msg("No store provider for fetched metadata")
		return
	}
	// The complete metadata state stays in place until the store is
	// adopted, so nothing is requested again in the meantime.
	s.opening = true
	ctx := s.ctx
	go func() {
		store, err := s.deps.OnMetadata(ctx, desc)
		s.opened <- metadataOpened{desc: desc, store: store, err: err}
	}()
}

type metadataOpened struct {
	desc  *descriptor.Descriptor
	store *storage.Store
	err   error
}

// adoptMetadata switches the swarm to the opened store and replays the
// piece sets peers announced before the piece count was known.
func (s *Swarm) adoptMetadata(r metadataOpened) {
	s.opening = false
	if r.err != nil {
		s.log.Error().Err(r.err).Msg("Failed to open store for fetched metadata")
		return
	}
	desc := r.desc
	s.metadata = nil
	s.setStore(desc, r.store)
	s.log.Info().Str("name", desc.Name).Int("pieces", desc.NumPieces()).Msg("Metadata received")
	s.emit(Event{Kind: MetadataReceived})

	for c := range s.conns {
		// Haves seen before metadata were never counted in avail.
		have := c.Have
		c.Have = roaring.New()
		if raw, ok := s.rawBits[c]; ok {
			delete(s.rawBits, c)
			bits, err := wire.UnmarshalBitfield(raw, desc.NumPieces())
			if err != nil {
				s.removeConn(c, fmt.Errorf("%w: %v", peer.ErrProtocol, err))
				continue
			}
			have.Or(bits)
		}
		s.setHave(c, have)
		if !s.have.IsEmpty() {
			c.Send(wire.FormatBitfield(wire.MarshalBitfield(s.have, desc.NumPieces())))
		}
	}
	if s.seeding {
		s.emit(Event{Kind: Completed})
	}
	for c := range s.conns {
		s.updateInterest(c)
		s.requestFrom(c)
	}
}
