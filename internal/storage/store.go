package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"swarmd/internal/descriptor"
)

// PieceState tracks a piece through download and verification.
type PieceState int

const (
	Missing PieceState = iota
	Requested
	Verified
)

func (s PieceState) String() string {
	switch s {
	case Requested:
		return "requested"
	case Verified:
		return "verified"
	default:
		return "missing"
	}
}

// Backend is the byte-addressed storage underneath a Store.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Close() error
}

type deleter interface {
	Delete() error
}

// Store holds the pieces of one torrent. Pieces are assembled block by
// block in memory and only reach the backend once their hash matches, so
// every byte readable through the Store has been verified.
type Store struct {
	desc    *descriptor.Descriptor
	backend Backend
	cache   *lru.Cache
	log     zerolog.Logger

	mu        sync.RWMutex
	states    []PieceState
	verified  *roaring.Bitmap
	assembly  map[int]*assembly
	completed int64
	notify    chan struct{}
}

type assembly struct {
	buf      []byte
	received *roaring.Bitmap
}

// New creates a store with every piece Missing. cacheSize is the number of
// verified pieces kept in memory for uploads and streaming; 0 disables the
// cache.
func New(desc *descriptor.Descriptor, backend Backend, cacheSize int, log zerolog.Logger) (*Store, error) {
	s := &Store{
		desc:     desc,
		backend:  backend,
		log:      log.With().Str("infoHash", desc.HexHash()).Logger(),
		states:   make([]PieceState, desc.NumPieces()),
		verified: roaring.New(),
		assembly: make(map[int]*assembly),
		notify:   make(chan struct{}),
	}
	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create piece cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

func (s *Store) Descriptor() *descriptor.Descriptor {
	return s.desc
}

func (s *Store) State(i int) PieceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.states) {
		return Missing
	}
	return s.states[i]
}

// SetRequested moves a Missing piece to Requested.
func (s *Store) SetRequested(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.states) || s.states[i] != Missing {
		return false
	}
	s.states[i] = Requested
	return true
}

// SetMissing returns a Requested piece to Missing and drops any partial
// data for it.
func (s *Store) SetMissing(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.states) || s.states[i] != Requested {
		return false
	}
	s.states[i] = Missing
	delete(s.assembly, i)
	return true
}

// WriteBlock records one block of piece i. The block must be aligned to
// descriptor.BlockSize and have the exact length expected at that offset.
func (s *Store) WriteBlock(i int, begin int64, data []byte) error {
	if err := s.checkBlock(i, begin, int64(len(data))); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[i] == Verified {
		return ErrPieceVerified
	}
	if s.states[i] == Missing {
		s.states[i] = Requested
	}
	a, ok := s.assembly[i]
	if !ok {
		a = &assembly{
			buf:      make([]byte, s.desc.PieceSize(i)),
			received: roaring.New(),
		}
		s.assembly[i] = a
	}
	copy(a.buf[begin:], data)
	a.received.Add(uint32(begin / descriptor.BlockSize))
	return nil
}

func (s *Store) checkBlock(i int, begin, length int64) error {
	if i < 0 || i >= s.desc.NumPieces() {
		return fmt.Errorf("%w: %d", ErrInvalidPiece, i)
	}
	if begin < 0 || begin%descriptor.BlockSize != 0 || begin >= s.desc.PieceSize(i) {
		return fmt.Errorf("%w: piece %d offset %d", ErrInvalidBlock, i, begin)
	}
	if length != s.desc.BlockLength(i, begin) {
		return fmt.Errorf("%w: piece %d offset %d length %d", ErrInvalidBlock, i, begin, length)
	}
	return nil
}

// HasBlock reports whether the block at begin of piece i is held, either in
// the assembly area or as part of a verified piece.
func (s *Store) HasBlock(i int, begin int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.states) {
		return false
	}
	if s.states[i] == Verified {
		return true
	}
	a, ok := s.assembly[i]
	return ok && a.received.Contains(uint32(begin/descriptor.BlockSize))
}

// TryVerify hashes piece i once all of its blocks are present. It returns
// false with no error while blocks are still outstanding. On a hash
// mismatch the assembled data is discarded, the piece goes back to Missing
// and ErrVerificationFailure is returned.
func (s *Store) TryVerify(i int) (bool, error) {
	if i < 0 || i >= s.desc.NumPieces() {
		return false, fmt.Errorf("%w: %d", ErrInvalidPiece, i)
	}

	s.mu.Lock()
	if s.states[i] == Verified {
		s.mu.Unlock()
		return true, nil
	}
	a, ok := s.assembly[i]
	if !ok || int(a.received.GetCardinality()) != s.desc.NumBlocks(i) {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.assembly, i)
	s.mu.Unlock()

	sum := sha1.Sum(a.buf)
	if !bytes.Equal(sum[:], s.desc.PieceHashes[i][:]) {
		s.mu.Lock()
		s.states[i] = Missing
		s.mu.Unlock()
		return false, fmt.Errorf("%w: piece %d", ErrVerificationFailure, i)
	}

	if _, err := s.backend.WriteAt(a.buf, s.desc.PieceOffset(i)); err != nil {
		s.mu.Lock()
		s.states[i] = Missing
		s.mu.Unlock()
		return false, fmt.Errorf("failed to write piece %d: %w", i, err)
	}

	s.markVerified(i)
	if s.cache != nil {
		s.cache.Add(i, a.buf)
	}
	return true, nil
}

func (s *Store) markVerified(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[i] == Verified {
		return
	}
	s.states[i] = Verified
	delete(s.assembly, i)
	s.verified.Add(uint32(i))
	s.completed += s.desc.PieceSize(i)
	close(s.notify)
	s.notify = make(chan struct{})
}

// MarkAllVerified trusts the backend contents without hashing. Used for
// content the local node just hashed itself.
func (s *Store) MarkAllVerified() {
	for i := 0; i < s.desc.NumPieces(); i++ {
		s.markVerified(i)
	}
}

// Recheck hashes every piece already present in the backend and marks the
// matching ones Verified. It returns the number of verified pieces.
func (s *Store) Recheck(ctx context.Context) (int, error) {
	buf := make([]byte, s.desc.PieceLength)
	for i := 0; i < s.desc.NumPieces(); i++ {
		if err := ctx.Err(); err != nil {
			return s.NumVerified(), err
		}
		if s.State(i) == Verified {
			continue
		}
		p := buf[:s.desc.PieceSize(i)]
		if _, err := s.backend.ReadAt(p, s.desc.PieceOffset(i)); err != nil {
			continue
		}
		sum := sha1.Sum(p)
		if bytes.Equal(sum[:], s.desc.PieceHashes[i][:]) {
			s.markVerified(i)
		}
	}
	n := s.NumVerified()
	s.log.Debug().Int("verified", n).Int("pieces", s.desc.NumPieces()).Msg("Recheck finished")
	return n, nil
}

func (s *Store) readPiece(i int) ([]byte, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(i); ok {
			return v.([]byte), nil
		}
	}
	buf := make([]byte, s.desc.PieceSize(i))
	if _, err := s.backend.ReadAt(buf, s.desc.PieceOffset(i)); err != nil {
		return nil, fmt.Errorf("failed to read piece %d: %w", i, err)
	}
	if s.cache != nil {
		s.cache.Add(i, buf)
	}
	return buf, nil
}

// ReadBlock returns a copy of a block from a verified piece.
func (s *Store) ReadBlock(i int, begin, length int64) ([]byte, error) {
	if i < 0 || i >= s.desc.NumPieces() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPiece, i)
	}
	if begin < 0 || length <= 0 || begin+length > s.desc.PieceSize(i) {
		return nil, fmt.Errorf("%w: piece %d offset %d length %d", ErrInvalidBlock, i, begin, length)
	}
	if s.State(i) != Verified {
		return nil, fmt.Errorf("%w: piece %d", ErrNotYetAvailable, i)
	}
	p, err := s.readPiece(i)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, p[begin:begin+length])
	return out, nil
}

// ReadRange reads up to length bytes at offset within file fileIndex. The
// range is clamped to the end of the file. Every piece it touches must be
// verified, otherwise ErrNotYetAvailable is returned.
func (s *Store) ReadRange(fileIndex int, offset, length int64) ([]byte, error) {
	if fileIndex < 0 || fileIndex >= len(s.desc.Files) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFile, fileIndex)
	}
	f := s.desc.Files[fileIndex]
	if offset < 0 || offset > f.Length || length < 0 {
		return nil, fmt.Errorf("%w: offset %d length %d in file of %d bytes", ErrOutOfRange, offset, length, f.Length)
	}
	if offset+length > f.Length {
		length = f.Length - offset
	}
	if length == 0 {
		return []byte{}, nil
	}

	abs := f.Offset + offset
	first, last := s.desc.PieceSpan(abs, length)
	if !s.HaveRange(first, last) {
		return nil, fmt.Errorf("%w: pieces %d-%d", ErrNotYetAvailable, first, last)
	}

	out := make([]byte, 0, length)
	for i := first; i <= last; i++ {
		p, err := s.readPiece(i)
		if err != nil {
			return nil, err
		}
		pieceStart := s.desc.PieceOffset(i)
		lo := int64(0)
		if abs > pieceStart {
			lo = abs - pieceStart
		}
		hi := int64(len(p))
		if end := abs + length - pieceStart; end < hi {
			hi = end
		}
		out = append(out, p[lo:hi]...)
	}
	return out, nil
}

// HaveRange reports whether pieces first through last are all verified.
func (s *Store) HaveRange(first, last int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := first; i <= last; i++ {
		if i < 0 || i >= len(s.states) || s.states[i] != Verified {
			return false
		}
	}
	return true
}

// Wait blocks until pieces first through last are verified or ctx is done.
func (s *Store) Wait(ctx context.Context, first, last int) error {
	for {
		s.mu.RLock()
		ch := s.notify
		s.mu.RUnlock()

		if s.HaveRange(first, last) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel closed at the next verification.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

// Bitfield returns a copy of the verified set.
func (s *Store) Bitfield() *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified.Clone()
}

func (s *Store) NumVerified() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.verified.GetCardinality())
}

func (s *Store) Complete() bool {
	return s.NumVerified() == s.desc.NumPieces()
}

// BytesCompleted is the total size of all verified pieces.
func (s *Store) BytesCompleted() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed
}

// Counts returns how many pieces are in each state.
func (s *Store) Counts() (missing, requested, verified int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.states {
		switch st {
		case Missing:
			missing++
		case Requested:
			requested++
		case Verified:
			verified++
		}
	}
	return
}

func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.Purge()
	}
	return s.backend.Close()
}

// Delete closes the store and removes its data when the backend supports
// it.
func (s *Store) Delete() error {
	if s.cache != nil {
		s.cache.Purge()
	}
	if d, ok := s.backend.(deleter); ok {
		return d.Delete()
	}
	return s.backend.Close()
}
