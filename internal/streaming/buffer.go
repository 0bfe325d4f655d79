package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"swarmd/internal/descriptor"
	"swarmd/internal/storage"
)

const defaultReadAhead = 8

var ErrReaderClosed = errors.New("reader is closed")

// Reader streams one file of a torrent. Reads block until the pieces they
// touch are verified, and every read moves the prefetch window.
type Reader struct {
	ctx      context.Context
	store    *storage.Store
	desc     *descriptor.Descriptor
	file     int
	offset   int64
	length   int64
	prefetch *Prefetcher

	mu      sync.Mutex
	pos     int64
	closed  bool
	metrics ReaderMetrics
}

// ReaderMetrics holds counters for one reader.
type ReaderMetrics struct {
	BytesRead     int64
	Waits         int64
	PrefetchCount int64
}

// NewReader opens file fileIndex of store. ctx bounds every blocking read.
func NewReader(ctx context.Context, store *storage.Store, fileIndex int, target Prioritizer, readAhead int) (*Reader, error) {
	desc := store.Descriptor()
	if fileIndex < 0 || fileIndex >= len(desc.Files) {
		return nil, fmt.Errorf("%w: %d", storage.ErrInvalidFile, fileIndex)
	}
	f := desc.Files[fileIndex]
	_, lastPiece := desc.PieceSpan(f.Offset, f.Length)
	if f.Length == 0 {
		lastPiece = int(f.Offset / desc.PieceLength)
	}
	return &Reader{
		ctx:      ctx,
		store:    store,
		desc:     desc,
		file:     fileIndex,
		offset:   f.Offset,
		length:   f.Length,
		prefetch: NewPrefetcher(target, lastPiece, readAhead),
	}, nil
}

func (r *Reader) Size() int64 {
	return r.length
}

// Read never crosses a piece boundary, so it waits for at most one piece.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrReaderClosed
	}
	if r.pos >= r.length {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	abs := r.offset + r.pos
	n := int64(len(p))
	if rest := r.length - r.pos; n > rest {
		n = rest
	}
	if toBoundary := r.desc.PieceLength - abs%r.desc.PieceLength; n > toBoundary {
		n = toBoundary
	}
	piece := int(abs / r.desc.PieceLength)

	r.prefetch.Hint(piece)
	if !r.store.HaveRange(piece, piece) {
		r.metrics.Waits++
		if err := r.store.Wait(r.ctx, piece, piece); err != nil {
			return 0, err
		}
	}

	data, err := r.store.ReadRange(r.file, r.pos, n)
	if err != nil {
		return 0, err
	}
	copied := copy(p, data)
	r.pos += int64(copied)
	r.metrics.BytesRead += int64(copied)
	return copied, nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.length + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}
	if abs != r.pos {
		r.prefetch.Reset()
	}
	r.pos = abs
	return abs, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// GetMetrics returns the current reader metrics
func (r *Reader) GetMetrics() ReaderMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.PrefetchCount = r.prefetch.count()
	return m
}
