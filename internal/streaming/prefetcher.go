package streaming

import (
	"sync"
)

// Prioritizer is told which pieces a reader will need next.
type Prioritizer interface {
	Prioritize(first, last int)
}

// Prefetcher asks for a window of pieces ahead of a reader. The window is
// clamped to the last piece of the file being read.
type Prefetcher struct {
	target    Prioritizer
	lastPiece int
	readAhead int

	mu    sync.Mutex
	last  int
	hints int64
}

func NewPrefetcher(target Prioritizer, lastPiece, readAhead int) *Prefetcher {
	if readAhead <= 0 {
		readAhead = defaultReadAhead
	}
	return &Prefetcher{target: target, lastPiece: lastPiece, readAhead: readAhead, last: -1}
}

// Hint moves the window to start at piece. Repeated hints for the same
// piece are not forwarded.
func (p *Prefetcher) Hint(piece int) {
	if p.target == nil {
		return
	}
	p.mu.Lock()
	if piece == p.last {
		p.mu.Unlock()
		return
	}
	p.last = piece
	p.hints++
	p.mu.Unlock()

	end := piece + p.readAhead - 1
	if end > p.lastPiece {
		end = p.lastPiece
	}
	p.target.Prioritize(piece, end)
}

// Reset forgets the last window so the next hint is always sent.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	p.last = -1
	p.mu.Unlock()
}

func (p *Prefetcher) count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hints
}
