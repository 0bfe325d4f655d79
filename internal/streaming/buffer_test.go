package streaming

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"swarmd/internal/descriptor"
	"swarmd/internal/storage"
)

type recorder struct {
	mu    sync.Mutex
	calls [][2]int
}

func (r *recorder) Prioritize(first, last int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]int{first, last})
}

func (r *recorder) get() [][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]int(nil), r.calls...)
}

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/7)
	}
	return b
}

const pieceLen = 16 * 1024

func twoFiles(t *testing.T) (*storage.Store, *descriptor.Descriptor, []byte) {
	t.Helper()
	a := content(40_000)
	b := content(70_000)
	d, err := descriptor.Build("pair", []descriptor.Source{
		descriptor.SourceFromBytes([]string{"a.bin"}, a),
		descriptor.SourceFromBytes([]string{"b.bin"}, b),
	}, pieceLen, nil)
	require.NoError(t, err)
	st, err := storage.New(d, storage.NewMemoryStore(d.Length), 2, zerolog.Nop())
	require.NoError(t, err)
	return st, d, append(append([]byte(nil), a...), b...)
}

func verify(t *testing.T, st *storage.Store, d *descriptor.Descriptor, all []byte, i int) {
	t.Helper()
	off := d.PieceOffset(i)
	for b := int64(0); b < d.PieceSize(i); b += descriptor.BlockSize {
		n := d.BlockLength(i, b)
		require.NoError(t, st.WriteBlock(i, b, all[off+b:off+b+n]))
	}
	ok, err := st.TryVerify(i)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReaderReadsWholeFile(t *testing.T) {
	st, d, all := twoFiles(t)
	for i := 0; i < d.NumPieces(); i++ {
		verify(t, st, d, all, i)
	}

	r, err := NewReader(context.Background(), st, 1, nil, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, all[40_000:], got)
	require.Equal(t, int64(70_000), r.GetMetrics().BytesRead)
	require.Zero(t, r.GetMetrics().Waits)
}

func TestReaderBlocksUntilVerified(t *testing.T) {
	st, d, all := twoFiles(t)
	rec := &recorder{}
	r, err := NewReader(context.Background(), st, 0, rec, 2)
	require.NoError(t, err)

	done := make(chan []byte)
	go func() {
		buf := make([]byte, 100)
		n, _ := r.Read(buf)
		done <- buf[:n]
	}()

	select {
	case <-done:
		t.Fatal("read returned before the piece was verified")
	case <-time.After(50 * time.Millisecond):
	}

	verify(t, st, d, all, 0)
	select {
	case got := <-done:
		require.Equal(t, all[:100], got)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not wake up")
	}
	require.Equal(t, [][2]int{{0, 1}}, rec.get())
	require.Equal(t, int64(1), r.GetMetrics().Waits)
}

func TestReaderStopsAtPieceBoundary(t *testing.T) {
	st, d, all := twoFiles(t)
	verify(t, st, d, all, 0)

	r, err := NewReader(context.Background(), st, 0, nil, 0)
	require.NoError(t, err)
	buf := make([]byte, 20_000)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, pieceLen, n)
}

func TestReaderSeekMovesPrefetchWindow(t *testing.T) {
	st, d, all := twoFiles(t)
	for i := 0; i < d.NumPieces(); i++ {
		verify(t, st, d, all, i)
	}
	rec := &recorder{}
	r, err := NewReader(context.Background(), st, 1, rec, 3)
	require.NoError(t, err)

	pos, err := r.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(69_990), pos)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, all[len(all)-10:], got)

	last := d.NumPieces() - 1
	require.Equal(t, [][2]int{{last, last}}, rec.get())

	_, err = r.Seek(-1, io.SeekStart)
	require.Error(t, err)
}

func TestReaderHonoursContext(t *testing.T) {
	st, _, _ := twoFiles(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r, err := NewReader(ctx, st, 0, nil, 0)
	require.NoError(t, err)
	_, err = r.Read(make([]byte, 10))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReaderClosed(t *testing.T) {
	st, _, _ := twoFiles(t)
	r, err := NewReader(context.Background(), st, 0, nil, 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = r.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrReaderClosed)

	_, err = NewReader(context.Background(), st, 5, nil, 0)
	require.ErrorIs(t, err, storage.ErrInvalidFile)
}
