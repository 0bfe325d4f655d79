package torrent

import (
	"context"
	"fmt"

	"swarmd/internal/storage"
	"swarmd/internal/streaming"
)

// Files describes the files of the torrent, nil before metadata.
func (t *Torrent) Files() []FileInfo {
	desc, st := t.Info(), t.Store()
	if desc == nil {
		return nil
	}
	files := make([]FileInfo, len(desc.Files))
	for i, f := range desc.Files {
		files[i] = FileInfo{
			ID:       i,
			Name:     f.DisplayPath(),
			Size:     f.Length,
			Progress: fileProgress(st, i),
		}
	}
	return files
}

// GetFileInfo retrieves information about one file.
func (t *Torrent) GetFileInfo(fileIndex int) (*FileInfo, error) {
	files := t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, ErrInvalidFileIndex
	}
	return &files[fileIndex], nil
}

// fileProgress is the fraction of a file's bytes inside verified pieces.
func fileProgress(st *storage.Store, fileIndex int) float64 {
	desc := st.Descriptor()
	f := desc.Files[fileIndex]
	if f.Length == 0 {
		return 1
	}
	first, last := desc.PieceSpan(f.Offset, f.Length)
	have := st.Bitfield()
	var done int64
	for i := first; i <= last; i++ {
		if !have.Contains(uint32(i)) {
			continue
		}
		lo, hi := desc.PieceOffset(i), desc.PieceOffset(i)+desc.PieceSize(i)
		if lo < f.Offset {
			lo = f.Offset
		}
		if end := f.Offset + f.Length; hi > end {
			hi = end
		}
		done += hi - lo
	}
	return float64(done) / float64(f.Length)
}

// ReadRange returns verified bytes of a file without waiting. Ranges that
// touch unverified pieces fail with storage.ErrNotYetAvailable.
func (t *Torrent) ReadRange(fileIndex int, offset, length int64) ([]byte, error) {
	st := t.Store()
	if st == nil {
		return nil, storage.ErrNotYetAvailable
	}
	return st.ReadRange(fileIndex, offset, length)
}

// NewReader streams a file, blocking on pieces that are not verified yet
// and steering the picker towards the read position.
func (t *Torrent) NewReader(ctx context.Context, fileIndex int) (*streaming.Reader, error) {
	st := t.Store()
	if st == nil {
		return nil, fmt.Errorf("%w: metadata not received", storage.ErrNotYetAvailable)
	}
	if fileIndex < 0 || fileIndex >= len(st.Descriptor().Files) {
		return nil, ErrInvalidFileIndex
	}
	return streaming.NewReader(ctx, st, fileIndex, t, readAheadPieces)
}

// Summary is the JSON view served by the HTTP API.
func (t *Torrent) Summary(ctx context.Context) (TorrentInfo, error) {
	info := TorrentInfo{InfoHash: t.InfoHash(), Name: t.Name()}
	st, err := t.Stats(ctx)
	if err != nil {
		return info, err
	}
	info.Progress = st.Progress()
	info.Seeding = st.Seeding
	info.NumPeers = st.NumPeers
	info.DownloadRate = st.DownloadRate
	info.UploadRate = st.UploadRate
	info.BytesCompleted = st.BytesCompleted

	if desc := t.Info(); desc != nil {
		info.MagnetURI = desc.MagnetURI()
		info.Length = desc.Length
		info.PieceLength = desc.PieceLength
		info.Pieces = desc.NumPieces()
		info.Files = t.Files()
	}
	return info, nil
}
