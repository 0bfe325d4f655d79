package torrent

import "errors"

var (
	ErrNotFound         = errors.New("torrent not found")
	ErrInvalidFileIndex = errors.New("invalid file index")
	ErrUnsupportedInput = errors.New("unsupported seed input")
	ErrClientClosed     = errors.New("client destroyed")
	ErrRemoved          = errors.New("torrent removed")
	ErrFilesChanged     = errors.New("seed files changed while hashing")
)
