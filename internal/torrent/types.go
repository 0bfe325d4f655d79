package torrent

import (
	"time"

	"swarmd/internal/swarm"
)

// Options are the per-torrent settings of Seed and Add.
type Options struct {
	// Announce adds tracker URLs to those of the descriptor.
	Announce []string
	// MaxPeers overrides the configured connection limit when positive.
	MaxPeers int
	// Path is the directory data is stored under, the data dir by default.
	Path string
	// Peers are addresses dialed directly, bypassing discovery.
	Peers []string
	// Name names a torrent seeded from a byte slice, reader or file list.
	Name string
}

type RemoveOptions struct {
	DeleteData bool
}

// TorrentInfo is the JSON view of a torrent.
type TorrentInfo struct {
	InfoHash       string     `json:"infoHash"`
	Name           string     `json:"name"`
	MagnetURI      string     `json:"magnetURI,omitempty"`
	Length         int64      `json:"length"`
	PieceLength    int64      `json:"pieceLength"`
	Pieces         int        `json:"pieces"`
	Progress       float64    `json:"progress"`
	Seeding        bool       `json:"seeding"`
	NumPeers       int        `json:"numPeers"`
	DownloadRate   float64    `json:"downloadRate"`
	UploadRate     float64    `json:"uploadRate"`
	BytesCompleted int64      `json:"bytesCompleted"`
	Files          []FileInfo `json:"files,omitempty"`
}

type FileInfo struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}

// Event is a swarm notification tagged with its torrent.
type Event struct {
	InfoHash string
	swarm.Event
}

const (
	peerIDPrefix     = "-SD0100-"
	statsTimeout     = 2 * time.Second
	subscriberBuffer = 256
	readAheadPieces  = 8
)
