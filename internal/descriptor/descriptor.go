package descriptor

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// BlockSize is the unit of network transfer inside a piece.
const BlockSize = 16 * 1024

// File is one logical file laid out in the concatenated piece space.
// Path starts with the torrent name for multi-file torrents and is the
// bare name for single-file ones.
type File struct {
	Path   []string
	Length int64
	Offset int64
}

func (f File) DisplayPath() string {
	return path.Join(f.Path...)
}

// Descriptor is the immutable description of a torrent's content.
type Descriptor struct {
	InfoHash    metainfo.Hash
	Name        string
	PieceLength int64
	PieceHashes [][sha1.Size]byte
	Files       []File
	Length      int64
	Announce    []string
	Private     bool

	// InfoBytes is the canonical bencoded info dictionary the hash was
	// computed over. It is served to peers during metadata exchange.
	InfoBytes []byte
}

// Parse decodes the bytes of a .torrent file.
func Parse(b []byte) (*Descriptor, error) {
	mi, err := metainfo.Load(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if len(mi.InfoBytes) == 0 {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrMalformedDescriptor)
	}

	var announce []string
	if mi.Announce != "" {
		announce = append(announce, mi.Announce)
	}
	for _, tier := range mi.AnnounceList {
		announce = append(announce, tier...)
	}

	return FromInfoBytes(mi.InfoBytes, dedupe(announce))
}

// FromInfoBytes builds a descriptor from a bare bencoded info dictionary,
// as received through metadata exchange.
func FromInfoBytes(infoBytes []byte, announce []string) (*Descriptor, error) {
	var info metainfo.Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return nil, fmt.Errorf("%w: info dictionary: %v", ErrMalformedDescriptor, err)
	}

	d, err := fromInfo(&info)
	if err != nil {
		return nil, err
	}
	d.InfoHash = metainfo.HashBytes(infoBytes)
	d.InfoBytes = append([]byte(nil), infoBytes...)
	d.Announce = announce
	return d, nil
}

// VerifyInfoBytes checks assembled metadata against the expected hash before
// decoding it.
func VerifyInfoBytes(expected metainfo.Hash, infoBytes []byte, announce []string) (*Descriptor, error) {
	if metainfo.HashBytes(infoBytes) != expected {
		return nil, ErrHashMismatch
	}
	return FromInfoBytes(infoBytes, announce)
}

func fromInfo(info *metainfo.Info) (*Descriptor, error) {
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length %d", ErrMalformedDescriptor, info.PieceLength)
	}
	if len(info.Pieces)%sha1.Size != 0 {
		return nil, fmt.Errorf("%w: pieces field length %d is not a multiple of %d",
			ErrMalformedDescriptor, len(info.Pieces), sha1.Size)
	}
	if !safeComponent(info.Name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrMalformedDescriptor, info.Name)
	}

	d := &Descriptor{
		Name:        info.Name,
		PieceLength: info.PieceLength,
		Private:     info.Private != nil && *info.Private,
	}

	if len(info.Files) == 0 {
		if info.Length <= 0 {
			return nil, fmt.Errorf("%w: length %d", ErrMalformedDescriptor, info.Length)
		}
		d.Files = []File{{Path: []string{info.Name}, Length: info.Length}}
		d.Length = info.Length
	} else {
		for i, fi := range info.Files {
			if fi.Length < 0 {
				return nil, fmt.Errorf("%w: file %d has negative length", ErrMalformedDescriptor, i)
			}
			if len(fi.Path) == 0 {
				return nil, fmt.Errorf("%w: file %d has an empty path", ErrMalformedDescriptor, i)
			}
			p := make([]string, 0, len(fi.Path)+1)
			p = append(p, info.Name)
			for _, c := range fi.Path {
				if !safeComponent(c) {
					return nil, fmt.Errorf("%w: file %d has unsafe path component %q", ErrMalformedDescriptor, i, c)
				}
				p = append(p, c)
			}
			d.Files = append(d.Files, File{Path: p, Length: fi.Length, Offset: d.Length})
			d.Length += fi.Length
		}
		if d.Length == 0 {
			return nil, fmt.Errorf("%w: torrent has no data", ErrMalformedDescriptor)
		}
	}

	numPieces := len(info.Pieces) / sha1.Size
	want := (d.Length + d.PieceLength - 1) / d.PieceLength
	if int64(numPieces) != want {
		return nil, fmt.Errorf("%w: %d piece hashes for %d bytes at piece length %d (want %d)",
			ErrMalformedDescriptor, numPieces, d.Length, d.PieceLength, want)
	}

	d.PieceHashes = make([][sha1.Size]byte, numPieces)
	for i := range d.PieceHashes {
		copy(d.PieceHashes[i][:], info.Pieces[i*sha1.Size:])
	}
	return d, nil
}

func safeComponent(c string) bool {
	if c == "" || c == "." || c == ".." {
		return false
	}
	return !strings.ContainsAny(c, "/\\\x00")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (d *Descriptor) HexHash() string {
	return d.InfoHash.HexString()
}

func (d *Descriptor) NumPieces() int {
	return len(d.PieceHashes)
}

// PieceSize is the length of piece i; only the last piece may be short.
func (d *Descriptor) PieceSize(i int) int64 {
	if i == d.NumPieces()-1 {
		if rem := d.Length % d.PieceLength; rem != 0 {
			return rem
		}
	}
	return d.PieceLength
}

func (d *Descriptor) PieceOffset(i int) int64 {
	return int64(i) * d.PieceLength
}

// NumBlocks is the number of BlockSize requests piece i is split into.
func (d *Descriptor) NumBlocks(i int) int {
	return int((d.PieceSize(i) + BlockSize - 1) / BlockSize)
}

// BlockLength is the length of the block starting at begin inside piece i.
func (d *Descriptor) BlockLength(i int, begin int64) int64 {
	n := d.PieceSize(i) - begin
	if n > BlockSize {
		n = BlockSize
	}
	return n
}

// PieceSpan returns the first and last piece overlapping [off, off+length)
// of the concatenated piece space.
func (d *Descriptor) PieceSpan(off, length int64) (first, last int) {
	if length <= 0 {
		return 0, -1
	}
	first = int(off / d.PieceLength)
	last = int((off + length - 1) / d.PieceLength)
	return first, last
}

func (d *Descriptor) MagnetURI() string {
	m := metainfo.Magnet{
		InfoHash:    d.InfoHash,
		Trackers:    d.Announce,
		DisplayName: d.Name,
	}
	return m.String()
}

// Marshal encodes a .torrent file for the descriptor.
func (d *Descriptor) Marshal() ([]byte, error) {
	mi := metainfo.MetaInfo{
		InfoBytes:    d.InfoBytes,
		CreatedBy:    "swarmd",
		CreationDate: time.Now().Unix(),
	}
	if len(d.Announce) > 0 {
		mi.Announce = d.Announce[0]
		tiers := make(metainfo.AnnounceList, 0, len(d.Announce))
		for _, a := range d.Announce {
			tiers = append(tiers, []string{a})
		}
		mi.AnnounceList = tiers
	}

	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode torrent: %w", err)
	}
	return buf.Bytes(), nil
}
