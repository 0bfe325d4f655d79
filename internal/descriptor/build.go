package descriptor

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anacrolix/torrent/bencode"
)

const (
	minPieceLength    = 16 * 1024
	maxPieceLength    = 16 * 1024 * 1024
	targetPieceCount  = 1500
	defaultSourceName = "data"
)

// Source is one file handed to Build. Path is relative to the torrent root
// and is empty for a single-file torrent.
type Source struct {
	Path   []string
	Length int64
	Open   func() (io.ReadCloser, error)

	// OSPath is where the data lives on disk, empty for in-memory sources.
	OSPath string
}

type infoFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type infoDict struct {
	Files       []infoFile `bencode:"files,omitempty"`
	Length      int64      `bencode:"length,omitempty"`
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
}

// Build hashes sources into a new descriptor. A pieceLength of zero picks
// one from the total size.
func Build(name string, sources []Source, pieceLength int64, announce []string) (*Descriptor, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing to seed", ErrMalformedDescriptor)
	}
	if name == "" {
		name = defaultSourceName
	}

	var total int64
	for _, s := range sources {
		total += s.Length
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: nothing to seed", ErrMalformedDescriptor)
	}
	if pieceLength <= 0 {
		pieceLength = ChoosePieceLength(total)
	}

	info := infoDict{Name: name, PieceLength: pieceLength}
	single := len(sources) == 1 && len(sources[0].Path) == 0
	if single {
		info.Length = sources[0].Length
	} else {
		for _, s := range sources {
			if len(s.Path) == 0 {
				return nil, fmt.Errorf("%w: multi-file source without a path", ErrMalformedDescriptor)
			}
			info.Files = append(info.Files, infoFile{Length: s.Length, Path: s.Path})
		}
	}

	pieces, err := hashPieces(sources, pieceLength)
	if err != nil {
		return nil, err
	}
	info.Pieces = pieces

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode info dictionary: %w", err)
	}
	return FromInfoBytes(infoBytes, dedupe(announce))
}

func hashPieces(sources []Source, pieceLength int64) ([]byte, error) {
	var (
		pieces []byte
		buf    = make([]byte, 0, pieceLength)
	)
	flush := func() {
		sum := sha1.Sum(buf)
		pieces = append(pieces, sum[:]...)
		buf = buf[:0]
	}

	for _, s := range sources {
		rc, err := s.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", strings.Join(s.Path, "/"), err)
		}
		r := io.LimitReader(rc, s.Length)
		var read int64
		for {
			n, err := io.ReadFull(r, buf[len(buf):cap(buf)])
			buf = buf[:len(buf)+n]
			read += int64(n)
			if len(buf) == cap(buf) {
				flush()
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				rc.Close()
				return nil, fmt.Errorf("failed to read %s: %w", strings.Join(s.Path, "/"), err)
			}
		}
		rc.Close()
		if read != s.Length {
			return nil, fmt.Errorf("%s changed while hashing: read %d of %d bytes",
				strings.Join(s.Path, "/"), read, s.Length)
		}
	}
	if len(buf) > 0 {
		flush()
	}
	return pieces, nil
}

// ChoosePieceLength picks a power of two so that the torrent has roughly
// targetPieceCount pieces.
func ChoosePieceLength(total int64) int64 {
	pl := int64(minPieceLength)
	for pl < maxPieceLength && total/pl > targetPieceCount {
		pl *= 2
	}
	return pl
}

// SourcesFromPath walks a file or directory. The returned name is the base
// name of root and OSPath is set on every source.
func SourcesFromPath(root string) (string, []Source, error) {
	root = filepath.Clean(root)
	st, err := os.Stat(root)
	if err != nil {
		return "", nil, err
	}
	name := filepath.Base(root)

	if !st.IsDir() {
		return name, []Source{fileSource(root, nil, st.Size())}, nil
	}

	var sources []Source
	err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !de.Type().IsRegular() {
			return nil
		}
		fi, err := de.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		sources = append(sources, fileSource(p, strings.Split(filepath.ToSlash(rel), "/"), fi.Size()))
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	sort.Slice(sources, func(i, j int) bool {
		return strings.Join(sources[i].Path, "/") < strings.Join(sources[j].Path, "/")
	})
	return name, sources, nil
}

// SourcesFromList treats each path as a top level file of a multi-file
// torrent.
func SourcesFromList(paths []string) ([]Source, error) {
	sources := make([]Source, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if st.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		base := filepath.Base(p)
		if seen[base] {
			return nil, fmt.Errorf("duplicate file name %s", base)
		}
		seen[base] = true
		sources = append(sources, fileSource(p, []string{base}, st.Size()))
	}
	return sources, nil
}

func SourceFromBytes(path []string, b []byte) Source {
	return Source{
		Path:   path,
		Length: int64(len(b)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		},
	}
}

func fileSource(osPath string, path []string, size int64) Source {
	return Source{
		Path:   path,
		Length: size,
		OSPath: osPath,
		Open: func() (io.ReadCloser, error) {
			return os.Open(osPath)
		},
	}
}
