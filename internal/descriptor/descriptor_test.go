package descriptor

import (
	"crypto/sha1"
	"encoding/base32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/require"
)

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestBuildSingleFile(t *testing.T) {
	data := testContent(100_000)
	d, err := Build("movie.bin", []Source{SourceFromBytes(nil, data)}, 32*1024, []string{"http://tracker/announce"})
	require.NoError(t, err)

	require.Equal(t, "movie.bin", d.Name)
	require.Equal(t, int64(100_000), d.Length)
	require.Equal(t, 4, d.NumPieces())
	require.Equal(t, int64(100_000-3*32*1024), d.PieceSize(3))
	require.Equal(t, int64(32*1024), d.PieceSize(0))
	require.Equal(t, []File{{Path: []string{"movie.bin"}, Length: 100_000}}, d.Files)

	for i := 0; i < d.NumPieces(); i++ {
		off := d.PieceOffset(i)
		require.Equal(t, sha1.Sum(data[off:off+d.PieceSize(i)]), d.PieceHashes[i])
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	d, err := Build("set", []Source{
		SourceFromBytes([]string{"a.txt"}, testContent(5000)),
		SourceFromBytes([]string{"sub", "b.txt"}, testContent(70_000)),
	}, 16*1024, []string{"udp://tracker:80", "http://other/announce"})
	require.NoError(t, err)

	raw, err := d.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, d.InfoHash, parsed.InfoHash)
	require.Equal(t, d.Files, parsed.Files)
	require.Equal(t, d.PieceHashes, parsed.PieceHashes)
	require.Equal(t, d.Announce, parsed.Announce)
	require.Equal(t, []string{"set", "sub", "b.txt"}, parsed.Files[1].Path)
	require.Equal(t, int64(5000), parsed.Files[1].Offset)
}

func TestInfoHashConvergesAcrossEntryPaths(t *testing.T) {
	d, err := Build("x", []Source{SourceFromBytes(nil, testContent(40_000))}, 16*1024, nil)
	require.NoError(t, err)

	fromInfo, err := FromInfoBytes(d.InfoBytes, nil)
	require.NoError(t, err)
	require.Equal(t, d.InfoHash, fromInfo.InfoHash)

	raw, err := d.Marshal()
	require.NoError(t, err)
	fromFile, _, err := Resolve(raw)
	require.NoError(t, err)
	require.Equal(t, d.InfoHash, fromFile.InfoHash)

	_, fromMagnet, err := Resolve([]byte(d.MagnetURI()))
	require.NoError(t, err)
	require.Equal(t, d.InfoHash, fromMagnet.InfoHash)
	require.Equal(t, "x", fromMagnet.Name)

	_, fromHex, err := Resolve([]byte(d.HexHash()))
	require.NoError(t, err)
	require.Equal(t, d.InfoHash, fromHex.InfoHash)

	b32 := base32.StdEncoding.EncodeToString(d.InfoHash[:])
	fromB32, err := ParseIdentifier(strings.ToLower(b32))
	require.NoError(t, err)
	require.Equal(t, d.InfoHash, fromB32.InfoHash)
}

func TestVerifyInfoBytes(t *testing.T) {
	d, err := Build("x", []Source{SourceFromBytes(nil, testContent(1000))}, 0, nil)
	require.NoError(t, err)

	_, err = VerifyInfoBytes(d.InfoHash, d.InfoBytes, nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), d.InfoBytes...)
	tampered[len(tampered)-2] ^= 0xff
	_, err = VerifyInfoBytes(d.InfoHash, tampered, nil)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestParseIdentifierMagnetPeers(t *testing.T) {
	hash := strings.Repeat("ab", 20)
	id, err := ParseIdentifier("magnet:?xt=urn:btih:" + hash + "&dn=thing&tr=http%3A%2F%2Ft%2Fa&x.pe=10.0.0.1:6881")
	require.NoError(t, err)
	require.Equal(t, hash, id.InfoHash.HexString())
	require.Equal(t, "thing", id.Name)
	require.Equal(t, []string{"http://t/a"}, id.Trackers)
	require.Equal(t, []string{"10.0.0.1:6881"}, id.Peers)
}

func TestParseIdentifierRejects(t *testing.T) {
	for _, in := range []string{"", "hello", strings.Repeat("z", 40), "magnet:?dn=nohash"} {
		_, err := ParseIdentifier(in)
		require.ErrorIs(t, err, ErrMalformedDescriptor, in)
	}
}

func encodeTorrent(t *testing.T, info map[string]interface{}) []byte {
	t.Helper()
	b, err := bencode.Marshal(map[string]interface{}{
		"announce": "http://tracker/announce",
		"info":     info,
	})
	require.NoError(t, err)
	return b
}

func TestParseMalformed(t *testing.T) {
	oneHash := strings.Repeat("a", 20)
	tests := []struct {
		name string
		raw  []byte
	}{
		{"garbage", []byte("not bencode")},
		{"no info", mustMarshal(t, map[string]interface{}{"announce": "x"})},
		{"pieces not multiple of 20", encodeTorrent(t, map[string]interface{}{
			"name": "f", "piece length": 16384, "length": 10, "pieces": "short",
		})},
		{"too many pieces", encodeTorrent(t, map[string]interface{}{
			"name": "f", "piece length": 16384, "length": 10, "pieces": oneHash + oneHash,
		})},
		{"too few pieces", encodeTorrent(t, map[string]interface{}{
			"name": "f", "piece length": 16384, "length": 40000, "pieces": oneHash,
		})},
		{"zero piece length", encodeTorrent(t, map[string]interface{}{
			"name": "f", "piece length": 0, "length": 10, "pieces": oneHash,
		})},
		{"unsafe path", encodeTorrent(t, map[string]interface{}{
			"name": "f", "piece length": 16384, "pieces": oneHash,
			"files": []interface{}{map[string]interface{}{"length": 10, "path": []string{"..", "etc"}}},
		})},
		{"truncated", encodeTorrent(t, map[string]interface{}{
			"name": "f", "piece length": 16384, "length": 10, "pieces": oneHash,
		})[:30]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.ErrorIs(t, err, ErrMalformedDescriptor)
		})
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := bencode.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSourcesFromPath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "album")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "disc2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "disc2", "b.flac"), testContent(300), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.flac"), testContent(200), 0o644))

	name, sources, err := SourcesFromPath(root)
	require.NoError(t, err)
	require.Equal(t, "album", name)
	require.Len(t, sources, 2)
	require.Equal(t, []string{"a.flac"}, sources[0].Path)
	require.Equal(t, []string{"disc2", "b.flac"}, sources[1].Path)

	d, err := Build(name, sources, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(500), d.Length)
	require.Equal(t, "album/disc2/b.flac", d.Files[1].DisplayPath())
}

func TestPieceSpanAndBlocks(t *testing.T) {
	d := &Descriptor{PieceLength: 32 * 1024, Length: 100_000, PieceHashes: make([][20]byte, 4)}
	first, last := d.PieceSpan(30_000, 10_000)
	require.Equal(t, 0, first)
	require.Equal(t, 1, last)

	require.Equal(t, 2, d.NumBlocks(0))
	require.Equal(t, 1, d.NumBlocks(3))
	require.Equal(t, int64(100_000-3*32*1024), d.BlockLength(3, 0))
}

func TestChoosePieceLength(t *testing.T) {
	require.Equal(t, int64(16*1024), ChoosePieceLength(1000))
	pl := ChoosePieceLength(4 << 30)
	require.Zero(t, pl&(pl-1))
	require.LessOrEqual(t, (4<<30)/pl, int64(targetPieceCount))
}
