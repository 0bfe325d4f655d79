package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	var ih, id [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(id[:], "-SD0100-bbbbbbbbbbbb")

	h := NewHandshake(ih, id)
	raw := h.Serialize()
	require.Len(t, raw, 68)
	require.Equal(t, byte(19), raw[0])

	got, err := ReadHandshake(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, ih, got.InfoHash)
	require.Equal(t, id, got.PeerID)
	require.True(t, got.SupportsExtensions())
}

func TestHandshakeRejectsOtherProtocols(t *testing.T) {
	raw := NewHandshake([20]byte{}, [20]byte{}).Serialize()
	raw[0] = 18
	_, err := ReadHandshake(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrMalformed)

	raw = NewHandshake([20]byte{}, [20]byte{}).Serialize()
	copy(raw[1:], "BitTorrent protocoX")
	_, err = ReadHandshake(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReadMessages(t *testing.T) {
	var buf bytes.Buffer
	buf.Write((*Message)(nil).Serialize())
	buf.Write(FormatHave(7).Serialize())
	buf.Write(FormatRequest(1, 16384, 16384).Serialize())
	buf.Write(FormatPiece(2, 0, []byte("block")).Serialize())

	m, err := Read(&buf)
	require.NoError(t, err)
	require.Nil(t, m)

	m, err = Read(&buf)
	require.NoError(t, err)
	index, err := ParseHave(m)
	require.NoError(t, err)
	require.Equal(t, 7, index)

	m, err = Read(&buf)
	require.NoError(t, err)
	i, b, l, err := ParseRequest(m)
	require.NoError(t, err)
	require.Equal(t, []int{1, 16384, 16384}, []int{i, b, l})

	m, err = Read(&buf)
	require.NoError(t, err)
	i, b, block, err := ParsePiece(m)
	require.NoError(t, err)
	require.Equal(t, 2, i)
	require.Equal(t, 0, b)
	require.Equal(t, []byte("block"), block)
	require.Equal(t, "Piece [13]", m.String())
}

func TestReadRejectsOversizedFrames(t *testing.T) {
	raw := make([]byte, 5)
	binary.BigEndian.PutUint32(raw, MaxMessageLength+1)
	_, err := Read(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsBadPayloads(t *testing.T) {
	_, err := ParseHave(&Message{ID: Have, Payload: []byte{1, 2}})
	require.ErrorIs(t, err, ErrMalformed)

	_, _, _, err = ParseRequest(FormatRequest(0, 0, MaxRequestLength+1))
	require.ErrorIs(t, err, ErrMalformed)

	_, _, _, err = ParsePiece(&Message{ID: Piece, Payload: []byte{0, 0, 0}})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestBitfield(t *testing.T) {
	have := roaring.BitmapOf(0, 3, 9)
	bits := MarshalBitfield(have, 10)
	require.Equal(t, []byte{0b10010000, 0b01000000}, bits)

	got, err := UnmarshalBitfield(bits, 10)
	require.NoError(t, err)
	require.True(t, got.Equals(have))

	_, err = UnmarshalBitfield([]byte{0xff}, 10)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = UnmarshalBitfield([]byte{0xff, 0xff}, 10)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestExtendedHandshake(t *testing.T) {
	m, err := FormatExtendedHandshake(ExtendedHandshake{
		M:            map[string]int{UtMetadata: UtMetadataID},
		MetadataSize: 31337,
		V:            "swarmd",
	})
	require.NoError(t, err)

	id, body, err := ParseExtended(m)
	require.NoError(t, err)
	require.Equal(t, byte(ExtendedHandshakeID), id)

	h, err := ParseExtendedHandshake(body)
	require.NoError(t, err)
	require.Equal(t, UtMetadataID, h.M[UtMetadata])
	require.Equal(t, 31337, h.MetadataSize)
}

func TestMetadataMessage(t *testing.T) {
	piece := bytes.Repeat([]byte{'x'}, 100)
	m, err := FormatMetadata(3, MetadataMessage{MsgType: MetadataData, Piece: 1, TotalSize: 16484}, piece)
	require.NoError(t, err)

	id, body, err := ParseExtended(m)
	require.NoError(t, err)
	require.Equal(t, byte(3), id)

	mm, data, err := ParseMetadata(body)
	require.NoError(t, err)
	require.Equal(t, MetadataData, mm.MsgType)
	require.Equal(t, 1, mm.Piece)
	require.Equal(t, 16484, mm.TotalSize)
	require.Equal(t, piece, data)

	m, err = FormatMetadata(3, MetadataMessage{MsgType: MetadataRequest, Piece: 0}, nil)
	require.NoError(t, err)
	_, body, _ = ParseExtended(m)
	mm, data, err = ParseMetadata(body)
	require.NoError(t, err)
	require.Equal(t, MetadataRequest, mm.MsgType)
	require.Empty(t, data)
}
