package wire

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// Extended message IDs. 0 is the extended handshake; the IDs we assign to
// extensions are advertised in its "m" dictionary.
const (
	ExtendedHandshakeID = 0
	UtMetadataID        = 1
	UtMetadata          = "ut_metadata"

	// MetadataPieceSize is the chunk size of metadata exchange.
	MetadataPieceSize = 16 * 1024
	// MaxMetadataSize bounds what we are willing to buffer from a peer.
	MaxMetadataSize = 8 << 20
)

// Metadata exchange message types.
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
	V            string         `bencode:"v,omitempty"`
	Reqq         int            `bencode:"reqq,omitempty"`
}

type MetadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

func FormatExtended(id byte, payload []byte) *Message {
	buf := make([]byte, 1+len(payload))
	buf[0] = id
	copy(buf[1:], payload)
	return &Message{ID: Extended, Payload: buf}
}

func FormatExtendedHandshake(h ExtendedHandshake) (*Message, error) {
	b, err := bencode.Marshal(h)
	if err != nil {
		return nil, err
	}
	return FormatExtended(ExtendedHandshakeID, b), nil
}

// FormatMetadata builds a ut_metadata message addressed with the remote's
// extension id. data is appended after the dictionary for MetadataData.
func FormatMetadata(remoteID int, mm MetadataMessage, data []byte) (*Message, error) {
	b, err := bencode.Marshal(mm)
	if err != nil {
		return nil, err
	}
	return FormatExtended(byte(remoteID), append(b, data...)), nil
}

// ParseExtended splits an extended message into its extension id and body.
func ParseExtended(m *Message) (byte, []byte, error) {
	if m.ID != Extended || len(m.Payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty extended message", ErrMalformed)
	}
	return m.Payload[0], m.Payload[1:], nil
}

func ParseExtendedHandshake(body []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("%w: extended handshake: %v", ErrMalformed, err)
	}
	return h, nil
}

// ParseMetadata decodes a ut_metadata body. For data messages the trailing
// bytes after the dictionary are the metadata piece.
func ParseMetadata(body []byte) (MetadataMessage, []byte, error) {
	var mm MetadataMessage
	err := bencode.Unmarshal(body, &mm)
	var trailing bencode.ErrUnusedTrailingBytes
	switch {
	case err == nil:
		return mm, nil, nil
	case errors.As(err, &trailing):
		return mm, body[len(body)-trailing.NumUnusedBytes:], nil
	default:
		return mm, nil, fmt.Errorf("%w: metadata message: %v", ErrMalformed, err)
	}
}
