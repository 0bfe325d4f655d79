package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a peer wire message. Keep-alives carry no ID and are
// represented by a nil *Message.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extended      MessageID = 20
)

// MaxMessageLength caps a single frame: the largest block we accept plus
// headers, or a bitfield for ~8M pieces.
const MaxMessageLength = 1<<20 + 13

// MaxRequestLength is the largest block a peer may ask us for.
const MaxRequestLength = 128 * 1024

var ErrMalformed = errors.New("malformed message")

// Message is a decoded frame: | length | id | payload |.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Header is the fixed prefix of a frame, read before deciding how to consume
// the payload.
type Header struct {
	Length uint32
	ID     MessageID
}

func (h Header) KeepAlive() bool {
	return h.Length == 0
}

// PayloadLength is the number of bytes following the ID.
func (h Header) PayloadLength() int {
	if h.Length == 0 {
		return 0
	}
	return int(h.Length) - 1
}

func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadHeader reads the length prefix and, unless it is a keep-alive, the ID.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return Header{}, err
	}
	h := Header{Length: binary.BigEndian.Uint32(buf[:4])}
	if h.Length == 0 {
		return h, nil
	}
	if h.Length > MaxMessageLength {
		return Header{}, fmt.Errorf("%w: length %d exceeds %d", ErrMalformed, h.Length, MaxMessageLength)
	}
	if _, err := io.ReadFull(r, buf[4:5]); err != nil {
		return Header{}, err
	}
	h.ID = MessageID(buf[4])
	return h, nil
}

// ReadPayload completes a message whose header was already consumed.
func ReadPayload(r io.Reader, h Header) (*Message, error) {
	if h.KeepAlive() {
		return nil, nil
	}
	payload := make([]byte, h.PayloadLength())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Message{ID: h.ID, Payload: payload}, nil
}

// Read decodes one frame; a nil message is a keep-alive.
func Read(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	return ReadPayload(r, h)
}

func FormatRequest(index, begin, length int) *Message {
	return &Message{ID: Request, Payload: triple(index, begin, length)}
}

func FormatCancel(index, begin, length int) *Message {
	return &Message{ID: Cancel, Payload: triple(index, begin, length)}
}

func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

func FormatBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: bits}
}

func triple(a, b, c int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(a))
	binary.BigEndian.PutUint32(payload[4:8], uint32(b))
	binary.BigEndian.PutUint32(payload[8:12], uint32(c))
	return payload
}

func ParseHave(m *Message) (int, error) {
	if m.ID != Have || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have with %d byte payload", ErrMalformed, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest decodes request and cancel messages.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request with %d byte payload", ErrMalformed, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	if length == 0 || length > MaxRequestLength {
		return 0, 0, 0, fmt.Errorf("%w: request length %d", ErrMalformed, length)
	}
	return index, begin, length, nil
}

// ParsePiece returns the block carried by a piece message. The block aliases
// the message payload.
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece with %d byte payload", ErrMalformed, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}

func (m *Message) name() string {
	if m == nil {
		return "KeepAlive"
	}
	switch m.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown(%d)", m.ID)
	}
}

func (m *Message) String() string {
	if m == nil {
		return m.name()
	}
	return fmt.Sprintf("%s [%d]", m.name(), len(m.Payload))
}
