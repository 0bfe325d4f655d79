package wire

import (
	"bytes"
	"fmt"
	"io"
)

const (
	protocol     = "BitTorrent protocol"
	handshakeLen = 49 + len(protocol)

	// extensionBit in reserved byte 5 advertises the extension protocol
	// (extended handshake and metadata exchange).
	extensionByte = 5
	extensionBit  = 0x10
)

// Handshake is the first 68 bytes exchanged on a connection:
// | 19 | "BitTorrent protocol" | 8 reserved | info-hash | peer id |.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[extensionByte] |= extensionBit
	return h
}

func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByte]&extensionBit != 0
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocol))
	curr := 1
	curr += copy(buf[curr:], protocol)
	curr += copy(buf[curr:], h.Reserved[:])
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return nil, err
	}
	if int(buf[0]) != len(protocol) {
		return nil, fmt.Errorf("%w: protocol string length %d", ErrMalformed, buf[0])
	}
	if _, err := io.ReadFull(r, buf[1:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[1:1+len(protocol)], []byte(protocol)) {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrMalformed, buf[1:1+len(protocol)])
	}

	h := &Handshake{}
	curr := 1 + len(protocol)
	curr += copy(h.Reserved[:], buf[curr:])
	curr += copy(h.InfoHash[:], buf[curr:])
	copy(h.PeerID[:], buf[curr:])
	return h, nil
}
