package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
)

var udpEvents = map[string]uint32{"": 0, "completed": 1, "started": 2, "stopped": 3}

// UDPTracker speaks the connect/announce exchange over UDP, retrying each
// step with a per-attempt timeout.
type UDPTracker struct {
	Host    string
	Timeout time.Duration
	Retries int
}

func NewUDPTracker(host string) *UDPTracker {
	return &UDPTracker{Host: host, Timeout: 5 * time.Second, Retries: 2}
}

func (t *UDPTracker) Name() string { return "udp://" + t.Host }

func (t *UDPTracker) Peers(ctx context.Context, req Announce) ([]string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", t.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:], udpProtocolID)
	binary.BigEndian.PutUint32(connectReq[8:], udpActionConnect)
	resp, err := t.exchange(ctx, conn, connectReq, udpActionConnect, 16)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	connID := binary.BigEndian.Uint64(resp[8:])

	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:], connID)
	binary.BigEndian.PutUint32(announceReq[8:], udpActionAnnounce)
	copy(announceReq[16:], req.InfoHash[:])
	copy(announceReq[36:], req.PeerID[:])
	binary.BigEndian.PutUint64(announceReq[56:], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(announceReq[64:], uint64(req.Left))
	binary.BigEndian.PutUint64(announceReq[72:], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(announceReq[80:], udpEvents[req.Event])
	rand.Read(announceReq[88:92])
	binary.BigEndian.PutUint32(announceReq[92:], 0xffffffff)
	binary.BigEndian.PutUint16(announceReq[96:], uint16(req.Port))
	resp, err = t.exchange(ctx, conn, announceReq, udpActionAnnounce, 20)
	if err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}
	return parseCompact(resp[20:], 6), nil
}

// exchange sends req with a fresh transaction id and waits for a matching
// response of at least minLen bytes.
func (t *UDPTracker) exchange(ctx context.Context, conn net.Conn, req []byte, action uint32, minLen int) ([]byte, error) {
	var tid [4]byte
	rand.Read(tid[:])
	copy(req[12:16], tid[:])

	buf := make([]byte, 2048)
	var lastErr error
	for attempt := 0; attempt <= t.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(t.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetDeadline(deadline)

		if _, err := conn.Write(req); err != nil {
			return nil, err
		}
		for {
			n, err := conn.Read(buf)
			if err != nil {
				lastErr = err
				break
			}
			if n < 8 || string(buf[4:8]) != string(tid[:]) {
				continue
			}
			got := binary.BigEndian.Uint32(buf[0:])
			if got == udpActionError {
				return nil, fmt.Errorf("tracker error: %s", buf[8:n])
			}
			if got != action || n < minLen {
				return nil, fmt.Errorf("unexpected response action %d length %d", got, n)
			}
			return append([]byte(nil), buf[:n]...), nil
		}
		var ne net.Error
		if !errors.As(lastErr, &ne) || !ne.Timeout() {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
