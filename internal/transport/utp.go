package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/anacrolix/utp"
)

// UTP shares one UDP socket between outbound dials and inbound accepts.
type UTP struct {
	sock *utp.Socket
}

func NewUTP(addr string) (*UTP, error) {
	s, err := utp.NewSocket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open utp socket on %s: %w", addr, err)
	}
	return &UTP{sock: s}, nil
}

func (*UTP) Name() string { return "utp" }

func (u *UTP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return u.sock.DialContext(ctx, "udp", addr)
}

func (u *UTP) Accept() (net.Conn, error) { return u.sock.Accept() }
func (u *UTP) Addr() net.Addr            { return u.sock.Addr() }
func (u *UTP) Close() error              { return u.sock.Close() }
