package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrNoTransport is returned when an address names a transport that is not
// enabled.
var ErrNoTransport = errors.New("no transport for address")

var dials = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swarmd_transport_dials_total",
		Help: "Outbound connection attempts by transport and result",
	},
	[]string{"transport", "result"},
)

var accepts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swarmd_transport_accepts_total",
		Help: "Inbound connections by transport",
	},
	[]string{"transport"},
)

// Transport opens reliable ordered byte streams to peers.
type Transport interface {
	Name() string
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCP dials plain TCP connections.
type TCP struct {
	Timeout time.Duration
}

func (TCP) Name() string { return "tcp" }

func (t TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.Timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// ListenTCP listens for inbound peer connections.
func ListenTCP(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
	}
	return l, nil
}

// Dialer routes an address to a transport by its scheme. Addresses without
// a scheme go to the first configured transport.
type Dialer struct {
	transports []Transport
}

func NewDialer(transports ...Transport) *Dialer {
	return &Dialer{transports: transports}
}

// Split separates an optional scheme prefix from a peer address.
func Split(addr string) (scheme, hostport string) {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[:i], addr[i+3:]
	}
	return "", addr
}

func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	scheme, hostport := Split(addr)
	var t Transport
	for _, c := range d.transports {
		if scheme == "" || c.Name() == scheme {
			t = c
			break
		}
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, addr)
	}

	conn, err := t.Dial(ctx, hostport)
	if err != nil {
		dials.WithLabelValues(t.Name(), "error").Inc()
		return nil, err
	}
	dials.WithLabelValues(t.Name(), "ok").Inc()
	return conn, nil
}

// Accept runs an accept loop until the listener is closed, handing each
// connection to handle.
func Accept(l net.Listener, name string, handle func(net.Conn)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		accepts.WithLabelValues(name).Inc()
		go handle(conn)
	}
}
