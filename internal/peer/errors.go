package peer

import (
	"errors"
	"fmt"
	"io"
	"net"

	"swarmd/internal/wire"
)

var (
	ErrProtocol         = errors.New("peer protocol error")
	ErrTimeout          = errors.New("peer timed out")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrSelfConnection   = errors.New("connected to self")
	ErrClosed           = errors.New("connection closed")
)

// classify maps transport and codec errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	switch {
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrTimeout), errors.Is(err, ErrClosed):
		return err
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, ErrInfoHashMismatch), errors.Is(err, ErrSelfConnection):
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}
