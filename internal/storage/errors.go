package storage

import "errors"

var (
	ErrVerificationFailure = errors.New("piece failed verification")
	ErrNotYetAvailable     = errors.New("data not yet available")
	ErrInvalidPiece        = errors.New("invalid piece index")
	ErrInvalidBlock        = errors.New("invalid block")
	ErrInvalidFile         = errors.New("invalid file index")
	ErrOutOfRange          = errors.New("range out of bounds")
	ErrPieceVerified       = errors.New("piece already verified")
)
