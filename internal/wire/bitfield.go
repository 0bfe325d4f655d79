package wire

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// MarshalBitfield packs the set of held pieces, most significant bit first.
func MarshalBitfield(have *roaring.Bitmap, numPieces int) []byte {
	bits := make([]byte, (numPieces+7)/8)
	it := have.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= numPieces {
			break
		}
		bits[i/8] |= 1 << (7 - uint(i%8))
	}
	return bits
}

// UnmarshalBitfield validates a received bitfield against the piece count:
// the length must match and spare trailing bits must be clear.
func UnmarshalBitfield(bits []byte, numPieces int) (*roaring.Bitmap, error) {
	if len(bits) != (numPieces+7)/8 {
		return nil, fmt.Errorf("%w: bitfield of %d bytes for %d pieces", ErrMalformed, len(bits), numPieces)
	}
	have := roaring.New()
	for byteIndex, b := range bits {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<(7-uint(bit))) == 0 {
				continue
			}
			i := byteIndex*8 + bit
			if i >= numPieces {
				return nil, fmt.Errorf("%w: spare bit %d set in bitfield", ErrMalformed, i)
			}
			have.Add(uint32(i))
		}
	}
	return have, nil
}
