package directory

import (
	"crypto/rand"
	"io"

	"github.com/driftlab/driftdb/errs"
)

// Room IDs are the bearer capability for a room, so they must be unguessable:
// 24 symbols over a 62-symbol alphabet is ~143 bits of entropy.
const (
	roomIDLength   = 24
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// IDGenerator mints URL-safe random room identifiers from an injected
// entropy source. It is pure given the source.
type IDGenerator struct {
	src io.Reader
}

// NewIDGenerator builds a generator over the given entropy source;
// crypto/rand is used when src is nil.
func NewIDGenerator(src io.Reader) *IDGenerator {
	if src == nil {
		src = rand.Reader
	}
	return &IDGenerator{src: src}
}

// Generate returns a fresh room ID.
func (g *IDGenerator) Generate() (string, error) {
	id := make([]byte, 0, roomIDLength)
	buf := make([]byte, roomIDLength)
	for len(id) < roomIDLength {
		if _, err := io.ReadFull(g.src, buf); err != nil {
			return "", errs.New("directory/roomid", errs.CodeUnavailable,
				errs.WithMessage("entropy source failed"), errs.WithCause(err))
		}
		for _, b := range buf {
			// Rejection-sample to keep the distribution uniform:
			// 248 is the largest multiple of len(alphabet) below 256.
			if b >= 248 {
				continue
			}
			id = append(id, roomIDAlphabet[int(b)%len(roomIDAlphabet)])
			if len(id) == roomIDLength {
				break
			}
		}
	}
	return string(id), nil
}

// ValidID reports whether id has the shape of a generated room ID. Used to
// reject junk paths before they mint rooms.
func ValidID(id string) bool {
	if len(id) == 0 || len(id) > 2*roomIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
