package keys

import (
	"crypto/rand"
	"fmt"
	"io"
)

// HandleLength is the length of a generated handle.
const HandleLength = 16

const handleAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// HandleGenerator mints handles for SeedActor events.
type HandleGenerator interface {
	Generate() (string, error)
}

// RandomHandles generates handles of HandleLength characters drawn
// uniformly from [A-Za-z0-9].
//
// Thread-safety: RandomHandles is stateless and safe for concurrent use
// as long as Reader is.
type RandomHandles struct {
	// Reader is the entropy source. Nil means crypto/rand.
	Reader io.Reader
}

// Generate implements HandleGenerator.
func (g RandomHandles) Generate() (string, error) {
	r := g.Reader
	if r == nil {
		r = rand.Reader
	}

	// Bytes at or above limit are rejected so that every character has
	// the same probability.
	const limit = 256 - 256%len(handleAlphabet)

	out := make([]byte, 0, HandleLength)
	buf := make([]byte, HandleLength)
	for len(out) < HandleLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("generate handle: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, handleAlphabet[int(b)%len(handleAlphabet)])
			if len(out) == HandleLength {
				break
			}
		}
	}
	return string(out), nil
}
