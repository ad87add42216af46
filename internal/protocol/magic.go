package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// MagicLength is the default length of the per-connection magic.
	//
	// Shorter magics make it more likely that the magic occurs inside file
	// content, which truncates the transfer at that point.
	MagicLength = 16

	MinMagicLength = 8
	MaxMagicLength = 1024 // must stay below BufferSize so the delimiter fits in the read buffer
)

// Magic is the random byte sequence shared by both peers of a connection. It
// opens the connection and terminates every byte-stream transfer on it.
type Magic []byte

// ValidateMagicLength rejects lengths outside [MinMagicLength, MaxMagicLength]
func ValidateMagicLength(length int) error {
	if length < MinMagicLength {
		return fmt.Errorf("%w: %d < %d", ErrMagicTooShort, length, MinMagicLength)
	}
	if length > MaxMagicLength {
		return fmt.Errorf("%w: %d > %d", ErrMagicTooLong, length, MaxMagicLength)
	}
	return nil
}

// NewMagic reads a fresh magic of the given length from rand.
func NewMagic(rand io.Reader, length int) (Magic, error) {
	if err := ValidateMagicLength(length); err != nil {
		return nil, err
	}
	m := make(Magic, length)
	if _, err := io.ReadFull(rand, m); err != nil {
		return nil, fmt.Errorf("failed to generate magic: %w", err)
	}
	return m, nil
}

func (m Magic) Equal(other Magic) bool {
	return bytes.Equal(m, other)
}

func (m Magic) Clone() Magic {
	return bytes.Clone(m)
}

func (m Magic) String() string {
	return hex.EncodeToString(m)
}
