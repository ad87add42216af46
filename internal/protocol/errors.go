package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrIO             = errors.New("connection i/o failure")
	ErrUnknownFlag    = errors.New("unknown flag")
	ErrConnConsumed   = errors.New("connection already consumed")
	ErrMagicTooShort  = errors.New("magic length below minimum")
	ErrMagicTooLong   = errors.New("magic length above maximum")
	ErrMagicMismatch  = errors.New("magic mismatch")
	ErrUnexpectedFlag = errors.New("unexpected flag")
	ErrInvalidPath    = errors.New("invalid path")
)

// IOError tags err as a stream failure so that both errors.Is(err, ErrIO) and
// errors.Is(err, <cause>) hold
func IOError(op string, err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
