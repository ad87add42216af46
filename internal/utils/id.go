package utils

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a time-ordered ID, safe for concurrent use
func NewULID() (ulid.ULID, error) {
	id, err := ulid.New(ulid.Now(), ulid.DefaultEntropy())
	if err != nil {
		return ulid.ULID{}, err
	}
	return id, nil
}

// TempName derives a unique sibling name for name, used for write-then-rename
func TempName(name string) (string, error) {
	id, err := NewULID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s.tmp", name, id.String()), nil
}
