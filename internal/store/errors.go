package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record is stored under a key.
	ErrNotFound = errors.New("record not found")

	// ErrEmptyKey is returned when a record is addressed with an empty key.
	ErrEmptyKey = errors.New("record key is required")
)

// DecodeError reports a payload that could not be decoded into a record.
type DecodeError struct {
	Kind string
	Key  string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s %q: %v", e.Kind, e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
