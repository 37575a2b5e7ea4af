package espformat

import (
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer is returned when fewer bytes remain than the header needs.
	ErrShortBuffer = errors.New("buffer too short")
	// ErrBadTag is returned when a tag is not four printable ASCII characters.
	ErrBadTag = errors.New("invalid tag")
	// ErrBadFormID is returned by ParseFormID for malformed hex text.
	ErrBadFormID = errors.New("malformed form id")
)

// ParseError describes a header that could not be decoded at a given offset.
type ParseError struct {
	Header string // "record", "subrecord" or "group"
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decoding %s header at offset %d: %v", e.Header, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
