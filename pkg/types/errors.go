package types

import "errors"

var (
	// ErrTypeMismatch is returned when an operation requires a value of a
	// different type than the one supplied.
	ErrTypeMismatch = errors.New("types: value type mismatch")

	// ErrNotComparable is returned when two values cannot be ordered against
	// each other (e.g. a string compared to a blob).
	ErrNotComparable = errors.New("types: values are not comparable")

	// ErrTruncatedValue is returned when a serialized value's declared
	// length runs past the end of the supplied buffer.
	ErrTruncatedValue = errors.New("types: truncated value encoding")

	// ErrUnknownTypeTag is returned when deserializing a value whose type
	// tag byte does not match any known Type.
	ErrUnknownTypeTag = errors.New("types: unknown value type tag")

	// ErrColumnCountMismatch is returned when a tuple's value count does
	// not match its schema's column count.
	ErrColumnCountMismatch = errors.New("types: tuple/schema column count mismatch")
)
