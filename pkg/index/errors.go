package index

import "errors"

var (
	// ErrDuplicateKey is returned by Insert on a unique index when the
	// key is already present.
	ErrDuplicateKey = errors.New("index: duplicate key in unique index")

	// ErrKeyNotFound is returned by Delete when no entry matches the
	// given key and RID.
	ErrKeyNotFound = errors.New("index: key not found")

	// ErrCorruptNode is returned when a node read back from a page fails
	// its internal length checks.
	ErrCorruptNode = errors.New("index: corrupt node")
)
