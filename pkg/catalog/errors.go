package catalog

import "errors"

var (
	// ErrCatalogUninitialized is returned internally by load() when page
	// 0 does not yet carry a valid catalog magic number; Open treats it
	// as "format a fresh catalog" rather than a real failure.
	ErrCatalogUninitialized = errors.New("catalog: page 0 has no catalog magic number")

	// ErrTableExists is returned by CreateTable for a name already
	// registered.
	ErrTableExists = errors.New("catalog: table already exists")

	// ErrTableNotFound is returned when looking up an unknown table.
	ErrTableNotFound = errors.New("catalog: table not found")

	// ErrIndexExists is returned by CreateIndex for a name already
	// registered.
	ErrIndexExists = errors.New("catalog: index already exists")

	// ErrIndexNotFound is returned when looking up an unknown index.
	ErrIndexNotFound = errors.New("catalog: index not found")

	// ErrInvalidName is returned for empty or overlong identifiers.
	ErrInvalidName = errors.New("catalog: invalid identifier")

	// ErrCorruptCatalog is returned when the persisted directory fails
	// its internal length checks during decode.
	ErrCorruptCatalog = errors.New("catalog: corrupt catalog payload")
)
