package engine

import (
	"errors"

	"github.com/mnohosten/latticedb/pkg/catalog"
)

var (
	// ErrTableNotFound mirrors catalog.ErrTableNotFound at the engine's
	// public surface so callers don't need to import pkg/catalog just to
	// compare errors.
	ErrTableNotFound = catalog.ErrTableNotFound

	// ErrTxnNotFound names a TxnID the transaction context has no record
	// of. No Engine method takes a TxnID, so none returns it.
	ErrTxnNotFound = errors.New("engine: transaction not found")

	// ErrClosed is returned by Close when the engine is already closed.
	// Other operations do not check for it.
	ErrClosed = errors.New("engine: engine is closed")

	// ErrRowNotFound is returned by Update/Delete when rid does not
	// resolve to a live (non-deleted) tuple.
	ErrRowNotFound = errors.New("engine: row not found")
)
