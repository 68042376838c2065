// Package index implements the kernel's abstract index interface over
// two concrete implementations: a disk-backed B+-tree (the only index
// kind durable across restarts) and an in-memory hash index kept
// around for development and test convenience.
package index

import (
	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/types"
)

// Index is the operation set every index kind supports: point lookup,
// range scan, full scan, and the mutations a table heap's insert,
// update, and delete drive.
type Index interface {
	// Insert adds key -> rid. Non-unique indexes allow the same key to
	// map to many RIDs; unique indexes reject a second RID under an
	// existing key with ErrDuplicateKey.
	Insert(key types.Value, rid storage.RID) error

	// Delete removes the single (key, rid) pair. ErrKeyNotFound if no
	// such pair is present.
	Delete(key types.Value, rid storage.RID) error

	// ScanKey returns every RID stored under key, in index order.
	ScanKey(key types.Value) ([]storage.RID, error)

	// ScanRange returns every RID whose key falls within [lo, hi]. A nil
	// bound is unbounded on that side.
	ScanRange(lo, hi *types.Value) ([]storage.RID, error)

	// ScanAll returns every RID in the index, in key order.
	ScanAll() ([]storage.RID, error)
}
