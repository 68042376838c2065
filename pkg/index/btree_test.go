package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/types"
)

func newTestPool(t *testing.T, capacity int) (*storage.BufferPool, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "btree")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	pager, err := storage.NewPager(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	pool := storage.NewBufferPool(capacity, pager, storage.NewLRUReplacer(), nil)
	return pool, func() {
		pager.Close()
		os.RemoveAll(dir)
	}
}

func intKey(v int64) types.Value {
	return types.NewInt64(v)
}

func TestBTreeInsertAndScanKey(t *testing.T) {
	pool, cleanup := newTestPool(t, 50)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	rid := storage.RID{PageID: 1, SlotID: 0}
	if err := tree.Insert(intKey(42), rid); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := tree.ScanKey(intKey(42))
	if err != nil {
		t.Fatalf("scan key: %v", err)
	}
	if len(got) != 1 || got[0] != rid {
		t.Errorf("expected [%v], got %v", rid, got)
	}

	if _, err := tree.ScanKey(intKey(7)); err != nil {
		t.Fatalf("scan missing key should not error: %v", err)
	}
}

func TestBTreeDuplicateKeysAllowedWhenNotUnique(t *testing.T) {
	pool, cleanup := newTestPool(t, 50)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	rid1 := storage.RID{PageID: 1, SlotID: 0}
	rid2 := storage.RID{PageID: 1, SlotID: 1}
	if err := tree.Insert(intKey(5), rid1); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := tree.Insert(intKey(5), rid2); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	got, err := tree.ScanKey(intKey(5))
	if err != nil {
		t.Fatalf("scan key: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rids under duplicate key, got %d", len(got))
	}
}

func TestBTreeUniqueRejectsDuplicate(t *testing.T) {
	pool, cleanup := newTestPool(t, 50)
	defer cleanup()

	tree, err := NewBTree(pool, true)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	if err := tree.Insert(intKey(1), storage.RID{PageID: 1, SlotID: 0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tree.Insert(intKey(1), storage.RID{PageID: 1, SlotID: 1}); err != ErrDuplicateKey {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestBTreeSplitsAcrossManyInserts(t *testing.T) {
	pool, cleanup := newTestPool(t, 200)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		rid := storage.RID{PageID: storage.PageID(i), SlotID: 0}
		if err := tree.Insert(intKey(int64(i)), rid); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	if tree.RootPageID() == storage.InvalidPageID {
		t.Fatal("expected a valid root page")
	}

	for i := 0; i < n; i++ {
		got, err := tree.ScanKey(intKey(int64(i)))
		if err != nil {
			t.Fatalf("scan key %d: %v", i, err)
		}
		if len(got) != 1 || got[0].PageID != storage.PageID(i) {
			t.Fatalf("key %d: expected one rid with page %d, got %v", i, i, got)
		}
	}

	all, err := tree.ScanAll()
	if err != nil {
		t.Fatalf("scan all: %v", err)
	}
	if len(all) != n {
		t.Fatalf("expected %d entries, got %d", n, len(all))
	}
}

func TestBTreeRangeScan(t *testing.T) {
	pool, cleanup := newTestPool(t, 200)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		tree.Insert(intKey(int64(i)), storage.RID{PageID: storage.PageID(i), SlotID: 0})
	}

	lo := intKey(50)
	hi := intKey(60)
	got, err := tree.ScanRange(&lo, &hi)
	if err != nil {
		t.Fatalf("scan range: %v", err)
	}
	if len(got) != 11 {
		t.Fatalf("expected 11 entries in [50,60], got %d", len(got))
	}
}

func TestBTreeDeleteThenGone(t *testing.T) {
	pool, cleanup := newTestPool(t, 50)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	rid := storage.RID{PageID: 1, SlotID: 0}
	tree.Insert(intKey(9), rid)

	if err := tree.Delete(intKey(9), rid); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := tree.ScanKey(intKey(9))
	if err != nil {
		t.Fatalf("scan key: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected key gone after delete, got %v", got)
	}

	if err := tree.Delete(intKey(9), rid); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound on second delete, got %v", err)
	}
}

func TestBTreeDeleteManyLeavesNoCorruption(t *testing.T) {
	pool, cleanup := newTestPool(t, 200)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	const n = 300
	for i := 0; i < n; i++ {
		tree.Insert(intKey(int64(i)), storage.RID{PageID: storage.PageID(i), SlotID: 0})
	}

	// Delete every even key.
	for i := 0; i < n; i += 2 {
		if err := tree.Delete(intKey(int64(i)), storage.RID{PageID: storage.PageID(i), SlotID: 0}); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		got, err := tree.ScanKey(intKey(int64(i)))
		if err != nil {
			t.Fatalf("scan key %d: %v", i, err)
		}
		if i%2 == 0 {
			if len(got) != 0 {
				t.Fatalf("key %d: expected deleted, found %v", i, got)
			}
		} else {
			if len(got) != 1 {
				t.Fatalf("key %d: expected surviving entry, got %v", i, got)
			}
		}
	}

	all, err := tree.ScanAll()
	if err != nil {
		t.Fatalf("scan all: %v", err)
	}
	if len(all) != n/2 {
		t.Fatalf("expected %d surviving entries, got %d", n/2, len(all))
	}
}

func TestBTreePersistsAcrossReopen(t *testing.T) {
	pool, cleanup := newTestPool(t, 50)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	const n = 40
	for i := 0; i < n; i++ {
		tree.Insert(intKey(int64(i)), storage.RID{PageID: storage.PageID(i), SlotID: 0})
	}
	root := tree.RootPageID()

	reopened := OpenBTree(pool, root, false)
	for i := 0; i < n; i++ {
		got, err := reopened.ScanKey(intKey(int64(i)))
		if err != nil {
			t.Fatalf("scan key %d after reopen: %v", i, err)
		}
		if len(got) != 1 {
			t.Fatalf("key %d missing after reopen", i)
		}
	}
}

func TestBTreeScanAllOrdered(t *testing.T) {
	pool, cleanup := newTestPool(t, 100)
	defer cleanup()

	tree, err := NewBTree(pool, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	order := []int64{50, 10, 90, 30, 70, 20, 80, 40, 60, 0}
	for _, v := range order {
		tree.Insert(intKey(v), storage.RID{PageID: storage.PageID(v), SlotID: 0})
	}

	all, err := tree.ScanAll()
	if err != nil {
		t.Fatalf("scan all: %v", err)
	}
	if len(all) != len(order) {
		t.Fatalf("expected %d entries, got %d", len(order), len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].PageID >= all[i].PageID {
			t.Fatalf("scan all not ordered at index %d: %v", i, all)
		}
	}
}
