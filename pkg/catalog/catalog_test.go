package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/types"
)

func newTestCatalog(t *testing.T, poolSize int) (*Catalog, *storage.BufferPool, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "catalog")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	pager, err := storage.NewPager(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	pool := storage.NewBufferPool(poolSize, pager, storage.NewLRUReplacer(), nil)
	cat, err := Open(pool)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	return cat, pool, func() {
		pager.Close()
		os.RemoveAll(dir)
	}
}

func testSchema() *types.Schema {
	return types.NewSchema(
		types.Column{Name: "id", Type: types.TypeInt64},
		types.Column{Name: "name", Type: types.TypeString},
	)
}

func TestCatalogCreateAndGetTable(t *testing.T) {
	cat, _, cleanup := newTestCatalog(t, 10)
	defer cleanup()

	tbl, err := cat.CreateTable("users", testSchema(), storage.PageID(1))
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	if tbl.OID == 0 {
		t.Error("expected a nonzero table OID")
	}

	got, err := cat.GetTable("users")
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	if got.Name != "users" || got.FirstPageID != storage.PageID(1) {
		t.Errorf("unexpected table: %+v", got)
	}
	if got.Schema.Len() != 2 {
		t.Errorf("expected 2 columns, got %d", got.Schema.Len())
	}
}

func TestCatalogDuplicateTableRejected(t *testing.T) {
	cat, _, cleanup := newTestCatalog(t, 10)
	defer cleanup()

	if _, err := cat.CreateTable("users", testSchema(), storage.PageID(1)); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := cat.CreateTable("users", testSchema(), storage.PageID(2)); err != ErrTableExists {
		t.Errorf("expected ErrTableExists, got %v", err)
	}
}

func TestCatalogDropTableRemovesIndexes(t *testing.T) {
	cat, _, cleanup := newTestCatalog(t, 10)
	defer cleanup()

	cat.CreateTable("users", testSchema(), storage.PageID(1))
	if _, err := cat.CreateIndex("users_id_idx", "users", 0, true, BTreeIndex, storage.PageID(2)); err != nil {
		t.Fatalf("create index: %v", err)
	}

	if err := cat.DropTable("users"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, err := cat.GetTable("users"); err != ErrTableNotFound {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
	if _, err := cat.GetIndex("users_id_idx"); err != ErrIndexNotFound {
		t.Errorf("expected dropped index to disappear, got %v", err)
	}
}

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "catalog")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "test.db")

	pager1, err := storage.NewPager(dbPath)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	pool1 := storage.NewBufferPool(10, pager1, storage.NewLRUReplacer(), nil)
	cat1, err := Open(pool1)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	if _, err := cat1.CreateTable("orders", testSchema(), storage.PageID(5)); err != nil {
		t.Fatalf("create table: %v", err)
	}
	instanceID := cat1.InstanceID()
	pager1.Close()

	pager2, err := storage.NewPager(dbPath)
	if err != nil {
		t.Fatalf("reopen pager: %v", err)
	}
	defer pager2.Close()
	pool2 := storage.NewBufferPool(10, pager2, storage.NewLRUReplacer(), nil)
	cat2, err := Open(pool2)
	if err != nil {
		t.Fatalf("reopen catalog: %v", err)
	}

	if cat2.InstanceID() != instanceID {
		t.Error("expected instance id to persist across reopen")
	}
	tbl, err := cat2.GetTable("orders")
	if err != nil {
		t.Fatalf("expected orders table to survive reopen: %v", err)
	}
	if tbl.FirstPageID != storage.PageID(5) {
		t.Errorf("expected first page id 5, got %d", tbl.FirstPageID)
	}
}

func TestCatalogOverflowChainForManyTables(t *testing.T) {
	cat, _, cleanup := newTestCatalog(t, 50)
	defer cleanup()

	// Enough tables (each with a modestly sized schema) to force the
	// directory past a single page and into the overflow chain.
	for i := 0; i < 200; i++ {
		name := "table_" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if _, err := cat.CreateTable(name, testSchema(), storage.PageID(i+1)); err != nil {
			t.Fatalf("create table %d (%s): %v", i, name, err)
		}
	}
	if len(cat.ListTables()) != 200 {
		t.Fatalf("expected 200 tables, got %d", len(cat.ListTables()))
	}
}

func TestCatalogIndexLookupByTable(t *testing.T) {
	cat, _, cleanup := newTestCatalog(t, 10)
	defer cleanup()

	cat.CreateTable("users", testSchema(), storage.PageID(1))
	cat.CreateIndex("users_id_idx", "users", 0, true, BTreeIndex, storage.PageID(2))
	cat.CreateIndex("users_name_idx", "users", 1, false, HashIndex, storage.PageID(3))

	idxs, err := cat.IndexesForTable("users")
	if err != nil {
		t.Fatalf("indexes for table: %v", err)
	}
	if len(idxs) != 2 {
		t.Errorf("expected 2 indexes, got %d", len(idxs))
	}
}

func TestCatalogInvalidNameRejected(t *testing.T) {
	cat, _, cleanup := newTestCatalog(t, 10)
	defer cleanup()

	if _, err := cat.CreateTable("", testSchema(), storage.PageID(1)); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName for empty name, got %v", err)
	}
	if _, err := cat.CreateTable("bad name!", testSchema(), storage.PageID(1)); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName for invalid characters, got %v", err)
	}
}
