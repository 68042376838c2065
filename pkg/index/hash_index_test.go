package index

import (
	"testing"

	"github.com/mnohosten/latticedb/pkg/storage"
)

func TestHashIndexInsertAndScanKey(t *testing.T) {
	h := NewHashIndex(false)
	rid := storage.RID{PageID: 1, SlotID: 0}
	if err := h.Insert(intKey(42), rid); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := h.ScanKey(intKey(42))
	if err != nil {
		t.Fatalf("scan key: %v", err)
	}
	if len(got) != 1 || got[0] != rid {
		t.Errorf("expected [%v], got %v", rid, got)
	}
}

func TestHashIndexUniqueRejectsDuplicate(t *testing.T) {
	h := NewHashIndex(true)
	h.Insert(intKey(1), storage.RID{PageID: 1, SlotID: 0})
	if err := h.Insert(intKey(1), storage.RID{PageID: 1, SlotID: 1}); err != ErrDuplicateKey {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestHashIndexDuplicatesAllowedWhenNotUnique(t *testing.T) {
	h := NewHashIndex(false)
	h.Insert(intKey(1), storage.RID{PageID: 1, SlotID: 0})
	h.Insert(intKey(1), storage.RID{PageID: 1, SlotID: 1})
	got, err := h.ScanKey(intKey(1))
	if err != nil {
		t.Fatalf("scan key: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rids, got %d", len(got))
	}
}

func TestHashIndexDelete(t *testing.T) {
	h := NewHashIndex(false)
	rid := storage.RID{PageID: 1, SlotID: 0}
	h.Insert(intKey(5), rid)
	if err := h.Delete(intKey(5), rid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := h.ScanKey(intKey(5))
	if err != nil {
		t.Fatalf("scan key: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty after delete, got %v", got)
	}
	if err := h.Delete(intKey(5), rid); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestHashIndexScanRangeAndAll(t *testing.T) {
	h := NewHashIndex(false)
	for i := int64(0); i < 20; i++ {
		h.Insert(intKey(i), storage.RID{PageID: storage.PageID(i), SlotID: 0})
	}

	all, err := h.ScanAll()
	if err != nil {
		t.Fatalf("scan all: %v", err)
	}
	if len(all) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].PageID >= all[i].PageID {
			t.Fatalf("scan all not ordered at %d: %v", i, all)
		}
	}

	lo := intKey(5)
	hi := intKey(10)
	ranged, err := h.ScanRange(&lo, &hi)
	if err != nil {
		t.Fatalf("scan range: %v", err)
	}
	if len(ranged) != 6 {
		t.Fatalf("expected 6 entries in [5,10], got %d", len(ranged))
	}
}
