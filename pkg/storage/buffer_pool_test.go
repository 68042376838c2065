package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestPool(t *testing.T, capacity int) (*BufferPool, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "bufferpool")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	pager, err := NewPager(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	bp := NewBufferPool(capacity, pager, NewLRUReplacer(), nil)
	return bp, func() {
		pager.Close()
		os.RemoveAll(dir)
	}
}

func TestBufferPoolEviction(t *testing.T) {
	bp, cleanup := newTestPool(t, 3)
	defer cleanup()

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()
	page3, _ := bp.NewPage()
	bp.UnpinPage(page1.ID, false)
	bp.UnpinPage(page2.ID, false)
	bp.UnpinPage(page3.ID, false)

	page4, err := bp.NewPage()
	if err != nil {
		t.Fatalf("allocate page after buffer full: %v", err)
	}
	if page4 == nil {
		t.Fatal("expected non-nil page")
	}

	if bp.Stats().Evictions == 0 {
		t.Error("expected at least one eviction")
	}
}

func TestBufferPoolEvictionWithDirtyPage(t *testing.T) {
	bp, cleanup := newTestPool(t, 2)
	defer cleanup()

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()

	copy(page1.Body, []byte("dirty data"))
	page1.MarkDirty()
	bp.UnpinPage(page1.ID, true)
	bp.UnpinPage(page2.ID, false)

	page3, err := bp.NewPage()
	if err != nil {
		t.Fatalf("allocate page: %v", err)
	}
	if page3 == nil {
		t.Fatal("expected non-nil page")
	}

	fetched, err := bp.FetchPage(page1.ID)
	if err != nil {
		t.Fatalf("fetch evicted page: %v", err)
	}
	if got := string(fetched.Body[:len("dirty data")]); got != "dirty data" {
		t.Errorf("expected 'dirty data', got %q", got)
	}
}

func TestBufferPoolFetchNonExistent(t *testing.T) {
	bp, cleanup := newTestPool(t, 10)
	defer cleanup()

	page, err := bp.FetchPage(100)
	if err != nil {
		t.Fatalf("fetch non-existent page: %v", err)
	}
	if page.ID != 100 {
		t.Errorf("expected page id 100, got %d", page.ID)
	}
}

func TestBufferPoolFlushNonExistentPage(t *testing.T) {
	bp, cleanup := newTestPool(t, 10)
	defer cleanup()

	if err := bp.FlushPage(999); err == nil {
		t.Error("expected error flushing page not in pool")
	}
}

func TestBufferPoolFlushCleanPage(t *testing.T) {
	bp, cleanup := newTestPool(t, 10)
	defer cleanup()

	page, _ := bp.NewPage()
	bp.UnpinPage(page.ID, false)

	if err := bp.FlushPage(page.ID); err != nil {
		t.Fatalf("flush clean page: %v", err)
	}
}

func TestBufferPoolDeletePageNotPinned(t *testing.T) {
	bp, cleanup := newTestPool(t, 10)
	defer cleanup()

	page, _ := bp.NewPage()
	bp.UnpinPage(page.ID, false)

	if err := bp.DeletePage(page.ID); err != nil {
		t.Fatalf("delete unpinned page: %v", err)
	}
}

func TestBufferPoolNewPageWhenFull(t *testing.T) {
	bp, cleanup := newTestPool(t, 2)
	defer cleanup()

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()
	if page1.PinCount != 1 || page2.PinCount != 1 {
		t.Error("expected both pages pinned")
	}

	bp.UnpinPage(page1.ID, false)

	page3, err := bp.NewPage()
	if err != nil {
		t.Fatalf("allocate page: %v", err)
	}
	if page3 == nil {
		t.Fatal("expected non-nil page")
	}
}

func TestBufferPoolUnpinNonExistentPage(t *testing.T) {
	bp, cleanup := newTestPool(t, 10)
	defer cleanup()

	if err := bp.UnpinPage(999, false); err == nil {
		t.Error("expected error unpinning page not in pool")
	}
}

func TestBufferPoolMultiplePinUnpin(t *testing.T) {
	bp, cleanup := newTestPool(t, 10)
	defer cleanup()

	page, _ := bp.NewPage()
	pageID := page.ID

	bp.FetchPage(pageID)
	bp.FetchPage(pageID)

	bp.UnpinPage(pageID, false)

	f := bp.frames[pageID]
	if f.page.PinCount != 2 {
		t.Errorf("expected pin count 2, got %d", f.page.PinCount)
	}

	bp.UnpinPage(pageID, false)
	bp.UnpinPage(pageID, false)

	if f.page.IsPinned() {
		t.Error("expected page to be unpinned")
	}
}

func TestBufferPoolStatsHitRate(t *testing.T) {
	bp, cleanup := newTestPool(t, 10)
	defer cleanup()

	page, _ := bp.NewPage()
	bp.UnpinPage(page.ID, false)

	bp.FetchPage(page.ID)
	bp.UnpinPage(page.ID, false)

	stats := bp.Stats()
	if stats.Hits == 0 {
		t.Error("expected at least one cache hit")
	}
	if stats.HitRate == 0.0 {
		t.Error("expected non-zero hit rate")
	}
}

func TestBufferPoolLRUOrdering(t *testing.T) {
	bp, cleanup := newTestPool(t, 3)
	defer cleanup()

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()
	page3, _ := bp.NewPage()
	bp.UnpinPage(page1.ID, false)
	bp.UnpinPage(page2.ID, false)
	bp.UnpinPage(page3.ID, false)

	bp.FetchPage(page1.ID)
	bp.UnpinPage(page1.ID, false)

	page4, _ := bp.NewPage()
	bp.UnpinPage(page4.ID, false)

	if _, exists := bp.frames[page2.ID]; exists {
		t.Error("expected page2 to be evicted")
	}
	if _, ok1 := bp.frames[page1.ID]; !ok1 {
		t.Error("expected page1 to still be in the pool")
	}
	if _, ok3 := bp.frames[page3.ID]; !ok3 {
		t.Error("expected page3 to still be in the pool")
	}
}

func TestBufferPoolWithClockReplacer(t *testing.T) {
	dir, err := os.MkdirTemp("", "bufferpool-clock")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	pager, err := NewPager(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	defer pager.Close()

	bp := NewBufferPool(2, pager, NewClockReplacer(2), nil)

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()
	bp.UnpinPage(page1.ID, false)
	bp.UnpinPage(page2.ID, false)

	page3, err := bp.NewPage()
	if err != nil {
		t.Fatalf("allocate page with clock replacer: %v", err)
	}
	if page3 == nil {
		t.Fatal("expected non-nil page")
	}
}
