package storage

import (
	"bytes"
	"testing"
)

func TestSlottedPageInsertAndGet(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	slot, err := sp.InsertTuple([]byte("hello"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if slot != 0 {
		t.Errorf("expected slot 0, got %d", slot)
	}

	got, err := sp.GetTuple(slot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("expected 'hello', got %q", got)
	}
	if sp.SlotCount() != 1 {
		t.Errorf("expected slot count 1, got %d", sp.SlotCount())
	}
}

func TestSlottedPageMultipleInserts(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	for i := 0; i < 10; i++ {
		if _, err := sp.InsertTuple([]byte{byte(i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if sp.SlotCount() != 10 {
		t.Errorf("expected 10 slots, got %d", sp.SlotCount())
	}
	for i := 0; i < 10; i++ {
		got, err := sp.GetTuple(uint32(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got[0] != byte(i) {
			t.Errorf("slot %d: expected %d, got %d", i, i, got[0])
		}
	}
}

func TestSlottedPageDeleteAndRollback(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	slot, _ := sp.InsertTuple([]byte("keep me"))
	if err := sp.MarkDelete(slot); err != nil {
		t.Fatalf("mark delete: %v", err)
	}
	if _, err := sp.GetTuple(slot); err != ErrTupleDeleted {
		t.Errorf("expected ErrTupleDeleted, got %v", err)
	}
	if deleted, _ := sp.IsDeleted(slot); !deleted {
		t.Error("expected slot to be marked deleted")
	}

	if err := sp.RollbackDelete(slot); err != nil {
		t.Fatalf("rollback delete: %v", err)
	}
	got, err := sp.GetTuple(slot)
	if err != nil {
		t.Fatalf("get after rollback: %v", err)
	}
	if string(got) != "keep me" {
		t.Errorf("expected 'keep me', got %q", got)
	}
}

func TestSlottedPageUpdateSameSize(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	slot, _ := sp.InsertTuple([]byte("AAAAA"))
	before := sp.freeSpacePointer()
	if err := sp.UpdateTuple(slot, []byte("BBBBB")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if sp.freeSpacePointer() != before {
		t.Error("expected in-place update to not move the free space pointer")
	}
	got, _ := sp.GetTuple(slot)
	if string(got) != "BBBBB" {
		t.Errorf("expected 'BBBBB', got %q", got)
	}
}

func TestSlottedPageUpdateDifferentSize(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	slot, _ := sp.InsertTuple([]byte("short"))
	before := sp.freeSpacePointer()
	if err := sp.UpdateTuple(slot, []byte("a much longer replacement value")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if sp.freeSpacePointer() == before {
		t.Error("expected a differently-sized update to move the free space pointer")
	}
	got, _ := sp.GetTuple(slot)
	if string(got) != "a much longer replacement value" {
		t.Errorf("unexpected payload: %q", got)
	}
}

func TestSlottedPageInvalidSlot(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	if _, err := sp.GetTuple(0); err != ErrInvalidSlot {
		t.Errorf("expected ErrInvalidSlot, got %v", err)
	}
}

func TestSlottedPageFillsUp(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	payload := make([]byte, 200)
	count := 0
	for {
		if _, err := sp.InsertTuple(payload); err != nil {
			if err != ErrNoSpace {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		count++
	}
	if count == 0 {
		t.Error("expected at least one tuple to fit")
	}
}

func TestSlottedPageNextPageIDDefaultsInvalid(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	if sp.NextPageID() != InvalidPageID {
		t.Errorf("expected invalid next page id, got %d", sp.NextPageID())
	}
	sp.SetNextPageID(42)
	if sp.NextPageID() != 42 {
		t.Errorf("expected next page id 42, got %d", sp.NextPageID())
	}
}

func TestSlottedPageIterationSkipsDeleted(t *testing.T) {
	page := NewPage(1, PageTypeData)
	sp := NewSlottedPage(page)
	sp.Init()

	s0, _ := sp.InsertTuple([]byte("a"))
	s1, _ := sp.InsertTuple([]byte("b"))
	s2, _ := sp.InsertTuple([]byte("c"))
	sp.MarkDelete(s1)

	rid, err := sp.NextTupleRID(RID{PageID: page.ID, SlotID: ^uint32(0)})
	if err != nil || rid.SlotID != s0 {
		t.Fatalf("expected first slot %d, got %+v (err %v)", s0, rid, err)
	}
	rid, err = sp.NextTupleRID(rid)
	if err != nil || rid.SlotID != s2 {
		t.Fatalf("expected slot %d skipping deleted %d, got %+v (err %v)", s2, s1, rid, err)
	}
}
