package storage

import "testing"

func TestPageSerializeDeserialize(t *testing.T) {
	original := NewPage(5, PageTypeData)
	copy(original.Body, []byte("test page data"))
	original.IsDirty = true
	original.LSN = 42

	data := original.Serialize()

	deserialized := NewPage(0, PageTypeData)
	if err := deserialized.Deserialize(data); err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if deserialized.ID != original.ID {
		t.Errorf("ID mismatch: expected %d, got %d", original.ID, deserialized.ID)
	}
	if deserialized.Type != original.Type {
		t.Errorf("Type mismatch: expected %d, got %d", original.Type, deserialized.Type)
	}
	if deserialized.LSN != original.LSN {
		t.Errorf("LSN mismatch: expected %d, got %d", original.LSN, deserialized.LSN)
	}

	got := deserialized.Body[:len("test page data")]
	if string(got) != "test page data" {
		t.Errorf("Body mismatch: got %q", string(got))
	}
}

func TestPageDeserializeTooShort(t *testing.T) {
	page := NewPage(0, PageTypeData)
	if err := page.Deserialize(make([]byte, 10)); err == nil {
		t.Error("expected error deserializing undersized buffer")
	}
}

func TestPageDeserializeChecksumMismatch(t *testing.T) {
	original := NewPage(1, PageTypeData)
	copy(original.Body, []byte("payload"))
	data := original.Serialize()
	data[PageHeaderSize] ^= 0xFF // corrupt the body after the checksum was stamped

	page := NewPage(0, PageTypeData)
	if err := page.Deserialize(data); err != ErrChecksumMismatch {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestPageIsPinned(t *testing.T) {
	page := NewPage(0, PageTypeData)

	if page.IsPinned() {
		t.Error("expected page to not be pinned initially")
	}

	page.Pin()
	if !page.IsPinned() || page.PinCount != 1 {
		t.Errorf("expected pin count 1, got %d", page.PinCount)
	}

	page.Pin()
	if page.PinCount != 2 {
		t.Errorf("expected pin count 2, got %d", page.PinCount)
	}

	page.Unpin()
	if page.PinCount != 1 || !page.IsPinned() {
		t.Errorf("expected pin count 1 after unpin, got %d", page.PinCount)
	}

	page.Unpin()
	if page.IsPinned() || page.PinCount != 0 {
		t.Errorf("expected pin count 0, got %d", page.PinCount)
	}
}

func TestPageMarkDirty(t *testing.T) {
	page := NewPage(0, PageTypeData)
	if page.IsDirty {
		t.Error("expected page to not be dirty initially")
	}
	page.MarkDirty()
	if !page.IsDirty {
		t.Error("expected page to be dirty after MarkDirty")
	}
}

func TestPageTypes(t *testing.T) {
	types := []PageType{PageTypeData, PageTypeIndex, PageTypeCatalog, PageTypeOverflow}
	for _, pt := range types {
		page := NewPage(0, pt)
		if page.Type != pt {
			t.Errorf("expected page type %d, got %d", pt, page.Type)
		}
	}
}

func TestPageBodySize(t *testing.T) {
	page := NewPage(0, PageTypeData)
	if len(page.Body) == 0 {
		t.Error("expected non-zero body size")
	}
	if len(page.Body) > PageSize {
		t.Errorf("body size %d exceeds PageSize %d", len(page.Body), PageSize)
	}
	if len(page.Body) != PageSize-PageHeaderSize {
		t.Errorf("expected body size %d, got %d", PageSize-PageHeaderSize, len(page.Body))
	}
}

func TestPageSerializeIndexType(t *testing.T) {
	page := NewPage(10, PageTypeIndex)
	copy(page.Body, []byte("index data"))
	page.LSN = 100

	data := page.Serialize()

	deserialized := NewPage(0, PageTypeData)
	if err := deserialized.Deserialize(data); err != nil {
		t.Fatalf("deserialize index page: %v", err)
	}
	if deserialized.Type != PageTypeIndex {
		t.Errorf("expected index type, got %d", deserialized.Type)
	}
}
