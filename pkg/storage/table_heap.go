package storage

import "fmt"

// TableHeap is an unordered collection of tuples spread across a chain
// of slotted pages linked by the next-page-id field in each page's
// header.
type TableHeap struct {
	pool        *BufferPool
	firstPageID PageID
}

// NewTableHeap allocates the first page of a brand-new heap.
func NewTableHeap(pool *BufferPool) (*TableHeap, error) {
	page, err := pool.NewPage()
	if err != nil {
		return nil, fmt.Errorf("storage: allocate table heap first page: %w", err)
	}
	NewSlottedPage(page).Init()
	firstID := page.ID
	if err := pool.UnpinPage(firstID, true); err != nil {
		return nil, err
	}
	return &TableHeap{pool: pool, firstPageID: firstID}, nil
}

// OpenTableHeap wraps an existing chain whose first page is firstPageID
// (as recorded in the catalog).
func OpenTableHeap(pool *BufferPool, firstPageID PageID) *TableHeap {
	return &TableHeap{pool: pool, firstPageID: firstPageID}
}

func (h *TableHeap) FirstPageID() PageID { return h.firstPageID }

// InsertTuple appends data as a new tuple, scanning the page chain
// starting at the first page for one with enough free space and
// extending the chain with a fresh page if none is found.
func (h *TableHeap) InsertTuple(data []byte) (RID, error) {
	if 4+len(data)+slotEntrySize+tablePageHeaderSize > PageSize-PageHeaderSize {
		return RID{}, ErrTupleTooLarge
	}

	pageID := h.firstPageID
	var lastPageID PageID
	for {
		page, err := h.pool.FetchPage(pageID)
		if err != nil {
			return RID{}, err
		}
		sp := NewSlottedPage(page)
		slot, err := sp.InsertTuple(data)
		if err == nil {
			rid := RID{PageID: pageID, SlotID: slot}
			h.pool.UnpinPage(pageID, true)
			return rid, nil
		}
		next := sp.NextPageID()
		lastPageID = pageID
		h.pool.UnpinPage(pageID, false)
		if next == InvalidPageID {
			break
		}
		pageID = next
	}

	newPage, err := h.pool.NewPage()
	if err != nil {
		return RID{}, fmt.Errorf("storage: extend table heap: %w", err)
	}
	newSP := NewSlottedPage(newPage)
	newSP.Init()
	slot, err := newSP.InsertTuple(data)
	if err != nil {
		h.pool.UnpinPage(newPage.ID, false)
		return RID{}, err
	}
	newID := newPage.ID
	h.pool.UnpinPage(newID, true)

	lastPage, err := h.pool.FetchPage(lastPageID)
	if err != nil {
		return RID{}, err
	}
	NewSlottedPage(lastPage).SetNextPageID(newID)
	h.pool.UnpinPage(lastPageID, true)

	return RID{PageID: newID, SlotID: slot}, nil
}

// GetTuple returns the payload for rid.
func (h *TableHeap) GetTuple(rid RID) ([]byte, error) {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return nil, err
	}
	defer h.pool.UnpinPage(rid.PageID, false)
	return NewSlottedPage(page).GetTuple(rid.SlotID)
}

// MarkDelete soft-deletes rid's tuple.
func (h *TableHeap) MarkDelete(rid RID) error {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	defer h.pool.UnpinPage(rid.PageID, true)
	return NewSlottedPage(page).MarkDelete(rid.SlotID)
}

// RollbackDelete undoes a prior MarkDelete on rid.
func (h *TableHeap) RollbackDelete(rid RID) error {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	defer h.pool.UnpinPage(rid.PageID, true)
	return NewSlottedPage(page).RollbackDelete(rid.SlotID)
}

// UpdateTuple overwrites rid's payload with newData.
func (h *TableHeap) UpdateTuple(rid RID, newData []byte) error {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	defer h.pool.UnpinPage(rid.PageID, true)
	return NewSlottedPage(page).UpdateTuple(rid.SlotID, newData)
}

// Iterator walks every non-deleted tuple in the heap in physical
// (page, slot) order.
type Iterator struct {
	heap *TableHeap
	cur  RID
	done bool
}

// Begin returns an iterator positioned before the heap's first tuple.
func (h *TableHeap) Begin() *Iterator {
	return &Iterator{heap: h, cur: RID{PageID: h.firstPageID, SlotID: ^uint32(0)}}
}

// Next advances the iterator and returns the next RID, or
// ErrInvalidSlot once the heap is exhausted.
func (it *Iterator) Next() (RID, error) {
	if it.done {
		return RID{}, ErrInvalidSlot
	}

	pageID := it.cur.PageID
	slotID := it.cur.SlotID
	for {
		page, err := it.heap.pool.FetchPage(pageID)
		if err != nil {
			it.done = true
			return RID{}, err
		}
		sp := NewSlottedPage(page)
		rid, err := sp.NextTupleRID(RID{PageID: pageID, SlotID: slotID})
		if err == nil {
			it.heap.pool.UnpinPage(pageID, false)
			it.cur = rid
			return rid, nil
		}
		next := sp.NextPageID()
		it.heap.pool.UnpinPage(pageID, false)
		if next == InvalidPageID {
			it.done = true
			return RID{}, ErrInvalidSlot
		}
		pageID = next
		slotID = ^uint32(0)
	}
}
