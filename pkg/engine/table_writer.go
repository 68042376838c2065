package engine

import (
	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/wal"
)

// poolTableWriter implements wal.TableWriter directly over the buffer
// pool: every rid carries its own page id, so no catalog lookup by
// table OID is needed to find the right page. table is accepted only
// to satisfy the interface; the physical location is entirely
// determined by rid.
type poolTableWriter struct {
	pool *storage.BufferPool
}

func newPoolTableWriter(pool *storage.BufferPool) *poolTableWriter {
	return &poolTableWriter{pool: pool}
}

func toStorageRID(r wal.RID) storage.RID {
	return storage.RID{PageID: storage.PageID(r.PageID), SlotID: r.SlotID}
}

func (w *poolTableWriter) PageLSN(table uint32, rid wal.RID) (uint64, bool) {
	page, err := w.pool.FetchPage(storage.PageID(rid.PageID))
	if err != nil {
		return 0, false
	}
	lsn := page.LSN
	w.pool.UnpinPage(page.ID, false)
	return lsn, true
}

// freshlyZeroed reports whether sp's page has never been Init'd: a
// page that was allocated (its id reserved) but crashed before its
// first write reads back as all zero bytes, and Init is the only
// thing that ever sets the free-space pointer away from zero. A zero
// free-space pointer with no slots reports the whole body as free.
func freshlyZeroed(sp *storage.SlottedPage) bool {
	return sp.SlotCount() == 0 && sp.FreeSpaceRemaining() == storage.PageSize-storage.PageHeaderSize
}

func (w *poolTableWriter) ApplyInsert(table uint32, rid wal.RID, after []byte, lsn uint64) error {
	r := toStorageRID(rid)
	page, err := w.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	defer w.pool.UnpinPage(r.PageID, true)

	sp := storage.NewSlottedPage(page)
	if freshlyZeroed(sp) {
		sp.Init()
	}
	if err := sp.WriteTupleAt(r.SlotID, after); err != nil {
		return err
	}
	page.LSN = lsn
	return nil
}

func (w *poolTableWriter) ApplyDelete(table uint32, rid wal.RID, lsn uint64) error {
	r := toStorageRID(rid)
	page, err := w.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	defer w.pool.UnpinPage(r.PageID, true)
	if err := storage.NewSlottedPage(page).MarkDelete(r.SlotID); err != nil {
		return err
	}
	page.LSN = lsn
	return nil
}

func (w *poolTableWriter) ApplyUpdate(table uint32, rid wal.RID, after []byte, lsn uint64) error {
	r := toStorageRID(rid)
	page, err := w.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	defer w.pool.UnpinPage(r.PageID, true)
	if err := storage.NewSlottedPage(page).UpdateTuple(r.SlotID, after); err != nil {
		return err
	}
	page.LSN = lsn
	return nil
}

func (w *poolTableWriter) RollbackInsert(table uint32, rid wal.RID) error {
	r := toStorageRID(rid)
	page, err := w.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	defer w.pool.UnpinPage(r.PageID, true)
	return storage.NewSlottedPage(page).MarkDelete(r.SlotID)
}

func (w *poolTableWriter) RollbackDelete(table uint32, rid wal.RID, before []byte) error {
	r := toStorageRID(rid)
	page, err := w.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	defer w.pool.UnpinPage(r.PageID, true)
	return storage.NewSlottedPage(page).RollbackDelete(r.SlotID)
}

func (w *poolTableWriter) RollbackUpdate(table uint32, rid wal.RID, before []byte) error {
	r := toStorageRID(rid)
	page, err := w.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	defer w.pool.UnpinPage(r.PageID, true)
	return storage.NewSlottedPage(page).UpdateTuple(r.SlotID, before)
}
