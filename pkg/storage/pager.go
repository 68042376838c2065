package storage

import (
	"fmt"
	"os"
	"sync"
)

// fsyncEveryNWrites mirrors the original pager's behavior of forcing a
// true disk sync periodically rather than on every write.
const fsyncEveryNWrites = 100

// Pager owns the single data file backing an engine and hands out
// fixed-size pages by id. It never reuses a deallocated page id: drop
// operations leak pages, matching the on-disk format's no-op
// deallocate.
type Pager struct {
	mu         sync.Mutex
	file       *os.File
	nextPageID PageID
	writeCount int64
	reads      int64
	writes     int64
	syncs      int64
}

// NewPager opens (creating if necessary) the data file at path and
// computes the next page id from its current size.
func NewPager(path string) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open data file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: stat data file: %w", err)
	}
	next := PageID(info.Size() / PageSize)
	return &Pager{file: f, nextPageID: next}, nil
}

// Allocate reserves and returns the next page id. The page is not
// written to disk until the caller writes it.
func (p *Pager) Allocate() PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextPageID
	p.nextPageID++
	return id
}

// Deallocate is a deliberate no-op: the kernel never reclaims page ids,
// so dropping a table leaks its pages rather than growing a free list.
func (p *Pager) Deallocate(id PageID) {
	_ = id
}

// ReadPage reads PageSize bytes at the given page id. Reading beyond
// the current end of file returns a freshly zeroed page rather than an
// error, matching the convention that allocated-but-never-written
// pages read as all zero.
func (p *Pager) ReadPage(id PageID) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, PageSize)
	n, err := p.file.ReadAt(buf, int64(id)*PageSize)
	p.reads++
	if err != nil && n == 0 {
		page := NewPage(id, PageTypeData)
		return page, nil
	}
	if n < PageSize {
		for i := n; i < PageSize; i++ {
			buf[i] = 0
		}
	}

	if allZero(buf) {
		return NewPage(id, PageTypeData), nil
	}

	page := &Page{}
	if err := page.Deserialize(buf); err != nil {
		return nil, err
	}
	return page, nil
}

// WritePage writes page's serialized form at its page id's offset and,
// every fsyncEveryNWrites writes, forces a true fsync to bound how much
// work crash recovery has to redo.
func (p *Pager) WritePage(page *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := page.Serialize()
	if _, err := p.file.WriteAt(buf, int64(page.ID)*PageSize); err != nil {
		return fmt.Errorf("storage: write page %d: %w", page.ID, err)
	}
	p.writes++
	p.writeCount++
	if p.writeCount%fsyncEveryNWrites == 0 {
		if err := p.file.Sync(); err != nil {
			return fmt.Errorf("storage: sync data file: %w", err)
		}
		p.syncs++
	}
	return nil
}

// Sync forces a durable fsync of the data file unconditionally.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncs++
	return p.file.Sync()
}

// Close flushes and releases the underlying file descriptor.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}

// Stats reports lifetime read/write/sync counters.
type PagerStats struct {
	Reads  int64
	Writes int64
	Syncs  int64
}

func (p *Pager) Stats() PagerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PagerStats{Reads: p.reads, Writes: p.writes, Syncs: p.syncs}
}
