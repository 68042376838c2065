package storage

import (
	"fmt"
	"sync"
)

// LogFlusher is the slice of wal.LogManager the buffer pool depends on:
// before writing a dirty page back to disk, it must force the WAL to
// durably hold every log record up to that page's LSN. Declared here
// rather than imported to avoid a storage<->wal import cycle; wal.LogManager
// satisfies this interface.
type LogFlusher interface {
	ForceFlushUntil(lsn uint64) error
}

type frame struct {
	page *Page
}

// BufferPool caches pages in memory over a Pager, evicting via a
// pluggable Replacer policy and honoring the write-ahead-log ordering
// invariant: a dirty page is never written back before its LSN is
// durable.
type BufferPool struct {
	mu        sync.RWMutex
	capacity  int
	frames    map[PageID]*frame
	replacer  Replacer
	pager     *Pager
	log       LogFlusher
	evictions int
	hits      int
	misses    int
}

// NewBufferPool constructs a pool of the given capacity over pager,
// using replacer for eviction decisions. log may be nil (tests that
// don't exercise WAL ordering), in which case the pre-write-back flush
// hook is skipped.
func NewBufferPool(capacity int, pager *Pager, replacer Replacer, log LogFlusher) *BufferPool {
	return &BufferPool{
		capacity: capacity,
		frames:   make(map[PageID]*frame, capacity),
		replacer: replacer,
		pager:    pager,
		log:      log,
	}
}

// FetchPage returns a pinned handle to pageID, reading it from disk on
// a cache miss.
func (bp *BufferPool) FetchPage(pageID PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if f, ok := bp.frames[pageID]; ok {
		f.page.Pin()
		bp.replacer.Pin(FrameID(pageID))
		bp.hits++
		return f.page, nil
	}

	bp.misses++

	if len(bp.frames) >= bp.capacity {
		if err := bp.evictLocked(); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	page, err := bp.pager.ReadPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("storage: read page from disk: %w", err)
	}

	bp.frames[pageID] = &frame{page: page}
	page.Pin()
	bp.replacer.Pin(FrameID(pageID))
	return page, nil
}

// NewPage allocates a fresh page via the pager and returns it pinned.
func (bp *BufferPool) NewPage() (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.frames) >= bp.capacity {
		if err := bp.evictLocked(); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	id := bp.pager.Allocate()
	page := NewPage(id, PageTypeData)
	page.MarkDirty()

	bp.frames[id] = &frame{page: page}
	page.Pin()
	bp.replacer.Pin(FrameID(id))
	return page, nil
}

// UnpinPage releases one pin on pageID, optionally marking it dirty.
// Once a page's pin count drops to zero it becomes eligible for
// eviction.
func (bp *BufferPool) UnpinPage(pageID PageID, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	f, ok := bp.frames[pageID]
	if !ok {
		return fmt.Errorf("storage: page %d not in buffer pool", pageID)
	}

	f.page.Unpin()
	if isDirty {
		f.page.MarkDirty()
	}
	if !f.page.IsPinned() {
		bp.replacer.Unpin(FrameID(pageID))
	}
	return nil
}

// flushLocked writes a page back to disk, first forcing the WAL
// durable up to the page's LSN if a LogFlusher was configured.
func (bp *BufferPool) flushLocked(p *Page) error {
	if !p.IsDirty {
		return nil
	}
	if bp.log != nil {
		if err := bp.log.ForceFlushUntil(p.LSN); err != nil {
			return fmt.Errorf("force flush WAL before page write-back: %w", err)
		}
	}
	if err := bp.pager.WritePage(p); err != nil {
		return fmt.Errorf("write page to disk: %w", err)
	}
	p.IsDirty = false
	return nil
}

// FlushPage writes pageID back to disk if dirty.
func (bp *BufferPool) FlushPage(pageID PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	f, ok := bp.frames[pageID]
	if !ok {
		return fmt.Errorf("storage: page %d not in buffer pool", pageID)
	}
	return bp.flushLocked(f.page)
}

// FlushAllPages writes every dirty page in the pool back to disk.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for pageID, f := range bp.frames {
		if err := bp.flushLocked(f.page); err != nil {
			return fmt.Errorf("storage: flush page %d: %w", pageID, err)
		}
	}
	return nil
}

// evictLocked asks the replacer for a victim frame and removes it,
// flushing first if dirty. Caller must hold bp.mu.
func (bp *BufferPool) evictLocked() error {
	victim, ok := bp.replacer.Victim()
	if !ok {
		return ErrBufferPoolFull
	}
	pageID := PageID(victim)
	f, ok := bp.frames[pageID]
	if !ok {
		return ErrBufferPoolFull
	}
	if err := bp.flushLocked(f.page); err != nil {
		return fmt.Errorf("flush page during eviction: %w", err)
	}
	delete(bp.frames, pageID)
	bp.evictions++
	return nil
}

// DeletePage removes pageID from the pool (refusing if pinned) and
// tells the pager to deallocate it (a no-op, per the kernel's leaking
// deallocate policy).
func (bp *BufferPool) DeletePage(pageID PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if f, ok := bp.frames[pageID]; ok {
		if f.page.IsPinned() {
			return fmt.Errorf("storage: %w: page %d", ErrPagePinned, pageID)
		}
		bp.replacer.Remove(FrameID(pageID))
		delete(bp.frames, pageID)
	}

	bp.pager.Deallocate(pageID)
	return nil
}

// Stats reports hit/miss/eviction counters for diagnostics.
type BufferPoolStats struct {
	Capacity  int
	Size      int
	Hits      int
	Misses    int
	Evictions int
	HitRate   float64
}

func (bp *BufferPool) Stats() BufferPoolStats {
	bp.mu.RLock()
	defer bp.mu.RUnlock()

	total := bp.hits + bp.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(bp.hits) / float64(total) * 100
	}

	return BufferPoolStats{
		Capacity:  bp.capacity,
		Size:      len(bp.frames),
		Hits:      bp.hits,
		Misses:    bp.misses,
		Evictions: bp.evictions,
		HitRate:   hitRate,
	}
}
