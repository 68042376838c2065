package storage

import "errors"

var (
	// ErrChecksumMismatch means a page's stamped checksum does not match
	// its contents; surfaced to callers as a Corruption-kind failure.
	ErrChecksumMismatch = errors.New("storage: page checksum mismatch")

	// ErrPagePinned is returned when an operation (delete, eviction)
	// requires a page to be unpinned and it is not.
	ErrPagePinned = errors.New("storage: page is pinned")

	// ErrBufferPoolFull is returned when BufferPool.NewPage or FetchPage
	// cannot find any evictable frame.
	ErrBufferPoolFull = errors.New("storage: buffer pool exhausted, no evictable frame")

	// ErrPageNotFound is returned when a page id is not present in the
	// buffer pool and cannot be read from disk either.
	ErrPageNotFound = errors.New("storage: page not found")

	// ErrInvalidSlot is returned for an out-of-range or never-allocated
	// slot id on a slotted page.
	ErrInvalidSlot = errors.New("storage: invalid slot id")

	// ErrTupleTooLarge is returned when a tuple cannot fit in an empty
	// page, so no amount of compaction or chaining would help.
	ErrTupleTooLarge = errors.New("storage: tuple larger than a page")

	// ErrNoSpace is returned when a page lacks room for an insert or
	// in-place update, distinct from ErrTupleTooLarge (which means no
	// page ever could hold it).
	ErrNoSpace = errors.New("storage: insufficient page space")

	// ErrTupleDeleted is returned when reading a tuple whose slot is
	// marked deleted.
	ErrTupleDeleted = errors.New("storage: tuple has been deleted")

	// ErrClosed names the closed condition. The pager and buffer pool do
	// not return it; a closed Pager reports the underlying file error.
	ErrClosed = errors.New("storage: engine is closed")
)
