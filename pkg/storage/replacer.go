package storage

// FrameID is the key a Replacer tracks. BufferPool keys its frames by
// page, so it passes a page's id as that page's FrameID.
type FrameID int

// Replacer chooses which buffer pool frame to evict when a new page
// must be brought in. Implementations track which frames are
// "evictable" (unpinned) versus pinned, and pick a victim among the
// evictable set according to their own policy (LRU, CLOCK, ...).
type Replacer interface {
	// Victim selects and removes a frame to evict, returning false if
	// no frame is currently evictable.
	Victim() (FrameID, bool)

	// Pin marks a frame as in-use: it must not be chosen as a victim
	// until a matching Unpin.
	Pin(FrameID)

	// Unpin marks a frame as evictable and records an access to it for
	// the policy's recency/reference bookkeeping.
	Unpin(FrameID)

	// Remove drops all bookkeeping for a frame, e.g. when its page is
	// deleted outright.
	Remove(FrameID)

	// Size returns the number of frames currently evictable.
	Size() int
}
