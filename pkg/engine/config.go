package engine

import "time"

// ReplacerKind selects which buffer pool eviction policy an Engine uses.
type ReplacerKind int

const (
	ReplacerLRU ReplacerKind = iota
	ReplacerClock
)

// Config holds everything Open needs to bring up a kernel instance.
type Config struct {
	DataDir string // directory holding the data file and write-ahead log

	BufferPoolSize int          // buffer pool capacity in pages
	Replacer       ReplacerKind // eviction policy

	DeadlockDetectInterval time.Duration // wait-for-graph sweep period
	WALFlushInterval       time.Duration // background log flush period

	// LogBufferSize is the in-memory write-ahead log buffer's capacity
	// in bytes, flushed to disk once full (or on the WALFlushInterval
	// tick, or on demand via a force-flush).
	LogBufferSize int

	// CheckpointInterval, if nonzero, runs a checkpoint on that cadence
	// once the engine is open. Zero disables automatic checkpointing;
	// callers may still call Checkpoint directly.
	CheckpointInterval time.Duration
}

// DefaultConfig returns sensible defaults: a modest buffer pool, LRU
// eviction, a 1 MiB log buffer, and the same deadlock-detection/flush
// cadence the underlying txn/wal packages default to on their own.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                "./data",
		BufferPoolSize:         1024,
		Replacer:               ReplacerLRU,
		DeadlockDetectInterval: 50 * time.Millisecond,
		WALFlushInterval:       20 * time.Millisecond,
		LogBufferSize:          1 << 20,
		CheckpointInterval:     0,
	}
}
