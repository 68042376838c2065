// Package wal implements the kernel's write-ahead log: a background-
// flushed append log (LogManager) and ARIES-style crash recovery
// (RecoveryManager) built on top of it.
package wal

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferCapacity = 64 * 1024
const defaultFlushInterval = 20 * time.Millisecond

// LogManager buffers serialized records in memory and flushes them to
// a single append-only file either periodically, in response to a
// buffer-full condition, or on demand via ForceFlushUntil. It
// satisfies storage.LogFlusher so the buffer pool can enforce the
// write-ahead rule without importing this package.
type LogManager struct {
	mu  sync.Mutex
	buf []byte
	cap int

	nextLSN       uint64 // atomic
	persistentLSN uint64 // atomic

	file *os.File
	path string

	enabled       int32 // atomic bool
	stopCh        chan struct{}
	stopped       chan struct{}
	flushInterval time.Duration

	logger *slog.Logger
}

// NewLogManager opens (creating if necessary) the log file at path.
// Logging starts disabled; call Enable to start the background flush
// goroutine.
func NewLogManager(path string, logger *slog.Logger) (*LogManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogManager{
		buf:           make([]byte, 0, defaultBufferCapacity),
		cap:           defaultBufferCapacity,
		persistentLSN: InvalidLSN,
		file:          f,
		path:          path,
		flushInterval: defaultFlushInterval,
		logger:        logger,
	}, nil
}

// SetFlushInterval overrides the background flush period. Must be
// called before Enable.
func (lm *LogManager) SetFlushInterval(d time.Duration) {
	lm.flushInterval = d
}

// SetBufferSize overrides the in-memory append buffer's capacity. Must
// be called before Enable; shrinking it below the amount already
// buffered flushes immediately so no record is dropped.
func (lm *LogManager) SetBufferSize(n int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.cap = n
	if len(lm.buf) > lm.cap {
		lm.flushLocked()
	}
}

// Enable turns logging on and starts the background flush goroutine.
func (lm *LogManager) Enable() {
	if !atomic.CompareAndSwapInt32(&lm.enabled, 0, 1) {
		return
	}
	lm.stopCh = make(chan struct{})
	lm.stopped = make(chan struct{})
	go lm.runFlushThread()
}

// Disable turns logging off and stops the background flush goroutine,
// flushing whatever remains buffered first.
func (lm *LogManager) Disable() {
	if !atomic.CompareAndSwapInt32(&lm.enabled, 1, 0) {
		return
	}
	close(lm.stopCh)
	<-lm.stopped
	lm.mu.Lock()
	lm.flushLocked()
	lm.mu.Unlock()
}

// IsEnabled reports whether logging is currently active.
func (lm *LogManager) IsEnabled() bool {
	return atomic.LoadInt32(&lm.enabled) == 1
}

func (lm *LogManager) runFlushThread() {
	defer close(lm.stopped)
	ticker := time.NewTicker(lm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopCh:
			return
		case <-ticker.C:
			lm.mu.Lock()
			if len(lm.buf) > 0 {
				lm.flushLocked()
			}
			lm.mu.Unlock()
		}
	}
}

// AppendRecord assigns the record the next LSN, serializes it into the
// in-memory buffer (flushing first if it would not fit), and returns
// the assigned LSN. It does not itself guarantee durability: callers
// that need that call Flush or ForceFlushUntil.
func (lm *LogManager) AppendRecord(r *Record) (LSN, error) {
	if !lm.IsEnabled() {
		return InvalidLSN, ErrLoggingDisabled
	}

	lsn := atomic.AddUint64(&lm.nextLSN, 1) - 1
	r.LSN = lsn

	size := r.Size()
	encoded := make([]byte, size)
	r.Serialize(encoded)

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.buf)+size > lm.cap {
		if err := lm.flushLocked(); err != nil {
			return lsn, err
		}
	}
	lm.buf = append(lm.buf, encoded...)
	return lsn, nil
}

// Flush forces whatever is currently buffered out to disk.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

// ForceFlushUntil blocks until lsn is durable. Callers (typically the
// buffer pool, just before writing a dirty page back) must ensure the
// record with that LSN has already been appended.
func (lm *LogManager) ForceFlushUntil(lsn uint64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.persistentLSN != InvalidLSN && lm.persistentLSN >= lsn {
		return nil
	}
	return lm.flushLocked()
}

func (lm *LogManager) flushLocked() error {
	if len(lm.buf) == 0 {
		return nil
	}
	if _, err := lm.file.Write(lm.buf); err != nil {
		return err
	}
	if err := lm.file.Sync(); err != nil {
		return err
	}
	lm.persistentLSN = atomic.LoadUint64(&lm.nextLSN) - 1
	lm.buf = lm.buf[:0]
	return nil
}

// PersistentLSN returns the highest LSN known to be durable.
func (lm *LogManager) PersistentLSN() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.persistentLSN
}

// NextLSN returns the LSN that will be assigned to the next appended
// record.
func (lm *LogManager) NextLSN() uint64 {
	return atomic.LoadUint64(&lm.nextLSN)
}

// Close disables logging (flushing first) and closes the underlying
// file.
func (lm *LogManager) Close() error {
	lm.Disable()
	return lm.file.Close()
}

// ReadAll reads every record currently durable in the log file, in the
// order they were written. It is used by RecoveryManager during
// startup, before logging is enabled for new writes.
func (lm *LogManager) ReadAll() ([]*Record, error) {
	f, err := os.Open(lm.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []*Record
	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		rec, n, err := DeserializeRecord(withPayload(r, header))
		if err != nil {
			break
		}
		_ = n
		records = append(records, rec)
	}
	return records, nil
}

// withPayload reads whatever trailing Before/After payload the header
// declares and returns a single buffer DeserializeRecord can parse.
func withPayload(r *bufio.Reader, header []byte) []byte {
	beforeLen := le32(header[45:49])
	afterLen := le32(header[49:53])
	payload := make([]byte, int(beforeLen)+int(afterLen))
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return header
		}
	}
	return append(append([]byte(nil), header...), payload...)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
