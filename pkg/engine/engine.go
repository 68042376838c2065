// Package engine wires the storage, indexing, transaction, and
// recovery layers into a single-node kernel: Open brings up a data
// directory (running crash recovery if needed), and the resulting
// Engine is the one object callers drive through Begin/Commit/Abort
// and the per-table Insert/Update/Delete/Scan operations.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mnohosten/latticedb/pkg/catalog"
	"github.com/mnohosten/latticedb/pkg/index"
	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/txn"
	"github.com/mnohosten/latticedb/pkg/types"
	"github.com/mnohosten/latticedb/pkg/wal"
)

// undoKind records which physical rollback a WriteRecord's LSN maps
// to, since txn.WriteRecord itself only carries Table/RID/LSN — not
// enough to know how to reverse it without consulting the log.
type undoKind int

const (
	undoInsert undoKind = iota
	undoUpdate
	undoDelete
)

type undoEntry struct {
	kind   undoKind
	table  uint32
	before []byte
}

// Engine owns every subsystem of one open database directory.
type Engine struct {
	cfg    *Config
	logger *slog.Logger

	pager *storage.Pager
	pool  *storage.BufferPool

	log      *wal.LogManager
	recovery *wal.RecoveryManager

	catalog *catalog.Catalog
	lockMgr *txn.LockManager
	txnCtx  *txn.TransactionContext

	mu      sync.RWMutex
	heaps   map[uint32]*storage.TableHeap
	indexes map[uint32]index.Index

	undoMu sync.Mutex
	undo   map[uint64]undoEntry

	checkpointStop chan struct{}
	closed         bool
}

// Open brings up a kernel instance rooted at cfg.DataDir: it opens the
// data file and write-ahead log, replays crash recovery against
// whatever the log holds, then starts background deadlock detection
// and (if configured) periodic checkpointing.
func Open(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	logger := slog.Default()

	pager, err := storage.NewPager(filepath.Join(cfg.DataDir, "data.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open data file: %w", err)
	}

	logMgr, err := wal.NewLogManager(filepath.Join(cfg.DataDir, "wal.log"), logger)
	if err != nil {
		pager.Close()
		return nil, fmt.Errorf("engine: open write-ahead log: %w", err)
	}
	logMgr.SetFlushInterval(cfg.WALFlushInterval)
	if cfg.LogBufferSize > 0 {
		logMgr.SetBufferSize(cfg.LogBufferSize)
	}

	var replacer storage.Replacer
	switch cfg.Replacer {
	case ReplacerClock:
		replacer = storage.NewClockReplacer(cfg.BufferPoolSize)
	default:
		replacer = storage.NewLRUReplacer()
	}
	pool := storage.NewBufferPool(cfg.BufferPoolSize, pager, replacer, logMgr)

	writer := newPoolTableWriter(pool)
	recovery := wal.NewRecoveryManager(logMgr, writer, logger)
	if err := recovery.Recover(); err != nil {
		pager.Close()
		return nil, fmt.Errorf("engine: crash recovery: %w", err)
	}
	logMgr.Enable()

	cat, err := catalog.Open(pool)
	if err != nil {
		logMgr.Close()
		pager.Close()
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}

	lockMgr := txn.NewLockManager(logger)
	lockMgr.SetDetectInterval(cfg.DeadlockDetectInterval)
	txnCtx := txn.NewTransactionContext(lockMgr)
	lockMgr.SetTransactionContext(txnCtx)
	lockMgr.StartDeadlockDetection()

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		pager:    pager,
		pool:     pool,
		log:      logMgr,
		recovery: recovery,
		catalog:  cat,
		lockMgr:  lockMgr,
		txnCtx:   txnCtx,
		heaps:    make(map[uint32]*storage.TableHeap),
		indexes:  make(map[uint32]index.Index),
		undo:     make(map[uint64]undoEntry),
	}

	for _, name := range cat.ListTables() {
		tbl, err := cat.GetTable(name)
		if err != nil {
			continue
		}
		e.heaps[tbl.OID] = storage.OpenTableHeap(pool, tbl.FirstPageID)
	}
	for _, name := range cat.ListTables() {
		idxs, _ := cat.IndexesForTable(name)
		for _, idx := range idxs {
			switch idx.Kind {
			case catalog.BTreeIndex:
				e.indexes[idx.OID] = index.OpenBTree(pool, idx.RootPageID, idx.Unique)
			case catalog.HashIndex:
				// Hash indexes are never persisted; a reopened database
				// starts each one empty. Acceptable since this index
				// kind is documented as development/test convenience
				// only, never the production path.
				e.indexes[idx.OID] = index.NewHashIndex(idx.Unique)
			}
		}
	}

	if cfg.CheckpointInterval > 0 {
		e.checkpointStop = make(chan struct{})
		go e.runCheckpointLoop()
	}

	return e, nil
}

func (e *Engine) runCheckpointLoop() {
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Checkpoint(); err != nil {
				e.logger.Warn("periodic checkpoint failed", "err", err)
			}
		case <-e.checkpointStop:
			return
		}
	}
}

// Close stops background work and flushes every durable subsystem.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	if e.checkpointStop != nil {
		close(e.checkpointStop)
	}
	e.lockMgr.StopDeadlockDetection()

	if err := e.pool.FlushAllPages(); err != nil {
		return fmt.Errorf("engine: flush pages on close: %w", err)
	}
	if err := e.log.Close(); err != nil {
		return fmt.Errorf("engine: close write-ahead log: %w", err)
	}
	return e.pager.Close()
}

// Checkpoint forces every dirty page to disk and records a WAL
// checkpoint pair. Recovery still scans the whole log from its start;
// the checkpoint records do not shorten that scan.
func (e *Engine) Checkpoint() error {
	if err := e.pool.FlushAllPages(); err != nil {
		return err
	}
	return e.recovery.Checkpoint()
}

// Begin starts a new transaction in the GROWING phase and logs a
// BEGIN record so recovery's analysis pass can track it as active.
func (e *Engine) Begin() *txn.Transaction {
	t := e.txnCtx.Begin()
	lsn, err := e.log.AppendRecord(&wal.Record{
		Type:    wal.Begin,
		TxnID:   uint64(t.ID()),
		PrevLSN: wal.InvalidLSN,
	})
	if err != nil {
		e.logger.Warn("failed to log BEGIN record", "txn", t.ID(), "err", err)
		return t
	}
	t.SetPrevLSN(lsn)
	return t
}

// Commit appends a COMMIT record, force-flushes the write-ahead log up
// to it, then releases every lock t holds and marks it COMMITTED. The
// force-flush happens before locks are released or success is
// reported, so a crash immediately afterward can never lose a
// committed write: by the time Commit returns, every record up to and
// including the COMMIT is durable.
func (e *Engine) Commit(t *txn.Transaction) error {
	lsn, err := e.log.AppendRecord(&wal.Record{
		Type:    wal.Commit,
		TxnID:   uint64(t.ID()),
		PrevLSN: t.PrevLSN(),
	})
	if err != nil {
		return fmt.Errorf("engine: log commit record: %w", err)
	}
	if err := e.log.ForceFlushUntil(lsn); err != nil {
		return fmt.Errorf("engine: flush commit record: %w", err)
	}
	t.SetPrevLSN(lsn)

	if err := e.txnCtx.Commit(t); err != nil {
		return err
	}
	e.forgetUndoInfo(t)
	return nil
}

// Abort rolls back every write t made, in reverse order, releases its
// locks, marks it ABORTED, and appends an ABORT record.
func (e *Engine) Abort(t *txn.Transaction) error {
	err := e.txnCtx.Abort(t, e.undoWrite)
	e.forgetUndoInfo(t)
	if err != nil {
		return err
	}

	lsn, logErr := e.log.AppendRecord(&wal.Record{
		Type:    wal.Abort,
		TxnID:   uint64(t.ID()),
		PrevLSN: t.PrevLSN(),
	})
	if logErr != nil {
		e.logger.Warn("failed to log ABORT record", "txn", t.ID(), "err", logErr)
		return nil
	}
	t.SetPrevLSN(lsn)
	return nil
}

func (e *Engine) recordUndo(lsn uint64, ent undoEntry) {
	e.undoMu.Lock()
	e.undo[lsn] = ent
	e.undoMu.Unlock()
}

func (e *Engine) forgetUndoInfo(t *txn.Transaction) {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	for _, w := range t.WriteSet() {
		delete(e.undo, w.LSN)
	}
}

func (e *Engine) undoWrite(rec txn.WriteRecord) error {
	e.undoMu.Lock()
	ent, ok := e.undo[rec.LSN]
	e.undoMu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no undo information recorded for lsn %d", rec.LSN)
	}

	rid := storage.RID{PageID: storage.PageID(rec.RID.PageID), SlotID: rec.RID.SlotID}
	heap := e.heapByOID(ent.table)
	if heap == nil {
		return fmt.Errorf("engine: unknown table %d during undo", ent.table)
	}

	switch ent.kind {
	case undoInsert:
		return heap.MarkDelete(rid)
	case undoDelete:
		return heap.RollbackDelete(rid)
	case undoUpdate:
		return heap.UpdateTuple(rid, ent.before)
	default:
		return fmt.Errorf("engine: unknown undo kind %d", ent.kind)
	}
}

func (e *Engine) heapByOID(oid uint32) *storage.TableHeap {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.heaps[oid]
}

// stampPageLSN re-fetches rid's page solely to record the WAL LSN that
// now protects its latest change, satisfying the buffer pool's
// write-ahead invariant (a dirty page may not be flushed before that
// LSN is durable).
func (e *Engine) stampPageLSN(pageID storage.PageID, lsn uint64) error {
	page, err := e.pool.FetchPage(pageID)
	if err != nil {
		return err
	}
	page.LSN = lsn
	return e.pool.UnpinPage(pageID, true)
}

// CreateTable registers a new table and its storage, outside any
// transaction's lock scope: DDL in this kernel auto-commits against
// the catalog's own mutex rather than participating in 2PL.
func (e *Engine) CreateTable(name string, schema *types.Schema) (*catalog.Table, error) {
	heap, err := storage.NewTableHeap(e.pool)
	if err != nil {
		return nil, err
	}
	tbl, err := e.catalog.CreateTable(name, schema, heap.FirstPageID())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.heaps[tbl.OID] = heap
	e.mu.Unlock()
	return tbl, nil
}

// DropTable removes a table and every index over it. Pages belonging
// to the dropped table are never reclaimed, matching the pager's
// leaking deallocate policy.
func (e *Engine) DropTable(name string) error {
	tbl, err := e.catalog.GetTable(name)
	if err != nil {
		return err
	}
	idxs, _ := e.catalog.IndexesForTable(name)

	if err := e.catalog.DropTable(name); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.heaps, tbl.OID)
	for _, idx := range idxs {
		delete(e.indexes, idx.OID)
	}
	e.mu.Unlock()
	return nil
}

// CreateIndex builds a new index over table's keyColumn, backfilling
// it from every currently live row.
func (e *Engine) CreateIndex(name, table string, keyColumn int, unique bool, kind catalog.IndexKind) (*catalog.Index, error) {
	tbl, err := e.catalog.GetTable(table)
	if err != nil {
		return nil, err
	}

	var impl index.Index
	var rootPageID storage.PageID
	switch kind {
	case catalog.HashIndex:
		h := index.NewHashIndex(unique)
		impl = h
		rootPageID = storage.InvalidPageID
	default:
		bt, err := index.NewBTree(e.pool, unique)
		if err != nil {
			return nil, err
		}
		impl = bt
		rootPageID = bt.RootPageID()
	}

	if err := e.backfillIndex(tbl, keyColumn, impl); err != nil {
		return nil, err
	}

	idxMeta, err := e.catalog.CreateIndex(name, table, keyColumn, unique, kind, rootPageID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.indexes[idxMeta.OID] = impl
	e.mu.Unlock()
	return idxMeta, nil
}

func (e *Engine) backfillIndex(tbl *catalog.Table, keyColumn int, impl index.Index) error {
	heap := e.heapByOID(tbl.OID)
	if heap == nil {
		return nil
	}
	it := heap.Begin()
	for {
		rid, err := it.Next()
		if err != nil {
			break
		}
		data, err := heap.GetTuple(rid)
		if err != nil {
			continue
		}
		tuple, err := types.DeserializeTuple(tbl.Schema, data)
		if err != nil {
			continue
		}
		if err := impl.Insert(tuple.Values[keyColumn], rid); err != nil {
			return err
		}
	}
	return nil
}

// DropIndex removes a named index.
func (e *Engine) DropIndex(name string) error {
	idx, err := e.catalog.GetIndex(name)
	if err != nil {
		return err
	}
	if err := e.catalog.DropIndex(name); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.indexes, idx.OID)
	e.mu.Unlock()
	return nil
}

// Insert appends a new row to table and maintains every index over
// it, under t's intention-exclusive table lock.
func (e *Engine) Insert(t *txn.Transaction, table string, values []types.Value) (storage.RID, error) {
	tbl, err := e.catalog.GetTable(table)
	if err != nil {
		return storage.RID{}, err
	}
	if err := e.lockMgr.LockTable(t, txn.TableOID(tbl.OID), txn.IntentionExclusive); err != nil {
		return storage.RID{}, err
	}

	tuple, err := types.NewTuple(tbl.Schema, values)
	if err != nil {
		return storage.RID{}, err
	}
	data := tuple.Serialize()

	heap := e.heapByOID(tbl.OID)
	rid, err := heap.InsertTuple(data)
	if err != nil {
		return storage.RID{}, err
	}

	lsn, err := e.log.AppendRecord(&wal.Record{
		Type:    wal.Insert,
		TxnID:   uint64(t.ID()),
		Table:   tbl.OID,
		RID:     wal.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID},
		After:   data,
		PrevLSN: t.PrevLSN(),
	})
	if err != nil {
		return storage.RID{}, err
	}
	t.SetPrevLSN(lsn)
	if err := e.stampPageLSN(rid.PageID, lsn); err != nil {
		return storage.RID{}, err
	}

	t.RecordWrite(txn.WriteRecord{Table: txn.TableOID(tbl.OID), RID: txn.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID}, LSN: lsn})
	e.recordUndo(lsn, undoEntry{kind: undoInsert, table: tbl.OID})

	for _, idx := range e.catalogIndexesFor(tbl) {
		impl := e.indexByOID(idx.OID)
		if impl == nil {
			continue
		}
		if err := impl.Insert(values[idx.KeyColumn], rid); err != nil {
			return rid, fmt.Errorf("engine: maintain index %q: %w", idx.Name, err)
		}
	}

	return rid, nil
}

// Update overwrites rid's row with newValues, under t's row-exclusive
// lock, and re-maintains every index over table.
func (e *Engine) Update(t *txn.Transaction, table string, rid storage.RID, newValues []types.Value) error {
	tbl, err := e.catalog.GetTable(table)
	if err != nil {
		return err
	}
	if err := e.lockMgr.LockTable(t, txn.TableOID(tbl.OID), txn.IntentionExclusive); err != nil {
		return err
	}
	trid := txn.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID}
	if err := e.lockMgr.LockRow(t, txn.TableOID(tbl.OID), trid, txn.Exclusive); err != nil {
		return err
	}

	heap := e.heapByOID(tbl.OID)
	before, err := heap.GetTuple(rid)
	if err != nil {
		return ErrRowNotFound
	}
	oldTuple, err := types.DeserializeTuple(tbl.Schema, before)
	if err != nil {
		return err
	}

	newTuple, err := types.NewTuple(tbl.Schema, newValues)
	if err != nil {
		return err
	}
	after := newTuple.Serialize()

	if err := heap.UpdateTuple(rid, after); err != nil {
		return err
	}

	lsn, err := e.log.AppendRecord(&wal.Record{
		Type:    wal.Update,
		TxnID:   uint64(t.ID()),
		Table:   tbl.OID,
		RID:     wal.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID},
		Before:  before,
		After:   after,
		PrevLSN: t.PrevLSN(),
	})
	if err != nil {
		return err
	}
	t.SetPrevLSN(lsn)
	if err := e.stampPageLSN(rid.PageID, lsn); err != nil {
		return err
	}

	t.RecordWrite(txn.WriteRecord{Table: txn.TableOID(tbl.OID), RID: trid, LSN: lsn})
	e.recordUndo(lsn, undoEntry{kind: undoUpdate, table: tbl.OID, before: before})

	for _, idx := range e.catalogIndexesFor(tbl) {
		impl := e.indexByOID(idx.OID)
		if impl == nil {
			continue
		}
		impl.Delete(oldTuple.Values[idx.KeyColumn], rid)
		if err := impl.Insert(newValues[idx.KeyColumn], rid); err != nil {
			return fmt.Errorf("engine: maintain index %q: %w", idx.Name, err)
		}
	}

	return nil
}

// Delete soft-deletes rid's row, under t's row-exclusive lock, and
// removes it from every index over table.
func (e *Engine) Delete(t *txn.Transaction, table string, rid storage.RID) error {
	tbl, err := e.catalog.GetTable(table)
	if err != nil {
		return err
	}
	if err := e.lockMgr.LockTable(t, txn.TableOID(tbl.OID), txn.IntentionExclusive); err != nil {
		return err
	}
	trid := txn.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID}
	if err := e.lockMgr.LockRow(t, txn.TableOID(tbl.OID), trid, txn.Exclusive); err != nil {
		return err
	}

	heap := e.heapByOID(tbl.OID)
	before, err := heap.GetTuple(rid)
	if err != nil {
		return ErrRowNotFound
	}
	oldTuple, err := types.DeserializeTuple(tbl.Schema, before)
	if err != nil {
		return err
	}

	if err := heap.MarkDelete(rid); err != nil {
		return err
	}

	lsn, err := e.log.AppendRecord(&wal.Record{
		Type:    wal.Delete,
		TxnID:   uint64(t.ID()),
		Table:   tbl.OID,
		RID:     wal.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID},
		Before:  before,
		PrevLSN: t.PrevLSN(),
	})
	if err != nil {
		return err
	}
	t.SetPrevLSN(lsn)
	if err := e.stampPageLSN(rid.PageID, lsn); err != nil {
		return err
	}

	t.RecordWrite(txn.WriteRecord{Table: txn.TableOID(tbl.OID), RID: trid, LSN: lsn})
	e.recordUndo(lsn, undoEntry{kind: undoDelete, table: tbl.OID, before: before})

	for _, idx := range e.catalogIndexesFor(tbl) {
		impl := e.indexByOID(idx.OID)
		if impl == nil {
			continue
		}
		impl.Delete(oldTuple.Values[idx.KeyColumn], rid)
	}

	return nil
}

// Get reads rid's row under t's shared row lock.
func (e *Engine) Get(t *txn.Transaction, table string, rid storage.RID) (*types.Tuple, error) {
	tbl, err := e.catalog.GetTable(table)
	if err != nil {
		return nil, err
	}
	if err := e.lockMgr.LockTable(t, txn.TableOID(tbl.OID), txn.IntentionShared); err != nil {
		return nil, err
	}
	trid := txn.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID}
	if err := e.lockMgr.LockRow(t, txn.TableOID(tbl.OID), trid, txn.Shared); err != nil {
		return nil, err
	}

	heap := e.heapByOID(tbl.OID)
	data, err := heap.GetTuple(rid)
	if err != nil {
		return nil, ErrRowNotFound
	}
	return types.DeserializeTuple(tbl.Schema, data)
}

// Row pairs a tuple with the RID it was read from, for Scan results.
type Row struct {
	RID    storage.RID
	Values []types.Value
}

// Scan walks every live row of table under an intention-shared table
// lock and a shared lock on each row, in physical storage order.
func (e *Engine) Scan(t *txn.Transaction, table string) ([]Row, error) {
	tbl, err := e.catalog.GetTable(table)
	if err != nil {
		return nil, err
	}
	if err := e.lockMgr.LockTable(t, txn.TableOID(tbl.OID), txn.IntentionShared); err != nil {
		return nil, err
	}

	heap := e.heapByOID(tbl.OID)
	var rows []Row
	it := heap.Begin()
	for {
		rid, err := it.Next()
		if err != nil {
			break
		}
		trid := txn.RID{PageID: uint32(rid.PageID), SlotID: rid.SlotID}
		if err := e.lockMgr.LockRow(t, txn.TableOID(tbl.OID), trid, txn.Shared); err != nil {
			return nil, err
		}
		data, err := heap.GetTuple(rid)
		if err != nil {
			continue
		}
		tuple, err := types.DeserializeTuple(tbl.Schema, data)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{RID: rid, Values: tuple.Values})
	}
	return rows, nil
}

// ScanIndex returns every RID an index reports for [lo, hi] (a nil
// bound is unbounded on that side).
func (e *Engine) ScanIndex(name string, lo, hi *types.Value) ([]storage.RID, error) {
	idx, err := e.catalog.GetIndex(name)
	if err != nil {
		return nil, err
	}
	impl := e.indexByOID(idx.OID)
	if impl == nil {
		return nil, catalog.ErrIndexNotFound
	}
	return impl.ScanRange(lo, hi)
}

func (e *Engine) indexByOID(oid uint32) index.Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.indexes[oid]
}

func (e *Engine) catalogIndexesFor(tbl *catalog.Table) []*catalog.Index {
	idxs, err := e.catalog.IndexesForTable(tbl.Name)
	if err != nil {
		return nil
	}
	return idxs
}

// BufferPoolStats exposes the buffer pool's hit/miss/eviction counters
// for diagnostics.
func (e *Engine) BufferPoolStats() storage.BufferPoolStats {
	return e.pool.Stats()
}

// RunningTransactions reports how many transactions are still GROWING
// or SHRINKING.
func (e *Engine) RunningTransactions() int {
	return e.txnCtx.RunningCount()
}
