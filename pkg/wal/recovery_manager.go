package wal

import (
	"log/slog"
	"sync/atomic"
)

// TableWriter is the storage-side hook RecoveryManager uses to replay
// and roll back physical changes. The engine wires a concrete
// implementation over its catalog and table heaps; RecoveryManager
// itself stays free of a dependency on the storage package, mirroring
// how storage depends on wal only through the narrow LogFlusher
// interface.
type TableWriter interface {
	// PageLSN returns the LSN currently stamped on the page holding rid,
	// or ok=false if the page does not exist yet (e.g. NEWPAGE redo).
	PageLSN(table uint32, rid RID) (lsn uint64, ok bool)

	// lsn is the redoing record's own LSN; implementations stamp it onto
	// the affected page so a later recovery attempt (should recovery
	// itself be interrupted) can tell this record was already applied.
	ApplyInsert(table uint32, rid RID, after []byte, lsn uint64) error
	ApplyDelete(table uint32, rid RID, lsn uint64) error
	ApplyUpdate(table uint32, rid RID, after []byte, lsn uint64) error

	RollbackInsert(table uint32, rid RID) error
	RollbackDelete(table uint32, rid RID, before []byte) error
	RollbackUpdate(table uint32, rid RID, before []byte) error
}

// RecoveryManager implements the ARIES three-pass crash recovery
// protocol: analysis rebuilds the active transaction table and dirty
// page table from the log, redo reapplies every logged change at
// least once, and undo rolls back the transactions that were still
// open (losers) at crash time.
type RecoveryManager struct {
	log    *LogManager
	writer TableWriter
	logger *slog.Logger

	activeTxnTable map[uint64]uint64 // txn id -> last LSN seen
	dirtyPageTable map[uint32]uint64 // page id -> recovery LSN
}

// NewRecoveryManager constructs a recovery manager bound to the given
// log and storage hook.
func NewRecoveryManager(log *LogManager, writer TableWriter, logger *slog.Logger) *RecoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryManager{
		log:    log,
		writer: writer,
		logger: logger,
	}
}

// Recover runs the full analysis/redo/undo sequence against whatever
// is currently durable in the log. It is meant to be called once, at
// startup, before the log manager is enabled for new writes.
func (rm *RecoveryManager) Recover() error {
	records, err := rm.log.ReadAll()
	if err != nil {
		return err
	}
	// Continue numbering after the durable log so LSNs keep increasing
	// across restarts.
	if n := len(records); n > 0 && records[n-1].LSN >= atomic.LoadUint64(&rm.log.nextLSN) {
		atomic.StoreUint64(&rm.log.nextLSN, records[n-1].LSN+1)
	}

	rm.analysis(records)
	rm.redo(records)
	return rm.undo(records)
}

// analysis walks the log forward, rebuilding which transactions were
// still active and which pages were dirtied at the moment of the
// crash.
func (rm *RecoveryManager) analysis(records []*Record) {
	rm.activeTxnTable = make(map[uint64]uint64)
	rm.dirtyPageTable = make(map[uint32]uint64)

	for _, r := range records {
		switch r.Type {
		case Begin:
			rm.activeTxnTable[r.TxnID] = r.LSN
		case Commit, Abort:
			delete(rm.activeTxnTable, r.TxnID)
		case Insert, Delete, Update, CLR:
			rm.activeTxnTable[r.TxnID] = r.LSN
			if _, ok := rm.dirtyPageTable[r.RID.PageID]; !ok {
				rm.dirtyPageTable[r.RID.PageID] = r.LSN
			}
		}
	}
}

// redo reapplies every logged physical change whose page is not
// already known (via its current on-disk LSN) to reflect it, making
// redo idempotent across repeated recovery attempts.
func (rm *RecoveryManager) redo(records []*Record) {
	for _, r := range records {
		switch r.Type {
		case Insert:
			if rm.needsRedo(r.Table, r.RID, r.LSN) {
				if err := rm.writer.ApplyInsert(r.Table, r.RID, r.After, r.LSN); err != nil {
					rm.logger.Warn("redo insert failed", "lsn", r.LSN, "err", err)
				}
			}
		case Delete:
			if rm.needsRedo(r.Table, r.RID, r.LSN) {
				if err := rm.writer.ApplyDelete(r.Table, r.RID, r.LSN); err != nil {
					rm.logger.Warn("redo delete failed", "lsn", r.LSN, "err", err)
				}
			}
		case Update:
			if rm.needsRedo(r.Table, r.RID, r.LSN) {
				if err := rm.writer.ApplyUpdate(r.Table, r.RID, r.After, r.LSN); err != nil {
					rm.logger.Warn("redo update failed", "lsn", r.LSN, "err", err)
				}
			}
		}
	}
}

func (rm *RecoveryManager) needsRedo(table uint32, rid RID, logLSN uint64) bool {
	pageLSN, ok := rm.writer.PageLSN(table, rid)
	if !ok {
		return true
	}
	return pageLSN < logLSN
}

// undo rolls back every transaction still listed in the active
// transaction table after analysis (the "losers"), walking each one's
// chain of records backward through prevLSN.
func (rm *RecoveryManager) undo(records []*Record) error {
	byLSN := make(map[uint64]*Record, len(records))
	for _, r := range records {
		byLSN[r.LSN] = r
	}

	for txnID, lastLSN := range rm.activeTxnTable {
		lsn := lastLSN
		for lsn != InvalidLSN {
			r, ok := byLSN[lsn]
			if !ok {
				break
			}
			if r.TxnID != txnID {
				lsn = r.PrevLSN
				continue
			}
			switch r.Type {
			case Insert:
				if err := rm.writer.RollbackInsert(r.Table, r.RID); err != nil {
					return err
				}
			case Delete:
				if err := rm.writer.RollbackDelete(r.Table, r.RID, r.Before); err != nil {
					return err
				}
			case Update:
				if err := rm.writer.RollbackUpdate(r.Table, r.RID, r.Before); err != nil {
					return err
				}
			case CLR:
				lsn = r.UndoNextLSN
				continue
			}
			lsn = r.PrevLSN
		}
	}
	return nil
}

// Checkpoint appends and flushes a CHECKPOINT_BEGIN / CHECKPOINT_END
// pair. The records carry no active transaction or dirty page table,
// and analysis always starts from the beginning of the log.
func (rm *RecoveryManager) Checkpoint() error {
	if _, err := rm.log.AppendRecord(&Record{Type: CheckpointBegin, TxnID: 0, PrevLSN: InvalidLSN}); err != nil {
		return err
	}
	if err := rm.log.Flush(); err != nil {
		return err
	}
	_, err := rm.log.AppendRecord(&Record{Type: CheckpointEnd, TxnID: 0, PrevLSN: InvalidLSN})
	if err != nil {
		return err
	}
	return rm.log.Flush()
}
