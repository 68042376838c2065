// Package txn implements the kernel's pessimistic concurrency control:
// strict two-phase locking over multi-granularity intention locks,
// wait-for-graph deadlock detection, and the per-transaction state
// (lock sets, isolation phase) that the lock manager mutates directly.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TxnID uniquely identifies a transaction for its lifetime.
type TxnID uint64

// InvalidTxnID is the sentinel meaning "no transaction", matching the
// kernel's INVALID_TXN_ID constant.
const InvalidTxnID TxnID = TxnID(1<<32 - 1)

// TableOID identifies a table for the purposes of table-level locking.
type TableOID uint32

// State is a transaction's position in the strict two-phase locking
// protocol.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// RID identifies a row for row-level locking; it mirrors
// storage.RID's shape without importing the storage package, since the
// lock manager only ever needs it as an opaque, comparable key.
type RID struct {
	PageID uint32
	SlotID uint32
}

type lockSet[K comparable] map[K]struct{}

func newLockSet[K comparable]() lockSet[K] { return make(lockSet[K]) }

// Transaction tracks one transaction's isolation state and every lock
// it currently holds, so the lock manager can release them all on
// commit or abort and so abort can walk back writes in reverse order.
type Transaction struct {
	mu sync.Mutex

	id        TxnID
	state     State
	startTime time.Time
	prevLSN   uint64

	sharedTableLocks    lockSet[TableOID]
	exclusiveTableLocks lockSet[TableOID]
	isTableLocks        lockSet[TableOID]
	ixTableLocks        lockSet[TableOID]
	sixTableLocks       lockSet[TableOID]

	sharedRowLocks    map[TableOID]lockSet[RID]
	exclusiveRowLocks map[TableOID]lockSet[RID]

	// writeSet records (table, rid) pairs written by this transaction in
	// the order they happened, so abort can undo them oldest-write-last.
	writeSet []WriteRecord

	abortReason error
}

// WriteRecord is one entry of a transaction's undo-relevant write
// history.
type WriteRecord struct {
	Table TableOID
	RID   RID
	LSN   uint64
}

func newTransaction(id TxnID) *Transaction {
	return &Transaction{
		id:                  id,
		state:               Growing,
		startTime:           time.Now(),
		prevLSN:             ^uint64(0),
		sharedTableLocks:    newLockSet[TableOID](),
		exclusiveTableLocks: newLockSet[TableOID](),
		isTableLocks:        newLockSet[TableOID](),
		ixTableLocks:        newLockSet[TableOID](),
		sixTableLocks:       newLockSet[TableOID](),
		sharedRowLocks:      make(map[TableOID]lockSet[RID]),
		exclusiveRowLocks:   make(map[TableOID]lockSet[RID]),
	}
}

func (t *Transaction) ID() TxnID { return t.id }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// PrevLSN / SetPrevLSN thread the transaction's log record chain, used
// by the undo phase to walk backward through a transaction's records.
func (t *Transaction) PrevLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prevLSN
}

func (t *Transaction) SetPrevLSN(lsn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prevLSN = lsn
}

func (t *Transaction) RecordWrite(rec WriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet = append(t.writeSet, rec)
}

// WriteSet returns writes oldest-first; callers undoing on abort should
// walk it in reverse.
func (t *Transaction) WriteSet() []WriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WriteRecord, len(t.writeSet))
	copy(out, t.writeSet)
	return out
}

func (t *Transaction) AbortReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

func (t *Transaction) setAbortReason(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abortReason == nil {
		t.abortReason = err
	}
}

// TransactionContext is the registry of running transactions: the
// single source of truth the LockManager, RecoveryManager, and
// engine-level Begin/Commit/Abort all share.
type TransactionContext struct {
	mu         sync.RWMutex
	running    map[TxnID]*Transaction
	nextTxnID  uint64
	lockMgr    *LockManager
}

// NewTransactionContext creates an empty registry bound to lockMgr,
// which will be told about every commit/abort so it can release locks.
func NewTransactionContext(lockMgr *LockManager) *TransactionContext {
	return &TransactionContext{
		running: make(map[TxnID]*Transaction),
		lockMgr: lockMgr,
	}
}

// Begin starts and registers a new transaction in the GROWING phase.
func (tc *TransactionContext) Begin() *Transaction {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	id := TxnID(atomic.AddUint64(&tc.nextTxnID, 1))
	txn := newTransaction(id)
	tc.running[id] = txn
	return txn
}

// GetTransaction looks up a running transaction; committed and aborted
// transactions are no longer registered.
func (tc *TransactionContext) GetTransaction(id TxnID) (*Transaction, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	txn, ok := tc.running[id]
	return txn, ok
}

// Commit releases all of txn's locks, marks it COMMITTED, and
// unregisters it from the running-transaction table. It is an error to
// commit a transaction that isn't GROWING or SHRINKING.
func (tc *TransactionContext) Commit(txn *Transaction) error {
	state := txn.State()
	if state != Growing && state != Shrinking {
		return fmt.Errorf("txn: commit txn %d: %w", txn.id, ErrTxnNotActive)
	}
	tc.lockMgr.ReleaseAll(txn)
	txn.setState(Committed)
	tc.unregister(txn.id)
	return nil
}

// Abort releases all of txn's locks, marks it ABORTED, and unregisters
// it from the running-transaction table. undo, if non-nil, is invoked
// with each write record in reverse (most recent first) before locks
// are released, so the caller can roll back table heap mutations while
// still holding the locks that protect them.
func (tc *TransactionContext) Abort(txn *Transaction, undo func(WriteRecord) error) error {
	state := txn.State()
	if state != Growing && state != Shrinking {
		return fmt.Errorf("txn: abort txn %d: %w", txn.id, ErrTxnNotActive)
	}

	if undo != nil {
		writes := txn.WriteSet()
		for i := len(writes) - 1; i >= 0; i-- {
			if err := undo(writes[i]); err != nil {
				return fmt.Errorf("txn: undo write during abort: %w", err)
			}
		}
	}

	tc.lockMgr.ReleaseAll(txn)
	txn.setState(Aborted)
	tc.unregister(txn.id)
	return nil
}

// unregister removes a finished transaction from the running table so
// it does not grow without bound across the database's lifetime.
func (tc *TransactionContext) unregister(id TxnID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.running, id)
}

// RunningCount reports how many transactions have not yet committed or
// aborted.
func (tc *TransactionContext) RunningCount() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	n := 0
	for _, txn := range tc.running {
		s := txn.State()
		if s == Growing || s == Shrinking {
			n++
		}
	}
	return n
}
