package txn

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LockMode is one of the five multi-granularity lock modes.
type LockMode int

const (
	IntentionShared LockMode = iota
	IntentionExclusive
	SharedIntentionExclusive
	Shared
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case SharedIntentionExclusive:
		return "SIX"
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return "?"
	}
}

// compatible[a][b] is true when a lock held in mode a does not block a
// new request in mode b.
var compatible = map[LockMode]map[LockMode]bool{
	IntentionShared:          {IntentionShared: true, IntentionExclusive: true, SharedIntentionExclusive: true, Shared: true, Exclusive: false},
	IntentionExclusive:       {IntentionShared: true, IntentionExclusive: true, SharedIntentionExclusive: false, Shared: false, Exclusive: false},
	SharedIntentionExclusive: {IntentionShared: true, IntentionExclusive: false, SharedIntentionExclusive: false, Shared: false, Exclusive: false},
	Shared:                   {IntentionShared: true, IntentionExclusive: false, SharedIntentionExclusive: false, Shared: true, Exclusive: false},
	Exclusive:                {IntentionShared: false, IntentionExclusive: false, SharedIntentionExclusive: false, Shared: false, Exclusive: false},
}

// upgradePaths[current] is the set of modes a lock in `current` may be
// upgraded to directly.
var upgradePaths = map[LockMode]map[LockMode]bool{
	IntentionShared:          {Shared: true, Exclusive: true, IntentionExclusive: true, SharedIntentionExclusive: true},
	Shared:                   {Exclusive: true, SharedIntentionExclusive: true},
	IntentionExclusive:       {Exclusive: true, SharedIntentionExclusive: true},
	SharedIntentionExclusive: {Exclusive: true},
}

func canUpgrade(from, to LockMode) bool {
	if from == to {
		return true
	}
	return upgradePaths[from][to]
}

type lockRequest struct {
	txnID   TxnID
	mode    LockMode
	granted bool
}

// requestQueue serializes access to the lock requests for one
// resource (a table, or one row within a table).
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading TxnID
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{upgrading: InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

type rowKey struct {
	table TableOID
	rid   RID
}

// LockManager grants and releases table and row locks under strict
// two-phase locking, and runs a background goroutine that detects
// deadlocks and picks the youngest transaction in each cycle as the
// victim: its pending lock request fails with ErrDeadlock. The detector
// does not change the victim's state or release its locks; that happens
// when the caller aborts the victim.
type LockManager struct {
	tableMu sync.Mutex
	tables  map[TableOID]*requestQueue

	rowMu sync.Mutex
	rows  map[rowKey]*requestQueue

	txnCtx *TransactionContext
	logger *slog.Logger

	detectInterval time.Duration
	stopCh         chan struct{}
	stopped        chan struct{}

	victimMu sync.Mutex
	victims  map[TxnID]bool
}

// NewLockManager constructs a lock manager with a 50ms deadlock
// detection interval.
func NewLockManager(logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		tables:         make(map[TableOID]*requestQueue),
		rows:           make(map[rowKey]*requestQueue),
		logger:         logger,
		detectInterval: 50 * time.Millisecond,
		victims:        make(map[TxnID]bool),
	}
}

// SetTransactionContext records the registry of running transactions.
// The deadlock detector does not consult it: it finds victims from the
// lock queues alone and does not abort them itself.
func (lm *LockManager) SetTransactionContext(tc *TransactionContext) {
	lm.txnCtx = tc
}

// SetDetectInterval overrides the wait-for-graph sweep period. Must be
// called before StartDeadlockDetection.
func (lm *LockManager) SetDetectInterval(d time.Duration) {
	lm.detectInterval = d
}

func (lm *LockManager) getTableQueue(oid TableOID) *requestQueue {
	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()
	q, ok := lm.tables[oid]
	if !ok {
		q = newRequestQueue()
		lm.tables[oid] = q
	}
	return q
}

func (lm *LockManager) getRowQueue(table TableOID, rid RID) *requestQueue {
	key := rowKey{table, rid}
	lm.rowMu.Lock()
	defer lm.rowMu.Unlock()
	q, ok := lm.rows[key]
	if !ok {
		q = newRequestQueue()
		lm.rows[key] = q
	}
	return q
}

func (lm *LockManager) isVictim(id TxnID) bool {
	lm.victimMu.Lock()
	defer lm.victimMu.Unlock()
	return lm.victims[id]
}

func (lm *LockManager) clearVictim(id TxnID) {
	lm.victimMu.Lock()
	defer lm.victimMu.Unlock()
	delete(lm.victims, id)
}

// grantable reports whether req (not yet granted) is compatible with
// every earlier request in the queue (granted, or waiting with higher
// FIFO priority) — i.e. nothing ahead of it in line would conflict.
func grantable(q *requestQueue, req *lockRequest) bool {
	for _, other := range q.requests {
		if other == req {
			return true
		}
		if other.txnID == req.txnID {
			continue
		}
		if !compatible[other.mode][req.mode] {
			return false
		}
	}
	return true
}

// acquire runs the common wait loop for both table and row locks.
func (lm *LockManager) acquire(q *requestQueue, txn *Transaction, mode LockMode) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if txn.State() == Shrinking {
		return ErrLockOnShrinking
	}

	for _, r := range q.requests {
		if r.txnID == txn.id && r.granted {
			if r.mode == mode {
				return nil
			}
			if !canUpgrade(r.mode, mode) {
				return ErrIncompatibleUpgrade
			}
			if q.upgrading != InvalidTxnID && q.upgrading != txn.id {
				return ErrIncompatibleUpgrade
			}
			q.upgrading = txn.id
			r.granted = false
			r.mode = mode
			return lm.waitLocked(q, txn, r)
		}
	}

	req := &lockRequest{txnID: txn.id, mode: mode}
	q.requests = append(q.requests, req)
	return lm.waitLocked(q, txn, req)
}

// waitLocked blocks (releasing q.mu while waiting) until req is
// grantable, the caller becomes a deadlock victim, or the resource no
// longer needs waiting for. Caller must hold q.mu.
func (lm *LockManager) waitLocked(q *requestQueue, txn *Transaction, req *lockRequest) error {
	for !grantable(q, req) {
		if lm.isVictim(txn.id) {
			lm.clearVictim(txn.id)
			lm.removeRequestLocked(q, req)
			return ErrDeadlock
		}
		q.cond.Wait()
	}
	req.granted = true
	if q.upgrading == txn.id {
		q.upgrading = InvalidTxnID
	}
	return nil
}

func (lm *LockManager) removeRequestLocked(q *requestQueue, req *lockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	if q.upgrading == req.txnID {
		q.upgrading = InvalidTxnID
	}
	q.cond.Broadcast()
}

func tableLockSet(txn *Transaction, mode LockMode) lockSet[TableOID] {
	switch mode {
	case IntentionShared:
		return txn.isTableLocks
	case IntentionExclusive:
		return txn.ixTableLocks
	case SharedIntentionExclusive:
		return txn.sixTableLocks
	case Shared:
		return txn.sharedTableLocks
	case Exclusive:
		return txn.exclusiveTableLocks
	default:
		return nil
	}
}

// LockTable acquires a table-level lock in the given mode on behalf of
// txn, blocking until it is granted, the transaction is chosen as a
// deadlock victim (ErrDeadlock), or an upgrade conflict occurs.
func (lm *LockManager) LockTable(txn *Transaction, oid TableOID, mode LockMode) error {
	q := lm.getTableQueue(oid)

	txn.mu.Lock()
	for m, set := range map[LockMode]lockSet[TableOID]{
		IntentionShared: txn.isTableLocks, IntentionExclusive: txn.ixTableLocks,
		SharedIntentionExclusive: txn.sixTableLocks, Shared: txn.sharedTableLocks, Exclusive: txn.exclusiveTableLocks,
	} {
		delete(set, oid)
		_ = m
	}
	txn.mu.Unlock()

	if err := lm.acquire(q, txn, mode); err != nil {
		return fmt.Errorf("txn: lock table %d mode %s: %w", oid, mode, err)
	}

	txn.mu.Lock()
	tableLockSet(txn, mode)[oid] = struct{}{}
	txn.mu.Unlock()
	return nil
}

// UnlockTable releases txn's lock on oid. Unless force is set, it
// refuses while the transaction still holds any row lock on that
// table, matching the original lock manager's ordering requirement.
func (lm *LockManager) UnlockTable(txn *Transaction, oid TableOID, force bool) error {
	txn.mu.Lock()
	if !force {
		if rows, ok := txn.sharedRowLocks[oid]; ok && len(rows) > 0 {
			txn.mu.Unlock()
			return ErrUnlockRowBeforeTable
		}
		if rows, ok := txn.exclusiveRowLocks[oid]; ok && len(rows) > 0 {
			txn.mu.Unlock()
			return ErrUnlockRowBeforeTable
		}
	}
	held := false
	for _, set := range []lockSet[TableOID]{txn.isTableLocks, txn.ixTableLocks, txn.sixTableLocks, txn.sharedTableLocks, txn.exclusiveTableLocks} {
		if _, ok := set[oid]; ok {
			delete(set, oid)
			held = true
		}
	}
	txn.mu.Unlock()
	if !held {
		return ErrLockNotHeld
	}

	q := lm.getTableQueue(oid)
	q.mu.Lock()
	for i, r := range q.requests {
		if r.txnID == txn.id && r.granted {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if txn.State() == Growing {
		txn.setState(Shrinking)
	}
	return nil
}

// hasCompatibleIntentLocked reports whether txn already holds a
// table-level lock on table that is strong enough to justify a row
// lock in mode, per the multi-granularity locking protocol: a shared
// row lock needs at least IS at the table level, an exclusive row lock
// needs at least IX. Must be called with txn.mu held.
func hasCompatibleIntentLocked(txn *Transaction, table TableOID, mode LockMode) bool {
	_, is := txn.isTableLocks[table]
	_, ix := txn.ixTableLocks[table]
	_, six := txn.sixTableLocks[table]
	_, s := txn.sharedTableLocks[table]
	_, x := txn.exclusiveTableLocks[table]

	if mode == Shared {
		return is || ix || six || s || x
	}
	return ix || six || x
}

// LockRow acquires a row-level lock (Shared or Exclusive only) within
// table. The caller must already hold a table-level lock at least as
// strong as the requested row mode's intention (IS for a shared row
// lock, IX for an exclusive one); otherwise the abort reason is
// recorded on the transaction and ErrMissingIntentLock is returned,
// leaving the transaction's state unchanged.
func (lm *LockManager) LockRow(txn *Transaction, table TableOID, rid RID, mode LockMode) error {
	if mode != Shared && mode != Exclusive {
		return fmt.Errorf("txn: row locks must be S or X, got %s", mode)
	}

	txn.mu.Lock()
	ok := hasCompatibleIntentLocked(txn, table, mode)
	txn.mu.Unlock()
	if !ok {
		txn.setAbortReason(ErrMissingIntentLock)
		return fmt.Errorf("txn: lock row %+v mode %s: %w", rid, mode, ErrMissingIntentLock)
	}

	q := lm.getRowQueue(table, rid)
	if err := lm.acquire(q, txn, mode); err != nil {
		return fmt.Errorf("txn: lock row %+v mode %s: %w", rid, mode, err)
	}

	txn.mu.Lock()
	var target map[TableOID]lockSet[RID]
	if mode == Shared {
		target = txn.sharedRowLocks
	} else {
		target = txn.exclusiveRowLocks
	}
	set, ok := target[table]
	if !ok {
		set = newLockSet[RID]()
		target[table] = set
	}
	set[rid] = struct{}{}
	txn.mu.Unlock()
	return nil
}

// UnlockRow releases txn's lock on rid within table.
func (lm *LockManager) UnlockRow(txn *Transaction, table TableOID, rid RID) error {
	txn.mu.Lock()
	held := false
	if set, ok := txn.sharedRowLocks[table]; ok {
		if _, ok := set[rid]; ok {
			delete(set, rid)
			held = true
		}
	}
	if set, ok := txn.exclusiveRowLocks[table]; ok {
		if _, ok := set[rid]; ok {
			delete(set, rid)
			held = true
		}
	}
	txn.mu.Unlock()
	if !held {
		return ErrLockNotHeld
	}

	q := lm.getRowQueue(table, rid)
	q.mu.Lock()
	for i, r := range q.requests {
		if r.txnID == txn.id && r.granted {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if txn.State() == Growing {
		txn.setState(Shrinking)
	}
	return nil
}

// ReleaseAll drops every lock txn holds, table and row alike, waking
// any waiters. Called by TransactionContext on commit/abort.
func (lm *LockManager) ReleaseAll(txn *Transaction) {
	txn.mu.Lock()
	tableOIDs := make([]TableOID, 0)
	for _, set := range []lockSet[TableOID]{txn.isTableLocks, txn.ixTableLocks, txn.sixTableLocks, txn.sharedTableLocks, txn.exclusiveTableLocks} {
		for oid := range set {
			tableOIDs = append(tableOIDs, oid)
		}
	}
	type rowRef struct {
		table TableOID
		rid   RID
	}
	var rowRefs []rowRef
	for table, set := range txn.sharedRowLocks {
		for rid := range set {
			rowRefs = append(rowRefs, rowRef{table, rid})
		}
	}
	for table, set := range txn.exclusiveRowLocks {
		for rid := range set {
			rowRefs = append(rowRefs, rowRef{table, rid})
		}
	}
	txn.mu.Unlock()

	for _, ref := range rowRefs {
		lm.UnlockRow(txn, ref.table, ref.rid)
	}
	for _, oid := range tableOIDs {
		lm.UnlockTable(txn, oid, true)
	}
}

// StartDeadlockDetection launches the background goroutine that wakes
// every detectInterval, builds a wait-for graph from the current lock
// queues, and flags the youngest transaction in any cycle it finds as
// the victim, failing its pending lock request with ErrDeadlock.
func (lm *LockManager) StartDeadlockDetection() {
	lm.stopCh = make(chan struct{})
	lm.stopped = make(chan struct{})
	go func() {
		defer close(lm.stopped)
		ticker := time.NewTicker(lm.detectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-lm.stopCh:
				return
			case <-ticker.C:
				lm.runCycleDetection()
			}
		}
	}()
}

// StopDeadlockDetection stops the background detector and waits for it
// to exit.
func (lm *LockManager) StopDeadlockDetection() {
	if lm.stopCh == nil {
		return
	}
	close(lm.stopCh)
	<-lm.stopped
}

// buildWaitForGraph scans every table and row queue and returns, for
// each waiting transaction, the set of transactions ahead of it in
// that queue (granted or waiting earlier) that it depends on.
func (lm *LockManager) buildWaitForGraph() map[TxnID]map[TxnID]bool {
	graph := make(map[TxnID]map[TxnID]bool)

	addEdges := func(q *requestQueue) {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, waiter := range q.requests {
			if waiter.granted {
				continue
			}
			for j := 0; j < i; j++ {
				holder := q.requests[j]
				if holder.txnID == waiter.txnID {
					continue
				}
				if graph[waiter.txnID] == nil {
					graph[waiter.txnID] = make(map[TxnID]bool)
				}
				graph[waiter.txnID][holder.txnID] = true
			}
		}
	}

	lm.tableMu.Lock()
	tableQueues := make([]*requestQueue, 0, len(lm.tables))
	for _, q := range lm.tables {
		tableQueues = append(tableQueues, q)
	}
	lm.tableMu.Unlock()
	for _, q := range tableQueues {
		addEdges(q)
	}

	lm.rowMu.Lock()
	rowQueues := make([]*requestQueue, 0, len(lm.rows))
	for _, q := range lm.rows {
		rowQueues = append(rowQueues, q)
	}
	lm.rowMu.Unlock()
	for _, q := range rowQueues {
		addEdges(q)
	}

	return graph
}

// hasCycle runs DFS from every node in deterministic (sorted) order,
// returning the first cycle found as a slice of TxnIDs.
func hasCycle(graph map[TxnID]map[TxnID]bool) []TxnID {
	nodes := make([]TxnID, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[TxnID]int)
	var stack []TxnID

	var dfs func(n TxnID) []TxnID
	dfs = func(n TxnID) []TxnID {
		color[n] = gray
		stack = append(stack, n)

		neighbors := make([]TxnID, 0, len(graph[n]))
		for m := range graph[n] {
			neighbors = append(neighbors, m)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, m := range neighbors {
			switch color[m] {
			case white:
				if cyc := dfs(m); cyc != nil {
					return cyc
				}
			case gray:
				// Found a back edge: extract the cycle from the stack.
				for i, s := range stack {
					if s == m {
						return append([]TxnID(nil), stack[i:]...)
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range nodes {
		if color[n] == white {
			if cyc := dfs(n); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// runCycleDetection builds the wait-for graph and, if it finds a
// cycle, marks the youngest (highest id) participant as a victim and
// broadcasts every queue so it wakes up and observes ErrDeadlock.
func (lm *LockManager) runCycleDetection() {
	graph := lm.buildWaitForGraph()
	cycle := hasCycle(graph)
	if cycle == nil {
		return
	}

	victim := cycle[0]
	for _, id := range cycle {
		if id > victim {
			victim = id
		}
	}

	lm.victimMu.Lock()
	lm.victims[victim] = true
	lm.victimMu.Unlock()

	lm.logger.Warn("deadlock detected, aborting victim", "cycle", cycle, "victim", victim)

	lm.broadcastAll()
}

func (lm *LockManager) broadcastAll() {
	lm.tableMu.Lock()
	for _, q := range lm.tables {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	lm.tableMu.Unlock()

	lm.rowMu.Lock()
	for _, q := range lm.rows {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	lm.rowMu.Unlock()
}
