package txn

import (
	"errors"
	"testing"
	"time"
)

func newTestManager() (*LockManager, *TransactionContext) {
	lm := NewLockManager(nil)
	tc := NewTransactionContext(lm)
	lm.SetTransactionContext(tc)
	return lm, tc
}

func TestLockTableBasicGrant(t *testing.T) {
	lm, tc := newTestManager()
	txn := tc.Begin()

	if err := lm.LockTable(txn, 1, Shared); err != nil {
		t.Fatalf("lock table: %v", err)
	}
	if _, ok := txn.sharedTableLocks[1]; !ok {
		t.Error("expected shared table lock recorded")
	}
}

func TestLockTableCompatibleSharedLocks(t *testing.T) {
	lm, tc := newTestManager()
	t1 := tc.Begin()
	t2 := tc.Begin()

	if err := lm.LockTable(t1, 1, Shared); err != nil {
		t.Fatalf("t1 lock: %v", err)
	}
	if err := lm.LockTable(t2, 1, Shared); err != nil {
		t.Fatalf("t2 lock: %v", err)
	}
}

func TestLockTableIncompatibleBlocks(t *testing.T) {
	lm, tc := newTestManager()
	t1 := tc.Begin()
	t2 := tc.Begin()

	if err := lm.LockTable(t1, 1, Exclusive); err != nil {
		t.Fatalf("t1 lock: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- lm.LockTable(t2, 1, Shared)
	}()

	select {
	case <-done:
		t.Fatal("expected t2 to block while t1 holds X")
	case <-time.After(100 * time.Millisecond):
	}

	lm.UnlockTable(t1, 1, true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected t2 to acquire after unlock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("t2 never acquired lock after t1 released")
	}
}

func TestLockTableUpgrade(t *testing.T) {
	lm, tc := newTestManager()
	txn := tc.Begin()

	if err := lm.LockTable(txn, 1, Shared); err != nil {
		t.Fatalf("initial S lock: %v", err)
	}
	if err := lm.LockTable(txn, 1, Exclusive); err != nil {
		t.Fatalf("upgrade to X: %v", err)
	}
	if _, ok := txn.exclusiveTableLocks[1]; !ok {
		t.Error("expected exclusive lock after upgrade")
	}
	if _, ok := txn.sharedTableLocks[1]; ok {
		t.Error("expected shared lock cleared after upgrade")
	}
}

func TestLockTableIncompatibleUpgradeRejected(t *testing.T) {
	lm, tc := newTestManager()
	txn := tc.Begin()

	if err := lm.LockTable(txn, 1, IntentionShared); err != nil {
		t.Fatalf("initial IS lock: %v", err)
	}
	// SIX -> no direct downgrade path exists from IS backward, but test an
	// actually-disallowed transition: SIX cannot go to plain S or IS.
	if err := lm.LockTable(txn, 1, SharedIntentionExclusive); err != nil {
		t.Fatalf("upgrade IS->SIX: %v", err)
	}
	if err := lm.LockTable(txn, 1, Shared); err == nil {
		t.Error("expected SIX -> S to be rejected as an incompatible downgrade path")
	}
}

func TestLockOnShrinkingRejected(t *testing.T) {
	lm, tc := newTestManager()
	txn := tc.Begin()

	if err := lm.LockTable(txn, 1, Shared); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := lm.UnlockTable(txn, 1, false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if txn.State() != Shrinking {
		t.Fatalf("expected Shrinking state, got %v", txn.State())
	}
	if err := lm.LockTable(txn, 2, Shared); !errors.Is(err, ErrLockOnShrinking) {
		t.Errorf("expected ErrLockOnShrinking, got %v", err)
	}
}

func TestUnlockRowBeforeTableRequired(t *testing.T) {
	lm, tc := newTestManager()
	txn := tc.Begin()

	if err := lm.LockTable(txn, 1, IntentionExclusive); err != nil {
		t.Fatalf("table lock: %v", err)
	}
	if err := lm.LockRow(txn, 1, RID{PageID: 1, SlotID: 0}, Exclusive); err != nil {
		t.Fatalf("row lock: %v", err)
	}
	if err := lm.UnlockTable(txn, 1, false); !errors.Is(err, ErrUnlockRowBeforeTable) {
		t.Errorf("expected ErrUnlockRowBeforeTable, got %v", err)
	}

	if err := lm.UnlockRow(txn, 1, RID{PageID: 1, SlotID: 0}); err != nil {
		t.Fatalf("unlock row: %v", err)
	}
	if err := lm.UnlockTable(txn, 1, false); err != nil {
		t.Fatalf("unlock table after rows released: %v", err)
	}
}

func TestReleaseAllOnCommit(t *testing.T) {
	lm, tc := newTestManager()
	txn := tc.Begin()

	lm.LockTable(txn, 1, IntentionExclusive)
	lm.LockRow(txn, 1, RID{PageID: 1, SlotID: 0}, Exclusive)

	if err := tc.Commit(txn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if txn.State() != Committed {
		t.Errorf("expected Committed, got %v", txn.State())
	}

	t2 := tc.Begin()
	if err := lm.LockTable(t2, 1, Exclusive); err != nil {
		t.Fatalf("expected t2 to acquire X after t1 committed released all locks: %v", err)
	}
}

func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	lm, tc := newTestManager()
	lm.detectInterval = 10 * time.Millisecond
	lm.StartDeadlockDetection()
	defer lm.StopDeadlockDetection()

	t1 := tc.Begin()
	t2 := tc.Begin()

	if err := lm.LockTable(t1, 1, Exclusive); err != nil {
		t.Fatalf("t1 lock table 1: %v", err)
	}
	if err := lm.LockTable(t2, 2, Exclusive); err != nil {
		t.Fatalf("t2 lock table 2: %v", err)
	}

	// The victim's caller aborts it after ErrDeadlock, which releases
	// its locks so the other waiter can be granted.
	errs := make(chan error, 2)
	lockOrAbort := func(txn *Transaction, oid TableOID) {
		err := lm.LockTable(txn, oid, Exclusive)
		if errors.Is(err, ErrDeadlock) {
			tc.Abort(txn, nil)
		}
		errs <- err
	}
	go lockOrAbort(t1, 2)
	time.Sleep(20 * time.Millisecond)
	go lockOrAbort(t2, 1)

	var sawDeadlock bool
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if errors.Is(err, ErrDeadlock) {
				sawDeadlock = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("deadlock was never broken")
		}
	}
	if !sawDeadlock {
		t.Error("expected one of the two waiters to be aborted with ErrDeadlock")
	}
}

func TestAbortRunsUndoInReverseOrder(t *testing.T) {
	_, tc := newTestManager()
	txn := tc.Begin()

	txn.RecordWrite(WriteRecord{Table: 1, RID: RID{PageID: 1, SlotID: 0}, LSN: 1})
	txn.RecordWrite(WriteRecord{Table: 1, RID: RID{PageID: 1, SlotID: 1}, LSN: 2})

	var order []uint64
	err := tc.Abort(txn, func(rec WriteRecord) error {
		order = append(order, rec.LSN)
		return nil
	})
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("expected undo in reverse order [2 1], got %v", order)
	}
	if txn.State() != Aborted {
		t.Errorf("expected Aborted, got %v", txn.State())
	}
}

func TestCommitNonActiveTransactionFails(t *testing.T) {
	_, tc := newTestManager()
	txn := tc.Begin()
	if err := tc.Commit(txn); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := tc.Commit(txn); !errors.Is(err, ErrTxnNotActive) {
		t.Errorf("expected ErrTxnNotActive on double commit, got %v", err)
	}
}
