package txn

import "errors"

var (
	// ErrTxnNotActive is returned when an operation requiring an active
	// transaction is attempted on one that has already committed or
	// aborted.
	ErrTxnNotActive = errors.New("txn: transaction is not active")

	// ErrTxnNotFound names a transaction id that is not registered in the
	// TransactionContext. GetTransaction reports that case with ok=false
	// rather than returning this error.
	ErrTxnNotFound = errors.New("txn: transaction not found")

	// ErrLockOnShrinking is returned when a transaction in the SHRINKING
	// phase attempts to acquire a new lock, violating strict 2PL.
	ErrLockOnShrinking = errors.New("txn: cannot acquire locks while shrinking")

	// ErrIncompatibleUpgrade is returned when a requested lock-mode
	// upgrade is not permitted by the upgrade matrix, or another
	// transaction is already upgrading the same queue.
	ErrIncompatibleUpgrade = errors.New("txn: incompatible or conflicting lock upgrade")

	// ErrDeadlock is returned to the transaction selected as a victim by
	// the cycle-detection thread.
	ErrDeadlock = errors.New("txn: aborted to break a deadlock")

	// ErrLockNotHeld is returned when unlocking a resource the calling
	// transaction does not hold a lock on.
	ErrLockNotHeld = errors.New("txn: lock not held")

	// ErrUnlockRowBeforeTable is returned by UnlockTable(force=false) when
	// the transaction still holds row locks on the table it is trying to
	// release, mirroring the original lock manager's ordering check.
	ErrUnlockRowBeforeTable = errors.New("txn: must release all row locks before the table lock")

	// ErrMissingIntentLock is returned by LockRow when the calling
	// transaction does not already hold a table-level lock compatible
	// with the requested row lock's intention.
	ErrMissingIntentLock = errors.New("txn: row lock requires a compatible table-level intent lock")
)
