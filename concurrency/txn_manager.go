package concurrency

import (
	"sync"
	"sync/atomic"

	"derin/transaction"
)

// TransactionManager hands out transaction ids and keeps the global registry
// the lock manager wounds peers through. GetTransaction takes only the
// registry lock, so it is safe to call while holding a lock queue latch.
type TransactionManager struct {
	mu          sync.RWMutex
	txns        map[transaction.TxnID]*transaction.Transaction
	nextTxnID   atomic.Uint64
	lockManager *LockManager
}

func NewTransactionManager() *TransactionManager {
	return &TransactionManager{
		txns: map[transaction.TxnID]*transaction.Transaction{},
	}
}

// AttachLockManager wires the lock manager used to release locks on commit
// and abort. Set once during engine construction.
func (tm *TransactionManager) AttachLockManager(lm *LockManager) {
	tm.lockManager = lm
}

// Begin starts a transaction. Ids increase monotonically, so a transaction
// begun earlier is older than every one begun after it.
func (tm *TransactionManager) Begin(isolation transaction.IsolationLevel) *transaction.Transaction {
	id := transaction.TxnID(tm.nextTxnID.Add(1) - 1)
	txn := transaction.New(id, isolation)

	tm.mu.Lock()
	tm.txns[id] = txn
	tm.mu.Unlock()
	return txn
}

func (tm *TransactionManager) GetTransaction(id transaction.TxnID) *transaction.Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	return tm.txns[id]
}

// Commit releases every held lock and marks the transaction committed.
func (tm *TransactionManager) Commit(txn *transaction.Transaction) {
	tm.releaseAllLocks(txn)
	txn.SetState(transaction.Committed)
}

// Abort releases every held lock and marks the transaction aborted.
func (tm *TransactionManager) Abort(txn *transaction.Transaction) {
	tm.releaseAllLocks(txn)
	txn.SetState(transaction.Aborted)
}

func (tm *TransactionManager) releaseAllLocks(txn *transaction.Transaction) {
	if tm.lockManager == nil {
		return
	}
	for _, rid := range txn.LockedRIDs() {
		tm.lockManager.Unlock(txn, rid)
	}
}
