package concurrency

import (
	"sync"

	"derin/common"
	"derin/telemetry"
	"derin/transaction"

	"go.uber.org/zap"
)

type lockMode int

const (
	sharedMode lockMode = iota
	exclusiveMode
)

type lockRequest struct {
	txnID transaction.TxnID
	mode  lockMode
}

// lockRequestQueue is the per-RID lock state: the current holders, the FIFO
// of pending requests and the condition variable blocked requesters sleep on.
// Everything in it is guarded by mu, which is held for the whole wait loop.
type lockRequestQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	sharedHolders   map[transaction.TxnID]struct{}
	exclusiveHolder transaction.TxnID
	queue           []lockRequest
	upgrading       transaction.TxnID
}

func newLockRequestQueue() *lockRequestQueue {
	q := &lockRequestQueue{
		sharedHolders:   map[transaction.TxnID]struct{}{},
		exclusiveHolder: transaction.InvalidTxnID,
		upgrading:       transaction.InvalidTxnID,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// isGranted reports whether the transaction currently holds the lock. An
// upgrader does not count as granted until its upgrade went through.
func (q *lockRequestQueue) isGranted(id transaction.TxnID) bool {
	if q.upgrading == id {
		return false
	}
	if q.exclusiveHolder == id {
		return true
	}
	_, ok := q.sharedHolders[id]
	return ok
}

// removeRequest drops the transaction's pending request, if any.
func (q *lockRequestQueue) removeRequest(id transaction.TxnID) {
	for i, req := range q.queue {
		if req.txnID == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

// LockManager arbitrates row level shared and exclusive locks under strict
// two phase locking. Deadlocks are prevented, not detected: requests wound
// (abort) younger conflicting transactions on contact, so a waiter is always
// younger than everything that could wait on it and no cycle can form.
//
// The table latch is only held to look up or create a queue; it is never held
// across a wait.
type LockManager struct {
	tableLatch sync.Mutex
	lockTable  map[common.RID]*lockRequestQueue

	txnManager *TransactionManager
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

func NewLockManager(tm *TransactionManager, logger *zap.Logger, metrics *telemetry.Metrics) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	lm := &LockManager{
		lockTable:  map[common.RID]*lockRequestQueue{},
		txnManager: tm,
		logger:     logger,
		metrics:    metrics,
	}
	tm.AttachLockManager(lm)
	return lm
}

func (lm *LockManager) getQueue(rid common.RID) *lockRequestQueue {
	lm.tableLatch.Lock()
	defer lm.tableLatch.Unlock()

	q, ok := lm.lockTable[rid]
	if !ok {
		q = newLockRequestQueue()
		lm.lockTable[rid] = q
	}
	return q
}

func (lm *LockManager) abort(txn *transaction.Transaction) {
	txn.SetState(transaction.Aborted)
}

// wound aborts the victim through the transaction manager. Safe to call while
// holding a queue latch. The victim, if blocked, observes its state on the
// next broadcast and backs out.
func (lm *LockManager) wound(victimID transaction.TxnID) {
	if victim := lm.txnManager.GetTransaction(victimID); victim != nil {
		victim.SetState(transaction.Aborted)
	}
	lm.metrics.LockWounds.Inc()
	lm.logger.Debug("wounded transaction", zap.Uint64("txnID", uint64(victimID)))
}

// woundYoungerQueued aborts and removes every pending request younger than
// the requester, whatever its mode. Called with the queue latch held.
func (lm *LockManager) woundYoungerQueued(q *lockRequestQueue, requesterID transaction.TxnID) {
	kept := q.queue[:0]
	for _, req := range q.queue {
		if requesterID < req.txnID {
			if req.txnID == q.upgrading {
				q.upgrading = transaction.InvalidTxnID
			}
			lm.wound(req.txnID)
			continue
		}
		kept = append(kept, req)
	}
	q.queue = kept
}

// woundYoungerExclusiveHolder aborts the exclusive holder when it is younger
// than the requester. Called with the queue latch held.
func (lm *LockManager) woundYoungerExclusiveHolder(q *lockRequestQueue, requesterID transaction.TxnID) {
	if q.exclusiveHolder != transaction.InvalidTxnID && requesterID < q.exclusiveHolder {
		lm.wound(q.exclusiveHolder)
		q.exclusiveHolder = transaction.InvalidTxnID
	}
}

// woundYoungerSharedHolders aborts every shared holder younger than the
// requester. Called with the queue latch held.
func (lm *LockManager) woundYoungerSharedHolders(q *lockRequestQueue, requesterID transaction.TxnID) {
	for holder := range q.sharedHolders {
		if requesterID < holder {
			lm.wound(holder)
			delete(q.sharedHolders, holder)
		}
	}
}

// wait blocks on the queue's condition variable until the transaction is
// granted or wounded. Returns true when granted. Called with the queue latch
// held; the latch is released while sleeping.
func (lm *LockManager) wait(q *lockRequestQueue, txn *transaction.Transaction) bool {
	lm.metrics.LockWaits.Inc()
	for txn.GetState() != transaction.Aborted && !q.isGranted(txn.GetID()) {
		q.cond.Wait()
	}
	return txn.GetState() != transaction.Aborted
}

// backOut cleans the aborted transaction out of the queue so it cannot block
// the FIFO, then lets the remaining requests advance.
func (lm *LockManager) backOut(q *lockRequestQueue, id transaction.TxnID) {
	q.removeRequest(id)
	if q.upgrading == id {
		q.upgrading = transaction.InvalidTxnID
	}
	delete(q.sharedHolders, id)
	if q.exclusiveHolder == id {
		q.exclusiveHolder = transaction.InvalidTxnID
	}
	lm.processQueue(q)
	q.cond.Broadcast()
}

// LockShared acquires a shared lock on the rid. Blocks until granted or
// wounded; false means the transaction is aborted.
func (lm *LockManager) LockShared(txn *transaction.Transaction, rid common.RID) bool {
	if txn.GetState() == transaction.Aborted {
		return false
	}
	if txn.GetIsolationLevel() == transaction.ReadUncommitted {
		// reads without locks by definition; a shared lock request is a bug
		lm.abort(txn)
		return false
	}
	if txn.GetIsolationLevel() == transaction.RepeatableRead && txn.GetState() == transaction.Shrinking {
		lm.abort(txn)
		return false
	}
	if txn.IsSharedLocked(rid) || txn.IsExclusiveLocked(rid) {
		return true
	}

	q := lm.getQueue(rid)
	q.mu.Lock()
	defer q.mu.Unlock()

	id := txn.GetID()
	lm.woundYoungerQueued(q, id)
	lm.woundYoungerExclusiveHolder(q, id)
	q.cond.Broadcast() // wounded waiters must notice their abort

	if q.exclusiveHolder == transaction.InvalidTxnID {
		q.sharedHolders[id] = struct{}{}
	} else {
		q.queue = append(q.queue, lockRequest{txnID: id, mode: sharedMode})
		lm.processQueue(q)
		if !lm.wait(q, txn) {
			lm.backOut(q, id)
			return false
		}
	}

	if txn.GetState() == transaction.Aborted {
		lm.backOut(q, id)
		return false
	}

	txn.GrantSharedLock(rid)
	q.cond.Broadcast()
	return true
}

// LockExclusive acquires an exclusive lock on the rid. Re-entry on an rid the
// transaction already holds exclusively returns true; re-entry on an rid it
// holds in shared mode turns into an upgrade.
func (lm *LockManager) LockExclusive(txn *transaction.Transaction, rid common.RID) bool {
	if txn.GetState() == transaction.Aborted {
		return false
	}
	if txn.GetState() == transaction.Shrinking {
		lm.abort(txn)
		return false
	}
	if txn.IsExclusiveLocked(rid) {
		return true
	}
	if txn.IsSharedLocked(rid) {
		return lm.LockUpgrade(txn, rid)
	}

	q := lm.getQueue(rid)
	q.mu.Lock()
	defer q.mu.Unlock()

	id := txn.GetID()
	lm.woundYoungerQueued(q, id)
	lm.woundYoungerExclusiveHolder(q, id)
	lm.woundYoungerSharedHolders(q, id)
	q.cond.Broadcast() // wounded waiters must notice their abort

	if q.exclusiveHolder == transaction.InvalidTxnID && len(q.sharedHolders) == 0 {
		q.exclusiveHolder = id
	} else {
		q.queue = append(q.queue, lockRequest{txnID: id, mode: exclusiveMode})
		lm.processQueue(q)
		if !lm.wait(q, txn) {
			lm.backOut(q, id)
			return false
		}
	}

	if txn.GetState() == transaction.Aborted {
		lm.backOut(q, id)
		return false
	}

	txn.GrantExclusiveLock(rid)
	q.cond.Broadcast()
	return true
}

// LockUpgrade turns a held shared lock into an exclusive one. Only one
// upgrade may be in flight per rid; a second upgrader is aborted.
func (lm *LockManager) LockUpgrade(txn *transaction.Transaction, rid common.RID) bool {
	if txn.GetState() == transaction.Aborted {
		return false
	}
	if txn.GetState() == transaction.Shrinking {
		lm.abort(txn)
		return false
	}
	if !txn.IsSharedLocked(rid) {
		return false
	}

	q := lm.getQueue(rid)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.upgrading != transaction.InvalidTxnID {
		lm.abort(txn)
		return false
	}

	id := txn.GetID()
	delete(q.sharedHolders, id)

	lm.woundYoungerQueued(q, id)
	lm.woundYoungerExclusiveHolder(q, id)
	lm.woundYoungerSharedHolders(q, id)
	q.cond.Broadcast() // wounded waiters must notice their abort

	if q.exclusiveHolder == transaction.InvalidTxnID && len(q.sharedHolders) == 0 {
		q.exclusiveHolder = id
	} else {
		q.queue = append(q.queue, lockRequest{txnID: id, mode: exclusiveMode})
		q.upgrading = id
		lm.processQueue(q)
		if !lm.wait(q, txn) {
			lm.backOut(q, id)
			return false
		}
	}

	if txn.GetState() == transaction.Aborted {
		lm.backOut(q, id)
		return false
	}

	txn.UpgradeLock(rid)
	q.cond.Broadcast()
	return true
}

// Unlock releases whatever lock the transaction holds on the rid. It is
// tolerant: releasing a lock that is not held still returns true, because the
// two phase state transition is a meaningful effect on its own. Under
// REPEATABLE_READ the first unlock moves a growing transaction to shrinking.
func (lm *LockManager) Unlock(txn *transaction.Transaction, rid common.RID) bool {
	q := lm.getQueue(rid)
	q.mu.Lock()
	defer q.mu.Unlock()

	if txn.GetIsolationLevel() == transaction.RepeatableRead && txn.GetState() == transaction.Growing {
		txn.SetState(transaction.Shrinking)
	}

	id := txn.GetID()
	if q.exclusiveHolder == id {
		q.exclusiveHolder = transaction.InvalidTxnID
	}
	delete(q.sharedHolders, id)
	txn.ReleaseLock(rid)

	lm.processQueue(q)
	q.cond.Broadcast()
	return true
}

// processQueue grants whatever the head of the queue allows. A pending
// upgrade is decided first and blocks all FIFO processing until it is done.
// Grants respect arrival order; the only reordering is wound-wait preemption.
// Called with the queue latch held.
func (lm *LockManager) processQueue(q *lockRequestQueue) {
	if q.upgrading != transaction.InvalidTxnID {
		upgrader := q.upgrading
		if q.exclusiveHolder != transaction.InvalidTxnID {
			return
		}
		for holder := range q.sharedHolders {
			if holder < upgrader {
				// an older holder keeps its read lock; the upgrade waits
				return
			}
		}
		for holder := range q.sharedHolders {
			lm.wound(holder)
		}
		q.sharedHolders = map[transaction.TxnID]struct{}{}
		q.exclusiveHolder = upgrader
		q.upgrading = transaction.InvalidTxnID
		q.removeRequest(upgrader)
		return
	}

	for len(q.queue) > 0 {
		req := q.queue[0]

		if req.mode == sharedMode {
			if q.exclusiveHolder != transaction.InvalidTxnID {
				if req.txnID < q.exclusiveHolder {
					lm.wound(q.exclusiveHolder)
					q.exclusiveHolder = transaction.InvalidTxnID
				} else {
					return
				}
			}
			q.sharedHolders[req.txnID] = struct{}{}
			q.queue = q.queue[1:]
			continue
		}

		// exclusive request
		if q.exclusiveHolder != transaction.InvalidTxnID {
			if req.txnID < q.exclusiveHolder {
				lm.wound(q.exclusiveHolder)
				q.exclusiveHolder = transaction.InvalidTxnID
			} else {
				return
			}
		}
		for holder := range q.sharedHolders {
			if holder < req.txnID {
				// an older reader blocks the writer; stop, keep FIFO order
				return
			}
		}
		lm.woundYoungerSharedHolders(q, req.txnID)
		q.exclusiveHolder = req.txnID
		q.queue = q.queue[1:]
		return
	}
}
