package transaction

import (
	"math"
	"sync"
	"sync/atomic"

	"derin/common"
)

// TxnID orders transactions by age: a smaller id is an older transaction.
// Age comparison is the sole basis of wound-wait deadlock prevention.
type TxnID uint64

// InvalidTxnID is the sentinel for "no transaction". It compares younger than
// every real id.
const InvalidTxnID TxnID = math.MaxUint64

type State int32

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// Transaction carries the lock bookkeeping of one client transaction. State
// is atomic because a peer holding a lock queue latch may wound it while its
// own goroutine reads it; the lock sets are only touched by the owner and by
// the transaction manager during release, under the set mutex.
type Transaction struct {
	id        TxnID
	isolation IsolationLevel
	state     atomic.Int32

	setLock          sync.Mutex
	sharedLockSet    map[common.RID]struct{}
	exclusiveLockSet map[common.RID]struct{}
}

func New(id TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:               id,
		isolation:        isolation,
		sharedLockSet:    map[common.RID]struct{}{},
		exclusiveLockSet: map[common.RID]struct{}{},
	}
}

func (t *Transaction) GetID() TxnID {
	return t.id
}

func (t *Transaction) GetIsolationLevel() IsolationLevel {
	return t.isolation
}

func (t *Transaction) GetState() State {
	return State(t.state.Load())
}

func (t *Transaction) SetState(state State) {
	t.state.Store(int32(state))
}

func (t *Transaction) IsSharedLocked(rid common.RID) bool {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	_, ok := t.sharedLockSet[rid]
	return ok
}

func (t *Transaction) IsExclusiveLocked(rid common.RID) bool {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	_, ok := t.exclusiveLockSet[rid]
	return ok
}

func (t *Transaction) GrantSharedLock(rid common.RID) {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	t.sharedLockSet[rid] = struct{}{}
}

func (t *Transaction) GrantExclusiveLock(rid common.RID) {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	t.exclusiveLockSet[rid] = struct{}{}
}

// UpgradeLock moves the rid from the shared set to the exclusive set.
func (t *Transaction) UpgradeLock(rid common.RID) {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	delete(t.sharedLockSet, rid)
	t.exclusiveLockSet[rid] = struct{}{}
}

// ReleaseLock forgets the rid in both sets.
func (t *Transaction) ReleaseLock(rid common.RID) {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	delete(t.sharedLockSet, rid)
	delete(t.exclusiveLockSet, rid)
}

// LockedRIDs snapshots every rid the transaction holds a lock on.
func (t *Transaction) LockedRIDs() []common.RID {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	rids := make([]common.RID, 0, len(t.sharedLockSet)+len(t.exclusiveLockSet))
	for rid := range t.sharedLockSet {
		rids = append(rids, rid)
	}
	for rid := range t.exclusiveLockSet {
		rids = append(rids, rid)
	}
	return rids
}

// SharedLockCount is used by tests to assert a lock set stayed untouched.
func (t *Transaction) SharedLockCount() int {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	return len(t.sharedLockSet)
}

func (t *Transaction) ExclusiveLockCount() int {
	t.setLock.Lock()
	defer t.setLock.Unlock()

	return len(t.exclusiveLockSet)
}
