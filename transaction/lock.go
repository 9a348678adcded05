package transaction

import (
	"sync"

	"dbcore/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// lockMode is the two modes this lock manager grants: shared (read) and
// exclusive (write). There is no multi-granularity intent locking here --
// every lock is taken directly on a record id.
type lockMode int

const (
	modeShared lockMode = iota
	modeExclusive
)

func (m lockMode) String() string {
	if m == modeExclusive {
		return "Exclusive"
	}
	return "Shared"
}

// conflicts reports whether a request for want conflicts with an entry
// already holding or waiting in have: exclusive conflicts with everything,
// shared only with exclusive.
func conflicts(want, have lockMode) bool {
	return want == modeExclusive || have == modeExclusive
}

// lockRequest is one entry in a record's wait queue: a transaction's desired
// mode on that record, granted or still waiting.
type lockRequest struct {
	txnID   common.TransactionID
	mode    lockMode
	granted bool
}

// lockQueue is the per-record state: the ordered list of requests (granted
// holders and waiters together, in arrival order) and the condition variable
// waiters block on. upgrading holds the id of the transaction currently
// mid-upgrade on this record, or InvalidTransactionID.
type lockQueue struct {
	requests  []*lockRequest
	cond      *sync.Cond
	upgrading common.TransactionID
}

// LockManager grants and releases per-record locks under wound-wait
// deadlock prevention. A single mutex guards every queue -- per the latch
// ordering discipline, this mutex is always a leaf: no other latch is ever
// acquired while it is held. Each record's queue carries its own condition
// variable (bound to the same mutex) so a broadcast on one record's queue
// never wakes waiters on another.
type LockManager struct {
	mu     sync.Mutex
	queues map[common.RID]*lockQueue

	// txns resolves a transaction id to its Transaction object so a wound
	// can reach in and mutate the state/lock sets of a transaction this
	// goroutine does not otherwise have a handle to.
	txns *xsync.MapOf[common.TransactionID, *Transaction]
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		queues: make(map[common.RID]*lockQueue),
		txns:   xsync.NewMapOf[common.TransactionID, *Transaction](),
	}
}

// Begin registers a new transaction with the manager so it is reachable by
// other transactions' wound-wait checks, and returns it.
func (lm *LockManager) Begin(id common.TransactionID, isolation IsolationLevel) *Transaction {
	txn := New(id, isolation)
	lm.txns.Store(id, txn)
	return txn
}

func (lm *LockManager) queueFor(rid common.RID) *lockQueue {
	q, ok := lm.queues[rid]
	if !ok {
		q = &lockQueue{upgrading: common.InvalidTransactionID}
		q.cond = sync.NewCond(&lm.mu)
		lm.queues[rid] = q
	}
	return q
}

// LockShared acquires a shared lock on rid for txn, per the wound-wait
// protocol in §4.6.
func (lm *LockManager) LockShared(txn *Transaction, rid common.RID) (bool, error) {
	return lm.acquire(txn, rid, modeShared)
}

// LockExclusive acquires an exclusive lock on rid for txn.
func (lm *LockManager) LockExclusive(txn *Transaction, rid common.RID) (bool, error) {
	return lm.acquire(txn, rid, modeExclusive)
}

func (lm *LockManager) acquire(txn *Transaction, rid common.RID, mode lockMode) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.state == Aborted {
		return false, nil
	}
	if txn.state == Shrinking {
		txn.state = Aborted
		return false, common.NewAbortError(txn.id, common.LockOnShrinking)
	}
	if mode == modeShared && txn.isolation == ReadUncommitted {
		txn.state = Aborted
		return false, common.NewAbortError(txn.id, common.LockSharedOnReadUncommitted)
	}
	if txn.holds(rid, mode) {
		return true, nil
	}

	txn.state = Growing
	q := lm.queueFor(rid)
	req := &lockRequest{txnID: txn.id, mode: mode}
	q.requests = append(q.requests, req)

	for !lm.checkAndWound(q, rid, req) && txn.state != Aborted {
		q.cond.Wait()
	}
	if txn.state == Aborted {
		return false, common.NewAbortError(txn.id, common.Deadlock)
	}

	txn.grant(rid, mode)
	return true, nil
}

// checkAndWound walks q.requests from the head. Every entry strictly before
// req conflicts with req's mode only if it is exclusive (or req is
// exclusive, in which case everything conflicts). A conflicting entry from a
// younger transaction is wounded -- aborted, stripped of rid, dropped from
// the queue -- and the scan continues; a conflicting entry from an older
// transaction means req must keep waiting. Reaching req's own entry with no
// unresolved older conflict grants it. Returns true iff req was granted.
func (lm *LockManager) checkAndWound(q *lockQueue, rid common.RID, req *lockRequest) bool {
	i := 0
	for i < len(q.requests) {
		entry := q.requests[i]
		if entry == req {
			entry.granted = true
			return true
		}
		if !conflicts(req.mode, entry.mode) {
			i++
			continue
		}
		if entry.txnID <= req.txnID {
			return false
		}
		if other, ok := lm.txns.Load(entry.txnID); ok {
			common.Logger().Debug("wound-wait: wounding younger transaction",
				"wounded_txn", entry.txnID, "by_txn", req.txnID, "rid", rid)
			other.state = Aborted
			other.clearLocks(rid)
		}
		q.requests = append(q.requests[:i], q.requests[i+1:]...)
		q.cond.Broadcast()
		// Don't advance i: the next entry has shifted into position i.
	}
	return true
}

// LockUpgrade upgrades txn's shared lock on rid to exclusive. Only one
// upgrade may be in flight per record at a time.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid common.RID) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.state == Aborted {
		return false, nil
	}
	if txn.exclusiveLocks.Contains(rid) {
		return true, nil
	}
	if txn.state == Shrinking {
		txn.state = Aborted
		return false, common.NewAbortError(txn.id, common.LockOnShrinking)
	}

	q := lm.queueFor(rid)
	if q.upgrading != common.InvalidTransactionID {
		txn.state = Aborted
		return false, common.NewAbortError(txn.id, common.UpgradeConflict)
	}
	q.upgrading = txn.id

	for i, entry := range q.requests {
		if entry.txnID == txn.id {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	txn.removeShared(rid)
	q.cond.Broadcast()

	req := &lockRequest{txnID: txn.id, mode: modeExclusive}
	q.requests = append(q.requests, req)

	for !lm.checkAndWound(q, rid, req) && txn.state != Aborted {
		q.cond.Wait()
	}
	if txn.state == Aborted {
		q.upgrading = common.InvalidTransactionID
		return false, common.NewAbortError(txn.id, common.Deadlock)
	}

	txn.grant(rid, modeExclusive)
	q.upgrading = common.InvalidTransactionID
	return true, nil
}

// Unlock releases txn's lock on rid. Under REPEATABLE_READ, releasing a lock
// while still GROWING transitions the transaction to SHRINKING (strict 2PL);
// READ_COMMITTED and READ_UNCOMMITTED transactions may unlock at any time
// without a phase transition.
func (lm *LockManager) Unlock(txn *Transaction, rid common.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.state == Growing && txn.isolation == RepeatableRead {
		txn.state = Shrinking
	}

	if q, ok := lm.queues[rid]; ok {
		for i, entry := range q.requests {
			if entry.txnID == txn.id {
				q.requests = append(q.requests[:i], q.requests[i+1:]...)
				break
			}
		}
		q.cond.Broadcast()
	}
	txn.clearLocks(rid)
	return true
}
