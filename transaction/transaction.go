// Package transaction implements the lock manager: per-record shared/
// exclusive locking under wound-wait deadlock prevention, and the
// transaction state machine strict two-phase locking drives.
package transaction

import (
	"dbcore/common"
	mapset "github.com/deckarep/golang-set/v2"
)

// IsolationLevel governs which lock modes a transaction may take and whether
// it observes strict two-phase locking.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "ReadUncommitted"
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	default:
		return "Unknown"
	}
}

// State is a transaction's position in the two-phase locking state machine.
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
		return "Growing"
	case Shrinking:
		return "Shrinking"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Transaction tracks one transaction's isolation level, two-phase locking
// state, and the record locks it currently holds. Every field here is
// mutated exclusively by LockManager under its own mutex (see lock.go) --
// never by a latch of the transaction's own -- in keeping with the rule that
// the lock manager's mutex is always a leaf: no other latch may be taken
// while it is held. Reading a Transaction's state after its owning
// operations have quiesced (e.g. in a test, or at commit time once no
// further locking can occur) is safe without additional synchronization.
type Transaction struct {
	id        common.TransactionID
	isolation IsolationLevel
	state     State

	sharedLocks    mapset.Set[common.RID]
	exclusiveLocks mapset.Set[common.RID]
}

// New creates a transaction in the GROWING state holding no locks.
func New(id common.TransactionID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:             id,
		isolation:      isolation,
		state:          Growing,
		sharedLocks:    mapset.NewThreadUnsafeSet[common.RID](),
		exclusiveLocks: mapset.NewThreadUnsafeSet[common.RID](),
	}
}

func (t *Transaction) ID() common.TransactionID       { return t.id }
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }
func (t *Transaction) State() State                   { return t.state }

func (t *Transaction) IsSharedLocked(rid common.RID) bool    { return t.sharedLocks.Contains(rid) }
func (t *Transaction) IsExclusiveLocked(rid common.RID) bool { return t.exclusiveLocks.Contains(rid) }

// SharedLockSet and ExclusiveLockSet expose the record id sets this
// transaction currently holds, primarily for tests asserting P9's "empty
// lock sets after abort" property.
func (t *Transaction) SharedLockSet() mapset.Set[common.RID]    { return t.sharedLocks.Clone() }
func (t *Transaction) ExclusiveLockSet() mapset.Set[common.RID] { return t.exclusiveLocks.Clone() }

// holds reports whether the transaction already has mode (or something
// stronger) on rid.
func (t *Transaction) holds(rid common.RID, mode lockMode) bool {
	if t.exclusiveLocks.Contains(rid) {
		return true
	}
	if mode == modeShared {
		return t.sharedLocks.Contains(rid)
	}
	return false
}

// grant records that rid is now held in mode.
func (t *Transaction) grant(rid common.RID, mode lockMode) {
	if mode == modeExclusive {
		t.exclusiveLocks.Add(rid)
		return
	}
	t.sharedLocks.Add(rid)
}

// removeShared drops rid from the shared set only, used mid-upgrade when
// the shared entry is pulled from the wait queue and re-requested exclusive.
func (t *Transaction) removeShared(rid common.RID) {
	t.sharedLocks.Remove(rid)
}

// clearLocks drops rid from both lock sets, used on unlock and on wound (the
// wounded transaction had at most one of the two on rid; clearing both is
// the cheap, always-correct way to say "whichever it was, it's gone now").
func (t *Transaction) clearLocks(rid common.RID) {
	t.sharedLocks.Remove(rid)
	t.exclusiveLocks.Remove(rid)
}
