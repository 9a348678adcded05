// Package common holds the small set of types shared across the storage and
// concurrency core: page identifiers, record identifiers, transaction ids,
// and log sequence numbers.
package common

import "fmt"

// PageSize is the fixed size of every page, in memory and on disk.
const PageSize = 4096

// PageID identifies a page. It is stable for the lifetime of the page on disk.
type PageID int32

// InvalidPageID marks the absence of a page (an empty frame, a nil directory slot).
const InvalidPageID PageID = -1

// IsValid reports whether the id refers to an allocated page.
func (p PageID) IsValid() bool {
	return p != InvalidPageID
}

func (p PageID) String() string {
	if p == InvalidPageID {
		return "Page(invalid)"
	}
	return fmt.Sprintf("Page(%d)", int32(p))
}

// FrameID identifies a slot in the buffer pool, in [0, pool_size).
type FrameID int32

// RID (record id) identifies a tuple by the page that holds it and a slot
// number within that page. It is opaque to the storage and concurrency core
// except as a map key and as the unit the lock manager serializes access to.
type RID struct {
	Page PageID
	Slot int32
}

func (r RID) String() string {
	return fmt.Sprintf("rid(%d,%d)", int32(r.Page), r.Slot)
}

// TransactionID is assigned in strictly increasing order; lower ids are
// older and, under wound-wait, higher priority.
type TransactionID uint64

// InvalidTransactionID is the zero value, never assigned to a real transaction.
const InvalidTransactionID TransactionID = 0

// LSN is a log sequence number. The core only threads it through page
// metadata; the log manager that assigns meaning to it lives outside the
// core.
type LSN int64

// NoLSN is the LSN of a page that has never been touched by a logged write.
const NoLSN LSN = 0
