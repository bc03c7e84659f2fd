package rrsetstore

import (
	"sync"
	"sync/atomic"
	"time"

	"dnscache/pkg/rrset"
)

// entry is a single RRsetStore slot: the record-set bookkeeping guarded
// by its own reader/writer lock, plus the id tag that gives every
// RRsetRef a way to detect staleness without dereferencing a pointer.
type entry struct {
	mu   sync.RWMutex
	id   uint64
	data *rrset.Data

	// lastTouchNano is the last-read timestamp (UnixNano), updated via
	// atomic store from unlockTouch so a read-lock holder can record a
	// touch without upgrading to a write lock.
	lastTouchNano atomic.Int64
	// hits counts touches of this entry (one at insert, one per
	// UnlockTouch), fed into the eviction scorer alongside recency.
	hits atomic.Int64
}

func (e *entry) expired(now time.Time) bool {
	return e.data.Expired(now)
}

func (e *entry) touch(now time.Time) {
	e.lastTouchNano.Store(now.UnixNano())
	e.hits.Add(1)
}

func (e *entry) lastTouch() time.Time {
	return time.Unix(0, e.lastTouchNano.Load())
}
