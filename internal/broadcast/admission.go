// Package broadcast limits concurrent live-stream clients and pushes the
// latest snapshot to each of them on a fixed cadence.
package broadcast

import (
	"errors"
	"sync/atomic"
)

// ErrAdmissionRejected is returned by Subscribe when the client limit is reached.
var ErrAdmissionRejected = errors.New("connection limit reached")

// Admission counts admitted clients against a fixed ceiling.
type Admission struct {
	max      int64
	count    atomic.Int64
	rejected atomic.Uint64
}

// NewAdmission returns an Admission allowing at most max clients. A
// non-positive max rejects every client.
func NewAdmission(max int) *Admission {
	if max < 0 {
		max = 0
	}
	return &Admission{max: int64(max)}
}

// TryAdmit reserves a slot, reporting false when the ceiling is reached.
func (a *Admission) TryAdmit() bool {
	for {
		current := a.count.Load()
		if current >= a.max {
			a.rejected.Add(1)
			return false
		}
		if a.count.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release frees a slot. The count never drops below zero.
func (a *Admission) Release() {
	for {
		current := a.count.Load()
		if current <= 0 {
			return
		}
		if a.count.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Count returns the number of admitted clients.
func (a *Admission) Count() int {
	return int(a.count.Load())
}

// Max returns the configured ceiling.
func (a *Admission) Max() int {
	return int(a.max)
}

// Rejected returns how many admissions were refused.
func (a *Admission) Rejected() uint64 {
	return a.rejected.Load()
}
