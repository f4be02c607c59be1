// Package ident provides the id and time primitives shared by the
// experiment runtime: v4 UUIDs for experiment and request ids, and a
// wall-clock millisecond counter that never moves backwards.
package ident

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh random experiment or request id.
func New() uuid.UUID {
	return uuid.New()
}

var lastMS atomic.Uint64

// NowMS returns the current wall-clock time in milliseconds since the
// Unix epoch. Successive calls never decrease, even if the system clock
// steps backwards between them.
func NowMS() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		last := lastMS.Load()
		if now <= last {
			return last
		}
		if lastMS.CompareAndSwap(last, now) {
			return now
		}
	}
}
