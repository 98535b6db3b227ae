package controller

import "sync/atomic"

// RunLock admits at most one optimization run at a time. It never blocks or
// queues: a caller that can't acquire it is expected to give up.
type RunLock struct {
	held atomic.Bool
}

// TryAcquire takes the lock and reports whether it succeeded.
func (l *RunLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release gives the lock back. Releasing a lock that isn't held is a bug.
func (l *RunLock) Release() {
	if !l.held.CompareAndSwap(true, false) {
		panic("controller: release of unheld RunLock")
	}
}

// Held reports whether a run currently holds the lock.
func (l *RunLock) Held() bool {
	return l.held.Load()
}
