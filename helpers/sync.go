package helpers

import "sync"

// AtomicError keeps last error, i.e. last transport failure for status reports.
type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.set
}

// Store overwrites, nil is a valid value.
func (a *AtomicError) Store(e error) {
	a.mu.Lock()
	a.err, a.set = e, true
	a.mu.Unlock()
}

// StoreOnce stores e only first time, returns same as Load() before modification.
func (a *AtomicError) StoreOnce(e error) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	berr, bset := a.err, a.set
	if !bset {
		a.err, a.set = e, true
	}
	return berr, bset
}
