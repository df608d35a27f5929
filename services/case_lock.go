package services

import "sync"

// caseLocks serializes workflow invocations per case id. Invocations for
// different cases run fully concurrently; two concurrent invocations for the
// same case could both pass the state gate and generate duplicate documents,
// so the engine holds the case lock for the whole invocation.
var caseLocks = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: make(map[string]*sync.Mutex)}

// lockCase acquires the per-case mutex and returns its unlock function.
func lockCase(caseID string) func() {
	caseLocks.mu.Lock()
	lock, ok := caseLocks.locks[caseID]
	if !ok {
		lock = &sync.Mutex{}
		caseLocks.locks[caseID] = lock
	}
	caseLocks.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
