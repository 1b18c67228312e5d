// Package shutdown coordinates graceful teardown. Components owning
// external resources (browser sessions, task log handles) register
// hooks that run when a termination signal arrives, so no child
// process or open file outlives the runtime.
package shutdown

import (
	"sync"
)

var (
	isShutdown bool
	mu         sync.RWMutex
)

// InProgress reports whether a shutdown has been initiated. Components
// use it to refuse new work while hooks are draining.
func InProgress() bool {
	mu.RLock()
	defer mu.RUnlock()
	return isShutdown
}

func markShutdown() {
	mu.Lock()
	isShutdown = true
	mu.Unlock()
}
