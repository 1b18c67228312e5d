package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rohanthewiz/logger"
)

const gracePeriod = 15 * time.Second

// HookFunc is one teardown step; duration is how long it may take
// before the service gives up waiting.
type HookFunc func(duration time.Duration) error

type shutdownHooks struct {
	hooks []HookFunc
	lock  sync.Mutex
}

var hooks shutdownHooks

// RegisterHook adds a teardown step to run on shutdown signals.
func RegisterHook(fn HookFunc) {
	hooks.lock.Lock()
	defer hooks.lock.Unlock()
	hooks.hooks = append(hooks.hooks, fn)
	logger.Debug("Registered shutdown hook", "count", len(hooks.hooks))
}

// InitShutdownService installs the signal listener. When SIGINT or
// SIGTERM arrives, all hooks run concurrently under the grace period,
// then done is closed so the app can exit.
func InitShutdownService(done chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(done)

		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig.String())
		markShutdown()

		hooks.lock.Lock()
		pending := make([]HookFunc, len(hooks.hooks))
		copy(pending, hooks.hooks)
		hooks.lock.Unlock()

		logger.Info("Running shutdown hooks", "count", len(pending), "grace", gracePeriod.String())

		var wg sync.WaitGroup
		for i, hook := range pending {
			wg.Add(1)
			go func(it int, fn HookFunc) {
				defer wg.Done()
				if err := fn(gracePeriod); err != nil {
					logger.LogErr(err, "Shutdown hook failed")
				}
				logger.Debug("Shutdown hook completed", "hook", it)
			}(i, hook)
		}

		hooksDone := make(chan struct{})
		go func() {
			wg.Wait()
			close(hooksDone)
		}()

		select {
		case <-hooksDone:
			logger.Info("All shutdown hooks completed")
		case <-time.After(gracePeriod):
			logger.Warn("Shutdown hooks timed out", "grace", gracePeriod.String())
		}
	}()
}
