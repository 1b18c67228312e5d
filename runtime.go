// Package toolhost wires the tool-execution runtime together: the lock
// manager, credential vault, permission gate, background task
// supervisor, browser session manager, and tool registry, composed
// bottom-up and torn down on shutdown signals.
package toolhost

import (
	"path/filepath"
	"time"

	"github.com/rohanthewiz/logger"

	"toolhost/browser"
	"toolhost/config"
	"toolhost/keylock"
	"toolhost/permission"
	"toolhost/platform/shutdown"
	"toolhost/tasks"
	"toolhost/tools"
	"toolhost/vault"
)

// Runtime is the assembled tool-execution substrate. The surrounding
// CLI supplies configuration and the interactive policy prompter; the
// runtime owns every process handle, lock, and secret underneath.
type Runtime struct {
	Config  *config.Config
	Locks   *keylock.Manager
	Vault   *vault.Store
	Perms   *permission.Store
	Gate    *permission.Gate
	Tasks   *tasks.Supervisor
	Browser *browser.Manager
	Tools   *tools.Registry
}

// New builds a runtime from configuration. prompter is the external
// policy engine consulted when no stored rule decides a request; a nil
// prompter denies anything not covered by stored rules.
func New(cfg *config.Config, prompter permission.Prompter) (*Runtime, error) {
	locks := keylock.NewManager(
		keylock.WithSweepInterval(cfg.LockSweep),
		keylock.WithMaxEntries(cfg.LockMaxEntries),
	)

	store, err := vault.NewStore(cfg.DataDir, locks)
	if err != nil {
		return nil, err
	}

	perms, err := permission.OpenStore(filepath.Join(cfg.DataDir, "permissions.db"))
	if err != nil {
		return nil, err
	}
	gate := permission.NewGate(perms, prompter)

	supervisor, err := tasks.NewSupervisor(
		filepath.Join(cfg.DataDir, "tasks"), cfg.TaskGrace, gate, locks)
	if err != nil {
		return nil, err
	}

	browserMgr := browser.NewManager(browser.Options{
		Binary:          cfg.BrowserBinary,
		IdleTimeout:     cfg.BrowserIdle,
		ArtifactsDir:    cfg.ArtifactsDir,
		ExtractMaxBytes: cfg.ExtractMaxBytes,
	}, gate, locks)

	registry := tools.NewRegistry()
	registry.Register(&tools.FetchTool{
		DefaultTimeout: cfg.HTTPTimeout,
		MaxTimeout:     cfg.HTTPMaxTimeout,
		MaxBody:        cfg.HTTPMaxBody,
		ArtifactsDir:   cfg.ArtifactsDir,
		Vault:          store,
	})

	rt := &Runtime{
		Config:  cfg,
		Locks:   locks,
		Vault:   store,
		Perms:   perms,
		Gate:    gate,
		Tasks:   supervisor,
		Browser: browserMgr,
		Tools:   registry,
	}

	shutdown.RegisterHook(func(time.Duration) error {
		browserMgr.CloseAll()
		return nil
	})
	shutdown.RegisterHook(func(time.Duration) error {
		supervisor.CloseLogs()
		return nil
	})

	logger.Info("Tool runtime initialized", "data_dir", cfg.DataDir)
	return rt, nil
}

// Close releases everything the runtime owns. Safe to call once at
// process exit; signal-driven shutdown runs the same teardown through
// the registered hooks.
func (r *Runtime) Close() {
	r.Browser.CloseAll()
	r.Tasks.CloseLogs()
	if err := r.Perms.Close(); err != nil {
		logger.LogErr(err, "Failed to close permission store")
	}
	r.Locks.Close()
}
