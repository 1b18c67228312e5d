// Package browser manages session-scoped headless browser automation.
// Each caller session id owns at most one browser process; sessions are
// created lazily, reused across actions, and reaped after an idle
// window exactly as if they had been closed explicitly.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"toolhost/keylock"
	"toolhost/permission"
	"toolhost/tools"
)

// Options configures a Manager.
type Options struct {
	// Binary optionally pins the browser executable.
	Binary string
	// IdleTimeout tears a session down after inactivity.
	IdleTimeout time.Duration
	// ArtifactsDir is the base directory screenshot/pdf paths resolve
	// under; escapes are rejected before writing.
	ArtifactsDir string
	// ExtractMaxBytes caps extract output (explicit truncation marker).
	ExtractMaxBytes int
}

// Manager owns the session map. Two concurrent actions on the same
// session id are serialized through a per-session write lock; distinct
// sessions proceed in parallel.
type Manager struct {
	opts  Options
	asker permission.Asker
	locks *keylock.Manager

	mu       sync.Mutex
	sessions map[string]*session

	// newPage is swapped out by tests; production launches Chrome.
	newPage func(ctx context.Context) (page, error)
}

type session struct {
	id        string
	page      page
	lastURL   string
	createdAt time.Time
	idle      *time.Timer
}

// NewManager creates a browser session manager.
func NewManager(opts Options, asker permission.Asker, locks *keylock.Manager) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	m := &Manager{
		opts:     opts,
		asker:    asker,
		locks:    locks,
		sessions: make(map[string]*session),
	}
	m.newPage = func(ctx context.Context) (page, error) {
		eng, err := launch(ctx, opts.Binary)
		if err != nil {
			return nil, err
		}
		return &cdpPage{eng: eng}, nil
	}
	return m
}

// acquire returns the session for id, creating it lazily, and resets
// its idle timer. The caller must hold the per-session lock.
func (m *Manager) acquire(ctx context.Context, id string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.idle.Reset(m.opts.IdleTimeout)
		return s, nil
	}

	pg, err := m.newPage(ctx)
	if err != nil {
		return nil, err
	}

	s = &session{
		id:        id,
		page:      pg,
		createdAt: time.Now(),
	}
	s.idle = time.AfterFunc(m.opts.IdleTimeout, func() {
		logger.Info("Reaping idle browser session", "session", id)
		m.Close(id)
	})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	logger.Info("Created browser session", "session", id)
	return s, nil
}

// withSession serializes one action against the session, wrapping any
// failure with the action name.
func (m *Manager) withSession(ctx context.Context, id, action string, fn func(*session) error) error {
	g := m.locks.AcquireWrite("browser:" + id)
	defer g.Release()

	s, err := m.acquire(ctx, id)
	if err != nil {
		return serr.Wrap(err, action+" failed")
	}
	if err := fn(s); err != nil {
		return serr.Wrap(err, action+" failed")
	}
	return nil
}

// askNavigate gates navigation-class actions on the target (or current)
// page origin.
func (m *Manager) askNavigate(ctx context.Context, target string) error {
	if m.asker == nil {
		return nil
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return m.asker.Ask(ctx, permission.Request{
			Kind:     permission.KindBrowserNavigate,
			Patterns: []string{target},
		})
	}
	origin := parsed.Scheme + "://" + parsed.Host
	return m.asker.Ask(ctx, permission.Request{
		Kind:        permission.KindBrowserNavigate,
		Patterns:    []string{origin + parsed.Path},
		AlwaysAllow: []string{origin + "/*"},
	})
}

// Navigate loads a URL in the session's page.
func (m *Manager) Navigate(ctx context.Context, id, target string) error {
	if target == "" {
		return serr.New("url is required")
	}
	if err := m.askNavigate(ctx, target); err != nil {
		return err
	}
	return m.withSession(ctx, id, "navigate", func(s *session) error {
		if err := s.page.Navigate(ctx, target); err != nil {
			return err
		}
		s.lastURL = target
		return nil
	})
}

// Click clicks the first element matching a CSS selector.
func (m *Manager) Click(ctx context.Context, id, selector string) error {
	return m.domAction(ctx, id, "click", selectorExpr(selector, "el.click();"))
}

// Type focuses the matching element and sets its value.
func (m *Manager) Type(ctx context.Context, id, selector, text string) error {
	quoted := jsString(text)
	script := selectorExpr(selector,
		`el.focus(); el.value = `+quoted+`;`+
			` el.dispatchEvent(new Event("input", {bubbles: true}));`+
			` el.dispatchEvent(new Event("change", {bubbles: true}));`)
	return m.domAction(ctx, id, "type", script)
}

// Scroll scrolls the page. direction is up|down|top|bottom; amount is
// pixels for up/down (default one viewport).
func (m *Manager) Scroll(ctx context.Context, id, direction string, amount int) error {
	var script string
	switch direction {
	case "top":
		script = "window.scrollTo(0, 0);"
	case "bottom":
		script = "window.scrollTo(0, document.body.scrollHeight);"
	case "up", "down":
		px := amount
		if px <= 0 {
			px = 600
		}
		if direction == "up" {
			px = -px
		}
		script = fmt.Sprintf("window.scrollBy(0, %d);", px)
	default:
		return serr.F("scroll direction must be up, down, top, or bottom, got %q", direction)
	}
	return m.domAction(ctx, id, "scroll", script)
}

// Wait waits for a selector to appear, or simply sleeps for ms when the
// selector is empty.
func (m *Manager) Wait(ctx context.Context, id, selector string, ms int) error {
	if selector == "" {
		if ms <= 0 {
			return serr.New("wait needs a selector or a positive duration")
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return serr.Wrap(ctx.Err(), "wait canceled")
		}
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return m.withSession(ctx, id, "wait", func(s *session) error {
		quoted := jsString(selector)
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			res, err := s.page.Evaluate(ctx, "!!document.querySelector("+quoted+")")
			if err != nil {
				return err
			}
			if res == "true" {
				return nil
			}
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return serr.Wrap(ctx.Err(), "wait canceled")
			}
		}
		return serr.F("selector %s did not appear within %s", selector, timeout)
	})
}

// Evaluate runs arbitrary script in page context. This is gated behind
// a stricter permission kind than navigation-class actions.
func (m *Manager) Evaluate(ctx context.Context, id, script string) (string, error) {
	if script == "" {
		return "", serr.New("script is required")
	}
	if m.asker != nil {
		if err := m.asker.Ask(ctx, permission.Request{
			Kind:     permission.KindBrowserEvaluate,
			Patterns: []string{script},
			Metadata: map[string]any{"session": id},
		}); err != nil {
			return "", err
		}
	}
	var result string
	err := m.withSession(ctx, id, "evaluate", func(s *session) error {
		out, err := s.page.Evaluate(ctx, script)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}

// Extract returns a structured view of the current page.
func (m *Manager) Extract(ctx context.Context, id string, kind ExtractKind) (string, error) {
	var result string
	err := m.withSession(ctx, id, "extract", func(s *session) error {
		markup, err := s.page.HTML(ctx)
		if err != nil {
			return err
		}
		out, err := extract(markup, kind, m.opts.ExtractMaxBytes)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}

// Screenshot captures the page (optionally clipped) to a PNG under the
// artifacts directory and returns the resolved path.
func (m *Manager) Screenshot(ctx context.Context, id, relPath string, region *Region) (string, error) {
	if relPath == "" {
		relPath = filepath.Join("screenshots", id+"-"+time.Now().Format("20060102-150405")+".png")
	}
	var saved string
	err := m.withSession(ctx, id, "screenshot", func(s *session) error {
		data, err := s.page.Screenshot(ctx, region)
		if err != nil {
			return err
		}
		saved, err = m.saveArtifact(ctx, relPath, data)
		return err
	})
	return saved, err
}

// PDF prints the page to a PDF under the artifacts directory and
// returns the resolved path.
func (m *Manager) PDF(ctx context.Context, id, relPath string) (string, error) {
	if relPath == "" {
		relPath = filepath.Join("pdfs", id+"-"+time.Now().Format("20060102-150405")+".pdf")
	}
	var saved string
	err := m.withSession(ctx, id, "pdf", func(s *session) error {
		data, err := s.page.PDF(ctx)
		if err != nil {
			return err
		}
		saved, err = m.saveArtifact(ctx, relPath, data)
		return err
	})
	return saved, err
}

// Back, Forward, Refresh move through the session's history.
func (m *Manager) Back(ctx context.Context, id string) error {
	return m.historyAction(ctx, id, "back", -1)
}

func (m *Manager) Forward(ctx context.Context, id string) error {
	return m.historyAction(ctx, id, "forward", 1)
}

func (m *Manager) Refresh(ctx context.Context, id string) error {
	if err := m.askCurrent(ctx, id); err != nil {
		return err
	}
	return m.withSession(ctx, id, "refresh", func(s *session) error {
		return s.page.Reload(ctx)
	})
}

// Close tears down a session. Closing an unknown session is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.idle.Stop()
	if err := s.page.Close(); err != nil {
		logger.Debug("Browser session close error", "session", id, "error", err.Error())
	}
	logger.Info("Closed browser session", "session", id)
}

// CloseAll closes every open session; registered as a shutdown hook.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// LastURL reports the last navigated URL for a session ("" if none).
func (m *Manager) LastURL(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.lastURL
	}
	return ""
}

// CreatedAt reports when the session handle was created (zero if none).
func (m *Manager) CreatedAt(id string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.createdAt
	}
	return time.Time{}
}

func (m *Manager) domAction(ctx context.Context, id, action, script string) error {
	if err := m.askCurrent(ctx, id); err != nil {
		return err
	}
	return m.withSession(ctx, id, action, func(s *session) error {
		_, err := s.page.Evaluate(ctx, script)
		return err
	})
}

func (m *Manager) historyAction(ctx context.Context, id, action string, delta int) error {
	if err := m.askCurrent(ctx, id); err != nil {
		return err
	}
	return m.withSession(ctx, id, action, func(s *session) error {
		if err := s.page.History(ctx, delta); err != nil {
			return err
		}
		if current, err := s.page.CurrentURL(ctx); err == nil {
			s.lastURL = current
		}
		return nil
	})
}

// askCurrent gates a DOM action on the session's current location.
func (m *Manager) askCurrent(ctx context.Context, id string) error {
	if m.asker == nil {
		return nil
	}
	target := m.LastURL(id)
	if target == "" {
		target = "about:blank"
	}
	return m.askNavigate(ctx, target)
}

// saveArtifact writes data under the artifacts base after the path
// guard and a file-write permission check.
func (m *Manager) saveArtifact(ctx context.Context, relPath string, data []byte) (string, error) {
	path, err := tools.SafeJoin(m.opts.ArtifactsDir, relPath)
	if err != nil {
		return "", err
	}
	if m.asker != nil {
		if err := m.asker.Ask(ctx, permission.Request{
			Kind:     permission.KindFileWrite,
			Patterns: []string{path},
		}); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", serr.Wrap(err, "failed to create artifact directory")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", serr.Wrap(err, "failed to write artifact: "+path)
	}
	return path, nil
}
