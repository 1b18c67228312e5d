package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"toolhost/keylock"
	"toolhost/permission"
)

// fakePage stands in for a real browser engine.
type fakePage struct {
	mu        sync.Mutex
	url       string
	history   []string
	histIdx   int
	evaluated []string
	closed    bool
	html      string
}

func (f *fakePage) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	f.history = append(f.history[:f.histIdx], url)
	f.histIdx = len(f.history)
	return nil
}

func (f *fakePage) Evaluate(ctx context.Context, expr string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated = append(f.evaluated, expr)
	return `"ok"`, nil
}

func (f *fakePage) Screenshot(ctx context.Context, region *Region) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakePage) PDF(ctx context.Context) ([]byte, error) { return []byte("pdf"), nil }

func (f *fakePage) History(ctx context.Context, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.histIdx - 1 + delta
	if idx < 0 || idx >= len(f.history) {
		return errors.New("no history entry")
	}
	f.histIdx = idx + 1
	f.url = f.history[idx]
	return nil
}

func (f *fakePage) Reload(ctx context.Context) error { return nil }

func (f *fakePage) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakePage) HTML(ctx context.Context) (string, error) {
	if f.html != "" {
		return f.html, nil
	}
	return samplePage, nil
}

func (f *fakePage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeAsker struct {
	mu       sync.Mutex
	requests []permission.Request
	deny     map[permission.Kind]bool
}

func (a *fakeAsker) Ask(ctx context.Context, req permission.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.deny[req.Kind] {
		return permission.ErrDenied
	}
	return nil
}

func (a *fakeAsker) kinds() []permission.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var kinds []permission.Kind
	for _, r := range a.requests {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func newTestManager(t *testing.T, idle time.Duration) (*Manager, *fakeAsker, *atomic.Int32) {
	t.Helper()
	locks := keylock.NewManager(keylock.WithSweepInterval(time.Hour))
	t.Cleanup(locks.Close)

	asker := &fakeAsker{deny: map[permission.Kind]bool{}}
	m := NewManager(Options{
		IdleTimeout:     idle,
		ArtifactsDir:    t.TempDir(),
		ExtractMaxBytes: 1 << 16,
	}, asker, locks)

	var launches atomic.Int32
	m.newPage = func(ctx context.Context) (page, error) {
		launches.Add(1)
		return &fakePage{}, nil
	}
	t.Cleanup(m.CloseAll)
	return m, asker, &launches
}

func TestSessionSingleton(t *testing.T) {
	m, _, launches := newTestManager(t, time.Minute)
	ctx := context.Background()

	if err := m.Navigate(ctx, "s1", "https://example.com/a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Navigate(ctx, "s1", "https://example.com/b"); err != nil {
		t.Fatal(err)
	}
	if got := m.LastURL("s1"); got != "https://example.com/b" {
		t.Errorf("lastURL = %q", got)
	}
	if launches.Load() != 1 {
		t.Fatalf("same session id launched %d engines", launches.Load())
	}

	if err := m.Navigate(ctx, "s2", "https://example.com/c"); err != nil {
		t.Fatal(err)
	}
	if launches.Load() != 2 {
		t.Fatalf("distinct session ids share a handle: launches = %d", launches.Load())
	}
}

func TestIdleReapCreatesFreshHandle(t *testing.T) {
	m, _, launches := newTestManager(t, 50*time.Millisecond)
	ctx := context.Background()

	if err := m.Navigate(ctx, "s1", "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	first := m.CreatedAt("s1")
	if first.IsZero() {
		t.Fatal("no createdAt for live session")
	}

	// Let the idle window lapse; the session must be unreachable.
	deadline := time.Now().Add(2 * time.Second)
	for m.LastURL("s1") != "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.LastURL("s1") != "" {
		t.Fatal("idle session was never reaped")
	}

	// A subsequent action creates a new handle with a fresh createdAt.
	if err := m.Navigate(ctx, "s1", "https://example.com/again"); err != nil {
		t.Fatal(err)
	}
	second := m.CreatedAt("s1")
	if !second.After(first) {
		t.Fatalf("createdAt not fresh: first=%v second=%v", first, second)
	}
	if launches.Load() != 2 {
		t.Fatalf("launches = %d, want 2", launches.Load())
	}
}

func TestActionResetsIdleTimer(t *testing.T) {
	m, _, _ := newTestManager(t, 150*time.Millisecond)
	ctx := context.Background()

	if err := m.Navigate(ctx, "s1", "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	// Keep touching the session at a cadence shorter than the window.
	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		if err := m.Click(ctx, "s1", "#btn"); err != nil {
			t.Fatal(err)
		}
	}
	if m.LastURL("s1") == "" {
		t.Fatal("active session was reaped")
	}
}

func TestCloseUnknownSessionIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	m.Close("never-existed") // must not panic
}

func TestEvaluateUsesStricterPermission(t *testing.T) {
	m, asker, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	if _, err := m.Evaluate(ctx, "s1", "document.title"); err != nil {
		t.Fatal(err)
	}
	kinds := asker.kinds()
	if len(kinds) == 0 || kinds[0] != permission.KindBrowserEvaluate {
		t.Fatalf("evaluate asked %v, want browser_evaluate first", kinds)
	}

	asker.deny[permission.KindBrowserEvaluate] = true
	if _, err := m.Evaluate(ctx, "s1", "document.title"); !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("denied evaluate = %v, want ErrDenied", err)
	}

	// Navigation-class actions stay on the navigate kind.
	if err := m.Navigate(ctx, "s1", "https://example.com/"); err != nil {
		t.Fatalf("navigate blocked by evaluate denial: %v", err)
	}
}

func TestScreenshotPathGuard(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	if _, err := m.Screenshot(ctx, "s1", "../../escape.png", nil); err == nil {
		t.Fatal("traversal screenshot path accepted")
	}
	if _, err := m.Screenshot(ctx, "s1", "/abs/escape.png", nil); err == nil {
		t.Fatal("absolute screenshot path accepted")
	}

	path, err := m.Screenshot(ctx, "s1", "shots/page.png", nil)
	if err != nil {
		t.Fatalf("valid screenshot path rejected: %v", err)
	}
	if !strings.HasSuffix(path, "shots/page.png") {
		t.Errorf("saved path = %q", path)
	}
}

func TestBackForward(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	_ = m.Navigate(ctx, "s1", "https://example.com/one")
	_ = m.Navigate(ctx, "s1", "https://example.com/two")

	if err := m.Back(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if got := m.LastURL("s1"); got != "https://example.com/one" {
		t.Errorf("after back, lastURL = %q", got)
	}

	if err := m.Forward(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if got := m.LastURL("s1"); got != "https://example.com/two" {
		t.Errorf("after forward, lastURL = %q", got)
	}
}

func TestHistoryActionsConsultPolicy(t *testing.T) {
	m, asker, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	_ = m.Navigate(ctx, "s1", "https://example.com/one")
	_ = m.Navigate(ctx, "s1", "https://example.com/two")
	before := len(asker.kinds())

	if err := m.Refresh(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Back(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Forward(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	kinds := asker.kinds()[before:]
	if len(kinds) != 3 {
		t.Fatalf("refresh/back/forward made %d permission requests, want 3", len(kinds))
	}
	for i, k := range kinds {
		if k != permission.KindBrowserNavigate {
			t.Errorf("request %d kind = %q, want %q", i, k, permission.KindBrowserNavigate)
		}
	}

	asker.mu.Lock()
	asker.deny[permission.KindBrowserNavigate] = true
	asker.mu.Unlock()

	if err := m.Refresh(ctx, "s1"); !errors.Is(err, permission.ErrDenied) {
		t.Errorf("refresh under denial = %v, want ErrDenied", err)
	}
	if err := m.Back(ctx, "s1"); !errors.Is(err, permission.ErrDenied) {
		t.Errorf("back under denial = %v, want ErrDenied", err)
	}

	// Read-only extraction of an already-granted page stays available.
	if _, err := m.Extract(ctx, "s1", "text"); err != nil {
		t.Errorf("extract under navigate denial = %v, want nil", err)
	}
}

func TestCloseAllClosesEverySession(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	var pages []*fakePage
	var mu sync.Mutex
	m.newPage = func(ctx context.Context) (page, error) {
		p := &fakePage{}
		mu.Lock()
		pages = append(pages, p)
		mu.Unlock()
		return p, nil
	}

	_ = m.Navigate(ctx, "a", "https://example.com/")
	_ = m.Navigate(ctx, "b", "https://example.com/")

	m.CloseAll()

	mu.Lock()
	defer mu.Unlock()
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	for i, p := range pages {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			t.Errorf("page %d not closed", i)
		}
	}
	if m.LastURL("a") != "" || m.LastURL("b") != "" {
		t.Error("sessions still reachable after CloseAll")
	}
}

func TestDoDispatch(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	if _, err := m.Do(ctx, "s1", Action{Kind: "navigate", URL: "https://example.com/"}); err != nil {
		t.Fatal(err)
	}
	out, err := m.Do(ctx, "s1", Action{Kind: "extract", Extract: ExtractText})
	if err != nil {
		t.Fatal(err)
	}
	if out == "" {
		t.Error("extract via Do returned nothing")
	}
	if _, err := m.Do(ctx, "s1", Action{Kind: "teleport"}); err == nil {
		t.Fatal("unknown action accepted")
	}
	if _, err := m.Do(ctx, "s1", Action{Kind: "close"}); err != nil {
		t.Fatal(err)
	}
}

func TestMissingEngineError(t *testing.T) {
	if _, err := findBinary("definitely-not-a-browser-binary"); err == nil {
		t.Fatal("missing binary accepted")
	} else if !strings.Contains(err.Error(), "install Google Chrome or Chromium") {
		t.Errorf("error lacks remediation text: %v", err)
	}
}
