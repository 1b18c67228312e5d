package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"toolhost/permission"
)

type recordingAsker struct {
	requests []permission.Request
	deny     bool
}

func (a *recordingAsker) Ask(ctx context.Context, req permission.Request) error {
	a.requests = append(a.requests, req)
	if a.deny {
		return permission.ErrDenied
	}
	return nil
}

func newFetchTool() *FetchTool {
	return &FetchTool{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		MaxBody:        1 << 20,
	}
}

// allowOnly lets a single test-server host through unchecked; every
// other URL still passes the real outbound guard.
func allowOnly(serverURL string) func(string) (*url.URL, error) {
	allowed, _ := url.Parse(serverURL)
	return func(raw string) (*url.URL, error) {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		if u.Host == allowed.Host {
			return u, nil
		}
		return ValidateOutboundURL(raw)
	}
}

func TestFetchBlockedTargetNeverReachesPolicy(t *testing.T) {
	asker := &recordingAsker{}
	tc := &Context{SessionID: "s1", Asker: asker}
	ft := newFetchTool()

	blocked := []string{
		"http://127.0.0.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.0.0.5/",
		"ftp://example.com/",
	}
	for _, target := range blocked {
		_, err := ft.Execute(context.Background(), map[string]interface{}{"url": target}, tc)
		if err == nil {
			t.Errorf("blocked target %s was accepted", target)
		}
	}
	if len(asker.requests) != 0 {
		t.Fatalf("blocked targets reached the permission gate: %+v", asker.requests)
	}
}

func TestFetchDeniedRequestNeverExecutes(t *testing.T) {
	asker := &recordingAsker{deny: true}
	tc := &Context{SessionID: "s1", Asker: asker}
	ft := newFetchTool()
	// Skip resolution so the test needs no network.
	ft.validateURL = func(raw string) (*url.URL, error) { return url.Parse(raw) }

	_, err := ft.Execute(context.Background(), map[string]interface{}{"url": "https://example.com/data"}, tc)
	if err == nil {
		t.Fatal("denied request succeeded")
	}
	if len(asker.requests) != 1 {
		t.Fatalf("expected exactly one permission request, got %d", len(asker.requests))
	}

	req := asker.requests[0]
	if req.Kind != permission.KindHTTPFetch {
		t.Errorf("kind = %s, want %s", req.Kind, permission.KindHTTPFetch)
	}
	if len(req.Patterns) != 1 || req.Patterns[0] != "https://example.com/data" {
		t.Errorf("patterns = %v", req.Patterns)
	}
	if len(req.AlwaysAllow) != 1 || req.AlwaysAllow[0] != "https://example.com/*" {
		t.Errorf("always-allow = %v", req.AlwaysAllow)
	}
}

func TestFetchBodyOverLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	ft := newFetchTool()
	ft.MaxBody = 64
	ft.validateURL = allowOnly(srv.URL)
	tc := &Context{SessionID: "s1", Asker: &recordingAsker{}}

	_, err := ft.Execute(context.Background(), map[string]interface{}{"url": srv.URL}, tc)
	if err == nil {
		t.Fatal("oversized body accepted")
	}
	if !strings.Contains(err.Error(), "byte limit") {
		t.Errorf("error = %v, want a byte limit rejection", err)
	}
}

func TestFetchRedirectToBlockedTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	ft := newFetchTool()
	ft.validateURL = allowOnly(srv.URL)
	tc := &Context{SessionID: "s1", Asker: &recordingAsker{}}

	_, err := ft.Execute(context.Background(), map[string]interface{}{"url": srv.URL}, tc)
	if err == nil {
		t.Fatal("redirect to a blocked address was followed")
	}
	if !strings.Contains(err.Error(), "blocked range") {
		t.Errorf("error = %v, want a blocked range rejection", err)
	}
}

func TestFetchMissingURL(t *testing.T) {
	tc := &Context{SessionID: "s1", Asker: &recordingAsker{}}
	if _, err := newFetchTool().Execute(context.Background(), map[string]interface{}{}, tc); err == nil {
		t.Fatal("missing url accepted")
	}
}

func TestSaveBodyPathGuard(t *testing.T) {
	asker := &recordingAsker{}
	tc := &Context{SessionID: "s1", Asker: asker}
	ft := newFetchTool()
	ft.ArtifactsDir = t.TempDir()

	if _, err := ft.saveBody(context.Background(), tc, "../../etc/passwd", []byte("x")); err == nil {
		t.Fatal("traversal save path accepted")
	}
	if _, err := ft.saveBody(context.Background(), tc, "/etc/passwd", []byte("x")); err == nil {
		t.Fatal("absolute save path accepted")
	}
	if len(asker.requests) != 0 {
		t.Fatal("rejected paths reached the permission gate")
	}

	path, err := ft.saveBody(context.Background(), tc, "reports/out.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("valid save path rejected: %v", err)
	}
	if len(asker.requests) != 1 || asker.requests[0].Kind != permission.KindFileWrite {
		t.Fatalf("expected one file_write permission request, got %+v", asker.requests)
	}
	if path == "" {
		t.Fatal("no path returned")
	}
}

func TestRenderBodyBinary(t *testing.T) {
	out := renderBody(BodyBinary, []byte{0, 1, 2})
	if out != "[binary response, 3 bytes]" {
		t.Errorf("renderBody = %q", out)
	}
}
