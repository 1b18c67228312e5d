package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"

	"toolhost/permission"
	"toolhost/vault"
)

// BodyKind classifies a fetched response body.
type BodyKind string

const (
	BodyJSON   BodyKind = "json"
	BodyText   BodyKind = "text"
	BodyBinary BodyKind = "binary"
)

// FetchTool performs arbitrary outbound HTTP requests. Targets pass the
// SSRF guard before the permission gate is even consulted; responses
// are size-capped and echoed headers are redacted.
type FetchTool struct {
	// DefaultTimeout applies when the caller supplies none; MaxTimeout
	// is the hard cap the caller cannot exceed.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxBody        int64
	// ArtifactsDir is the base directory save_to paths resolve under.
	ArtifactsDir string
	// Vault resolves named credentials into request headers; optional.
	Vault *vault.Store

	// validateURL overrides the outbound target check in tests.
	validateURL func(string) (*url.URL, error)
}

func (t *FetchTool) validate(rawURL string) (*url.URL, error) {
	if t.validateURL != nil {
		return t.validateURL(rawURL)
	}
	return ValidateOutboundURL(rawURL)
}

// GetDefinition returns the tool definition for the AI.
func (t *FetchTool) GetDefinition() Definition {
	return Definition{
		Name:        "fetch",
		Description: "Perform an HTTP request and return the response",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The URL to request",
				},
				"method": map[string]interface{}{
					"type":        "string",
					"description": "HTTP method (default: GET)",
				},
				"body": map[string]interface{}{
					"type":        "string",
					"description": "Request body for POST/PUT/PATCH",
				},
				"headers": map[string]interface{}{
					"type":        "object",
					"description": "Additional request headers",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Request timeout in seconds",
				},
				"credential": map[string]interface{}{
					"type":        "string",
					"description": "Name of a stored credential to authenticate with",
				},
				"save_to": map[string]interface{}{
					"type":        "string",
					"description": "Relative path under the artifacts directory to save the body to",
				},
			},
			"required": []string{"url"},
		},
	}
}

// Execute performs the HTTP request.
func (t *FetchTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) (*Result, error) {
	rawURL, ok := GetString(input, "url")
	if !ok || rawURL == "" {
		return nil, serr.New("url parameter is required")
	}

	// SSRF guard first: a blocked target never reaches policy.
	target, err := t.validate(rawURL)
	if err != nil {
		return nil, err
	}

	method := "GET"
	if m, ok := GetString(input, "method"); ok && m != "" {
		method = strings.ToUpper(m)
	}

	origin := target.Scheme + "://" + target.Host
	if err := tc.Ask(ctx, permission.Request{
		Kind:        permission.KindHTTPFetch,
		Patterns:    []string{origin + target.Path},
		AlwaysAllow: []string{origin + "/*"},
		Metadata:    map[string]any{"method": method},
	}); err != nil {
		return nil, err
	}

	timeout := t.DefaultTimeout
	if secs, ok := GetInt(input, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	if timeout > t.MaxTimeout {
		timeout = t.MaxTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body, ok := GetString(input, "body"); ok && body != "" {
		reqBody = bytes.NewReader([]byte(body))
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), reqBody)
	if err != nil {
		return nil, serr.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", "toolhost-fetch/1.0")

	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}

	if credName, ok := GetString(input, "credential"); ok && credName != "" {
		if err := t.applyCredential(req, credName); err != nil {
			return nil, err
		}
	}

	// Every redirect hop goes back through the SSRF guard, so a
	// permitted host cannot bounce the request to a blocked one.
	client := &http.Client{
		CheckRedirect: func(redirect *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return serr.New("too many redirects")
			}
			if _, err := t.validate(redirect.URL.String()); err != nil {
				return err
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, serr.F("request to %s timed out after %s", target.Host, timeout)
		}
		return nil, serr.Wrap(err, "request failed: "+target.Host)
	}
	defer resp.Body.Close()

	if resp.ContentLength > t.MaxBody {
		return nil, serr.F("response is %d bytes, exceeding the %d byte limit", resp.ContentLength, t.MaxBody)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.MaxBody+1))
	if err != nil {
		return nil, serr.Wrap(err, "failed to read response body")
	}
	if int64(len(body)) > t.MaxBody {
		return nil, serr.F("response exceeds the %d byte limit", t.MaxBody)
	}

	kind := classifyBody(resp.Header.Get("Content-Type"), body)

	if saveTo, ok := GetString(input, "save_to"); ok && saveTo != "" {
		savedPath, err := t.saveBody(ctx, tc, saveTo, body)
		if err != nil {
			return nil, err
		}
		return &Result{
			Title:  fmt.Sprintf("%s %s -> %d (saved)", method, rawURL, resp.StatusCode),
			Output: fmt.Sprintf("Saved %d bytes to %s", len(body), savedPath),
			Metadata: map[string]interface{}{
				"status":  resp.StatusCode,
				"kind":    string(kind),
				"headers": RedactHeaders(resp.Header),
				"path":    savedPath,
			},
		}, nil
	}

	output := renderBody(kind, body)
	return &Result{
		Title:  fmt.Sprintf("%s %s -> %d", method, rawURL, resp.StatusCode),
		Output: output,
		Metadata: map[string]interface{}{
			"status":  resp.StatusCode,
			"kind":    string(kind),
			"headers": RedactHeaders(resp.Header),
			"size":    len(body),
		},
	}, nil
}

// applyCredential resolves a named vault credential into headers.
func (t *FetchTool) applyCredential(req *http.Request, name string) error {
	if t.Vault == nil {
		return serr.New("no credential store configured")
	}
	cred, err := t.Vault.Get(name)
	if err != nil {
		return err
	}
	if cred == nil {
		return serr.New("credential not found: " + name)
	}
	headers := cred.Headers()
	if len(headers) == 0 {
		return serr.F("credential %s (type %s) has no HTTP header form", name, string(cred.Type))
	}
	for header, value := range headers {
		req.Header.Set(header, value)
	}
	return nil
}

// saveBody writes the response body under the artifacts directory after
// the path guard and a file-write permission check.
func (t *FetchTool) saveBody(ctx context.Context, tc *Context, saveTo string, body []byte) (string, error) {
	path, err := SafeJoin(t.ArtifactsDir, saveTo)
	if err != nil {
		return "", err
	}
	if err := tc.Ask(ctx, permission.Request{
		Kind:     permission.KindFileWrite,
		Patterns: []string{path},
	}); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", serr.Wrap(err, "failed to create directory for "+path)
	}
	if err := os.WriteFile(path, body, 0600); err != nil {
		return "", serr.Wrap(err, "failed to write "+path)
	}
	return path, nil
}

// classifyBody buckets a response by declared or inferred content type.
func classifyBody(contentType string, body []byte) BodyKind {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch {
	case strings.Contains(mediaType, "json"):
		return BodyJSON
	case strings.HasPrefix(mediaType, "text/"),
		strings.Contains(mediaType, "xml"),
		strings.Contains(mediaType, "javascript"),
		strings.Contains(mediaType, "x-www-form-urlencoded"):
		return BodyText
	case mediaType == "":
		// No declared type: infer from content.
		if json.Valid(body) {
			return BodyJSON
		}
		if isMostlyText(body) {
			return BodyText
		}
	}
	return BodyBinary
}

func isMostlyText(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	sample := body
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	binary := 0
	for _, b := range sample {
		if b == 0 || (b < 32 && b != '\t' && b != '\n' && b != '\r') {
			binary++
		}
	}
	return binary*20 < len(sample)
}

func renderBody(kind BodyKind, body []byte) string {
	switch kind {
	case BodyJSON:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			return pretty.String()
		}
		return string(body)
	case BodyText:
		return string(body)
	default:
		return fmt.Sprintf("[binary response, %d bytes]", len(body))
	}
}
