package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rohanthewiz/serr"
)

// Region clips a screenshot to part of the page.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// page is the surface a browser session drives. The production
// implementation speaks CDP; tests substitute a fake.
type page interface {
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expr string) (string, error)
	Screenshot(ctx context.Context, region *Region) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)
	History(ctx context.Context, delta int) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Close() error
}

// cdpPage drives the engine's top-level page over devtools.
type cdpPage struct {
	eng *engine
}

var _ page = (*cdpPage)(nil)

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	var result struct {
		ErrorText string `json:"errorText"`
	}
	err := p.eng.conn.call(ctx, "Page.navigate", map[string]any{"url": url}, &result)
	if err != nil {
		return err
	}
	if result.ErrorText != "" {
		return serr.F("navigation to %s failed: %s", url, result.ErrorText)
	}
	return p.waitLoaded(ctx)
}

// waitLoaded polls document readiness rather than subscribing to load
// events; interactive is enough for the DOM work the actions do.
func (p *cdpPage) waitLoaded(ctx context.Context) error {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return serr.Wrap(ctx.Err(), "page load wait canceled")
		}
		state, err := p.Evaluate(ctx, "document.readyState")
		if err == nil && (state == `"complete"` || state == `"interactive"`) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return serr.New("page did not finish loading within 15s")
}

// Evaluate runs an expression in page context and returns the result
// JSON-encoded.
func (p *cdpPage) Evaluate(ctx context.Context, expr string) (string, error) {
	var result struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := p.eng.conn.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.ExceptionDetails != nil {
		detail := result.ExceptionDetails.Text
		if result.ExceptionDetails.Exception != nil {
			detail = result.ExceptionDetails.Exception.Description
		}
		return "", serr.F("script threw: %s", detail)
	}
	if result.Result.Value == nil {
		return "", nil
	}
	return string(result.Result.Value), nil
}

func (p *cdpPage) Screenshot(ctx context.Context, region *Region) ([]byte, error) {
	params := map[string]any{"format": "png"}
	if region != nil {
		params["clip"] = map[string]any{
			"x": region.X, "y": region.Y,
			"width": region.Width, "height": region.Height,
			"scale": 1,
		}
	}
	var result struct {
		Data string `json:"data"`
	}
	if err := p.eng.conn.call(ctx, "Page.captureScreenshot", params, &result); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(result.Data)
}

func (p *cdpPage) PDF(ctx context.Context) ([]byte, error) {
	var result struct {
		Data string `json:"data"`
	}
	if err := p.eng.conn.call(ctx, "Page.printToPDF", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(result.Data)
}

// History moves delta entries through the navigation history
// (negative = back, positive = forward).
func (p *cdpPage) History(ctx context.Context, delta int) error {
	var result struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID int `json:"id"`
		} `json:"entries"`
	}
	if err := p.eng.conn.call(ctx, "Page.getNavigationHistory", nil, &result); err != nil {
		return err
	}
	target := result.CurrentIndex + delta
	if target < 0 || target >= len(result.Entries) {
		return serr.F("no history entry at offset %d", delta)
	}
	if err := p.eng.conn.call(ctx, "Page.navigateToHistoryEntry", map[string]any{
		"entryId": result.Entries[target].ID,
	}, nil); err != nil {
		return err
	}
	return p.waitLoaded(ctx)
}

func (p *cdpPage) Reload(ctx context.Context) error {
	if err := p.eng.conn.call(ctx, "Page.reload", map[string]any{}, nil); err != nil {
		return err
	}
	return p.waitLoaded(ctx)
}

func (p *cdpPage) CurrentURL(ctx context.Context) (string, error) {
	raw, err := p.Evaluate(ctx, "window.location.href")
	if err != nil {
		return "", err
	}
	var url string
	if err := json.Unmarshal([]byte(raw), &url); err != nil {
		return "", serr.Wrap(err, "unexpected location result: "+raw)
	}
	return url, nil
}

func (p *cdpPage) HTML(ctx context.Context) (string, error) {
	raw, err := p.Evaluate(ctx, "document.documentElement.outerHTML")
	if err != nil {
		return "", err
	}
	var html string
	if err := json.Unmarshal([]byte(raw), &html); err != nil {
		return "", serr.Wrap(err, "unexpected html result")
	}
	return html, nil
}

func (p *cdpPage) Close() error {
	p.eng.close()
	return nil
}

// jsString encodes a Go string as a JavaScript string literal.
func jsString(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}

// selectorExpr builds a script operating on the first match of a CSS
// selector, throwing a descriptive error when nothing matches.
func selectorExpr(selector, action string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) throw new Error("no element matches selector " + %s);
  %s
})()`, quoted, quoted, action)
}
