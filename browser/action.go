package browser

import (
	"context"

	"github.com/rohanthewiz/serr"
)

// Action is one browser operation; Kind selects it and the remaining
// fields parameterize it.
type Action struct {
	Kind string

	URL       string
	Selector  string
	Text      string
	Script    string
	Path      string
	Region    *Region
	Direction string
	Amount    int
	Ms        int
	Extract   ExtractKind
}

// Do executes one action against the session, creating the session on
// first use. Actions producing output (extract, evaluate, screenshot,
// pdf) return it; the rest return "".
func (m *Manager) Do(ctx context.Context, sessionID string, a Action) (string, error) {
	switch a.Kind {
	case "navigate":
		return "", m.Navigate(ctx, sessionID, a.URL)
	case "click":
		return "", m.Click(ctx, sessionID, a.Selector)
	case "type":
		return "", m.Type(ctx, sessionID, a.Selector, a.Text)
	case "scroll":
		return "", m.Scroll(ctx, sessionID, a.Direction, a.Amount)
	case "wait":
		return "", m.Wait(ctx, sessionID, a.Selector, a.Ms)
	case "evaluate":
		return m.Evaluate(ctx, sessionID, a.Script)
	case "extract":
		return m.Extract(ctx, sessionID, a.Extract)
	case "screenshot":
		return m.Screenshot(ctx, sessionID, a.Path, a.Region)
	case "pdf":
		return m.PDF(ctx, sessionID, a.Path)
	case "back":
		return "", m.Back(ctx, sessionID)
	case "forward":
		return "", m.Forward(ctx, sessionID)
	case "refresh":
		return "", m.Refresh(ctx, sessionID)
	case "close":
		m.Close(sessionID)
		return "", nil
	default:
		return "", serr.F("unknown browser action %q", a.Kind)
	}
}
