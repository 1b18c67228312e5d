package permission

import (
	"context"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// PromptResult is what the interactive policy engine reports back: an
// approval may carry the always-allow patterns the user chose to grant
// permanently.
type PromptResult struct {
	AlwaysAllow []string
}

// Prompter is the external policy engine consulted when no stored rule
// decides a request. A denial error must satisfy errors.Is(ErrDenied).
type Prompter interface {
	Prompt(ctx context.Context, req Request) (*PromptResult, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req Request) (*PromptResult, error)

func (f PrompterFunc) Prompt(ctx context.Context, req Request) (*PromptResult, error) {
	return f(ctx, req)
}

// Gate is the default Asker: stored rules first, then the interactive
// prompter. Precedence: stored denial > stored allow > prompt. When an
// approval grants always-allow patterns, they are persisted so the same
// scope never prompts again.
type Gate struct {
	store    *Store
	prompter Prompter
}

// NewGate composes the rule store with the external policy engine.
func NewGate(store *Store, prompter Prompter) *Gate {
	return &Gate{store: store, prompter: prompter}
}

// Ask implements Asker.
func (g *Gate) Ask(ctx context.Context, req Request) error {
	if len(req.Patterns) == 0 {
		return serr.F("permission request for %s carries no patterns", string(req.Kind))
	}

	if g.store != nil {
		decision, decided, err := g.store.decide(req)
		if err != nil {
			// A broken rule store must not silently approve; fall
			// through to the prompter.
			logger.LogErr(err, "Permission rule lookup failed, prompting instead")
		} else if decided {
			if decision == DecisionDenied {
				logger.Info("Permission denied by stored rule", "kind", string(req.Kind))
				return Denied("blocked by stored rule")
			}
			logger.Debug("Permission allowed by stored rule", "kind", string(req.Kind))
			return nil
		}
	}

	if g.prompter == nil {
		return Denied("no policy engine available")
	}

	result, err := g.prompter.Prompt(ctx, req)
	if err != nil {
		return err
	}

	if g.store != nil && result != nil {
		for _, pattern := range result.AlwaysAllow {
			if err := g.store.SetRule(req.Kind, pattern, DecisionAllowed, 0); err != nil {
				logger.LogErr(err, "Failed to persist always-allow grant")
			}
		}
	}
	return nil
}
