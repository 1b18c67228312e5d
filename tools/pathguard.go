package tools

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rohanthewiz/serr"
)

// SafeJoin resolves rel against base and guarantees the result stays
// inside base. Absolute paths and any resolution escaping base (via ..
// segments or symlinks along the way) are rejected before any file is
// written. Every tool that writes to disk goes through this.
func SafeJoin(base, rel string) (string, error) {
	if rel == "" {
		return "", serr.New("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", serr.New("absolute paths are not allowed: " + rel)
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", serr.Wrap(err, "invalid base directory: "+base)
	}
	absBase = filepath.Clean(absBase)

	joined := filepath.Clean(filepath.Join(absBase, rel))
	if !withinDir(absBase, joined) {
		return "", serr.New("path escapes the allowed directory: " + rel)
	}

	// A symlink inside base can still point outside it; resolve the
	// deepest existing ancestor and re-check.
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", serr.Wrap(err, "failed to resolve path: "+rel)
	}
	resolvedBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		resolvedBase = absBase
	}
	if !withinDir(resolvedBase, resolved) {
		return "", serr.New("path escapes the allowed directory via symlink: " + rel)
	}

	return joined, nil
}

// withinDir reports whether path equals dir or sits below it.
func withinDir(dir, path string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

// resolveExisting evaluates symlinks for the deepest existing prefix of
// path, re-attaching the non-existent remainder. The target file itself
// usually does not exist yet (we are about to write it).
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(filepath.Join(current, remainder)), nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
