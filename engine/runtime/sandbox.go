package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Sandbox constrains fs.* tool calls to a configured root directory and a
// set of deny-globs evaluated against the path relative to that root. It
// wraps canonicalizeOnDisk's symlink-aware resolution with the containment
// and deny checks the bare resolver does not perform on its own.
type Sandbox struct {
	root      string
	denyGlobs []string
}

// NewSandbox resolves root to an absolute, symlink-free path and validates
// denyGlobs as doublestar patterns up front so a typo surfaces at startup
// rather than on the first matching fs call.
func NewSandbox(root string, denyGlobs []string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("sandbox: root cannot be empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}

	for _, g := range denyGlobs {
		if err := doublestar.ValidatePattern(g); err != nil {
			return nil, fmt.Errorf("sandbox: invalid deny glob %q: %w", g, err)
		}
	}

	globs := make([]string, len(denyGlobs))
	copy(globs, denyGlobs)

	return &Sandbox{root: absRoot, denyGlobs: globs}, nil
}

// Resolve canonicalizes path (via canonicalizeOnDisk) and then enforces
// root containment and deny-globs. A path that escapes the sandbox root
// (e.g. "../../../etc/passwd") or matches a deny-glob is rejected before
// any filesystem operation touches it.
func (s *Sandbox) Resolve(path string) (string, error) {
	resolved, err := canonicalizeOnDisk(path)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil {
		return "", fmt.Errorf("sandbox: path %q escapes root: %w", path, err)
	}
	if rel == ".." || hasParentPrefix(rel) {
		return "", fmt.Errorf("sandbox: path %q resolves outside root %q", path, s.root)
	}

	for _, g := range s.denyGlobs {
		matched, err := doublestar.Match(g, rel)
		if err == nil && matched {
			return "", fmt.Errorf("sandbox: path %q matches deny glob %q", path, g)
		}
	}

	return resolved, nil
}

// hasParentPrefix reports whether rel climbs above its base via a leading
// ".." path segment (filepath.Rel already collapses "./" and repeated
// separators, so checking the first segment is sufficient).
func hasParentPrefix(rel string) bool {
	if rel == ".." {
		return true
	}
	sep := string(filepath.Separator)
	return len(rel) > 2 && rel[:3] == ".."+sep
}
