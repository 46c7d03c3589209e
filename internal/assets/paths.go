// Package assets resolves model and output paths against a root directory.
package assets

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Resolve joins a relative p onto root, or accepts an absolute p, and
// verifies the result stays inside root after symlinks are followed. The
// target need not exist: the deepest existing ancestor is resolved instead.
func Resolve(root, p string) (string, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	canonRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	canon, err := canonical(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(canonRoot, canon)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s escapes %s", p, root)
	}
	return target, nil
}

// canonical follows symlinks in the longest existing prefix of path.
func canonical(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}
	dir, rest := filepath.Dir(path), filepath.Base(path)
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// SanitizeName turns s into a safe single path element. Runs of characters
// other than ASCII letters, digits, dot, underscore and dash become one
// underscore. An empty result is "unnamed".
func SanitizeName(s string) string {
	const maxLen = 96
	var b strings.Builder
	pending := false
	for _, r := range s {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '_' || r == '-'
		if !ok {
			pending = true
			continue
		}
		if pending && b.Len() > 0 {
			b.WriteByte('_')
		}
		pending = false
		b.WriteRune(r)
		if b.Len() >= maxLen {
			break
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
