// Package sandbox confines all agent file access to a single data directory.
//
// Every file-touching tool executor must resolve its path through Dir.Resolve
// before touching storage. A path that escapes the root is a SecurityError,
// never a silent no-op.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecurityError reports a path that would escape the sandbox root.
type SecurityError struct {
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("sandbox: path %q rejected: %s", e.Path, e.Reason)
}

// IsSecurityError reports whether err is (or wraps) a SecurityError.
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// Dir is a validated sandbox root. The zero value is unusable; use New.
type Dir struct {
	root string
	// real is root with symlinks evaluated, used for containment checks so a
	// symlinked root (e.g. /tmp on some systems) does not reject everything.
	real string
}

func New(root string) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("missing sandbox root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		real = abs
	}
	return &Dir{root: abs, real: filepath.Clean(real)}, nil
}

func (d *Dir) Root() string {
	if d == nil {
		return ""
	}
	return d.root
}

// Resolve turns a caller-supplied path into an absolute path under the
// sandbox root. Relative paths are joined to the root; absolute paths are
// accepted only when already inside the root. `..` escapes and symlink
// targets outside the root are rejected.
func (d *Dir) Resolve(requested string) (string, error) {
	if d == nil || d.root == "" {
		return "", errors.New("sandbox not initialized")
	}
	req := strings.TrimSpace(requested)

	candidate := req
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(d.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if !within(candidate, d.root) && !within(candidate, d.real) {
		return "", &SecurityError{Path: req, Reason: "outside sandbox root"}
	}

	// Walk symlinks on the deepest existing ancestor so a link inside the
	// sandbox cannot point file operations outside of it.
	resolved, err := resolveExisting(candidate)
	if err == nil && !within(resolved, d.real) && !within(resolved, d.root) {
		return "", &SecurityError{Path: req, Reason: "symlink target outside sandbox root"}
	}

	return candidate, nil
}

// within reports whether path is root itself or a descendant of root.
func within(path string, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-joins the non-existing remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			if remainder == "" {
				return real, nil
			}
			return filepath.Clean(filepath.Join(real, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		if remainder == "" {
			remainder = filepath.Base(current)
		} else {
			remainder = filepath.Join(filepath.Base(current), remainder)
		}
		current = parent
	}
}
