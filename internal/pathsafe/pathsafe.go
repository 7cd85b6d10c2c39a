// Package pathsafe resolves a protocol-relative path beneath a share root,
// rejecting any attempt to escape the root via "..", absolute paths, or a
// symlink that points outside it.
package pathsafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrPathTraversal is raised for any resolution that would escape the
// share root, mapping onto the wire protocol's PATH_TRAVERSAL error code.
var ErrPathTraversal = errors.New("pathsafe: path escapes share root")

// CaseInsensitive controls whether the root-prefix comparison in the
// resolution algorithm is case-insensitive. Real filesystems behave
// case-insensitively on Windows and case-sensitively on Linux; this
// package defaults by runtime.GOOS — see DESIGN.md for the recorded
// decision. Set to true explicitly for a Windows-style deployment.
var CaseInsensitive = runtime.GOOS == "windows"

// Normalize converts a protocol-relative path (which may use "\" and may
// have a leading "/") to a clean, "/"-separated relative path suitable for
// joining onto a share root.
func Normalize(relative string) string {
	relative = strings.ReplaceAll(relative, "\\", "/")
	relative = strings.TrimPrefix(relative, "/")
	return relative
}

// Resolve canonicalizes root (which must already name an existing
// directory) joined with the protocol-relative path rel, and verifies the
// result is root itself or a descendant of it. On any failure it returns
// ErrPathTraversal (wrapped with context).
func Resolve(root, rel string) (string, error) {
	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolve root %q: %w", ErrPathTraversal, root, err)
	}
	canonicalRoot = filepath.Clean(canonicalRoot)

	normalized := Normalize(rel)
	joined := filepath.Join(canonicalRoot, normalized)

	// filepath.Join already collapses ".."/"." lexically; Clean again for
	// belt-and-suspenders in case of platform quirks.
	joined = filepath.Clean(joined)

	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %w", ErrPathTraversal, rel, err)
	}

	if !withinRoot(resolved, canonicalRoot) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}

	return resolved, nil
}

// resolveExisting canonicalizes path, resolving symlinks for as much of
// the path as already exists on disk (a resolved symlink under the root
// that points outside it is the exact case this must catch). If the path
// (or an ancestor) does not exist, it's cleaned lexically instead — a
// not-yet-created upload destination must still pass the prefix check.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(resolved), nil
	}
	return resolveNearestAncestor(path)
}

// resolveNearestAncestor walks up from path until it finds a component
// that exists, resolves that component's symlinks, then re-appends the
// remaining (not-yet-existing) suffix lexically.
func resolveNearestAncestor(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	if dir == path {
		// reached the filesystem root without finding anything real
		return filepath.Clean(path), nil
	}

	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolvedDir, err = resolveNearestAncestor(dir)
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(resolvedDir, base), nil
}

func withinRoot(resolved, canonicalRoot string) bool {
	a, b := resolved, canonicalRoot
	if CaseInsensitive {
		a = strings.ToLower(a)
		b = strings.ToLower(b)
	}
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+string(filepath.Separator))
}
