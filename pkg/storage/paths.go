package storage

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// normalizeRel canonicalizes a client-supplied relative path. The result is
// slash-separated, free of "." and ".." segments, and "" for the root
// itself. Absolute paths and paths escaping upward are rejected with
// ErrTraversal.
func normalizeRel(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrTraversal
	}

	cleaned := path.Clean(filepath.ToSlash(rel))
	if cleaned == "." || cleaned == "" {
		return "", nil
	}
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrTraversal
	}
	return cleaned, nil
}

// resolveWithin maps a client-supplied relative path into root, enforcing
// containment both lexically and after symlink resolution. Returns the
// absolute filesystem path and the canonical relative path.
//
// The lexical check alone is not enough: a symlink inside root can point
// anywhere, so the deepest existing ancestor of the target is resolved and
// checked against the resolved root.
func resolveWithin(root, rel string) (abs, canonical string, err error) {
	canonical, err = normalizeRel(rel)
	if err != nil {
		return "", "", err
	}
	abs = filepath.Join(root, filepath.FromSlash(canonical))

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", err
	}
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", "", err
	}
	if !isWithin(rootResolved, resolved) {
		return "", "", ErrTraversal
	}
	return abs, canonical, nil
}

// resolveExisting resolves symlinks over the deepest existing prefix of p
// and rejoins the non-existing suffix unresolved.
func resolveExisting(p string) (string, error) {
	suffix := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Walked off the top without finding anything that exists
			return p, nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

func isWithin(base, p string) bool {
	return p == base || strings.HasPrefix(p, base+string(filepath.Separator))
}
