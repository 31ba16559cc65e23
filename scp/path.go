package scp

import (
	"os"
	"path"
	"strings"
)

// Resolve maps a peer-announced name to a path under root, where stack is
// the list of directories entered so far. The result is always a direct
// child of root/stack.
func Resolve(root string, stack []string, name string) (string, error) {
	if name == "" {
		return "", pathViolation(name, "empty name")
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator) {
		return "", pathViolation(name, "name contains a path separator")
	}
	if strings.ContainsRune(name, 0) {
		return "", pathViolation(name, "name contains a NUL byte")
	}
	if name == "." || name == ".." {
		return "", pathViolation(name, "name is not a child")
	}

	parent := path.Clean(path.Join(append([]string{root}, stack...)...))
	candidate := path.Join(parent, name)
	if candidate == parent {
		return "", pathViolation(name, "name is not a child")
	}
	if path.Base(candidate) != name {
		return "", pathViolation(name, "name does not resolve to itself")
	}
	if relative(parent, candidate) != name {
		return "", pathViolation(name, "name escapes the destination")
	}
	return candidate, nil
}

// relative returns target relative to base for cleaned slash paths, or ""
// when target is not below base.
func relative(base, target string) string {
	if base == "." {
		if target == ".." || strings.HasPrefix(target, "../") || path.IsAbs(target) {
			return ""
		}
		return target
	}
	prefix := base + "/"
	if base == "/" {
		prefix = "/"
	}
	if !strings.HasPrefix(target, prefix) {
		return ""
	}
	return target[len(prefix):]
}
