package pathutil

import (
	"path/filepath"
	"strings"
)

// Contains reports whether path equals root or lies beneath it.
func Contains(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == path {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsFilesystemRoot reports whether path points to filesystem root (POSIX or Windows volume root).
func IsFilesystemRoot(path string) bool {
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return true
	}
	volume := filepath.VolumeName(clean)
	return volume != "" && clean == volume+string(filepath.Separator)
}

// ReplaceExt swaps the extension of path when it ends in from (case-insensitively).
// ok is false when path has a different extension.
func ReplaceExt(path, from, to string) (string, bool) {
	if len(path) < len(from) || !strings.EqualFold(path[len(path)-len(from):], from) {
		return "", false
	}
	return path[:len(path)-len(from)] + to, true
}
