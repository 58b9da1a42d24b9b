package pathutil

import (
	"path/filepath"
	"testing"
)

func TestContains(t *testing.T) {
	root := filepath.FromSlash("/srv/notebooks")
	tests := []struct {
		path string
		want bool
	}{
		{"/srv/notebooks", true},
		{"/srv/notebooks/a/b.ipynb", true},
		{"/srv/notebooks/../etc/passwd", false},
		{"/srv/notebooks-other/x", false},
		{"/srv", false},
	}
	for _, tt := range tests {
		if got := Contains(root, filepath.FromSlash(tt.path)); got != tt.want {
			t.Errorf("Contains(%q, %q) = %v, want %v", root, tt.path, got, tt.want)
		}
	}
}

func TestIsFilesystemRoot(t *testing.T) {
	if !IsFilesystemRoot(string(filepath.Separator)) {
		t.Error("separator should be root")
	}
	if IsFilesystemRoot(filepath.FromSlash("/tmp")) {
		t.Error("/tmp is not root")
	}
}

func TestReplaceExt(t *testing.T) {
	tests := []struct {
		path, from, to string
		want           string
		ok             bool
	}{
		{"a/nb.ipynb", ".ipynb", ".py", "a/nb.py", true},
		{"a/NB.IPYNB", ".ipynb", ".py", "a/NB.py", true},
		{"a/nb.py", ".ipynb", ".py", "", false},
		{"py", ".py", ".ipynb", "", false},
	}
	for _, tt := range tests {
		got, ok := ReplaceExt(tt.path, tt.from, tt.to)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ReplaceExt(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}
