package storage

import (
	"syscall"
	"testing"
)

func TestClean(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":           ".",
		".":          ".",
		"/":          ".",
		"a/b/../c":   "a/c",
		"../../etc":  "etc",
		"/abs/path/": "abs/path",
		"a//b":       "a/b",
	}
	for in, want := range tests {
		if got := Clean(in); got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dir, name string
		want      string
		err       error
	}{
		{".", "a", "a", nil},
		{"a/b", "c", "a/b/c", nil},
		{"a", "", "a", nil},
		{"a", "..", "", syscall.EINVAL},
		{"a", ".", "", syscall.EINVAL},
		{"a", "b/c", "", syscall.EINVAL},
	}
	for _, tt := range tests {
		got, err := Join(tt.dir, tt.name)
		if err != tt.err || got != tt.want {
			t.Errorf("Join(%q, %q) = %q, %v; want %q, %v", tt.dir, tt.name, got, err, tt.want, tt.err)
		}
	}
}
