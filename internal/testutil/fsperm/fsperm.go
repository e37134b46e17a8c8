// Package fsperm asserts that persisted state is readable by its owner only.
package fsperm

import (
	"io/fs"
	"os"
	"runtime"
	"testing"
)

// AssertPrivateDir fails t unless dir is a directory closed to group and
// other.
func AssertPrivateDir(t testing.TB, dir string) {
	t.Helper()
	assertPrivate(t, dir, true)
}

// AssertPrivateFile fails t unless path is a regular file closed to group
// and other.
func AssertPrivateFile(t testing.TB, path string) {
	t.Helper()
	assertPrivate(t, path, false)
}

func assertPrivate(t testing.TB, path string, wantDir bool) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.IsDir() != wantDir {
		t.Fatalf("%s: unexpected file type %s", path, info.Mode().Type())
	}
	// Windows has no POSIX permission bits to check.
	if runtime.GOOS == "windows" {
		return
	}
	if leaked := info.Mode().Perm() & fs.FileMode(0o077); leaked != 0 {
		t.Fatalf("%s: mode %04o is open to group or other", path, info.Mode().Perm())
	}
}
