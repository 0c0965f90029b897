package retention

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkRunDirs(t *testing.T, home, name string, builds ...int) {
	t.Helper()
	for _, b := range builds {
		dir := filepath.Join(home, "run", name, strconv.Itoa(b))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
}

func TestPruneRemovesOldDirsStoppingAtFirstMissing(t *testing.T) {
	home := t.TempDir()
	mkRunDirs(t, home, "alpha", 1, 2, 3, 4, 5)

	p := New(home, newTestLogger())
	p.Prune("alpha", 5, 2)

	for _, b := range []int{1, 2, 3} {
		dir := filepath.Join(home, "run", "alpha", strconv.Itoa(b))
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("expected build %d removed, stat err = %v", b, err)
		}
	}
	for _, b := range []int{4, 5} {
		dir := filepath.Join(home, "run", "alpha", strconv.Itoa(b))
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("expected build %d to remain: %v", b, err)
		}
	}
}

func TestPruneStopsAtFirstMissingDirectory(t *testing.T) {
	home := t.TempDir()
	mkRunDirs(t, home, "alpha", 3, 5)

	p := New(home, newTestLogger())
	p.Prune("alpha", 5, 0)

	if _, err := os.Stat(filepath.Join(home, "run", "alpha", "5")); !os.IsNotExist(err) {
		t.Fatalf("expected build 5 removed, err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "run", "alpha", "3")); err != nil {
		t.Fatalf("expected build 3 to remain (build 4 missing should halt pruning): %v", err)
	}
}

func TestRefreshLatestCreatesSymlink(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, "archive", "alpha"), 0o755); err != nil {
		t.Fatalf("mkdir archive: %v", err)
	}

	p := New(home, newTestLogger())
	p.RefreshLatest("alpha", 7)

	target, err := os.Readlink(filepath.Join(home, "archive", "alpha", "latest"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "7" {
		t.Fatalf("latest -> %q, want %q", target, "7")
	}

	p.RefreshLatest("alpha", 8)
	target, err = os.Readlink(filepath.Join(home, "archive", "alpha", "latest"))
	if err != nil {
		t.Fatalf("readlink after refresh: %v", err)
	}
	if target != "8" {
		t.Fatalf("latest -> %q, want %q", target, "8")
	}
}
