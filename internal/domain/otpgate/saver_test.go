package otpgate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFileSaver_StageCommitRelease(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSaver(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h, err := s.Stage(strings.NewReader("report"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	path, err := s.Commit(h, "cbc.pdf")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}

	if path != filepath.Join(dir, "cbc.pdf") {
		t.Errorf("unexpected path %s", path)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "report" {
		t.Errorf("unexpected content %q (%v)", b, err)
	}
	if names := listDir(t, dir); len(names) != 1 {
		t.Errorf("expected only the committed file, got %v", names)
	}
	if s.Staged() != 0 {
		t.Errorf("expected 0 staged, got %d", s.Staged())
	}
}

func TestFileSaver_ReleaseWithoutCommit(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileSaver(dir)

	h, err := s.Stage(strings.NewReader("partial"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if names := listDir(t, dir); len(names) != 0 {
		t.Errorf("expected empty dir, got %v", names)
	}
	if err := s.Release(h); err != nil {
		t.Errorf("second release should be a no-op, got %v", err)
	}
}

func TestFileSaver_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileSaver(dir)
	if err := os.WriteFile(filepath.Join(dir, "cbc.pdf"), []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	h, _ := s.Stage(strings.NewReader("new"))
	path, err := s.Commit(h, "cbc.pdf")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = s.Release(h)

	if filepath.Base(path) != "cbc (1).pdf" {
		t.Errorf("expected suffixed name, got %s", filepath.Base(path))
	}
	old, _ := os.ReadFile(filepath.Join(dir, "cbc.pdf"))
	if string(old) != "old" {
		t.Error("existing file was overwritten")
	}
}

func TestFileSaver_CommitWithoutHardLinks(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileSaver(dir)
	s.link = func(oldname, newname string) error {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: errors.New("operation not supported")}
	}
	if err := os.WriteFile(filepath.Join(dir, "cbc.pdf"), []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	h, _ := s.Stage(strings.NewReader("new"))
	path, err := s.Commit(h, "cbc.pdf")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}

	if filepath.Base(path) != "cbc (1).pdf" {
		t.Errorf("expected suffixed name, got %s", filepath.Base(path))
	}
	if b, _ := os.ReadFile(path); string(b) != "new" {
		t.Errorf("expected staged content at %s, got %q", path, b)
	}
	if old, _ := os.ReadFile(filepath.Join(dir, "cbc.pdf")); string(old) != "old" {
		t.Error("existing file was overwritten")
	}
	if names := listDir(t, dir); len(names) != 2 {
		t.Errorf("expected no part file left behind, got %v", names)
	}
}

func TestFileSaver_CommitUnknownHandle(t *testing.T) {
	s, _ := NewFileSaver(t.TempDir())
	if _, err := s.Commit(Handle{ID: "nope"}, "x.pdf"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"cbc.pdf":          "cbc.pdf",
		"../../etc/passwd": "passwd",
		"":                 "download.pdf",
		".hidden":          "download.pdf",
		"  report.pdf ":    "report.pdf",
	}
	for in, want := range tests {
		if got := safeFilename(in); got != want {
			t.Errorf("safeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
