package otpgate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileSaver stages downloads as hidden part files inside dir and renames
// them into place on Commit, so a partial download never appears under its
// final name.
type FileSaver struct {
	dir  string
	link func(oldname, newname string) error

	mu     sync.Mutex
	staged map[string]string
}

func NewFileSaver(dir string) (*FileSaver, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create download dir %s: %w", dir, err)
	}
	return &FileSaver{dir: dir, link: os.Link, staged: make(map[string]string)}, nil
}

func (s *FileSaver) Stage(payload io.Reader) (Handle, error) {
	id := uuid.New().String()
	path := filepath.Join(s.dir, ".download-"+id+".part")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Handle{}, fmt.Errorf("stage download: %w", err)
	}
	if _, err := io.Copy(f, payload); err != nil {
		f.Close()
		os.Remove(path)
		return Handle{}, fmt.Errorf("stage download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Handle{}, fmt.Errorf("stage download: %w", err)
	}

	s.mu.Lock()
	s.staged[id] = path
	s.mu.Unlock()
	return Handle{ID: id}, nil
}

// Commit moves the staged file to filename inside dir. An existing file is
// never overwritten; a numeric suffix is added instead.
func (s *FileSaver) Commit(h Handle, filename string) (string, error) {
	s.mu.Lock()
	path, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("commit download: unknown handle %s", h.ID)
	}

	name := safeFilename(filename)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		dest := filepath.Join(s.dir, candidate)
		err := s.place(path, dest)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("commit download: %w", err)
		}
		return dest, nil
	}
	return "", fmt.Errorf("commit download: no free name for %s", name)
}

// place moves path to dest without replacing an existing dest. Link fails
// if dest exists, unlike Rename. Where hard links are unsupported, dest is
// claimed with O_EXCL and the part file renamed over the empty claim.
func (s *FileSaver) place(path, dest string) error {
	lerr := s.link(path, dest)
	if lerr == nil {
		os.Remove(path)
		return nil
	}
	if errors.Is(lerr, os.ErrExist) {
		return lerr
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("%w (link: %v)", err, lerr)
	}
	f.Close()
	if err := os.Rename(path, dest); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// Release drops the staged file if it is still there.
func (s *FileSaver) Release(h Handle) error {
	s.mu.Lock()
	path, ok := s.staged[h.ID]
	delete(s.staged, h.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release download: %w", err)
	}
	return nil
}

// Staged returns how many handles have not been released.
func (s *FileSaver) Staged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

func safeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" || strings.HasPrefix(name, ".") {
		return "download.pdf"
	}
	return name
}
