// Package attachments stores uploaded binary files on the local filesystem,
// keyed by file name. The record database only holds the stored name; the
// existence of the blob is implied by the file system, so removal is
// best-effort and never fails the record mutation that triggered it.
package attachments

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Read when no blob exists under the given name.
var ErrNotFound = errors.New("attachment not found")

// Store is a directory-backed blob store.
type Store struct {
	dir string
}

// NewStore creates the base directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create attachments dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the base directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the stream under the suggested name and returns the name
// actually used. An existing file is never overwritten: on collision the name
// is disambiguated with a numeric suffix (receipt.pdf, receipt-1.pdf, ...).
func (s *Store) Save(r io.Reader, name string) (string, error) {
	base := sanitize(name)
	if base == "" {
		return "", fmt.Errorf("invalid attachment name %q", name)
	}
	for i := 0; ; i++ {
		candidate := disambiguate(base, i)
		f, err := os.OpenFile(filepath.Join(s.dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("store attachment %s: %w", candidate, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("write attachment %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close attachment %s: %w", candidate, err)
		}
		return candidate, nil
	}
}

// Read returns the blob bytes for a stored name.
func (s *Store) Read(name string) ([]byte, error) {
	base := sanitize(name)
	if base == "" || base != name {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, base))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", base, err)
	}
	return data, nil
}

// Remove deletes the blob. Failures, including the file already being gone,
// are logged and swallowed: attachment cleanup must never block the record
// mutation it accompanies.
func (s *Store) Remove(name string) {
	base := sanitize(name)
	if base == "" {
		log.Printf("attachments: refusing to remove invalid name %q", name)
		return
	}
	if err := os.Remove(filepath.Join(s.dir, base)); err != nil {
		log.Printf("attachments: remove %s: %v", base, err)
	}
}

// sanitize reduces an untrusted name to a bare file name so stored paths can
// never escape the base directory.
func sanitize(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return ""
	}
	return base
}

func disambiguate(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), i, ext)
}
