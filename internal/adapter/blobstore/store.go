// Package blobstore keeps report images as files in a single directory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const maxNameLen = 100

// Store writes each image once under a unique locator of the form
// <unix-millis>_<sanitized original name>. Existing files are never replaced.
type Store struct {
	dir   string
	clock clockwork.Clock
}

// New creates the directory if needed and returns a Store rooted there.
func New(dir string, clock clockwork.Clock) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir, clock: clock}, nil
}

// Dir returns the directory images are written to.
func (s *Store) Dir() string { return s.dir }

// Store durably writes data and returns its locator. The bytes are fsynced
// to a temporary file and then linked into place, so a locator never refers
// to a partial image.
func (s *Store) Store(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := sanitize(filename)
	locator := fmt.Sprintf("%d_%s", s.clock.Now().UnixMilli(), name)
	err = os.Link(tmpName, filepath.Join(s.dir, locator))
	if errors.Is(err, fs.ErrExist) {
		// Same millisecond, same name.
		locator = fmt.Sprintf("%d_%s_%s", s.clock.Now().UnixMilli(), uuid.NewString()[:8], name)
		err = os.Link(tmpName, filepath.Join(s.dir, locator))
	}
	if err != nil {
		return "", fmt.Errorf("link image: %w", err)
	}
	return locator, nil
}

// Retrieve returns the bytes stored under locator. Unknown or malformed
// locators yield domain.ErrNotFound.
func (s *Store) Retrieve(_ context.Context, locator string) ([]byte, error) {
	if !ValidLocator(locator) {
		return nil, domain.ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, locator))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

// ValidLocator reports whether locator is a bare file name this store could
// have produced.
func ValidLocator(locator string) bool {
	return locator != "" &&
		!strings.HasPrefix(locator, ".") &&
		!strings.ContainsAny(locator, `/\`) &&
		len(locator) <= 255
}

// sanitize reduces a client-supplied file name to a safe bare name.
func sanitize(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if len(name) > maxNameLen {
		name = name[len(name)-maxNameLen:]
	}
	if name == "" {
		return "image"
	}
	return name
}
