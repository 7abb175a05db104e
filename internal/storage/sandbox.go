// Package storage provides sandboxed file operations for mediarr.
// Every path is resolved relative to a root directory and rejected if it
// would escape it, so names taken from playlists or requests cannot reach
// outside an asset or cache directory.
package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempSuffix marks in-flight writes. Readers and sweeps skip such files.
const TempSuffix = ".tmp"

// ErrEscapesSandbox is returned for paths that resolve outside the root.
var ErrEscapesSandbox = errors.New("path escapes sandbox")

// Sandbox restricts file operations to a base directory.
type Sandbox struct {
	baseDir string
}

// NewSandbox creates a Sandbox rooted at baseDir, creating it if needed.
func NewSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Sandbox{baseDir: absPath}, nil
}

// OpenSandbox wraps an existing directory without creating it.
func OpenSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute root directory.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath resolves a relative path within the sandbox.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s (absolute)", ErrEscapesSandbox, relativePath)
	}
	absPath := filepath.Join(s.baseDir, filepath.Clean(relativePath))
	if !s.Contains(absPath) {
		return "", fmt.Errorf("%w: %s", ErrEscapesSandbox, relativePath)
	}
	return absPath, nil
}

// Contains reports whether an absolute path lies within the sandbox.
func (s *Sandbox) Contains(absPath string) bool {
	absPath = filepath.Clean(absPath)
	return absPath == s.baseDir || strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator))
}

// Exists reports whether a path exists within the sandbox.
func (s *Sandbox) Exists(relativePath string) (bool, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking path: %w", err)
	}
	return true, nil
}

// Stat returns file info for a path within the sandbox.
func (s *Sandbox) Stat(relativePath string) (os.FileInfo, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// MkdirAll creates a directory tree within the sandbox.
func (s *Sandbox) MkdirAll(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}

// ReadFile reads a file from within the sandbox.
func (s *Sandbox) ReadFile(relativePath string) ([]byte, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// AtomicWrite writes data through a temporary file and a rename, so readers
// never see a partially written file.
func (s *Sandbox) AtomicWrite(relativePath string, data []byte) error {
	target, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	return writeAtomic(target, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// CopyIn copies a file from outside the sandbox to relativePath atomically.
// Concurrent copies to the same target each use their own temporary file;
// the last rename wins and every reader sees a complete file.
func (s *Sandbox) CopyIn(srcAbsPath, relativePath string) (int64, error) {
	target, err := s.ResolvePath(relativePath)
	if err != nil {
		return 0, err
	}
	src, err := os.Open(srcAbsPath)
	if err != nil {
		return 0, fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	var n int64
	err = writeAtomic(target, func(w io.Writer) error {
		var copyErr error
		n, copyErr = io.Copy(w, src)
		return copyErr
	})
	return n, err
}

func writeAtomic(target string, fill func(io.Writer) error) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(target)+"."+TempName())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	fillErr := fill(f)
	closeErr := f.Close()
	if fillErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if fillErr != nil {
			return fmt.Errorf("writing temporary file: %w", fillErr)
		}
		return fmt.Errorf("closing temporary file: %w", closeErr)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// TempName returns a unique, time-ordered temporary file suffix.
func TempName() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String() + TempSuffix
}

// Remove removes a file or empty directory within the sandbox.
func (s *Sandbox) Remove(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// RemoveAll removes a path and its contents. The root itself cannot be removed.
func (s *Sandbox) RemoveAll(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if path == s.baseDir {
		return fmt.Errorf("cannot remove sandbox base directory")
	}
	return os.RemoveAll(path)
}

// List returns the entries of a directory within the sandbox.
func (s *Sandbox) List(relativePath string) ([]os.DirEntry, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(path)
}

// WalkDir walks a tree within the sandbox, passing paths relative to the root.
func (s *Sandbox) WalkDir(relativePath string, fn fs.WalkDirFunc) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		rel, relErr := filepath.Rel(s.baseDir, p)
		if relErr != nil {
			rel = p
		}
		return fn(rel, d, err)
	})
}

// Sub returns a Sandbox rooted at a subdirectory, creating it.
func (s *Sandbox) Sub(relativePath string) (*Sandbox, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	return NewSandbox(path)
}
