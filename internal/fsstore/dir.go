// Package fsstore stores transferred files under a root directory.
package fsstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goodieshq/goclust/internal/utils"
)

var ErrInvalidName = errors.New("invalid file name")

// Dir is a transfer sink and source confined to one directory. Every path
// received over the wire is resolved relative to the root, absolute or not.
type Dir struct {
	path string
	root *os.Root
}

func OpenDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open root %s: %w", dir, err)
	}
	return &Dir{path: dir, root: root}, nil
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Close() error {
	return d.root.Close()
}

// clean maps a wire path to a slash-separated name relative to the root
func clean(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	return name, nil
}

// Create opens name for writing. Content lands in a temporary sibling and
// replaces name only when the returned writer is closed.
func (d *Dir) Create(name string) (io.WriteCloser, error) {
	name, err := clean(name)
	if err != nil {
		return nil, err
	}
	final := filepath.FromSlash(name)

	if parent := filepath.Dir(final); parent != "." {
		if err := d.root.MkdirAll(parent, 0o755); err != nil {
			return nil, err
		}
	}

	tmp, err := utils.TempName(final)
	if err != nil {
		return nil, err
	}
	f, err := d.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &atomicFile{f: f, root: d.root, tmp: tmp, final: final}, nil
}

func (d *Dir) Open(name string) (io.ReadCloser, error) {
	name, err := clean(name)
	if err != nil {
		return nil, err
	}
	return d.root.Open(filepath.FromSlash(name))
}

type atomicFile struct {
	f     *os.File
	root  *os.Root
	tmp   string
	final string
	once  sync.Once
	err   error
}

func (a *atomicFile) Write(b []byte) (int, error) {
	return a.f.Write(b)
}

// Close syncs the temporary file and renames it over the final name
func (a *atomicFile) Close() error {
	a.once.Do(func() {
		if err := a.f.Sync(); err != nil {
			a.f.Close()
			a.root.Remove(a.tmp)
			a.err = err
			return
		}
		if err := a.f.Close(); err != nil {
			a.root.Remove(a.tmp)
			a.err = err
			return
		}
		if err := a.root.Rename(a.tmp, a.final); err != nil {
			a.root.Remove(a.tmp)
			a.err = err
		}
	})
	return a.err
}

// Abort drops the temporary file, leaving any previous content of the final name intact
func (a *atomicFile) Abort() error {
	a.once.Do(func() {
		a.f.Close()
		a.err = a.root.Remove(a.tmp)
	})
	return a.err
}
