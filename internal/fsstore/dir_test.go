package fsstore

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, d *Dir, name, content string) {
	t.Helper()
	w, err := d.Create(name)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func openDir(t *testing.T) (*Dir, string) {
	t.Helper()
	root := t.TempDir()
	d, err := OpenDir(root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d, root
}

func TestCreateCommitsOnClose(t *testing.T) {
	d, root := openDir(t)

	w, err := d.Create("a/b/c.txt")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "payload")

	final := filepath.Join(root, "a", "b", "c.txt")
	if _, err := os.Stat(final); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file visible before commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(final)
	if err != nil || string(got) != "payload" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "a", "b"))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestAbortKeepsPrevious(t *testing.T) {
	d, root := openDir(t)
	writeFile(t, d, "keep.txt", "original")

	w, err := d.Create("keep.txt")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "half")
	if err := w.(interface{ Abort() error }).Abort(); err != nil {
		t.Fatal(err)
	}
	// closing after an abort must not commit
	w.Close()

	got, _ := os.ReadFile(filepath.Join(root, "keep.txt"))
	if string(got) != "original" {
		t.Fatalf("content = %q, want original", got)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestPathsStayInsideRoot(t *testing.T) {
	d, root := openDir(t)

	for _, name := range []string{"../../escape.txt", "/etc/abs.txt", `..\..\win.txt`} {
		writeFile(t, d, name, name)
	}

	for _, rel := range []string{"escape.txt", "etc/abs.txt", "win.txt"} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			t.Errorf("%s not stored under the root: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt")); err == nil {
		t.Error("file escaped the root")
	}
}

func TestInvalidNames(t *testing.T) {
	d, _ := openDir(t)
	for _, name := range []string{"", "/", "..", "a\x00b"} {
		if _, err := d.Create(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestOpen(t *testing.T) {
	d, _ := openDir(t)
	writeFile(t, d, "dir/read.txt", "readable")

	r, err := d.Open("/dir/read.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "readable" {
		t.Fatalf("content = %q", got)
	}

	if _, err := d.Open("missing.txt"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Open(missing) error = %v", err)
	}
}
