// Package repository manages the on-disk catalog of test packages. A
// package is a top-level directory under the repository root carrying an
// __init__.py marker; its structure is summarised into a manifest by a
// static scan of the sources, and packages travel between coordinator and
// nodes as gzipped tar archives.
package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Marker is the file whose presence identifies a directory as a package.
const Marker = "__init__.py"

var (
	// ErrNotTopLevel is returned for package names that are not plain
	// top-level identifiers.
	ErrNotTopLevel = errors.New("not a top level package")

	// ErrPackageNotFound is returned when no package directory with the
	// requested name exists under the root.
	ErrPackageNotFound = errors.New("no package found")

	// ErrInvalidArchive is returned when an uploaded archive does not hold
	// exclusively top-level packages.
	ErrInvalidArchive = errors.New("invalid package archive")
)

// Repository is a filesystem-backed catalog rooted at a fixed directory.
type Repository struct {
	root string
}

// New builds a Repository over the given root directory.
func New(root string) *Repository {
	return &Repository{root: root}
}

// Root returns the repository's root directory.
func (r *Repository) Root() string {
	return r.root
}

// EnsureRoot creates the root directory and its package marker when either
// is missing. Existing contents are left untouched.
func (r *Repository) EnsureRoot() error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("creating repository root: %w", err)
	}
	marker := filepath.Join(r.root, Marker)
	if _, err := os.Stat(marker); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			return fmt.Errorf("creating repository marker: %w", err)
		}
	} else if err != nil {
		return err
	}
	return nil
}

// Reset wipes the repository and recreates an empty root.
func (r *Repository) Reset() error {
	if err := os.RemoveAll(r.root); err != nil {
		return fmt.Errorf("clearing repository root: %w", err)
	}
	return r.EnsureRoot()
}

// List returns the names of every top-level package in alphabetical order.
func (r *Repository) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("reading repository root: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && isPackageDir(filepath.Join(r.root, entry.Name())) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Exists reports whether a top-level package with the given name is
// present.
func (r *Repository) Exists(name string) bool {
	if !isTopLevelName(name) {
		return false
	}
	return isPackageDir(filepath.Join(r.root, name))
}

// Delete removes a top-level package directory.
func (r *Repository) Delete(name string) error {
	if !isTopLevelName(name) {
		return fmt.Errorf("%w: %s", ErrNotTopLevel, name)
	}
	path := filepath.Join(r.root, name)
	if !isPackageDir(path) {
		return fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return os.RemoveAll(path)
}

// isTopLevelName accepts plain directory names only. Dotted paths and
// anything that could escape the root are rejected.
func isTopLevelName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "./\\")
}

func isPackageDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(path, Marker))
	return err == nil
}
