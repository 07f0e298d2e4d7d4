package repository

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
)

// Pack writes a gzipped tar archive of the named top-level packages.
// __pycache__ directories are excluded. Names that are not top-level
// identifiers fail with ErrNotTopLevel; names without a package directory
// fail with ErrPackageNotFound.
func (r *Repository) Pack(w io.Writer, packages []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, name := range packages {
		if !isTopLevelName(name) {
			return fmt.Errorf("%w: %s", ErrNotTopLevel, name)
		}
		root := filepath.Join(r.root, name)
		if !isPackageDir(root) {
			return fmt.Errorf("%w: %s", ErrPackageNotFound, name)
		}
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() && info.Name() == "__pycache__" {
				return filepath.SkipDir
			}
			relative, err := filepath.Rel(r.root, path)
			if err != nil {
				return err
			}
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = filepath.ToSlash(relative)
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return fmt.Errorf("packing %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// archiveMember is one tar entry buffered during validation.
type archiveMember struct {
	header *tar.Header
	data   []byte
}

// Unpack extracts a gzipped tar archive into the repository root and
// returns the names of the top-level packages it held, in alphabetical
// order. Every top-level member must be a directory carrying the package
// marker and every nested member must fall under one of them; otherwise
// nothing is written and ErrInvalidArchive is returned.
// Top-level names already on disk are replaced.
func (r *Repository) Unpack(archive io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer gz.Close()

	// The archive is validated in full before the filesystem is touched, so
	// members are buffered in memory. Uploads are bounded by the server's
	// request body limit.
	var members []archiveMember
	topLevelDirs := make(map[string]bool)
	markers := make(map[string]bool)

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		name := filepath.ToSlash(header.Name)
		if !validMemberPath(name) {
			return nil, fmt.Errorf("%w: illegal member path %s", ErrInvalidArchive, header.Name)
		}
		parts := strings.Split(strings.Trim(name, "/"), "/")
		if len(parts) == 1 {
			if header.Typeflag != tar.TypeDir {
				return nil, fmt.Errorf(
					"%w: top level member %s is not a package", ErrInvalidArchive, parts[0])
			}
			topLevelDirs[parts[0]] = true
		} else if len(parts) == 2 && parts[1] == Marker {
			markers[parts[0]] = true
		}

		member := archiveMember{header: header}
		if header.Typeflag == tar.TypeReg {
			member.data, err = io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
			}
		}
		members = append(members, member)
	}

	names := make([]string, 0, len(topLevelDirs))
	for name := range topLevelDirs {
		if !markers[name] {
			return nil, fmt.Errorf(
				"%w: top level member %s is not a package", ErrInvalidArchive, name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	// Every member must live under a declared package directory; a stray
	// subtree would land on disk without ever being reported back.
	for _, member := range members {
		top := strings.SplitN(
			strings.Trim(filepath.ToSlash(member.header.Name), "/"), "/", 2)[0]
		if !topLevelDirs[top] {
			return nil, fmt.Errorf(
				"%w: member %s belongs to no package", ErrInvalidArchive, member.header.Name)
		}
	}

	for _, name := range names {
		path := filepath.Join(r.root, name)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("replacing package %s: %w", name, err)
		}
	}

	for _, member := range members {
		path := filepath.Join(r.root, filepath.FromSlash(member.header.Name))
		switch member.header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, fmt.Errorf("extracting %s: %w", member.header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("extracting %s: %w", member.header.Name, err)
			}
			if err := os.WriteFile(path, member.data, 0o644); err != nil {
				return nil, fmt.Errorf("extracting %s: %w", member.header.Name, err)
			}
		}
	}

	return names, nil
}

// validMemberPath rejects absolute paths and any traversal outside the
// extraction root.
func validMemberPath(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") {
		return false
	}
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
