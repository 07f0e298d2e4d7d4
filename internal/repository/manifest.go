package repository

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/exp/slices"
)

// Package is the manifest of one package: its modules and nested
// subpackages, in alphabetical order.
type Package struct {
	Name        string    `json:"name"`
	Modules     []Module  `json:"modules,omitempty"`
	Subpackages []Package `json:"subpackages,omitempty"`
}

// Module is the manifest of one source file holding at least one test set.
type Module struct {
	Name     string    `json:"name"`
	TestSets []TestSet `json:"test_sets,omitempty"`
}

// TestSet is one test set class and the names of its tests.
type TestSet struct {
	Name  string   `json:"name"`
	Tests []string `json:"tests"`
}

// Manifest produces the manifest of one top-level package by statically
// scanning its sources. A class contributes only when it declares at least
// one test; a module contributes only when it declares at least one such
// class.
func (r *Repository) Manifest(name string) (Package, error) {
	if !isTopLevelName(name) {
		return Package{}, fmt.Errorf("%w: %s", ErrNotTopLevel, name)
	}
	path := filepath.Join(r.root, name)
	if !isPackageDir(path) {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return scanPackage(path, name)
}

// Manifests produces the manifests of every top-level package in
// alphabetical order.
func (r *Repository) Manifests() ([]Package, error) {
	names, err := r.List()
	if err != nil {
		return nil, err
	}
	manifests := make([]Package, 0, len(names))
	for _, name := range names {
		manifest, err := scanPackage(filepath.Join(r.root, name), name)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

func scanPackage(path, name string) (Package, error) {
	pkg := Package{Name: name}

	entries, err := os.ReadDir(path)
	if err != nil {
		return Package{}, fmt.Errorf("reading package %s: %w", name, err)
	}
	for _, entry := range entries {
		entryPath := filepath.Join(path, entry.Name())
		switch {
		case entry.IsDir() && isPackageDir(entryPath):
			sub, err := scanPackage(entryPath, entry.Name())
			if err != nil {
				return Package{}, err
			}
			pkg.Subpackages = append(pkg.Subpackages, sub)
		case !entry.IsDir() && isModuleFile(entry.Name()):
			sets, err := scanModule(entryPath)
			if err != nil {
				return Package{}, err
			}
			if len(sets) > 0 {
				pkg.Modules = append(pkg.Modules, Module{
					Name:     strings.TrimSuffix(entry.Name(), ".py"),
					TestSets: sets,
				})
			}
		}
	}
	return pkg, nil
}

func isModuleFile(name string) bool {
	return strings.HasSuffix(name, ".py") && name != Marker
}

// Class headers name their bases; a test set derives from TestSet, possibly
// through a qualified import such as test_utils.TestSet.
var (
	classPattern     = regexp.MustCompile(`^class\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*:`)
	decoratorPattern = regexp.MustCompile(`^\s+@(?:[A-Za-z_]\w*\.)*test\s*\(`)
	methodPattern    = regexp.MustCompile(`^\s+def\s+([A-Za-z_]\w*)\s*\(`)
)

// scanModule extracts the test sets declared in one source file. The scan
// is line oriented: a class whose base list names TestSet opens a set, and
// within it a def directly preceded by a test decorator is a test.
func scanModule(path string) ([]TestSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening module %s: %w", path, err)
	}
	defer f.Close()

	var (
		sets      []TestSet
		current   *TestSet
		decorated bool
	)
	flush := func() {
		if current != nil && len(current.Tests) > 0 {
			slices.Sort(current.Tests)
			sets = append(sets, *current)
		}
		current = nil
		decorated = false
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if match := classPattern.FindStringSubmatch(line); match != nil {
			flush()
			if derivesFromTestSet(match[2]) {
				current = &TestSet{Name: match[1]}
			}
			continue
		}
		if current == nil {
			continue
		}
		// A fresh top-level statement ends the class body.
		if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			flush()
			continue
		}
		if decoratorPattern.MatchString(line) {
			decorated = true
			continue
		}
		if match := methodPattern.FindStringSubmatch(line); match != nil {
			if decorated {
				current.Tests = append(current.Tests, match[1])
			}
			decorated = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning module %s: %w", path, err)
	}
	flush()

	slices.SortFunc(sets, func(a, b TestSet) int { return strings.Compare(a.Name, b.Name) })
	return sets, nil
}

// derivesFromTestSet reports whether any base in a class header's base list
// resolves to TestSet, ignoring qualification.
func derivesFromTestSet(bases string) bool {
	for _, base := range strings.Split(bases, ",") {
		base = strings.TrimSpace(base)
		if dot := strings.LastIndex(base, "."); dot >= 0 {
			base = base[dot+1:]
		}
		if base == "TestSet" {
			return true
		}
	}
	return false
}
