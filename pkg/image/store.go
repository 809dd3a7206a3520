package image

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/froyopkg/pkg/fmri"
)

var (
	// ErrNotInstalled is returned when no version of a package is installed.
	ErrNotInstalled = errors.New("package not installed")

	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("not found")
)

const (
	installedFile = "installed"
	filtersFile   = "filters"
	pkgDir        = "pkg"
	indexDir      = "index"
)

// IndexEntry is one link in a search index bucket.
type IndexEntry struct {
	Name   string // URL path segment of the linked package
	Target string // relative link target
}

// StateStore persists per-package install state.
type StateStore interface {
	// IsInstalled reports whether the installed marker of f exists.
	IsInstalled(f *fmri.FMRI) (bool, error)
	// MarkInstalled creates the installed marker of f.
	MarkInstalled(f *fmri.FMRI) error
	// ClearInstalled removes the installed marker of f. A missing marker is
	// an error that wraps fs.ErrNotExist.
	ClearInstalled(f *fmri.FMRI) error
	// ReadFilters returns the saved filter expressions, nil when none were
	// saved.
	ReadFilters(f *fmri.FMRI) ([]string, error)
	// WriteFilters saves the filter expressions of f, one per line.
	WriteFilters(f *fmri.FMRI, filters []string) error
	// DeleteFilters removes the saved filters. A missing file is an error that
	// wraps fs.ErrNotExist.
	DeleteFilters(f *fmri.FMRI) error
	// InstalledVersion returns the installed version of the named package,
	// or ErrNotInstalled.
	InstalledVersion(name string) (*fmri.FMRI, error)
	// LinkIndex records f under value in the named index. Existing entries
	// are left untouched.
	LinkIndex(index, value string, f *fmri.FMRI) error
	// IndexEntries lists the entries recorded under value in the named index.
	IndexEntries(index, value string) ([]IndexEntry, error)
}

// FSStore keeps install state on disk:
//
//	<dir>/pkg/<name>/<version>/installed
//	<dir>/pkg/<name>/<version>/filters
//	<dir>/index/<index>/<value>/<name>@<version> -> ../../../pkg/<name>/<version>
type FSStore struct {
	fs  FS
	dir string
}

// NewFSStore returns a store rooted at dir on the local filesystem.
func NewFSStore(dir string) *FSStore {
	return NewFSStoreOn(OSFS{}, dir)
}

// NewFSStoreOn returns a store rooted at dir on fsys.
func NewFSStoreOn(fsys FS, dir string) *FSStore {
	return &FSStore{fs: fsys, dir: dir}
}

// Dir returns the state directory.
func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) pkgPath(f *fmri.FMRI, file string) string {
	return filepath.Join(s.dir, pkgDir, filepath.FromSlash(f.DirPath()), file)
}

func (s *FSStore) IsInstalled(f *fmri.FMRI) (bool, error) {
	_, err := s.fs.Stat(s.pkgPath(f, installedFile))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check install state of %s: %w", f, err)
	}
}

func (s *FSStore) MarkInstalled(f *fmri.FMRI) error {
	p := s.pkgPath(f, installedFile)
	if err := s.fs.MkdirAll(filepath.Dir(p)); err != nil {
		return fmt.Errorf("failed to create state directory for %s: %w", f, err)
	}
	if err := s.fs.WriteFile(p, nil); err != nil {
		return fmt.Errorf("failed to mark %s installed: %w", f, err)
	}
	return nil
}

func (s *FSStore) ClearInstalled(f *fmri.FMRI) error {
	if err := s.fs.Remove(s.pkgPath(f, installedFile)); err != nil {
		return fmt.Errorf("failed to clear installed marker of %s: %w", f, err)
	}
	return nil
}

func (s *FSStore) ReadFilters(f *fmri.FMRI) ([]string, error) {
	data, err := s.fs.ReadFile(s.pkgPath(f, filtersFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read filters of %s: %w", f, err)
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func (s *FSStore) WriteFilters(f *fmri.FMRI, filters []string) error {
	p := s.pkgPath(f, filtersFile)
	if err := s.fs.MkdirAll(filepath.Dir(p)); err != nil {
		return fmt.Errorf("failed to create state directory for %s: %w", f, err)
	}
	var b strings.Builder
	for _, expr := range filters {
		b.WriteString(expr)
		b.WriteByte('\n')
	}
	if err := s.fs.WriteFile(p, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to write filters of %s: %w", f, err)
	}
	return nil
}

func (s *FSStore) DeleteFilters(f *fmri.FMRI) error {
	if err := s.fs.Remove(s.pkgPath(f, filtersFile)); err != nil {
		return fmt.Errorf("failed to delete filters of %s: %w", f, err)
	}
	return nil
}

func (s *FSStore) InstalledVersion(name string) (*fmri.FMRI, error) {
	stemDir := filepath.Join(s.dir, pkgDir, fmri.Escape(name))
	entries, err := s.fs.ReadDir(stemDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
	}

	var best *fmri.FMRI
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.fs.Stat(filepath.Join(stemDir, e.Name(), installedFile)); err != nil {
			continue
		}
		ver, err := fmri.Unescape(e.Name())
		if err != nil {
			continue
		}
		f, err := fmri.New(name, ver)
		if err != nil {
			continue
		}
		if best == nil || best.Less(f) {
			best = f
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	return best, nil
}

func (s *FSStore) LinkIndex(index, value string, f *fmri.FMRI) error {
	value, err := cleanIndexValue(value)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.dir, indexDir, index, filepath.FromSlash(value))
	if err := s.fs.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create index directory %s: %w", dir, err)
	}
	link := filepath.Join(dir, f.URLPath())
	if _, err := s.fs.Lstat(link); err == nil {
		return nil
	}
	if err := s.fs.Symlink(IndexTarget(value, f), link); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to link %s into index %s: %w", f, index, err)
	}
	return nil
}

func (s *FSStore) IndexEntries(index, value string) ([]IndexEntry, error) {
	value, err := cleanIndexValue(value)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dir, indexDir, index, filepath.FromSlash(value))
	entries, err := s.fs.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", index, err)
	}
	var out []IndexEntry
	for _, e := range entries {
		if e.Mode()&fs.ModeSymlink == 0 {
			continue
		}
		target, err := s.fs.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read index entry %s: %w", e.Name(), err)
		}
		out = append(out, IndexEntry{Name: e.Name(), Target: target})
	}
	sortEntries(out)
	return out, nil
}

// IndexTarget returns the relative link target for f stored under value:
// three levels up to the state directory plus one per '/' in value.
func IndexTarget(value string, f *fmri.FMRI) string {
	up := 3 + strings.Count(value, "/")
	return strings.Repeat("../", up) + pkgDir + "/" + f.DirPath()
}

// cleanIndexValue strips surrounding slashes and rejects values whose
// segments would move the link outside its bucket.
func cleanIndexValue(value string) (string, error) {
	v := strings.Trim(value, "/")
	if v == "" {
		return "", fmt.Errorf("empty index value %q", value)
	}
	for _, seg := range strings.Split(v, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid index value %q", value)
		}
	}
	return v, nil
}

func sortEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
