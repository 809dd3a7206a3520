// Package image models the target image of a transaction: its root
// directory, its install-state directory and the store recording which
// package versions are installed.
package image

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/openfroyo/froyopkg/pkg/fmri"
	"github.com/openfroyo/froyopkg/pkg/manifest"
)

// DefaultStateDir is the install-state directory relative to the image root.
const DefaultStateDir = "var/pkg"

// ManifestSource retrieves the manifest of an installed or available
// package version.
type ManifestSource interface {
	Manifest(ctx context.Context, f *fmri.FMRI) (*manifest.Manifest, error)
}

// Image is the root of a filesystem image managed by the engine.
type Image struct {
	root      string
	stateDir  string
	liveRoot  bool
	fs        FS
	store     StateStore
	manifests ManifestSource
}

// Option configures an Image.
type Option func(*Image)

// WithStateDir overrides the install-state directory. Relative paths are
// taken relative to the image root.
func WithStateDir(dir string) Option {
	return func(img *Image) {
		img.stateDir = dir
	}
}

// WithLiveRoot marks whether the image is the running system.
func WithLiveRoot(live bool) Option {
	return func(img *Image) {
		img.liveRoot = live
	}
}

// WithStore replaces the default filesystem store.
func WithStore(s StateStore) Option {
	return func(img *Image) {
		img.store = s
	}
}

// WithFS keeps the default FSStore on fsys instead of the local
// filesystem. It has no effect together with WithStore.
func WithFS(fsys FS) Option {
	return func(img *Image) {
		img.fs = fsys
	}
}

// WithManifestSource sets where installed manifests are read from.
func WithManifestSource(src ManifestSource) Option {
	return func(img *Image) {
		img.manifests = src
	}
}

// New returns an image rooted at root. By default the image is the live root
// when root is "/", and install state is kept in an FSStore under
// root/var/pkg.
func New(root string, opts ...Option) *Image {
	img := &Image{
		root:     filepath.Clean(root),
		stateDir: DefaultStateDir,
	}
	img.liveRoot = img.root == string(filepath.Separator)
	for _, opt := range opts {
		opt(img)
	}
	if !filepath.IsAbs(img.stateDir) {
		img.stateDir = filepath.Join(img.root, img.stateDir)
	}
	if img.fs == nil {
		img.fs = OSFS{}
	}
	if img.store == nil {
		img.store = NewFSStoreOn(img.fs, img.stateDir)
	}
	return img
}

// Root returns the image root directory.
func (img *Image) Root() string { return img.root }

// StateDir returns the install-state directory.
func (img *Image) StateDir() string { return img.stateDir }

// IsLiveRoot reports whether the image is the running system.
func (img *Image) IsLiveRoot() bool { return img.liveRoot }

// Store returns the install-state store.
func (img *Image) Store() StateStore { return img.store }

// Manifest returns the manifest for f from the configured source.
func (img *Image) Manifest(ctx context.Context, f *fmri.FMRI) (*manifest.Manifest, error) {
	if img.manifests == nil {
		return nil, fmt.Errorf("no manifest source configured for image %s", img.root)
	}
	return img.manifests.Manifest(ctx, f)
}

// HasManifestSource reports whether installed manifests can be retrieved.
func (img *Image) HasManifestSource() bool { return img.manifests != nil }

// MapSource is an in-memory ManifestSource keyed by FMRI string.
type MapSource struct {
	mu        sync.RWMutex
	manifests map[string]*manifest.Manifest
}

// NewMapSource returns an empty MapSource.
func NewMapSource() *MapSource {
	return &MapSource{manifests: make(map[string]*manifest.Manifest)}
}

// Add registers the manifest of f.
func (s *MapSource) Add(f *fmri.FMRI, m *manifest.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[f.String()] = m
}

// Manifest implements ManifestSource.
func (s *MapSource) Manifest(_ context.Context, f *fmri.FMRI) (*manifest.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[f.String()]
	if !ok {
		return nil, fmt.Errorf("manifest for %s: %w", f, ErrNotFound)
	}
	return m, nil
}
