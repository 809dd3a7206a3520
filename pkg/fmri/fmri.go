// Package fmri implements package identities: a package name plus a version
// that is totally ordered among versions of the same package.
//
// The textual form is
//
//	pkg://publisher/name@release,build-branch:timestamp
//
// where the scheme, publisher, build, branch and timestamp are optional.
package fmri

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	scheme    = "pkg:"
	timeStamp = "20060102T150405Z"
)

// FMRI identifies a package and, optionally, one of its versions.
// Values are immutable.
type FMRI struct {
	publisher string
	name      string
	version   *Version
}

// New builds an FMRI from a name and an optional version string.
func New(name, version string) (*FMRI, error) {
	if name == "" {
		return nil, fmt.Errorf("fmri: empty package name")
	}
	f := &FMRI{name: name}
	if version != "" {
		v, err := ParseVersion(version)
		if err != nil {
			return nil, err
		}
		f.version = v
	}
	return f, nil
}

// Parse parses the textual form of a package identity.
func Parse(s string) (*FMRI, error) {
	rest := strings.TrimSpace(s)
	f := &FMRI{}

	switch {
	case strings.HasPrefix(rest, scheme+"//"):
		rest = strings.TrimPrefix(rest, scheme+"//")
		i := strings.IndexByte(rest, '/')
		if i <= 0 {
			return nil, fmt.Errorf("fmri %q: missing publisher", s)
		}
		f.publisher, rest = rest[:i], rest[i+1:]
	case strings.HasPrefix(rest, scheme+"/"):
		rest = strings.TrimPrefix(rest, scheme+"/")
	case strings.HasPrefix(rest, scheme):
		rest = strings.TrimPrefix(rest, scheme)
	}

	name, ver, hasVersion := strings.Cut(rest, "@")
	if name == "" {
		return nil, fmt.Errorf("fmri %q: empty package name", s)
	}
	f.name = name
	if hasVersion {
		v, err := ParseVersion(ver)
		if err != nil {
			return nil, fmt.Errorf("fmri %q: %w", s, err)
		}
		f.version = v
	}
	return f, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *FMRI {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Publisher returns the publisher prefix, which may be empty.
func (f *FMRI) Publisher() string { return f.publisher }

// Name returns the package name.
func (f *FMRI) Name() string { return f.name }

// Version returns the version, or nil when the identity is unversioned.
func (f *FMRI) Version() *Version { return f.version }

// HasVersion reports whether the identity names a specific version.
func (f *FMRI) HasVersion() bool { return f.version != nil }

// WithVersion returns a copy of f carrying version v.
func (f *FMRI) WithVersion(v *Version) *FMRI {
	c := *f
	c.version = v
	return &c
}

// Stem returns the unversioned identity, e.g. "pkg:/web/server".
func (f *FMRI) Stem() string {
	return scheme + "/" + f.name
}

func (f *FMRI) String() string {
	var b strings.Builder
	if f.publisher != "" {
		b.WriteString(scheme + "//" + f.publisher + "/")
	} else {
		b.WriteString(scheme + "/")
	}
	b.WriteString(f.name)
	if f.version != nil {
		b.WriteByte('@')
		b.WriteString(f.version.String())
	}
	return b.String()
}

// IsSamePackage reports whether f and other name the same package,
// regardless of version.
func (f *FMRI) IsSamePackage(other *FMRI) bool {
	if f == nil || other == nil {
		return false
	}
	return f.name == other.name
}

// Equal reports whether f and other name the same package and version.
func (f *FMRI) Equal(other *FMRI) bool {
	return f.IsSamePackage(other) && f.Compare(other) == 0
}

// Compare orders identities by name and then by version. An unversioned
// identity sorts before any versioned one.
func (f *FMRI) Compare(other *FMRI) int {
	if c := strings.Compare(f.name, other.name); c != 0 {
		return c
	}
	switch {
	case f.version == nil && other.version == nil:
		return 0
	case f.version == nil:
		return -1
	case other.version == nil:
		return 1
	}
	return f.version.Compare(other.version)
}

// Less reports whether f sorts before other.
func (f *FMRI) Less(other *FMRI) bool { return f.Compare(other) < 0 }

// DirPath is the filesystem-safe path segment "name/version" used for the
// package's install-state directory.
func (f *FMRI) DirPath() string {
	return Escape(f.name) + "/" + Escape(f.versionString())
}

// URLPath is the single URL-encoded segment "name@version".
func (f *FMRI) URLPath() string {
	return Escape(f.name) + "@" + Escape(f.versionString())
}

func (f *FMRI) versionString() string {
	if f.version == nil {
		return ""
	}
	return f.version.String()
}

// Escape encodes s as a single path segment: every character outside
// [A-Za-z0-9_.~-] is percent-encoded, including '/'.
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	return url.PathUnescape(s)
}
