package fmri

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DotSequence is a dotted list of non-negative integers such as 5.11.0.
type DotSequence []uint64

// ParseDotSequence parses "1.2.3".
func ParseDotSequence(s string) (DotSequence, error) {
	if s == "" {
		return nil, fmt.Errorf("empty dot sequence")
	}
	parts := strings.Split(s, ".")
	seq := make(DotSequence, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid dot sequence %q", s)
		}
		seq = append(seq, n)
	}
	return seq, nil
}

func (d DotSequence) String() string {
	parts := make([]string, len(d))
	for i, n := range d {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ".")
}

// Compare orders sequences element by element; a proper prefix sorts first.
func (d DotSequence) Compare(o DotSequence) int {
	for i := 0; i < len(d) && i < len(o); i++ {
		switch {
		case d[i] < o[i]:
			return -1
		case d[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(d) < len(o):
		return -1
	case len(d) > len(o):
		return 1
	}
	return 0
}

// Version is release[,build][-branch][:timestamp].
type Version struct {
	Release   DotSequence
	Build     DotSequence
	Branch    DotSequence
	Timestamp string
}

// ParseVersion parses the version portion of an FMRI.
func ParseVersion(s string) (*Version, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	v := &Version{}
	rest := s

	if before, ts, ok := strings.Cut(rest, ":"); ok {
		if _, err := time.Parse(timeStamp, ts); err != nil {
			return nil, fmt.Errorf("invalid timestamp %q in version %q", ts, s)
		}
		v.Timestamp = ts
		rest = before
	}
	if before, branch, ok := strings.Cut(rest, "-"); ok {
		seq, err := ParseDotSequence(branch)
		if err != nil {
			return nil, fmt.Errorf("version %q: branch: %w", s, err)
		}
		v.Branch = seq
		rest = before
	}
	if before, build, ok := strings.Cut(rest, ","); ok {
		seq, err := ParseDotSequence(build)
		if err != nil {
			return nil, fmt.Errorf("version %q: build: %w", s, err)
		}
		v.Build = seq
		rest = before
	}
	seq, err := ParseDotSequence(rest)
	if err != nil {
		return nil, fmt.Errorf("version %q: release: %w", s, err)
	}
	v.Release = seq
	return v, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) *Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Version) String() string {
	var b strings.Builder
	b.WriteString(v.Release.String())
	if len(v.Build) > 0 {
		b.WriteString("," + v.Build.String())
	}
	if len(v.Branch) > 0 {
		b.WriteString("-" + v.Branch.String())
	}
	if v.Timestamp != "" {
		b.WriteString(":" + v.Timestamp)
	}
	return b.String()
}

// Time returns the parsed timestamp, or the zero time when there is none.
func (v *Version) Time() time.Time {
	if v.Timestamp == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeStamp, v.Timestamp)
	return t
}

// Compare orders versions by release, then branch, then timestamp. The build
// release does not take part in ordering.
func (v *Version) Compare(o *Version) int {
	if c := v.Release.Compare(o.Release); c != 0 {
		return c
	}
	if c := v.Branch.Compare(o.Branch); c != 0 {
		return c
	}
	return strings.Compare(v.Timestamp, o.Timestamp)
}
