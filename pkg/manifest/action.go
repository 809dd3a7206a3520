// Package manifest defines the action contract used by package plans and the
// Manifest type: an immutable set of actions that can be filtered, checked for
// duplicates and diffed against another manifest.
package manifest

import (
	"context"
	"maps"
	"slices"
	"sort"
)

// Image is the part of an image that action hooks need.
type Image interface {
	Root() string
	IsLiveRoot() bool
}

// Callback is a zero-argument hook registered as an attribute value.
type Callback func(ctx context.Context) error

// Value is an attribute value: either a list of strings or a callback.
type Value struct {
	strs []string
	cb   Callback
}

// Strings returns a string-list value.
func Strings(vs ...string) Value {
	return Value{strs: slices.Clone(vs)}
}

// Func returns a callback value.
func Func(cb Callback) Value {
	return Value{cb: cb}
}

// IsCallback reports whether the value holds a callback.
func (v Value) IsCallback() bool { return v.cb != nil }

// Callback returns the callback, or nil for string values.
func (v Value) Callback() Callback { return v.cb }

// Values returns a copy of the string values.
func (v Value) Values() []string { return slices.Clone(v.strs) }

// First returns the first string value, or "".
func (v Value) First() string {
	if len(v.strs) == 0 {
		return ""
	}
	return v.strs[0]
}

// Contains reports whether s is one of the string values.
func (v Value) Contains(s string) bool {
	return slices.Contains(v.strs, s)
}

// Attributes maps attribute names to values.
type Attributes map[string]Value

// Has reports whether the attribute is present.
func (a Attributes) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Get returns the first string value of an attribute.
func (a Attributes) Get(name string) string {
	return a[name].First()
}

// Strings returns the string values of an attribute.
func (a Attributes) Strings(name string) []string {
	return a[name].Values()
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares the string content of two attribute maps. Value order is
// ignored; callbacks compare equal when both sides hold one.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || av.IsCallback() != bv.IsCallback() {
			return false
		}
		if av.IsCallback() {
			continue
		}
		x, y := av.Values(), bv.Values()
		sort.Strings(x)
		sort.Strings(y)
		if !slices.Equal(x, y) {
			return false
		}
	}
	return true
}

// Action is one unit of package content with lifecycle hooks.
//
// prior is the action being replaced on update, nil on fresh install.
type Action interface {
	// Name is the action type, e.g. "file" or "depend".
	Name() string
	// KeyAttr names the attribute that identifies the action in a manifest.
	KeyAttr() string
	// Key is the value of the key attribute.
	Key() string
	Attributes() Attributes

	Preinstall(ctx context.Context, img Image, prior Action) error
	Install(ctx context.Context, img Image, prior Action) error
	Postinstall(ctx context.Context, img Image, prior Action) error
	Preremove(ctx context.Context, img Image) error
	Remove(ctx context.Context, img Image) error
	Postremove(ctx context.Context, img Image) error

	// GenerateIndices maps index names to values under which the owning
	// package is linked.
	GenerateIndices() map[string][]string
}

// ID returns "type key", the identity used for duplicate detection and
// diffing.
func ID(a Action) string {
	return a.Name() + " " + a.Key()
}

// Differs reports whether b would replace a with different content. The
// index values an action generates count as content, so a change that only
// moves the package to other index buckets still yields an update.
func Differs(a, b Action) bool {
	return a.Name() != b.Name() ||
		!a.Attributes().Equal(b.Attributes()) ||
		!indicesEqual(a.GenerateIndices(), b.GenerateIndices())
}

func indicesEqual(a, b map[string][]string) bool {
	return maps.EqualFunc(a, b, func(x, y []string) bool {
		x, y = slices.Clone(x), slices.Clone(y)
		slices.Sort(x)
		slices.Sort(y)
		return slices.Equal(x, y)
	})
}
