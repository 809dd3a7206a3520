package manifest

import (
	"sort"

	"github.com/openfroyo/froyopkg/pkg/engine"
)

// Predicate decides whether an action survives filtering.
type Predicate interface {
	Match(a Action) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(a Action) bool

// Match implements Predicate.
func (f PredicateFunc) Match(a Action) bool { return f(a) }

// Manifest is an immutable collection of actions. A nil *Manifest behaves as
// the null manifest.
type Manifest struct {
	actions []Action
}

// New returns a manifest holding actions in the given order.
func New(actions ...Action) *Manifest {
	m := &Manifest{actions: make([]Action, len(actions))}
	copy(m.actions, actions)
	return m
}

// Null returns the empty manifest.
func Null() *Manifest {
	return &Manifest{}
}

// Actions returns the actions in manifest order.
func (m *Manifest) Actions() []Action {
	if m == nil {
		return nil
	}
	out := make([]Action, len(m.actions))
	copy(out, m.actions)
	return out
}

// Len returns the number of actions.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.actions)
}

// Lookup returns the first action with the given type and key.
func (m *Manifest) Lookup(name, key string) (Action, bool) {
	if m == nil {
		return nil, false
	}
	for _, a := range m.actions {
		if a.Name() == name && a.Key() == key {
			return a, true
		}
	}
	return nil, false
}

// Filter returns a manifest without the actions rejected by any predicate.
func (m *Manifest) Filter(preds ...Predicate) *Manifest {
	out := &Manifest{}
	if m == nil {
		return out
	}
	for _, a := range m.actions {
		keep := true
		for _, p := range preds {
			if !p.Match(a) {
				keep = false
				break
			}
		}
		if keep {
			out.actions = append(out.actions, a)
		}
	}
	return out
}

// Duplicates lists action identities that occur more than once, sorted by
// type and key.
func (m *Manifest) Duplicates() []engine.Duplicate {
	if m == nil {
		return nil
	}
	type ident struct{ name, key string }
	counts := make(map[ident]int)
	for _, a := range m.actions {
		counts[ident{a.Name(), a.Key()}]++
	}

	var dups []engine.Duplicate
	for id, n := range counts {
		if n > 1 {
			dups = append(dups, engine.Duplicate{Name: id.name, Key: id.key, Count: n})
		}
	}
	sort.Slice(dups, func(i, j int) bool {
		if dups[i].Name != dups[j].Name {
			return dups[i].Name < dups[j].Name
		}
		return dups[i].Key < dups[j].Key
	})
	return dups
}

// Pair is one step of a plan: Src is the origin action (nil on install),
// Dest the destination action (nil on removal).
type Pair struct {
	Src  Action
	Dest Action
}

// IsInstall reports a fresh install of Dest.
func (p Pair) IsInstall() bool { return p.Src == nil && p.Dest != nil }

// IsRemoval reports removal of Src.
func (p Pair) IsRemoval() bool { return p.Src != nil && p.Dest == nil }

// IsUpdate reports Src being replaced by Dest.
func (p Pair) IsUpdate() bool { return p.Src != nil && p.Dest != nil }

// Action returns Dest, or Src for removals.
func (p Pair) Action() Action {
	if p.Dest != nil {
		return p.Dest
	}
	return p.Src
}

// Difference computes the steps that turn origin into m. Destination actions
// that are absent from origin or differ from the origin action with the same
// identity are paired with that origin action; origin actions with no
// counterpart in m are paired with a nil destination.
//
// Removals come first, then installs and updates. Each group is sorted by
// action type and key.
func (m *Manifest) Difference(origin *Manifest) []Pair {
	byID := make(map[string]Action, origin.Len())
	for _, a := range origin.Actions() {
		if _, seen := byID[ID(a)]; !seen {
			byID[ID(a)] = a
		}
	}

	var removals, changes []Pair
	destIDs := make(map[string]struct{}, m.Len())
	for _, d := range m.Actions() {
		id := ID(d)
		destIDs[id] = struct{}{}
		src, ok := byID[id]
		switch {
		case !ok:
			changes = append(changes, Pair{Dest: d})
		case Differs(src, d):
			changes = append(changes, Pair{Src: src, Dest: d})
		}
	}
	for _, o := range origin.Actions() {
		if _, ok := destIDs[ID(o)]; !ok {
			removals = append(removals, Pair{Src: o})
			destIDs[ID(o)] = struct{}{}
		}
	}

	sortPairs(removals)
	sortPairs(changes)
	return append(removals, changes...)
}

func sortPairs(pairs []Pair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i].Action(), pairs[j].Action()
		if a.Name() != b.Name() {
			return a.Name() < b.Name()
		}
		return a.Key() < b.Key()
	})
}
