package manifest

import (
	"context"
	"strings"
	"testing"
)

func file(path string, extra ...string) *Generic {
	attrs := Attributes{"path": Strings(path)}
	for i := 0; i+1 < len(extra); i += 2 {
		attrs[extra[i]] = Strings(extra[i+1])
	}
	return NewGeneric("file", "", attrs)
}

func pairIDs(pairs []Pair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		prefix := "update"
		switch {
		case p.IsInstall():
			prefix = "install"
		case p.IsRemoval():
			prefix = "remove"
		}
		out = append(out, prefix+":"+ID(p.Action()))
	}
	return out
}

func TestDifference(t *testing.T) {
	tests := []struct {
		name   string
		origin *Manifest
		dest   *Manifest
		want   []string
	}{
		{
			name:   "fresh install",
			origin: nil,
			dest:   New(file("usr/bin/b"), file("usr/bin/a")),
			want:   []string{"install:file usr/bin/a", "install:file usr/bin/b"},
		},
		{
			name:   "removal",
			origin: New(file("etc/x"), NewGeneric("dir", "", Attributes{"path": Strings("etc")})),
			dest:   Null(),
			want:   []string{"remove:dir etc", "remove:file etc/x"},
		},
		{
			name:   "upgrade keeps identical actions out",
			origin: New(file("etc/a", "mode", "0644"), file("etc/b"), file("etc/gone")),
			dest:   New(file("etc/a", "mode", "0600"), file("etc/b"), file("etc/new")),
			want:   []string{"remove:file etc/gone", "update:file etc/a", "install:file etc/new"},
		},
		{
			name:   "identical manifests",
			origin: New(file("etc/a")),
			dest:   New(file("etc/a")),
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pairIDs(tt.dest.Difference(tt.origin))
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Difference() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDifferencePairsOriginAction(t *testing.T) {
	old := file("etc/a", "mode", "0644")
	updated := file("etc/a", "mode", "0600")
	pairs := New(updated).Difference(New(old))

	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].Src != old || pairs[0].Dest != updated {
		t.Error("update pair should reference the origin and destination actions")
	}
}

func TestDuplicates(t *testing.T) {
	m := New(file("etc/a"), file("etc/a", "mode", "0600"), file("etc/b"),
		NewGeneric("link", "", Attributes{"path": Strings("etc/b")}))

	dups := m.Duplicates()
	if len(dups) != 1 {
		t.Fatalf("expected 1 duplicate, got %v", dups)
	}
	if dups[0].Name != "file" || dups[0].Key != "etc/a" || dups[0].Count != 2 {
		t.Errorf("unexpected duplicate %+v", dups[0])
	}
	if Null().Duplicates() != nil {
		t.Error("null manifest should have no duplicates")
	}
}

func TestFilter(t *testing.T) {
	m := New(file("a", "arch", "i386"), file("b", "arch", "sparc"), file("c"))
	notSparc := PredicateFunc(func(a Action) bool {
		return a.Attributes().Get("arch") != "sparc"
	})

	got := m.Filter(notSparc)
	if got.Len() != 2 {
		t.Fatalf("expected 2 actions after filtering, got %d", got.Len())
	}
	if _, ok := got.Lookup("file", "b"); ok {
		t.Error("sparc action should have been filtered")
	}
	if m.Len() != 3 {
		t.Error("Filter must not modify the receiver")
	}
	if m.Filter().Len() != 3 {
		t.Error("Filter without predicates should keep everything")
	}
}

func TestAttributesEqual(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		a, b Attributes
		want bool
	}{
		{"same", Attributes{"x": Strings("1")}, Attributes{"x": Strings("1")}, true},
		{"order ignored", Attributes{"x": Strings("1", "2")}, Attributes{"x": Strings("2", "1")}, true},
		{"different value", Attributes{"x": Strings("1")}, Attributes{"x": Strings("2")}, false},
		{"missing key", Attributes{"x": Strings("1")}, Attributes{"y": Strings("1")}, false},
		{"callback vs string", Attributes{"x": Func(noop)}, Attributes{"x": Strings("1")}, false},
		{"callbacks", Attributes{"x": Func(noop)}, Attributes{"x": Func(noop)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenericIndices(t *testing.T) {
	g := file("usr/lib/libc.so.1")
	idx := g.GenerateIndices()
	if idx["basename"][0] != "libc.so.1" || idx["path"][0] != "usr/lib/libc.so.1" {
		t.Errorf("unexpected indices %v", idx)
	}

	dep := NewGeneric("depend", "", Attributes{"fmri": Strings("pkg:/a@1")})
	if dep.Key() != "pkg:/a@1" || dep.GenerateIndices() != nil {
		t.Errorf("unexpected depend action %s %v", dep.Key(), dep.GenerateIndices())
	}
}

func TestDifferenceSeesIndexChanges(t *testing.T) {
	withIndex := func(value string) *Generic {
		g := NewGeneric("set", "name", Attributes{"name": Strings("pkg.summary"), "value": Strings("web")})
		g.Indices = map[string][]string{"summary": {value}}
		return g
	}

	origin := New(withIndex("web"))
	if pairs := New(withIndex("web")).Difference(origin); len(pairs) != 0 {
		t.Errorf("identical indices produced %d pairs", len(pairs))
	}
	pairs := New(withIndex("httpd")).Difference(origin)
	if len(pairs) != 1 || pairs[0].Src == nil || pairs[0].Dest == nil {
		t.Fatalf("index-only change produced %+v, want one update pair", pairs)
	}
	if got := pairs[0].Dest.GenerateIndices()["summary"]; len(got) != 1 || got[0] != "httpd" {
		t.Errorf("destination indices = %v", got)
	}
}

func TestParseDocument(t *testing.T) {
	src := `
fmri: pkg:/web/server@1.0
actions:
  - type: file
    attrs:
      path: etc/web.conf
      restart_fmri: [svc:/network/http:default, svc:/network/http:alt]
  - type: depend
    attrs:
      fmri: pkg:/library/libc@1.0
      type: require
  - type: set
    attrs:
      name: pkg.summary
      value: Web server
    indices:
      summary: [web]
`
	f, m, err := ParseDocument([]byte(src))
	if err != nil {
		t.Fatalf("ParseDocument() failed: %v", err)
	}
	if f.String() != "pkg:/web/server@1.0" {
		t.Errorf("fmri = %s", f)
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 actions, got %d", m.Len())
	}
	conf, ok := m.Lookup("file", "etc/web.conf")
	if !ok {
		t.Fatal("file action not found")
	}
	if got := conf.Attributes().Strings("restart_fmri"); len(got) != 2 {
		t.Errorf("restart_fmri = %v", got)
	}
	set, _ := m.Lookup("set", "pkg.summary")
	if set == nil || set.GenerateIndices()["summary"][0] != "web" {
		t.Error("declared indices not carried over")
	}
}

func TestParseDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no fmri", "actions: []", "no fmri"},
		{"no version", "fmri: pkg:/web", "no version"},
		{"missing key", "fmri: pkg:/web@1\nactions:\n  - type: file\n    attrs: {mode: '0644'}", "missing key attribute"},
		{"missing type", "fmri: pkg:/web@1\nactions:\n  - attrs: {path: a}", "missing type"},
		{"nested value", "fmri: pkg:/web@1\nactions:\n  - type: file\n    attrs: {path: {a: b}}", "string or list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseDocument([]byte(tt.src))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseDocument() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
