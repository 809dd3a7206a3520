package filter

import (
	"testing"

	"github.com/openfroyo/froyopkg/pkg/manifest"
)

func action(kv ...string) manifest.Action {
	attrs := manifest.Attributes{"path": manifest.Strings("usr/bin/x")}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = manifest.Strings(kv[i+1])
	}
	return manifest.NewGeneric("file", "", attrs)
}

func TestCompileRejectsUnsupportedSyntax(t *testing.T) {
	bad := []string{
		"",
		"arch",
		`arch == "i386" +`,
		`len(arch) == 1`,
		`arch < "z"`,
		`arch == "a" if True else False`,
		`arch in [x]`,
		`arch[0] == "i"`,
		`-1 == arch`,
	}
	for _, src := range bad {
		if _, err := Compile(src); err == nil {
			t.Errorf("Compile(%q) succeeded, want error", src)
		}
	}
}

func TestCompileCollectsAttributes(t *testing.T) {
	f := MustCompile(`variant.opensolaris.zone != "nonglobal" and (arch == "i386" or arch == "amd64")`)
	got := f.Attributes()
	if len(got) != 2 || got[0] != "arch" || got[1] != "variant.opensolaris.zone" {
		t.Errorf("Attributes() = %v", got)
	}
	if f.Source() == "" {
		t.Error("expected source text to be kept")
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		action manifest.Action
		want   bool
	}{
		{"equal", `arch == "i386"`, action("arch", "i386"), true},
		{"not equal", `arch == "i386"`, action("arch", "sparc"), false},
		{"neq", `arch != "sparc"`, action("arch", "i386"), true},
		{"dotted", `variant.opensolaris.zone == "global"`, action("variant.opensolaris.zone", "global"), true},
		{"in list", `locale in ["de", "fr"]`, action("locale", "fr"), true},
		{"not in tuple", `locale not in ("de", "fr")`, action("locale", "fr"), false},
		{"membership", `"debug" in facet`, action("facet", "debug"), true},
		{"and short circuit", `arch == "sparc" and zone == "global"`, action("arch", "i386", "zone", "global"), false},
		{"or", `arch == "sparc" or arch == "i386"`, action("arch", "i386"), true},
		{"not", `not arch == "i386"`, action("arch", "i386"), false},
		{"int literal", `bits == 64`, action("bits", "64"), true},
		{"missing attribute passes", `arch == "sparc"`, action(), true},
		{"missing on second operand passes", `arch == "i386" and zone == "global"`, action("arch", "i386"), true},
		{"missing after false operand passes", `zone == "global" and arch == "sparc"`, action("zone", "nonglobal"), true},
		{"missing before false operand passes", `arch == "sparc" and zone == "global"`, action("zone", "nonglobal"), true},
		{"missing under not passes", `not (arch == "sparc") and zone == "global"`, action("zone", "nonglobal"), true},
		{"missing after true or operand passes", `zone == "nonglobal" or arch == "sparc"`, action("zone", "global"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := MustCompile(tt.filter)
			if got := f.Match(tt.action); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultiValuedAttribute(t *testing.T) {
	a := manifest.NewGeneric("file", "", manifest.Attributes{
		"path": manifest.Strings("x"),
		"arch": manifest.Strings("i386", "amd64"),
	})
	if !MustCompile(`arch == "amd64"`).Match(a) {
		t.Error("expected any-value equality to match")
	}
	if MustCompile(`arch != "amd64"`).Match(a) {
		t.Error("expected inequality to fail when any value matches")
	}
}

func TestFilterManifest(t *testing.T) {
	m := manifest.New(
		action("path", "a", "arch", "i386"),
		action("path", "b", "arch", "sparc"),
		action("path", "c"),
	)
	filters, err := CompileAll([]string{`arch == "i386"`, "  "})
	if err != nil {
		t.Fatalf("CompileAll() failed: %v", err)
	}
	if len(filters) != 1 {
		t.Fatalf("expected blank lines to be skipped, got %d filters", len(filters))
	}

	got := m.Filter(Predicates(filters)...)
	if got.Len() != 2 {
		t.Fatalf("expected 2 actions, got %d", got.Len())
	}
	if _, ok := got.Lookup("file", "b"); ok {
		t.Error("sparc action should be filtered out")
	}
	if srcs := Sources(filters); len(srcs) != 1 || srcs[0] != `arch == "i386"` {
		t.Errorf("Sources() = %v", srcs)
	}
}
