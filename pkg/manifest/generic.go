package manifest

import (
	"context"
	"path"

	"github.com/rs/zerolog"
)

// DefaultKeyAttrs maps well-known action types to their key attribute.
var DefaultKeyAttrs = map[string]string{
	"file":     "path",
	"dir":      "path",
	"link":     "path",
	"hardlink": "path",
	"depend":   "fmri",
	"driver":   "name",
	"group":    "groupname",
	"user":     "username",
	"license":  "license",
	"legacy":   "pkg",
	"set":      "name",
}

// Generic is a declarative action: it carries attributes and index values
// but does not touch the image. Lifecycle hooks only log.
type Generic struct {
	Type    string
	KeyName string
	Attrs   Attributes
	Indices map[string][]string
}

// NewGeneric builds a Generic action. An empty keyAttr selects the default key
// attribute for the type, falling back to "name".
func NewGeneric(typ, keyAttr string, attrs Attributes) *Generic {
	if keyAttr == "" {
		keyAttr = DefaultKeyAttrs[typ]
	}
	if keyAttr == "" {
		keyAttr = "name"
	}
	if attrs == nil {
		attrs = Attributes{}
	}
	return &Generic{Type: typ, KeyName: keyAttr, Attrs: attrs}
}

func (g *Generic) Name() string           { return g.Type }
func (g *Generic) KeyAttr() string        { return g.KeyName }
func (g *Generic) Key() string            { return g.Attrs.Get(g.KeyName) }
func (g *Generic) Attributes() Attributes { return g.Attrs }

func (g *Generic) Preinstall(ctx context.Context, img Image, prior Action) error  { return nil }
func (g *Generic) Postinstall(ctx context.Context, img Image, prior Action) error { return nil }
func (g *Generic) Preremove(ctx context.Context, img Image) error                 { return nil }
func (g *Generic) Postremove(ctx context.Context, img Image) error                { return nil }

func (g *Generic) Install(ctx context.Context, img Image, prior Action) error {
	ev := zerolog.Ctx(ctx).Debug().
		Str("action", ID(g)).
		Str("root", img.Root())
	if prior != nil {
		ev = ev.Str("replaces", ID(prior))
	}
	ev.Msg("Installing action")
	return nil
}

func (g *Generic) Remove(ctx context.Context, img Image) error {
	zerolog.Ctx(ctx).Debug().
		Str("action", ID(g)).
		Str("root", img.Root()).
		Msg("Removing action")
	return nil
}

// GenerateIndices returns the declared indices, or for actions with a path
// attribute, "basename" and "path" entries.
func (g *Generic) GenerateIndices() map[string][]string {
	if g.Indices != nil {
		return g.Indices
	}
	p := g.Attrs.Get("path")
	if p == "" {
		return nil
	}
	return map[string][]string{
		"basename": {path.Base(p)},
		"path":     {p},
	}
}
