package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyopkg/pkg/fmri"
)

// Document is the YAML form of a package manifest:
//
//	fmri: pkg:/web/server@1.0
//	actions:
//	  - type: file
//	    attrs:
//	      path: etc/web.conf
//	      restart_fmri: svc:/network/http:default
type Document struct {
	FMRI    string       `yaml:"fmri"`
	Actions []ActionSpec `yaml:"actions"`
}

// ActionSpec describes one action in a Document.
type ActionSpec struct {
	Type    string                `yaml:"type"`
	KeyAttr string                `yaml:"key,omitempty"`
	Attrs   map[string]StringList `yaml:"attrs"`
	Indices map[string][]string   `yaml:"indices,omitempty"`
}

// StringList decodes from either a scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("line %d: attribute value must be a string or list of strings", value.Line)
	}
}

// ParseDocument decodes a YAML manifest into its package identity and a
// Manifest of Generic actions.
func ParseDocument(data []byte) (*fmri.FMRI, *Manifest, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if doc.FMRI == "" {
		return nil, nil, fmt.Errorf("manifest has no fmri")
	}
	f, err := fmri.Parse(doc.FMRI)
	if err != nil {
		return nil, nil, err
	}
	if !f.HasVersion() {
		return nil, nil, fmt.Errorf("manifest fmri %s has no version", f)
	}

	actions := make([]Action, 0, len(doc.Actions))
	for i, spec := range doc.Actions {
		if spec.Type == "" {
			return nil, nil, fmt.Errorf("action %d: missing type", i)
		}
		attrs := make(Attributes, len(spec.Attrs))
		for k, v := range spec.Attrs {
			attrs[k] = Strings(v...)
		}
		g := NewGeneric(spec.Type, spec.KeyAttr, attrs)
		if !attrs.Has(g.KeyName) {
			return nil, nil, fmt.Errorf("action %d (%s): missing key attribute %q", i, spec.Type, g.KeyName)
		}
		g.Indices = spec.Indices
		actions = append(actions, g)
	}
	return f, New(actions...), nil
}

// LoadFile reads and decodes a YAML manifest from disk.
func LoadFile(path string) (*fmri.FMRI, *Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	f, m, err := ParseDocument(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, m, nil
}
