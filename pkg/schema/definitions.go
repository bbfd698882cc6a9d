package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Definitions is the literal schema input: category name to definition.
type Definitions map[string]CategoryDefinition

// CategoryDefinition declares the fields, flags and keys of one category.
type CategoryDefinition struct {
	Fields FieldDefinitions `json:"fields" yaml:"fields"`
	Flags  []string         `json:"flags,omitempty" yaml:"flags,omitempty"`
	Keys   []string         `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// FieldDefinitions keeps fields in declaration order. It decodes from a JSON
// or YAML mapping and encodes as an ordered list.
type FieldDefinitions []NamedFieldDefinition

// NamedFieldDefinition pairs a field name with its definition.
type NamedFieldDefinition struct {
	Name            string `json:"name" yaml:"name"`
	FieldDefinition `yaml:",inline"`
}

// FieldDefinition is the raw, untyped declaration of a field.
type FieldDefinition struct {
	Type       string     `json:"type" yaml:"type"`
	Required   bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Regex      string     `json:"regex,omitempty" yaml:"regex,omitempty"`
	Options    []string   `json:"options,omitempty" yaml:"options,omitempty"`
	Default    Scalar     `json:"default,omitempty" yaml:"default,omitempty"`
	Source     string     `json:"source,omitempty" yaml:"source,omitempty"`
	Cat        StringList `json:"cat,omitempty" yaml:"cat,omitempty"`
	Target     string     `json:"target,omitempty" yaml:"target,omitempty"`
	ChildCat   string     `json:"childcat,omitempty" yaml:"childcat,omitempty"`
	ChildField string     `json:"childfield,omitempty" yaml:"childfield,omitempty"`
}

// Field appends a named definition; handy for building definitions in code.
func (f FieldDefinitions) Field(name string, def FieldDefinition) FieldDefinitions {
	return append(f, NamedFieldDefinition{Name: name, FieldDefinition: def})
}

// UnmarshalYAML decodes a mapping node preserving key order.
func (f *FieldDefinitions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("fields: expected mapping, got %s", nodeKind(node))
	}
	out := make(FieldDefinitions, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var def FieldDefinition
		if err := node.Content[i+1].Decode(&def); err != nil {
			return fmt.Errorf("field %q: %w", node.Content[i].Value, err)
		}
		out = append(out, NamedFieldDefinition{Name: node.Content[i].Value, FieldDefinition: def})
	}
	*f = out
	return nil
}

// UnmarshalJSON decodes an object preserving key order.
func (f *FieldDefinitions) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("fields: expected object")
	}
	var out FieldDefinitions
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("fields: expected field name")
		}
		var def FieldDefinition
		if err := dec.Decode(&def); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		out = append(out, NamedFieldDefinition{Name: name, FieldDefinition: def})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}

// Scalar holds a default that may be written as a string, number or bool.
type Scalar string

// UnmarshalYAML accepts any scalar node.
func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("default: expected scalar, got %s", nodeKind(node))
	}
	*s = Scalar(node.Value)
	return nil
}

// UnmarshalJSON accepts strings, numbers and booleans.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return fmt.Errorf("default: expected scalar")
	}
	*s = Scalar(data)
	return nil
}

// StringList accepts either a single string or a list of strings.
type StringList []string

// UnmarshalYAML accepts a scalar or a sequence.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("cat: expected string or list, got %s", nodeKind(node))
	}
}

// UnmarshalJSON accepts a string or an array of strings.
func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
		} else {
			*l = StringList{s}
		}
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// Format names a definitions encoding.
type Format string

const (
	FormatJSON Format = "json" // JSON, comments and trailing commas allowed
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format by file extension; anything that is not
// .yaml or .yml is read as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes definitions from data.
func Parse(data []byte, format Format) (Definitions, error) {
	var defs Definitions
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("parse yaml definitions: %w", err)
		}
	case FormatJSON, "":
		if err := json.Unmarshal(jsonc.ToJSON(data), &defs); err != nil {
			return nil, fmt.Errorf("parse json definitions: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown definitions format %q", format)
	}
	return defs, nil
}

// LoadFile reads, parses and loads a definitions file.
func LoadFile(path string) (*Registry, error) {
	// #nosec G304 -- schema path is operator supplied configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	defs, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	return Load(defs)
}
