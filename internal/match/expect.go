// Package match decides whether the textual form of a packet satisfies an
// expected set of layer fields.
package match

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldSpec requires that field Key of a layer matches the regular expression
// Pattern. A Key starting with '*' matches a whole row instead of a field.
type FieldSpec struct {
	Key     string
	Pattern string
}

// IsRow reports whether f matches a whole row.
func (f FieldSpec) IsRow() bool {
	return strings.HasPrefix(f.Key, "*")
}

// LayerSpec groups the field requirements of one layer.
type LayerSpec struct {
	Layer  string
	Fields []FieldSpec
}

// Expectation describes one expected packet. Layers and fields keep the order
// in which they were declared so that diagnostics are stable.
type Expectation []LayerSpec

// Layer builds a LayerSpec from alternating key/pattern pairs.
// A trailing key without pattern is ignored.
func Layer(name string, keyPatterns ...string) LayerSpec {
	ls := LayerSpec{Layer: name}
	for i := 0; i+1 < len(keyPatterns); i += 2 {
		ls.Fields = append(ls.Fields, FieldSpec{Key: keyPatterns[i], Pattern: keyPatterns[i+1]})
	}
	return ls
}

// Legacy builds a LayerSpec from the dotted "Layer.Field" form.
func Legacy(dotted, pattern string) LayerSpec {
	return LayerSpec{Layer: dotted, Fields: []FieldSpec{{Pattern: pattern}}}
}

// Expect builds an Expectation from layer specs.
func Expect(layers ...LayerSpec) Expectation {
	return Expectation(layers).normalize()
}

func (e Expectation) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, ls := range e {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ls.Layer)
		b.WriteString(": {")
		for j, f := range ls.Fields {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", f.Key, f.Pattern)
		}
		b.WriteString("}")
	}
	b.WriteString("}")
	return b.String()
}

// normalize splits legacy "Layer.Field" layer names and merges layers that
// appear more than once, keeping first-seen order.
func (e Expectation) normalize() Expectation {
	out := make(Expectation, 0, len(e))
	index := make(map[string]int, len(e))
	for _, ls := range e {
		name := ls.Layer
		fields := ls.Fields
		if layer, field, ok := splitLegacy(name); ok && len(fields) == 1 && fields[0].Key == "" {
			name = layer
			fields = []FieldSpec{{Key: field, Pattern: fields[0].Pattern}}
		}
		if i, seen := index[name]; seen {
			out[i].Fields = append(out[i].Fields, fields...)
			continue
		}
		index[name] = len(out)
		out = append(out, LayerSpec{Layer: name, Fields: append([]FieldSpec(nil), fields...)})
	}
	return out
}

func splitLegacy(key string) (layer, field string, ok bool) {
	layer, field, ok = strings.Cut(key, ".")
	if !ok || layer == "" || field == "" {
		return "", "", false
	}
	return layer, field, true
}

// FromMap converts the loosely typed form used by test scripts:
//
//	{"WPAN": {"Command Identifier": "Beacon Request"}}
//	{"WPAN.Command Identifier": "Beacon Request"}   // legacy form
//
// Map iteration order is not defined in Go, so layers and fields are sorted
// by name.
func FromMap(m map[string]any) (Expectation, error) {
	layers := make([]string, 0, len(m))
	for k := range m {
		layers = append(layers, k)
	}
	sort.Strings(layers)

	var e Expectation
	for _, name := range layers {
		switch v := m[name].(type) {
		case string:
			if _, _, ok := splitLegacy(name); !ok {
				return nil, fmt.Errorf("expectation %q: field pattern without layer", name)
			}
			e = append(e, LayerSpec{Layer: name, Fields: []FieldSpec{{Pattern: v}}})
		case map[string]string:
			e = append(e, LayerSpec{Layer: name, Fields: sortedFields(v)})
		case map[string]any:
			fields := make(map[string]string, len(v))
			for k, p := range v {
				fields[k] = fmt.Sprint(p)
			}
			e = append(e, LayerSpec{Layer: name, Fields: sortedFields(fields)})
		default:
			return nil, fmt.Errorf("expectation %q: unsupported value type %T", name, v)
		}
	}
	return e.normalize(), nil
}

func sortedFields(m map[string]string) []FieldSpec {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]FieldSpec, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, FieldSpec{Key: k, Pattern: m[k]})
	}
	return fields
}

// LoadFile reads an expectation list from a YAML file.
func LoadFile(path string) ([]Expectation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expectation file %s: %w", path, err)
	}
	list, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expectation file %s: %w", path, err)
	}
	return list, nil
}

// ParseYAML parses an ordered expectation list. The document is a sequence of
// mappings; a single mapping is accepted as a one-element list. Key order in
// the document is preserved.
//
//	- IPV6:
//	    Destination: "fe80::1"
//	- WPAN.Command Identifier: "Beacon Request"
func ParseYAML(data []byte) ([]Expectation, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		list := make([]Expectation, 0, len(root.Content))
		for i, item := range root.Content {
			e, err := expectationFromNode(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			list = append(list, e)
		}
		return list, nil
	case yaml.MappingNode:
		e, err := expectationFromNode(root)
		if err != nil {
			return nil, err
		}
		return []Expectation{e}, nil
	default:
		return nil, fmt.Errorf("line %d: expected a sequence or mapping", root.Line)
	}
}

func expectationFromNode(n *yaml.Node) (Expectation, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of layers", n.Line)
	}
	var e Expectation
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			if _, _, ok := splitLegacy(key.Value); !ok {
				return nil, fmt.Errorf("line %d: field pattern without layer for %q", key.Line, key.Value)
			}
			e = append(e, LayerSpec{Layer: key.Value, Fields: []FieldSpec{{Pattern: val.Value}}})
		case yaml.MappingNode:
			ls := LayerSpec{Layer: key.Value}
			for j := 0; j+1 < len(val.Content); j += 2 {
				fk, fv := val.Content[j], val.Content[j+1]
				if fv.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("line %d: pattern for %q must be a scalar", fv.Line, fk.Value)
				}
				ls.Fields = append(ls.Fields, FieldSpec{Key: fk.Value, Pattern: fv.Value})
			}
			e = append(e, ls)
		default:
			return nil, fmt.Errorf("line %d: unsupported value for layer %q", val.Line, key.Value)
		}
	}
	return e.normalize(), nil
}
