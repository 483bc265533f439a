package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TemplateFormatVersion is the only template format version the backend accepts.
const TemplateFormatVersion = "2010-09-09"

// Template is the desired-state document submitted with every change set.
// Resources keep the order in which they were first added so that the
// rendered body is stable between runs.
type Template struct {
	FormatVersion string
	Description   string

	order     []string
	resources map[string]ResourceDefinition
}

// NewTemplate returns an empty template.
func NewTemplate() *Template {
	return &Template{
		FormatVersion: TemplateFormatVersion,
		resources:     make(map[string]ResourceDefinition),
	}
}

// Set inserts or replaces the resource registered under name. A replaced
// resource keeps its original position.
func (t *Template) Set(name string, def ResourceDefinition) {
	if t.resources == nil {
		t.resources = make(map[string]ResourceDefinition)
	}
	if _, ok := t.resources[name]; !ok {
		t.order = append(t.order, name)
	}
	t.resources[name] = def
}

// Get returns the resource registered under name.
func (t *Template) Get(name string) (ResourceDefinition, bool) {
	def, ok := t.resources[name]
	return def, ok
}

// Delete removes name from the template and reports whether it was present.
func (t *Template) Delete(name string) bool {
	if _, ok := t.resources[name]; !ok {
		return false
	}
	delete(t.resources, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Names returns the logical names in insertion order.
func (t *Template) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of resources.
func (t *Template) Len() int {
	return len(t.order)
}

// Clone returns a deep enough copy for snapshotting: the resource map and
// order are copied, property bags are shared.
func (t *Template) Clone() *Template {
	c := &Template{
		FormatVersion: t.FormatVersion,
		Description:   t.Description,
		order:         make([]string, len(t.order)),
		resources:     make(map[string]ResourceDefinition, len(t.resources)),
	}
	copy(c.order, t.order)
	for k, v := range t.resources {
		c.resources[k] = v
	}
	return c
}

// MarshalJSON renders the template body. Resources are emitted in insertion
// order; property maps are emitted with sorted keys by encoding/json.
func (t *Template) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	version := t.FormatVersion
	if version == "" {
		version = TemplateFormatVersion
	}

	buf.WriteString(`{"AWSTemplateFormatVersion":`)
	if err := writeJSON(&buf, version); err != nil {
		return nil, err
	}
	if t.Description != "" {
		buf.WriteString(`,"Description":`)
		if err := writeJSON(&buf, t.Description); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`,"Resources":{`)
	for i, name := range t.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(&buf, name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, t.resources[name]); err != nil {
			return nil, fmt.Errorf("failed to encode resource %s: %w", name, err)
		}
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// UnmarshalJSON parses a template body, preserving the resource order found
// in the document.
func (t *Template) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	*t = *NewTemplate()
	t.FormatVersion = ""

	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return err
		}
		switch key {
		case "AWSTemplateFormatVersion":
			if err := dec.Decode(&t.FormatVersion); err != nil {
				return fmt.Errorf("invalid AWSTemplateFormatVersion: %w", err)
			}
		case "Description":
			if err := dec.Decode(&t.Description); err != nil {
				return fmt.Errorf("invalid Description: %w", err)
			}
		case "Resources":
			if err := t.decodeResources(dec); err != nil {
				return err
			}
		default:
			// Sections this engine does not manage (Outputs, Parameters, ...).
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return err
			}
		}
	}
	return expectDelim(dec, '}')
}

func (t *Template) decodeResources(dec *json.Decoder) error {
	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("invalid Resources: %w", err)
	}
	for dec.More() {
		name, err := readKey(dec)
		if err != nil {
			return err
		}
		var def ResourceDefinition
		if err := dec.Decode(&def); err != nil {
			return fmt.Errorf("invalid resource %s: %w", name, err)
		}
		t.Set(name, def)
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

// ParseTemplate parses a template body as returned by the backend. JSON is
// tried first; bodies that were submitted as YAML by other tooling are
// decoded with their resource order intact.
func ParseTemplate(body string) (*Template, error) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		t := NewTemplate()
		if err := json.Unmarshal([]byte(trimmed), t); err != nil {
			return nil, fmt.Errorf("failed to parse template: %w", err)
		}
		return t, nil
	}
	return parseYAMLTemplate(trimmed)
}

func parseYAMLTemplate(body string) (*Template, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("failed to parse template: not a mapping")
	}

	t := NewTemplate()
	t.FormatVersion = ""
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "AWSTemplateFormatVersion":
			t.FormatVersion = val.Value
		case "Description":
			t.Description = val.Value
		case "Resources":
			if val.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("failed to parse template: Resources is not a mapping")
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				var def ResourceDefinition
				if err := val.Content[j+1].Decode(&def); err != nil {
					return nil, fmt.Errorf("invalid resource %s: %w", val.Content[j].Value, err)
				}
				t.Set(val.Content[j].Value, def)
			}
		}
	}
	return t, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
