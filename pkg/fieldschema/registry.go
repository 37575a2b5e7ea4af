package fieldschema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/twinfer/espscan/pkg/espformat"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/default.yaml
var defaultRegistryYAML []byte

// ErrSchemaDocument wraps every problem found while building a registry from YAML.
var ErrSchemaDocument = errors.New("invalid schema document")

// Registry answers "which schema applies to tag X in record type Y". It is immutable once
// built and safe for concurrent use.
type Registry struct {
	common  map[espformat.Tag]Field
	records map[espformat.Tag]map[espformat.Tag]Field
	types   map[string]Schema
}

// NewRegistry builds a registry from already constructed fields. The maps are copied.
func NewRegistry(common map[espformat.Tag]Field, records map[espformat.Tag]map[espformat.Tag]Field) (*Registry, error) {
	r := &Registry{
		common:  make(map[espformat.Tag]Field, len(common)),
		records: make(map[espformat.Tag]map[espformat.Tag]Field, len(records)),
		types:   map[string]Schema{},
	}
	for tag, f := range common {
		if err := validateEntry("common", tag, f); err != nil {
			return nil, err
		}
		r.common[tag] = f
	}
	for typ, fields := range records {
		m := make(map[espformat.Tag]Field, len(fields))
		for tag, f := range fields {
			if err := validateEntry(string(typ), tag, f); err != nil {
				return nil, err
			}
			m[tag] = f
		}
		r.records[typ] = m
	}
	return r, nil
}

func validateEntry(section string, tag espformat.Tag, f Field) error {
	if !espformat.IsSubrecordTag(tag) {
		return fmt.Errorf("%w: %s: bad subrecord tag %q", ErrSchemaDocument, section, tag)
	}
	if err := Validate(f.Schema); err != nil {
		return fmt.Errorf("%w: %s.%s: %w", ErrSchemaDocument, section, tag, err)
	}
	return nil
}

// Lookup resolves the schema for tag inside recordType: the record-specific entry first,
// then the common entry. The second result is false when neither exists, in which case
// the returned field is Opaque.
func (r *Registry) Lookup(recordType, tag espformat.Tag) (Field, bool) {
	if f, ok := r.records[recordType][tag]; ok {
		return f, true
	}
	if f, ok := r.common[tag]; ok {
		return f, true
	}
	return Field{Schema: Opaque{}}, false
}

// Type returns a named schema from the types section.
func (r *Registry) Type(name string) (Schema, bool) {
	s, ok := r.types[name]
	return s, ok
}

// RecordTypes lists the record types with specific entries, sorted.
func (r *Registry) RecordTypes() []espformat.Tag {
	out := make([]espformat.Tag, 0, len(r.records))
	for t := range r.records {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Tags lists the tags known for recordType, including common ones, sorted.
func (r *Registry) Tags(recordType espformat.Tag) []espformat.Tag {
	seen := make(map[espformat.Tag]struct{}, len(r.common)+len(r.records[recordType]))
	for t := range r.common {
		seen[t] = struct{}{}
	}
	for t := range r.records[recordType] {
		seen[t] = struct{}{}
	}
	out := make([]espformat.Tag, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

var defaultRegistry = sync.OnceValues(func() (*Registry, error) {
	return ParseRegistry(defaultRegistryYAML)
})

// DefaultRegistry returns the registry embedded in the binary.
func DefaultRegistry() (*Registry, error) { return defaultRegistry() }

// DefaultRegistryYAML returns a copy of the embedded registry document.
func DefaultRegistryYAML() []byte { return slices.Clone(defaultRegistryYAML) }

// LoadRegistryFile reads a registry document from disk.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema registry %s: %w", path, err)
	}
	r, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("schema registry %s: %w", path, err)
	}
	return r, nil
}

// document is the YAML shape of a registry.
type document struct {
	Common  map[string]fieldNode            `yaml:"common"`
	Types   map[string]fieldNode            `yaml:"types"`
	Records map[string]map[string]fieldNode `yaml:"records"`
}

type fieldNode struct {
	Type       string       `yaml:"type"`
	Name       string       `yaml:"name,omitempty"`
	Encoding   Encoding     `yaml:"encoding,omitempty"`
	Size       int          `yaml:"size,omitempty"`
	Fields     []fieldNode  `yaml:"fields,omitempty"`
	Element    *fieldNode   `yaml:"element,omitempty"`
	Members    []memberNode `yaml:"members,omitempty"`
	Terminator string       `yaml:"terminator,omitempty"`
	Selector   string       `yaml:"selector,omitempty"`
	Inline     bool         `yaml:"inline,omitempty"`
	Unprefixed bool         `yaml:"unprefixed,omitempty"`
	Ref        string       `yaml:"ref,omitempty"`
	Transform  *Transform   `yaml:"transform,omitempty"`
	line       int
}

type memberNode struct {
	Tag       string `yaml:"tag"`
	Repeat    bool   `yaml:"repeat,omitempty"`
	fieldNode `yaml:",inline"`
}

// UnmarshalYAML accepts a bare type name (`EDID: string`) as shorthand for `{type: string}`.
func (n *fieldNode) UnmarshalYAML(value *yaml.Node) error {
	n.line = value.Line
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&n.Type)
	}
	type nodeAlias fieldNode
	var alias nodeAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	alias.line = value.Line
	*n = fieldNode(alias)
	return nil
}

func (m *memberNode) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Tag    string `yaml:"tag"`
		Repeat bool   `yaml:"repeat"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	if err := m.fieldNode.UnmarshalYAML(value); err != nil {
		return err
	}
	m.Tag, m.Repeat = head.Tag, head.Repeat
	return nil
}

// ParseRegistry builds a registry from a YAML document.
func ParseRegistry(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaDocument, err)
	}

	b := &builder{nodes: doc.Types, built: make(map[string]Schema, len(doc.Types)), building: map[string]bool{}}
	names := make([]string, 0, len(doc.Types))
	for name := range doc.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := b.named(name); err != nil {
			return nil, err
		}
	}

	common := make(map[espformat.Tag]Field, len(doc.Common))
	for tag, node := range doc.Common {
		f, err := b.field(node, "common."+tag)
		if err != nil {
			return nil, err
		}
		common[espformat.Tag(tag)] = f
	}
	records := make(map[espformat.Tag]map[espformat.Tag]Field, len(doc.Records))
	for typ, fields := range doc.Records {
		if len(typ) != espformat.TagSize || !espformat.IsPrintable([]byte(typ)) {
			return nil, fmt.Errorf("%w: bad record type %q", ErrSchemaDocument, typ)
		}
		m := make(map[espformat.Tag]Field, len(fields))
		for tag, node := range fields {
			f, err := b.field(node, typ+"."+tag)
			if err != nil {
				return nil, err
			}
			m[espformat.Tag(tag)] = f
		}
		records[espformat.Tag(typ)] = m
	}

	r, err := NewRegistry(common, records)
	if err != nil {
		return nil, err
	}
	r.types = b.built
	return r, nil
}

type builder struct {
	nodes    map[string]fieldNode
	built    map[string]Schema
	building map[string]bool
}

func (b *builder) errorf(where string, n fieldNode, format string, args ...any) error {
	return fmt.Errorf("%w: %s (line %d): %s", ErrSchemaDocument, where, n.line, fmt.Sprintf(format, args...))
}

func (b *builder) named(name string) (Schema, error) {
	if s, ok := b.built[name]; ok {
		return s, nil
	}
	node, ok := b.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrSchemaDocument, name)
	}
	if b.building[name] {
		return nil, fmt.Errorf("%w: type %q refers to itself", ErrSchemaDocument, name)
	}
	b.building[name] = true
	defer delete(b.building, name)

	s, err := b.schema(node, "types."+name)
	if err != nil {
		return nil, err
	}
	b.built[name] = s
	return s, nil
}

func (b *builder) field(n fieldNode, where string) (Field, error) {
	s, err := b.schema(n, where)
	if err != nil {
		return Field{}, err
	}
	return Field{Name: n.Name, Schema: s, Transform: n.Transform}, nil
}

func (b *builder) schema(n fieldNode, where string) (Schema, error) {
	if num, ok := NumberOf(n.Type); ok {
		return num, nil
	}
	switch n.Type {
	case "formid":
		return FormID{}, nil
	case "string", "zstring":
		enc := n.Encoding
		if enc == "" {
			enc = EncodingUTF8
		}
		if !enc.valid() {
			return nil, b.errorf(where, n, "unknown encoding %q", enc)
		}
		return String{Encoding: enc, Size: n.Size}, nil
	case "lstring":
		return String{Encoding: EncodingLString, Size: n.Size}, nil
	case "opaque":
		return Opaque{}, nil
	case "struct":
		s := &Struct{Inline: n.Inline, Fields: make([]Field, 0, len(n.Fields))}
		for i, fn := range n.Fields {
			f, err := b.field(fn, fmt.Sprintf("%s.fields[%d]", where, i))
			if err != nil {
				return nil, err
			}
			s.Fields = append(s.Fields, f)
		}
		return s, nil
	case "array":
		if n.Element == nil {
			return nil, b.errorf(where, n, "array needs an element")
		}
		elem, err := b.schema(*n.Element, where+".element")
		if err != nil {
			return nil, err
		}
		return &Array{Element: elem, Unprefixed: n.Unprefixed}, nil
	case "group":
		members := make([]Member, 0, len(n.Members))
		for i, mn := range n.Members {
			f, err := b.field(mn.fieldNode, fmt.Sprintf("%s.members[%d]", where, i))
			if err != nil {
				return nil, err
			}
			members = append(members, Member{Field: f, Tag: espformat.Tag(mn.Tag), Repeat: mn.Repeat})
		}
		g, err := NewRepeatingGroup(members, espformat.Tag(n.Terminator), n.Selector, b.built)
		if err != nil {
			return nil, b.errorf(where, n, "%v", err)
		}
		return g, nil
	case "ref":
		return b.named(n.Ref)
	case "":
		return nil, b.errorf(where, n, "missing type")
	default:
		if _, ok := b.nodes[n.Type]; ok {
			return b.named(n.Type)
		}
		return nil, b.errorf(where, n, "unknown type %q", n.Type)
	}
}
