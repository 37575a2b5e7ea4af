// Package fieldschema turns raw subrecord bytes into typed values.
//
// A Schema is a closed set of variants (String, Number, FormID, Struct, Array,
// RepeatingGroup, Opaque). Schemas are plain data: they are built once, usually from a YAML
// registry, and never mutated. Decoding is a pure function of the schema and the bytes.
package fieldschema

import (
	"fmt"

	"github.com/expr-lang/expr/vm"
	"github.com/twinfer/espscan/pkg/espformat"
)

// Kind names a schema variant.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindFormID Kind = "formid"
	KindStruct Kind = "struct"
	KindArray  Kind = "array"
	KindGroup  Kind = "group"
	KindOpaque Kind = "opaque"
)

// Schema is implemented only by the variants in this package.
type Schema interface {
	Kind() Kind
	sealed()
}

// Encoding selects how String bytes become text.
type Encoding string

const (
	EncodingUTF8    Encoding = "utf8"
	EncodingUTF16LE Encoding = "utf16le"
	EncodingCP1252  Encoding = "cp1252"
	// EncodingLString is a u32 string-table id in localized plugins and a utf8 string
	// otherwise.
	EncodingLString Encoding = "lstring"
)

func (e Encoding) valid() bool {
	switch e {
	case EncodingUTF8, EncodingUTF16LE, EncodingCP1252, EncodingLString:
		return true
	}
	return false
}

// String decodes text. A zero Size reads up to the terminator or the end of the range.
type String struct {
	Encoding Encoding
	Size     int
}

// Number is a little-endian scalar of Width bytes.
type Number struct {
	Width  int
	Signed bool
	Float  bool
}

// FormID is a raw u32 form id, rendered as a FormIDRef.
type FormID struct{}

// Struct consumes Fields in order. At the top of a subrecord the subrecord length bounds
// the struct; nested structs carry a u16 byte-count prefix unless Inline is set.
type Struct struct {
	Fields []Field
	Inline bool
}

// Array decodes Element back to back. The byte count is a u16 prefix unless Unprefixed
// is set, in which case the array runs to the end of the enclosing range.
type Array struct {
	Element    Schema
	Unprefixed bool
}

// RepeatingGroup decodes a run of heterogeneous tagged blocks. The first member's tag
// opens each instance; the run ends at Terminator (not included) or at a tag that is not a
// member.
type RepeatingGroup struct {
	Members    []Member
	Terminator espformat.Tag
	// Selector is an expr-lang expression evaluated per member block with `tag`, `size`,
	// `instance` and `count` in scope. A non-empty string result names a schema from the
	// registry's types section that replaces the member's own schema.
	Selector string

	selector *vm.Program
	types    map[string]Schema
}

// Opaque marks bytes that are skipped.
type Opaque struct{}

func (String) Kind() Kind          { return KindString }
func (Number) Kind() Kind          { return KindNumber }
func (FormID) Kind() Kind          { return KindFormID }
func (*Struct) Kind() Kind         { return KindStruct }
func (*Array) Kind() Kind          { return KindArray }
func (*RepeatingGroup) Kind() Kind { return KindGroup }
func (Opaque) Kind() Kind          { return KindOpaque }

func (String) sealed()          {}
func (Number) sealed()          {}
func (FormID) sealed()          {}
func (*Struct) sealed()         {}
func (*Array) sealed()          {}
func (*RepeatingGroup) sealed() {}
func (Opaque) sealed()          {}

// Field is a schema with an optional name and post-decode transform. Unnamed struct
// fields are consumed but not emitted.
type Field struct {
	Name      string
	Schema    Schema
	Transform *Transform
}

// Member is one tagged block of a RepeatingGroup. Repeat members collect every occurrence
// in an instance into a list.
type Member struct {
	Field
	Tag    espformat.Tag
	Repeat bool
}

func (m Member) key() string {
	if m.Name != "" {
		return m.Name
	}
	return string(m.Tag)
}

// FormIDRef is a canonical hex form id inside decoded data. It is a distinct type so that
// resolution can find every reference in a decoded tree.
type FormIDRef string

// Numeric shorthands.
var (
	U8  = Number{Width: 1}
	U16 = Number{Width: 2}
	U32 = Number{Width: 4}
	U64 = Number{Width: 8}
	I8  = Number{Width: 1, Signed: true}
	I16 = Number{Width: 2, Signed: true}
	I32 = Number{Width: 4, Signed: true}
	I64 = Number{Width: 8, Signed: true}
	F32 = Number{Width: 4, Float: true}
	F64 = Number{Width: 8, Float: true}
)

// NumberOf maps a type name such as "u16" or "f32" to its Number schema.
func NumberOf(name string) (Number, bool) {
	n, ok := numbers[name]
	return n, ok
}

var numbers = map[string]Number{
	"u8": U8, "u16": U16, "u32": U32, "u64": U64,
	"i8": I8, "i16": I16, "i32": I32, "i64": I64,
	"f32": F32, "f64": F64,
}

func (n Number) valid() bool {
	if n.Float {
		return !n.Signed && (n.Width == 4 || n.Width == 8)
	}
	switch n.Width {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// Validate checks a schema tree for malformed variants. Registries validate on load.
func Validate(s Schema) error {
	switch v := s.(type) {
	case String:
		if !v.Encoding.valid() {
			return fmt.Errorf("%w: string encoding %q", ErrUnsupportedSchema, v.Encoding)
		}
		if v.Size < 0 {
			return fmt.Errorf("%w: negative string size %d", ErrUnsupportedSchema, v.Size)
		}
	case Number:
		if !v.valid() {
			return fmt.Errorf("%w: number width %d signed=%t float=%t", ErrUnsupportedSchema, v.Width, v.Signed, v.Float)
		}
	case FormID, Opaque:
	case *Struct:
		for _, f := range v.Fields {
			if err := Validate(f.Schema); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
	case *Array:
		if v.Element == nil {
			return fmt.Errorf("%w: array without element", ErrUnsupportedSchema)
		}
		if err := Validate(v.Element); err != nil {
			return fmt.Errorf("array element: %w", err)
		}
	case *RepeatingGroup:
		if len(v.Members) == 0 {
			return fmt.Errorf("%w: group without members", ErrUnsupportedSchema)
		}
		seen := make(map[espformat.Tag]bool, len(v.Members))
		for _, m := range v.Members {
			if !espformat.IsSubrecordTag(m.Tag) {
				return fmt.Errorf("%w: group member tag %q", ErrUnsupportedSchema, m.Tag)
			}
			if seen[m.Tag] {
				return fmt.Errorf("%w: duplicate group member %s", ErrUnsupportedSchema, m.Tag)
			}
			seen[m.Tag] = true
			if err := Validate(m.Schema); err != nil {
				return fmt.Errorf("member %s: %w", m.Tag, err)
			}
		}
		if v.Selector != "" && v.selector == nil {
			return fmt.Errorf("%w: group selector %q not compiled", ErrUnsupportedSchema, v.Selector)
		}
	case nil:
		return fmt.Errorf("%w: missing schema", ErrUnsupportedSchema)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedSchema, s)
	}
	return nil
}
