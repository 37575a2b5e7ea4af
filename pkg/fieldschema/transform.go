package fieldschema

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gopkg.in/yaml.v3"
)

// TransformKind names a post-decode transform.
type TransformKind string

const (
	// TransformFlags turns an integer into the labels of every set mask.
	TransformFlags TransformKind = "flags"
	// TransformEnum maps an integer to a single label.
	TransformEnum TransformKind = "enum"
	// TransformPassthrough keeps the value and logs it at debug level.
	TransformPassthrough TransformKind = "passthrough"
	// TransformExpr evaluates a CEL expression over `value`.
	TransformExpr TransformKind = "expr"
)

// ErrTransform wraps every transform failure.
var ErrTransform = errors.New("transform failed")

// Transform is applied to a field after its raw value is decoded. A failed transform
// leaves the raw value in place.
type Transform struct {
	Kind  TransformKind
	Flags map[uint64]string
	Enum  map[int64]string
	Expr  string
}

type transformDoc struct {
	Flags map[uint64]string `yaml:"flags"`
	Enum  map[int64]string  `yaml:"enum"`
	Expr  string            `yaml:"expr"`
}

// UnmarshalYAML accepts either a bare kind (`transform: passthrough`) or a single-key
// mapping (`transform: {flags: {0x1: Essential}}`, `{enum: {...}}`, `{expr: "value * 2"}`).
func (t *Transform) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var kind string
		if err := value.Decode(&kind); err != nil {
			return err
		}
		if TransformKind(kind) != TransformPassthrough {
			return fmt.Errorf("line %d: transform %q needs parameters", value.Line, kind)
		}
		t.Kind = TransformPassthrough
		return nil
	}

	var doc transformDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}
	set := 0
	if doc.Flags != nil {
		t.Kind, t.Flags = TransformFlags, doc.Flags
		set++
	}
	if doc.Enum != nil {
		t.Kind, t.Enum = TransformEnum, doc.Enum
		set++
	}
	if doc.Expr != "" {
		t.Kind, t.Expr = TransformExpr, doc.Expr
		set++
	}
	if set != 1 {
		return fmt.Errorf("line %d: transform must set exactly one of flags, enum, expr", value.Line)
	}
	return nil
}

// Apply runs the transform over v.
func (t *Transform) Apply(v any, opts Options, path string) (any, error) {
	switch t.Kind {
	case TransformFlags:
		bits, ok := asUint64(v)
		if !ok {
			return v, fmt.Errorf("%w: flags need an integer, got %T", ErrTransform, v)
		}
		masks := make([]uint64, 0, len(t.Flags))
		for m := range t.Flags {
			masks = append(masks, m)
		}
		slices.Sort(masks)
		labels := []string{}
		for _, m := range masks {
			if m != 0 && bits&m == m {
				labels = append(labels, t.Flags[m])
			}
		}
		return labels, nil
	case TransformEnum:
		n, ok := asInt64(v)
		if !ok {
			return v, fmt.Errorf("%w: enum needs an integer, got %T", ErrTransform, v)
		}
		label, ok := t.Enum[n]
		if !ok {
			return v, fmt.Errorf("%w: no enum label for %d", ErrTransform, n)
		}
		return label, nil
	case TransformPassthrough:
		opts.logger().Debug("Field value", "path", path, "value", v)
		return v, nil
	case TransformExpr:
		if opts.Programs == nil {
			return v, fmt.Errorf("%w: no expression pool configured for %q", ErrTransform, t.Expr)
		}
		out, err := opts.Programs.Eval(t.Expr, celInput(v))
		if err != nil {
			return v, fmt.Errorf("%w: %w", ErrTransform, err)
		}
		return out, nil
	default:
		return v, fmt.Errorf("%w: unknown kind %q", ErrTransform, t.Kind)
	}
}

// celInput strips the FormIDRef type so CEL sees plain strings.
func celInput(v any) any {
	switch x := v.(type) {
	case FormIDRef:
		return string(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = celInput(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = celInput(e)
		}
		return out
	}
	return v
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int8:
		return uint64(uint8(n)), true
	case int16:
		return uint64(uint16(n)), true
	case int32:
		return uint64(uint32(n)), true
	case int64:
		return uint64(n), true
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
