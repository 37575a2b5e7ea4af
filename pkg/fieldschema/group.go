package fieldschema

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/record"
)

// selectorEnv is what a group selector expression can see.
type selectorEnv struct {
	Tag      string         `expr:"tag"`
	Size     int            `expr:"size"`
	Instance map[string]any `expr:"instance"`
	Count    int            `expr:"count"`
}

// NewRepeatingGroup builds a group and compiles its selector. types supplies the named
// schemas a selector may return; it is read, never modified.
func NewRepeatingGroup(members []Member, terminator espformat.Tag, selector string, types map[string]Schema) (*RepeatingGroup, error) {
	g := &RepeatingGroup{Members: members, Terminator: terminator, Selector: selector, types: types}
	if selector != "" {
		prg, err := expr.Compile(selector, expr.Env(selectorEnv{}), expr.AsKind(reflect.String))
		if err != nil {
			return nil, fmt.Errorf("compiling group selector %q: %w", selector, err)
		}
		g.selector = prg
	}
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *RepeatingGroup) member(tag espformat.Tag) (Member, bool) {
	for _, m := range g.Members {
		if m.Tag == tag {
			return m, true
		}
	}
	return Member{}, false
}

// schemaFor runs the selector for one member block.
func (g *RepeatingGroup) schemaFor(m Member, size int, instance map[string]any, count int) (Schema, error) {
	if g.selector == nil {
		return m.Schema, nil
	}
	out, err := expr.Run(g.selector, selectorEnv{Tag: string(m.Tag), Size: size, Instance: instance, Count: count})
	if err != nil {
		return nil, fmt.Errorf("group selector: %w", err)
	}
	name, _ := out.(string)
	if name == "" {
		return m.Schema, nil
	}
	s, ok := g.types[name]
	if !ok {
		return nil, fmt.Errorf("group selector returned unknown type %q", name)
	}
	return s, nil
}

// group decodes instances from subs and returns them with the number of subrecords
// consumed. It stops before the terminator or the first non-member tag.
func (d *decoder) group(g *RepeatingGroup, path string, subs []record.Subrecord) ([]any, int) {
	var (
		out []any
		cur map[string]any
	)
	opener := g.Members[0].Tag
	flush := func() {
		if cur != nil {
			out = append(out, cur)
		}
	}

	n := 0
	for ; n < len(subs); n++ {
		s := subs[n]
		if g.Terminator != "" && s.Tag == g.Terminator {
			break
		}
		m, ok := g.member(s.Tag)
		if !ok {
			break
		}
		if cur == nil || s.Tag == opener {
			flush()
			cur = make(map[string]any, len(g.Members))
		}
		mp := joinPath(indexPath(path, len(out)), m.key())

		schema, err := g.schemaFor(m, len(s.Data), cur, len(out))
		if err != nil {
			d.errs = append(d.errs, &FieldError{Path: mp, Offset: s.Offset, Err: err})
			continue
		}
		sub := &decoder{buf: s.Data, opts: d.opts}
		v := sub.top(Field{Name: m.Name, Schema: schema, Transform: m.Transform}, mp, 0, len(s.Data))
		d.errs = append(d.errs, sub.errs...)
		if v == nil {
			continue
		}
		if m.Repeat {
			list, _ := cur[m.key()].([]any)
			cur[m.key()] = append(list, v)
		} else {
			cur[m.key()] = v
		}
	}
	flush()
	return out, n
}
