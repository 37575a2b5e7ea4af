package formid

import (
	"fmt"
	"sync/atomic"

	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/fieldschema"
)

// Resolver maps file-local form ids to global ones against a Registry. It never panics on
// bad input; every failed resolution is counted and reported as an error.
type Resolver struct {
	reg      *Registry
	failures atomic.Int64
}

// NewResolver creates a resolver over reg.
func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Registry returns the snapshot the resolver reads.
func (r *Resolver) Registry() *Registry { return r.reg }

// Failures is the number of failed resolutions so far.
func (r *Resolver) Failures() int64 { return r.failures.Load() }

// Resolve maps raw, read from a record of contextFile, to its global id.
func (r *Resolver) Resolve(raw uint32, contextFile string) (uint32, error) {
	id, err := r.resolve(raw, contextFile)
	if err != nil {
		r.failures.Add(1)
		return 0, err
	}
	return id, nil
}

func (r *Resolver) resolve(raw uint32, contextFile string) (uint32, error) {
	ctx, ok := r.reg.Lookup(contextFile)
	if !ok {
		return 0, fmt.Errorf("%w: context file %q", ErrUnknownFile, contextFile)
	}
	index, local := espformat.SplitFormID(raw)

	owner := ctx
	switch {
	case int(index) < len(ctx.Masters):
		name := ctx.Masters[index]
		if owner, ok = r.reg.Lookup(name); !ok {
			return 0, fmt.Errorf("%w: master %q of %s", ErrUnknownFile, name, ctx.Name)
		}
	case int(index) == ctx.SelfIndex():
	default:
		return 0, fmt.Errorf("%w: index %#02x in %s with %d masters", ErrUnknownIndex, index, ctx.Name, len(ctx.Masters))
	}
	return Global(owner, local)
}

// ResolveHex resolves a form id given as hex text and returns it in canonical form.
func (r *Resolver) ResolveHex(hex, contextFile string) (string, error) {
	raw, err := espformat.ParseFormID(hex)
	if err != nil {
		r.failures.Add(1)
		return "", err
	}
	id, err := r.Resolve(raw, contextFile)
	if err != nil {
		return "", err
	}
	return espformat.FormatFormID(id), nil
}

// ResolveValue returns a copy of a decoded value tree with every FormIDRef resolved. A
// null reference stays null, and a reference that cannot be resolved is left file-local.
// The second return is the number of failed references.
func (r *Resolver) ResolveValue(v any, contextFile string) (any, int) {
	failed := 0
	out := r.walk(v, contextFile, &failed)
	return out, failed
}

func (r *Resolver) walk(v any, file string, failed *int) any {
	switch t := v.(type) {
	case fieldschema.FormIDRef:
		raw, err := espformat.ParseFormID(string(t))
		if err != nil {
			r.failures.Add(1)
			*failed++
			return t
		}
		if raw == 0 {
			return t
		}
		id, err := r.Resolve(raw, file)
		if err != nil {
			*failed++
			return t
		}
		return fieldschema.FormIDRef(espformat.FormatFormID(id))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = r.walk(e, file, failed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.walk(e, file, failed)
		}
		return out
	default:
		return v
	}
}

// Mapper binds the resolver to one file so the walker can map record header ids.
func (r *Resolver) Mapper(contextFile string) *FileMapper {
	return &FileMapper{r: r, file: contextFile}
}

// FileMapper resolves ids on behalf of a single file.
type FileMapper struct {
	r    *Resolver
	file string
}

func (m *FileMapper) MapFormID(raw uint32) (uint32, error) {
	return m.r.Resolve(raw, m.file)
}
