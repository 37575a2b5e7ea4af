package fieldschema

import (
	"github.com/twinfer/espscan/pkg/record"
)

// DecodeRecord decodes every subrecord of rec that the registry knows and returns a copy
// carrying DecodedData and DecodedErrors. rec itself is left untouched.
//
// Values are keyed by tag. A tag that occurs once maps to its value; a tag that occurs
// several times maps to a list in on-disk order. A RepeatingGroup entry consumes the run of
// member subrecords starting at its tag, and its instances are appended under that tag.
// Only the first error of each tag is kept in DecodedErrors.
func DecodeRecord(reg *Registry, rec *record.ParsedRecord, opts Options) *record.ParsedRecord {
	d := &decoder{opts: opts}
	values := map[string][]any{}
	groups := map[string][]any{}
	errs := map[string]record.ErrorInfo{}

	subs := rec.Subrecords()
	for i := 0; i < len(subs); {
		s := subs[i]
		f, ok := reg.Lookup(rec.Meta.Type, s.Tag)
		if !ok {
			i++
			continue
		}
		key := string(s.Tag)

		if g, isGroup := f.Schema.(*RepeatingGroup); isGroup {
			before := len(d.errs)
			instances, n := d.group(g, key, subs[i:])
			groups[key] = append(groups[key], instances...)
			addErrors(errs, key, d.errs[before:])
			i += max(n, 1)
			continue
		}
		if _, opaque := f.Schema.(Opaque); opaque {
			i++
			continue
		}

		path := key
		if n := len(values[key]); n > 0 {
			path = indexPath(key, n)
		}
		v, ferrs := DecodeField(f, path, s.Data, 0, len(s.Data), opts)
		addErrors(errs, key, ferrs)
		values[key] = append(values[key], v)
		i++
	}

	data := make(map[string]any, len(values)+len(groups))
	for key, vs := range values {
		switch {
		case len(vs) > 1:
			data[key] = vs
		case vs[0] != nil:
			data[key] = vs[0]
		}
	}
	for key, instances := range groups {
		if instances == nil {
			instances = []any{}
		}
		data[key] = instances
	}
	return rec.WithDecoded(data, errs)
}

func addErrors(dst map[string]record.ErrorInfo, key string, errs []*FieldError) {
	if len(errs) == 0 {
		return
	}
	if _, exists := dst[key]; exists {
		return
	}
	dst[key] = errs[0].Info()
}
