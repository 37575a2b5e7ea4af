package fieldschema

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/twinfer/espscan/internal/cel"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/pkg/walker"
)

var (
	// ErrOutOfRange is returned when a field would read past the end of its range.
	ErrOutOfRange = errors.New("read past end of range")
	// ErrUnsupportedSchema is returned for schema variants the decoder cannot handle.
	ErrUnsupportedSchema = errors.New("unsupported schema")
	// ErrNoProgress is returned when an array element consumes no bytes.
	ErrNoProgress = errors.New("array element consumed no bytes")
)

// contextRadius is how many bytes on each side of a failure are kept in FieldError.Context.
const contextRadius = 8

// Options carries per-decode settings. The zero value decodes plain (non-localized)
// plugins and rejects expr transforms.
type Options struct {
	// Localized makes lstring fields read a u32 string-table id.
	Localized bool
	// Programs compiles expr transforms.
	Programs *cel.ProgramPool
	Logger   *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// FieldError is a decode or transform failure for one field.
type FieldError struct {
	Path    string
	Offset  int
	Context []byte
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Info converts the error to the record error model.
func (e *FieldError) Info() record.ErrorInfo {
	return record.ErrorInfo{Message: e.Err.Error(), FieldPath: e.Path, ContextBytes: e.Context}
}

// Decode decodes buf[off:off+length] against s. It returns whatever value could be built
// along with every field error; the value is nil for Opaque schemas.
func Decode(s Schema, buf []byte, off, length int, opts Options) (any, []*FieldError) {
	return DecodeField(Field{Schema: s}, "", buf, off, length, opts)
}

// DecodeField is Decode for a named field: path prefixes every error path and the field's
// transform is applied to the result.
func DecodeField(f Field, path string, buf []byte, off, length int, opts Options) (any, []*FieldError) {
	d := &decoder{buf: buf, opts: opts}
	if off < 0 || length < 0 || off+length > len(buf) {
		d.fail(path, max(off, 0), fmt.Errorf("%w: range [%d, %d) of %d bytes", ErrOutOfRange, off, off+length, len(buf)))
		return nil, d.errs
	}
	v := d.top(f, path, off, off+length)
	return v, d.errs
}

type decoder struct {
	buf  []byte
	opts Options
	errs []*FieldError
}

func (d *decoder) fail(path string, off int, err error) {
	d.errs = append(d.errs, d.errorAt(path, off, err))
}

func (d *decoder) errorAt(path string, off int, err error) *FieldError {
	lo, hi := max(off-contextRadius, 0), min(off+contextRadius, len(d.buf))
	if lo > hi {
		lo = hi
	}
	return &FieldError{Path: path, Offset: off, Context: bytes.Clone(d.buf[lo:hi]), Err: err}
}

// top decodes a field whose enclosing range is authoritative, records a hard error if the
// value failed, and applies the transform.
func (d *decoder) top(f Field, path string, off, end int) any {
	v, _, err := d.value(f.Schema, path, off, end, true)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	if _, opaque := f.Schema.(Opaque); opaque || v == nil {
		return v
	}
	return d.transform(f, path, off, v)
}

func (d *decoder) transform(f Field, path string, off int, v any) any {
	if f.Transform == nil {
		return v
	}
	out, err := f.Transform.Apply(v, d.opts, path)
	if err != nil {
		d.errs = append(d.errs, d.errorAt(path, off, err))
	}
	return out
}

// value decodes s inside [off, end) and returns the value, the offset just past it, and
// the hard error that stopped it. A failed struct or array still returns what it decoded.
func (d *decoder) value(s Schema, path string, off, end int, top bool) (any, int, *FieldError) {
	switch v := s.(type) {
	case String:
		return d.str(v, path, off, end)
	case Number:
		return d.number(v, path, off, end)
	case FormID:
		raw, next, err := d.number(U32, path, off, end)
		if err != nil {
			return nil, next, err
		}
		return FormIDRef(espformat.FormatFormID(raw.(uint32))), next, nil
	case *Struct:
		return d.structure(v, path, off, end, top)
	case *Array:
		return d.array(v, path, off, end)
	case *RepeatingGroup:
		subs, err := walker.Extract(d.buf[off:end])
		var out []any
		if len(subs) > 0 {
			out, _ = d.group(v, path, subs)
		}
		if err != nil {
			return out, end, d.errorAt(path, off, err)
		}
		return out, end, nil
	case Opaque:
		return nil, end, nil
	default:
		return nil, end, d.errorAt(path, off, fmt.Errorf("%w: %T", ErrUnsupportedSchema, s))
	}
}

func (d *decoder) str(s String, path string, off, end int) (any, int, *FieldError) {
	limit := end
	if s.Size > 0 {
		if s.Size > end-off {
			return nil, end, d.errorAt(path, off, fmt.Errorf("%w: string of %d bytes, %d remain", ErrOutOfRange, s.Size, end-off))
		}
		limit = off + s.Size
	}
	raw := d.buf[off:limit]

	if s.Encoding == EncodingLString && d.opts.Localized {
		id, next, err := d.number(U32, path, off, limit)
		if err != nil {
			return nil, next, err
		}
		return id, next, nil
	}
	text, n, err := decodeText(s.Encoding, raw)
	if err != nil {
		return nil, limit, d.errorAt(path, off, fmt.Errorf("decoding %s string: %w", s.Encoding, err))
	}
	if s.Size > 0 {
		return text, limit, nil
	}
	return text, off + n, nil
}

func (d *decoder) number(n Number, path string, off, end int) (any, int, *FieldError) {
	if n.Width > end-off {
		return nil, end, d.errorAt(path, off, fmt.Errorf("%w: need %d bytes, %d remain", ErrOutOfRange, n.Width, end-off))
	}
	stream := kaitai.NewStream(bytes.NewReader(d.buf[off : off+n.Width]))
	var (
		v   any
		err error
	)
	switch {
	case n.Float && n.Width == 4:
		v, err = stream.ReadF4le()
	case n.Float && n.Width == 8:
		v, err = stream.ReadF8le()
	case n.Signed && n.Width == 1:
		v, err = stream.ReadS1()
	case n.Signed && n.Width == 2:
		v, err = stream.ReadS2le()
	case n.Signed && n.Width == 4:
		v, err = stream.ReadS4le()
	case n.Signed && n.Width == 8:
		v, err = stream.ReadS8le()
	case n.Width == 1:
		v, err = stream.ReadU1()
	case n.Width == 2:
		v, err = stream.ReadU2le()
	case n.Width == 4:
		v, err = stream.ReadU4le()
	case n.Width == 8:
		v, err = stream.ReadU8le()
	default:
		return nil, end, d.errorAt(path, off, fmt.Errorf("%w: number width %d", ErrUnsupportedSchema, n.Width))
	}
	if err != nil {
		return nil, end, d.errorAt(path, off, fmt.Errorf("%w: %w", ErrOutOfRange, err))
	}
	return v, off + n.Width, nil
}

// prefixed reads a u16 byte count at off and returns the data range it announces.
func (d *decoder) prefixed(path string, off, end int) (int, int, *FieldError) {
	n, _, err := d.number(U16, path, off, end)
	if err != nil {
		return 0, 0, err
	}
	start := off + 2
	stop := start + int(n.(uint16))
	if stop > end {
		return 0, 0, d.errorAt(path, off, fmt.Errorf("%w: prefix declares %d bytes, %d remain", ErrOutOfRange, n, end-start))
	}
	return start, stop, nil
}

func (d *decoder) structure(s *Struct, path string, off, end int, top bool) (any, int, *FieldError) {
	start, stop := off, end
	prefixed := !top && !s.Inline
	if prefixed {
		var err *FieldError
		if start, stop, err = d.prefixed(path, off, end); err != nil {
			return nil, end, err
		}
	}

	out := make(map[string]any, len(s.Fields))
	pos := start
	for i, f := range s.Fields {
		fp := indexPath(path, i)
		if f.Name != "" {
			fp = joinPath(path, f.Name)
		}
		v, next, err := d.value(f.Schema, fp, pos, stop, false)
		if err != nil {
			if f.Name != "" && v != nil {
				out[f.Name] = v
			}
			return out, stop, err
		}
		if f.Name != "" && v != nil {
			out[f.Name] = d.transform(f, fp, pos, v)
		}
		pos = next
	}
	if prefixed {
		return out, stop, nil
	}
	return out, pos, nil
}

func (d *decoder) array(a *Array, path string, off, end int) (any, int, *FieldError) {
	start, stop := off, end
	if !a.Unprefixed {
		var err *FieldError
		if start, stop, err = d.prefixed(path, off, end); err != nil {
			return nil, end, err
		}
	}
	out := []any{}
	for pos := start; pos < stop; {
		v, next, err := d.value(a.Element, indexPath(path, len(out)), pos, stop, false)
		if err != nil {
			if v != nil {
				out = append(out, v)
			}
			return out, stop, err
		}
		if next <= pos {
			return out, stop, d.errorAt(indexPath(path, len(out)), pos, ErrNoProgress)
		}
		out = append(out, v)
		pos = next
	}
	return out, stop, nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func indexPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}
