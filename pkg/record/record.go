// Package record holds the parsed-record model shared by the walker, the field decoder,
// and the aggregator.
package record

import (
	"maps"

	"github.com/twinfer/espscan/pkg/espformat"
)

// StackOrderUnset marks a record the aggregator has not seen yet.
const StackOrderUnset = -1

// Meta identifies a record and where it came from.
type Meta struct {
	Type        espformat.Tag `json:"type"`
	FormID      string        `json:"formId"`
	LocalFormID uint32        `json:"localFormId"`
	SourceFile  string        `json:"sourceFile"`
	StackOrder  int           `json:"stackOrder"`
	Flags       uint32        `json:"flags"`
	Offset      int           `json:"offset"`
}

// Subrecord is one raw tagged chunk of a record payload. Offset is relative to the
// (decompressed) payload.
type Subrecord struct {
	Tag    espformat.Tag
	Data   []byte
	Offset int
}

// SubrecordRef points at Data[Tag][Index] and preserves on-disk ordering.
type SubrecordRef struct {
	Tag   espformat.Tag `json:"tag"`
	Index int           `json:"index"`
}

// ErrorInfo is a per-field decode problem.
type ErrorInfo struct {
	Message      string `json:"message"`
	FieldPath    string `json:"fieldPath"`
	ContextBytes []byte `json:"contextBytes,omitempty"`
}

// ParsedRecord is immutable once the walker builds it. DecodedData and DecodedErrors are
// only ever set on copies produced by WithDecoded.
type ParsedRecord struct {
	Meta          Meta
	Data          map[espformat.Tag][][]byte
	Order         []SubrecordRef
	RawHeader     []byte
	DecodedData   map[string]any
	DecodedErrors map[string]ErrorInfo
}

// New groups subrecords by tag while remembering their order.
func New(meta Meta, rawHeader []byte, subs []Subrecord) *ParsedRecord {
	r := &ParsedRecord{
		Meta:      meta,
		Data:      make(map[espformat.Tag][][]byte, len(subs)),
		Order:     make([]SubrecordRef, 0, len(subs)),
		RawHeader: rawHeader,
	}
	for _, s := range subs {
		r.Order = append(r.Order, SubrecordRef{Tag: s.Tag, Index: len(r.Data[s.Tag])})
		r.Data[s.Tag] = append(r.Data[s.Tag], s.Data)
	}
	return r
}

// First returns the first subrecord with the given tag.
func (r *ParsedRecord) First(tag espformat.Tag) ([]byte, bool) {
	chunks := r.Data[tag]
	if len(chunks) == 0 {
		return nil, false
	}
	return chunks[0], true
}

// Subrecords returns the payload chunks in on-disk order.
func (r *ParsedRecord) Subrecords() []Subrecord {
	out := make([]Subrecord, 0, len(r.Order))
	for _, ref := range r.Order {
		out = append(out, Subrecord{Tag: ref.Tag, Data: r.Data[ref.Tag][ref.Index]})
	}
	return out
}

// WithDecoded returns a shallow copy carrying decoded values. Data, Order and RawHeader
// are shared with the receiver and must be treated as read-only.
func (r *ParsedRecord) WithDecoded(data map[string]any, errs map[string]ErrorInfo) *ParsedRecord {
	cp := *r
	cp.DecodedData = data
	cp.DecodedErrors = errs
	return &cp
}

// Tags returns every tag present in the record.
func (r *ParsedRecord) Tags() []espformat.Tag {
	out := make([]espformat.Tag, 0, len(r.Data))
	for t := range maps.Keys(r.Data) {
		out = append(out, t)
	}
	return out
}
