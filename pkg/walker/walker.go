// Package walker decomposes a plugin buffer into groups, records, and subrecords.
//
// The walk is strictly sequential. Every structural problem is caught at the boundary of
// the group or record that caused it, tallied in the file's stats, and the walker
// resynchronizes at the next sibling using the broken node's declared size when that size
// still lands inside the parent, or at the end of the parent otherwise. A walk always
// returns whatever records it managed to parse.
package walker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/pkg/stats"
)

// DefaultMaxGroupChildren caps the number of direct children processed per group.
const DefaultMaxGroupChildren = 10000

var (
	// ErrGroupSize is tallied when a group's declared size is below its header size or
	// overruns its parent.
	ErrGroupSize = errors.New("group size mismatch")
	// ErrRecordSize is tallied when a record's payload overruns its parent.
	ErrRecordSize = errors.New("record size overrun")
	// ErrIterationCap is tallied when a group has more children than MaxGroupChildren.
	ErrIterationCap = errors.New("group child limit exceeded")
	// ErrDecompress is tallied when a compressed payload cannot be inflated.
	ErrDecompress = errors.New("decompressing record payload")
	// ErrPanic wraps a recovered panic.
	ErrPanic = errors.New("recovered panic")
)

// FormIDMapper turns a file-local form id read from a record header into the id the
// record is stored under.
type FormIDMapper interface {
	MapFormID(raw uint32) (uint32, error)
}

// Options configures a Walker.
type Options struct {
	// RecordTypes is the processed-type allow-list. Empty means every type.
	RecordTypes []espformat.Tag
	// MaxGroupChildren defaults to DefaultMaxGroupChildren.
	MaxGroupChildren int
	Logger           *slog.Logger
}

// Walker is safe for concurrent use; all per-buffer state lives in a walk.
type Walker struct {
	allow       map[espformat.Tag]struct{}
	maxChildren int
	logger      *slog.Logger
}

// Result is the outcome of walking one buffer.
type Result struct {
	Records []*record.ParsedRecord
	Stats   *stats.FileStats
}

// New creates a Walker.
func New(opts Options) *Walker {
	w := &Walker{
		maxChildren: opts.MaxGroupChildren,
		logger:      opts.Logger,
	}
	if w.maxChildren <= 0 {
		w.maxChildren = DefaultMaxGroupChildren
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if len(opts.RecordTypes) > 0 {
		w.allow = make(map[espformat.Tag]struct{}, len(opts.RecordTypes))
		for _, t := range opts.RecordTypes {
			w.allow[t] = struct{}{}
		}
	}
	return w
}

// Allowed reports whether records of type t are processed.
func (w *Walker) Allowed(t espformat.Tag) bool {
	if w.allow == nil {
		return true
	}
	_, ok := w.allow[t]
	return ok
}

// Walk parses buf, attributing records to sourceFile. mapper may be nil, in which case
// record form ids are kept file-local.
func (w *Walker) Walk(ctx context.Context, buf []byte, sourceFile string, mapper FormIDMapper) *Result {
	s := &walk{
		ctx:    ctx,
		w:      w,
		buf:    buf,
		file:   sourceFile,
		mapper: mapper,
		stats:  stats.NewFileStats(sourceFile),
	}
	w.logger.DebugContext(ctx, "Walking plugin buffer", "file", sourceFile, "size", len(buf))
	s.region(0, len(buf), "")
	w.logger.DebugContext(ctx, "Finished walking plugin buffer", "file", sourceFile, "records", len(s.records), "groups", s.stats.Groups)
	return &Result{Records: s.records, Stats: s.stats}
}

type walk struct {
	ctx     context.Context
	w       *Walker
	buf     []byte
	file    string
	mapper  FormIDMapper
	stats   *stats.FileStats
	records []*record.ParsedRecord
}

// region processes the children in [start, end). expected is the record type promised by
// an enclosing top-level group label, or "" when there is no such promise.
func (s *walk) region(start, end int, expected espformat.Tag) {
	off, children := start, 0
	for off < end {
		if children >= s.w.maxChildren {
			typ := string(espformat.TagGroup)
			if expected != "" {
				typ = string(expected)
			}
			s.stats.Error(typ, off, fmt.Errorf("%w: %d children", ErrIterationCap, children))
			return
		}
		children++
		next := s.node(off, end, expected)
		if next <= off || next > end {
			next = end
		}
		off = next
	}
}

// node processes the group or record at off and returns the offset of the next sibling.
func (s *walk) node(off, end int, expected espformat.Tag) (next int) {
	typ := "UNKNOWN"
	anchor := end
	defer func() {
		if r := recover(); r != nil {
			s.stats.Error(typ, off, fmt.Errorf("%w: %v", ErrPanic, r))
			s.w.logger.WarnContext(s.ctx, "Recovered while walking node", "file", s.file, "type", typ, "offset", off, "panic", r)
			next = anchor
		}
	}()

	if end-off < espformat.TagSize {
		s.stats.Error(typ, off, fmt.Errorf("%d trailing bytes: %w", end-off, espformat.ErrShortBuffer))
		return end
	}
	tag, _ := espformat.PeekTag(s.buf, off)
	if espformat.IsPrintable([]byte(tag)) {
		typ = string(tag)
	}
	if tag == espformat.TagGroup {
		return s.group(off, end, &anchor)
	}
	return s.record(off, end, expected, &anchor)
}

func (s *walk) group(off, end int, anchor *int) int {
	h, err := espformat.DecodeGroupHeader(s.buf[:end], off)
	if err != nil {
		s.stats.Error(string(espformat.TagGroup), off, err)
		return end
	}
	s.stats.Groups++
	size := int(h.Size)
	if size < espformat.GroupHeaderSize {
		s.stats.Error(string(espformat.TagGroup), off, fmt.Errorf("%w: declared %d, below header size %d", ErrGroupSize, size, espformat.GroupHeaderSize))
		return end
	}
	if size > end-off {
		s.stats.Error(string(espformat.TagGroup), off, fmt.Errorf("%w: declared %d, only %d bytes remain", ErrGroupSize, size, end-off))
		return end
	}
	groupEnd := off + size
	*anchor = groupEnd

	var expected espformat.Tag
	if h.GroupType == espformat.GroupTop {
		expected = h.LabelTag()
	}
	s.w.logger.DebugContext(s.ctx, "Entering group", "file", s.file, "offset", off, "size", size, "group_type", h.GroupType.String(), "label", groupLabel(h.Label))
	s.region(off+espformat.GroupHeaderSize, groupEnd, expected)
	return groupEnd
}

// groupLabel formats a group label as hex only when the log line is actually written.
type groupLabel [4]byte

func (l groupLabel) LogValue() slog.Value { return slog.StringValue(fmt.Sprintf("%x", l[:])) }

func (s *walk) record(off, end int, expected espformat.Tag, anchor *int) int {
	h, err := espformat.DecodeRecordHeader(s.buf[:end], off)
	if err != nil {
		typ := "UNKNOWN"
		if t, perr := espformat.PeekTag(s.buf, off); perr == nil && espformat.IsPrintable([]byte(t)) {
			typ = string(t)
		}
		s.stats.Error(typ, off, err)
		return end
	}
	typ := string(h.Type)
	payloadStart := off + espformat.RecordHeaderSize
	if int(h.DataSize) > end-payloadStart {
		s.stats.Error(typ, off, fmt.Errorf("%w: %s declares %d bytes, only %d remain", ErrRecordSize, typ, h.DataSize, end-payloadStart))
		return end
	}
	payloadEnd := payloadStart + int(h.DataSize)
	*anchor = payloadEnd

	if expected != "" && h.Type != expected {
		s.stats.LabelMismatches++
		s.w.logger.DebugContext(s.ctx, "Record type differs from group label", "file", s.file, "offset", off, "type", typ, "label", string(expected))
	}
	if !s.w.Allowed(h.Type) {
		s.stats.Skipped(typ)
		return payloadEnd
	}

	payload := s.buf[payloadStart:payloadEnd]
	if h.Compressed() {
		payload, err = inflate(payload)
		if err != nil {
			s.stats.Error(typ, off, err)
			return payloadEnd
		}
	} else {
		payload = bytes.Clone(payload)
	}

	subs, err := Extract(payload)
	if err != nil {
		s.stats.Error(typ, off, err)
	}

	meta := record.Meta{
		Type:        h.Type,
		LocalFormID: h.FormID,
		FormID:      espformat.FormatFormID(h.FormID),
		SourceFile:  s.file,
		StackOrder:  record.StackOrderUnset,
		Flags:       h.Flags,
		Offset:      off,
	}
	if s.mapper != nil && h.FormID != 0 {
		global, err := s.mapper.MapFormID(h.FormID)
		if err != nil {
			s.stats.ResolutionFailures++
			s.w.logger.DebugContext(s.ctx, "Keeping file-local form id", "file", s.file, "form_id", meta.FormID, "error", err)
		} else {
			meta.FormID = espformat.FormatFormID(global)
		}
	}

	s.records = append(s.records, record.New(meta, bytes.Clone(s.buf[off:payloadStart]), subs))
	s.stats.Processed(typ)
	return payloadEnd
}

// inflate expands a compressed payload: a u32 decompressed size followed by a zlib stream.
func inflate(payload []byte) ([]byte, error) {
	want, err := espformat.ReadU32(payload, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	out, err := kaitai.ProcessZlib(payload[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	if uint32(len(out)) != want {
		return nil, fmt.Errorf("%w: inflated to %d bytes, header declares %d", ErrDecompress, len(out), want)
	}
	return out, nil
}
