package walker

import (
	"fmt"

	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/record"
)

// ResyncError reports where subrecord extraction lost its footing. Subrecords before
// Offset were extracted normally.
type ResyncError struct {
	Offset int
	Reason string
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("subrecord resync at offset %d: %s", e.Offset, e.Reason)
}

// Extract walks a record payload as [tag][u16 size][data] chunks. An XXXX chunk carries
// a u32 that replaces the declared size of the chunk after it. On a resync error the
// chunks collected so far are returned alongside the error.
func Extract(payload []byte) ([]record.Subrecord, error) {
	var (
		subs     []record.Subrecord
		off      int
		extended = -1
	)
	for off < len(payload) {
		start := off
		if len(payload)-off < espformat.SubrecordHeaderSize {
			return subs, &ResyncError{Offset: off, Reason: fmt.Sprintf("%d trailing bytes, shorter than a subrecord header", len(payload)-off)}
		}
		h, err := espformat.DecodeSubrecordHeader(payload, off)
		if err != nil {
			return subs, &ResyncError{Offset: off, Reason: err.Error()}
		}
		if !espformat.IsSubrecordTag(h.Type) {
			return subs, &ResyncError{Offset: off, Reason: fmt.Sprintf("invalid subrecord tag %q", string(h.Type))}
		}
		off += espformat.SubrecordHeaderSize

		if h.Type == espformat.TagExtendedSize {
			next, size, err := readExtendedSize(payload, start, h)
			if err != nil {
				return subs, err
			}
			extended = int(size)
			off = next
			continue
		}

		size := int(h.Size)
		if extended >= 0 {
			size = extended
			extended = -1
		}
		if size > len(payload)-off {
			return subs, &ResyncError{Offset: start, Reason: fmt.Sprintf("%s declares %d bytes, only %d remain", h.Type, size, len(payload)-off)}
		}
		subs = append(subs, record.Subrecord{Tag: h.Type, Data: payload[off : off+size], Offset: start})
		off += size
	}
	if extended >= 0 {
		return subs, &ResyncError{Offset: off, Reason: "extended-size marker not followed by a subrecord"}
	}
	return subs, nil
}

// readExtendedSize decodes an XXXX marker at start. The usual layout is a regular
// subrecord with a u16 size of 4 followed by the u32; the compact layout places the u32
// straight after the tag. The u16 picks the layout to try first, and the other one is
// tried when the first does not land on a subrecord tag. It returns the offset just past
// the marker.
func readExtendedSize(payload []byte, start int, h espformat.SubrecordHeader) (int, uint32, error) {
	layouts := []int{start + espformat.TagSize, start + espformat.SubrecordHeaderSize}
	if h.Size == 4 {
		layouts[0], layouts[1] = layouts[1], layouts[0]
	}

	var (
		firstNext int
		firstSize uint32
		found     bool
	)
	for _, valueAt := range layouts {
		size, err := espformat.ReadU32(payload, valueAt)
		if err != nil {
			continue
		}
		next := valueAt + 4
		if !found {
			firstNext, firstSize, found = next, size, true
		}
		if next == len(payload) {
			return next, size, nil
		}
		if tag, err := espformat.PeekTag(payload, next); err == nil && espformat.IsSubrecordTag(tag) {
			return next, size, nil
		}
	}
	if !found {
		return 0, 0, &ResyncError{Offset: start, Reason: "truncated extended-size marker"}
	}
	return firstNext, firstSize, nil
}
