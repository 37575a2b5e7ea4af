package espformat

import (
	"bytes"
	"fmt"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
)

// Fixed header sizes. These never depend on the schema.
const (
	RecordHeaderSize    = 24
	GroupHeaderSize     = 24
	SubrecordHeaderSize = 6
)

// Record flag bits.
const (
	FlagMaster     uint32 = 0x00000001
	FlagDeleted    uint32 = 0x00000020
	FlagLocalized  uint32 = 0x00000080
	FlagLight      uint32 = 0x00000200
	FlagIgnored    uint32 = 0x00001000
	FlagCompressed uint32 = 0x00040000
)

// RecordHeader is the 24-byte header in front of every record payload.
type RecordHeader struct {
	Type           Tag
	DataSize       uint32
	Flags          uint32
	FormID         uint32
	Timestamp      uint16
	VersionControl uint16
	Version        uint16
	Unknown        uint16
}

// Compressed reports whether the payload is zlib-deflated.
func (h RecordHeader) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// GroupHeader is the 24-byte header of a GRUP block. Size includes the header itself.
type GroupHeader struct {
	Size           uint32
	Label          [4]byte
	GroupType      GroupType
	Timestamp      uint16
	VersionControl uint16
	Unknown        uint32
}

// LabelTag returns the label as a record type. It is only meaningful for top-level groups.
func (h GroupHeader) LabelTag() Tag { return Tag(h.Label[:]) }

// SubrecordHeader is the 6-byte header in front of every subrecord payload.
type SubrecordHeader struct {
	Type Tag
	Size uint16
}

// window returns a stream over buf[off:off+n], or a ParseError when the window does not fit.
func window(header string, buf []byte, off, n int) (*kaitai.Stream, error) {
	if off < 0 || off > len(buf) || len(buf)-off < n {
		return nil, &ParseError{Header: header, Offset: off, Err: fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, max(len(buf)-off, 0))}
	}
	return kaitai.NewStream(bytes.NewReader(buf[off : off+n])), nil
}

func readTag(header string, off int, stream *kaitai.Stream) (Tag, error) {
	raw, err := stream.ReadBytes(TagSize)
	if err != nil {
		return "", &ParseError{Header: header, Offset: off, Err: err}
	}
	if !IsPrintable(raw) {
		return "", &ParseError{Header: header, Offset: off, Err: fmt.Errorf("%w: %q", ErrBadTag, raw)}
	}
	return Tag(raw), nil
}

// PeekTag returns the four bytes at off as a tag without validating them.
func PeekTag(buf []byte, off int) (Tag, error) {
	if off < 0 || len(buf)-off < TagSize {
		return "", &ParseError{Header: "tag", Offset: off, Err: ErrShortBuffer}
	}
	return Tag(buf[off : off+TagSize]), nil
}

// DecodeRecordHeader decodes the record header at buf[off:].
func DecodeRecordHeader(buf []byte, off int) (RecordHeader, error) {
	stream, err := window("record", buf, off, RecordHeaderSize)
	if err != nil {
		return RecordHeader{}, err
	}
	tag, err := readTag("record", off, stream)
	if err != nil {
		return RecordHeader{}, err
	}
	h := RecordHeader{Type: tag}
	// The window is exactly RecordHeaderSize long, so the remaining reads cannot fail.
	h.DataSize, _ = stream.ReadU4le()
	h.Flags, _ = stream.ReadU4le()
	h.FormID, _ = stream.ReadU4le()
	h.Timestamp, _ = stream.ReadU2le()
	h.VersionControl, _ = stream.ReadU2le()
	h.Version, _ = stream.ReadU2le()
	h.Unknown, _ = stream.ReadU2le()
	return h, nil
}

// DecodeGroupHeader decodes the group header at buf[off:]. The tag must be GRUP.
func DecodeGroupHeader(buf []byte, off int) (GroupHeader, error) {
	stream, err := window("group", buf, off, GroupHeaderSize)
	if err != nil {
		return GroupHeader{}, err
	}
	tag, err := readTag("group", off, stream)
	if err != nil {
		return GroupHeader{}, err
	}
	if tag != TagGroup {
		return GroupHeader{}, &ParseError{Header: "group", Offset: off, Err: fmt.Errorf("%w: expected %s, got %s", ErrBadTag, TagGroup, tag)}
	}
	var h GroupHeader
	h.Size, _ = stream.ReadU4le()
	label, _ := stream.ReadBytes(4)
	copy(h.Label[:], label)
	groupType, _ := stream.ReadU4le()
	h.GroupType = GroupType(groupType)
	h.Timestamp, _ = stream.ReadU2le()
	h.VersionControl, _ = stream.ReadU2le()
	h.Unknown, _ = stream.ReadU4le()
	return h, nil
}

// DecodeSubrecordHeader decodes the subrecord header at buf[off:].
func DecodeSubrecordHeader(buf []byte, off int) (SubrecordHeader, error) {
	stream, err := window("subrecord", buf, off, SubrecordHeaderSize)
	if err != nil {
		return SubrecordHeader{}, err
	}
	tag, err := readTag("subrecord", off, stream)
	if err != nil {
		return SubrecordHeader{}, err
	}
	size, _ := stream.ReadU2le()
	return SubrecordHeader{Type: tag, Size: size}, nil
}

// ReadU32 reads a little-endian u32 at buf[off:].
func ReadU32(buf []byte, off int) (uint32, error) {
	stream, err := window("u32", buf, off, 4)
	if err != nil {
		return 0, err
	}
	return stream.ReadU4le()
}
