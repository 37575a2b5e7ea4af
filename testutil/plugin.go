// Package testutil builds plugin byte streams for tests.
package testutil

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
)

// U16 encodes v as little-endian.
func U16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

// U32 encodes v as little-endian.
func U32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

// U64 encodes v as little-endian.
func U64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

// F32 encodes v as a little-endian IEEE-754 single.
func F32(v float32) []byte { return U32(math.Float32bits(v)) }

// ZString returns s followed by a NUL byte.
func ZString(s string) []byte { return append([]byte(s), 0) }

// Concat joins byte slices.
func Concat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

// Prefixed returns data preceded by its u16 length.
func Prefixed(data []byte) []byte { return Concat(U16(uint16(len(data))), data) }

// Subrecord frames data with a 6-byte subrecord header.
func Subrecord(tag string, data []byte) []byte {
	return Concat([]byte(tag), U16(uint16(len(data))), data)
}

// ExtendedSubrecord frames data larger than 65535 bytes behind an XXXX marker.
func ExtendedSubrecord(tag string, data []byte) []byte {
	return Concat([]byte("XXXX"), U16(4), U32(uint32(len(data))), []byte(tag), U16(0), data)
}

// RecordPayload frames a raw payload with a 24-byte record header.
func RecordPayload(tag string, formID, flags uint32, payload []byte) []byte {
	return Concat(
		[]byte(tag),
		U32(uint32(len(payload))),
		U32(flags),
		U32(formID),
		U16(0), U16(0), // timestamp, version control
		U16(44), U16(0), // form version, unknown
		payload,
	)
}

// Record frames subrecords with a record header.
func Record(tag string, formID, flags uint32, subrecords ...[]byte) []byte {
	return RecordPayload(tag, formID, flags, Concat(subrecords...))
}

// CompressedRecord deflates the subrecords and sets the compressed flag.
func CompressedRecord(tag string, formID, flags uint32, subrecords ...[]byte) []byte {
	raw := Concat(subrecords...)
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(raw)
	_ = zw.Close()
	payload := Concat(U32(uint32(len(raw))), buf.Bytes())
	return RecordPayload(tag, formID, flags|0x00040000, payload)
}

// Group wraps children in a GRUP block whose size covers header and children.
func Group(label string, groupType uint32, children ...[]byte) []byte {
	body := Concat(children...)
	lbl := make([]byte, 4)
	copy(lbl, label)
	return Concat(
		[]byte("GRUP"),
		U32(uint32(24+len(body))),
		lbl,
		U32(groupType),
		U16(0), U16(0),
		U32(0),
		body,
	)
}

// GroupWithSize writes a GRUP header that declares size regardless of the body length.
func GroupWithSize(label string, groupType, size uint32, body []byte) []byte {
	lbl := make([]byte, 4)
	copy(lbl, label)
	return Concat([]byte("GRUP"), U32(size), lbl, U32(groupType), U16(0), U16(0), U32(0), body)
}

// PluginHeader builds a TES4 record listing masters in order.
func PluginHeader(flags uint32, masters ...string) []byte {
	subs := [][]byte{
		Subrecord("HEDR", Concat(F32(1.71), U32(0), U32(0x800))),
		Subrecord("CNAM", ZString("tester")),
	}
	for _, m := range masters {
		subs = append(subs, Subrecord("MAST", ZString(m)), Subrecord("DATA", U64(0)))
	}
	return Record("TES4", 0, flags, subs...)
}
