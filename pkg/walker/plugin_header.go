package walker

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/twinfer/espscan/pkg/espformat"
	"golang.org/x/text/encoding/charmap"
)

// ErrNotPlugin is returned when a buffer does not start with a TES4 header record.
var ErrNotPlugin = errors.New("not a plugin: missing TES4 header record")

// PluginHeader is the content of the leading TES4 record.
type PluginHeader struct {
	Flags        uint32
	Version      float32
	NumRecords   uint32
	NextObjectID uint32
	Author       string
	Description  string
	Masters      []string
}

func (h *PluginHeader) IsMaster() bool    { return h.Flags&espformat.FlagMaster != 0 }
func (h *PluginHeader) IsLight() bool     { return h.Flags&espformat.FlagLight != 0 }
func (h *PluginHeader) IsLocalized() bool { return h.Flags&espformat.FlagLocalized != 0 }

// PluginHeaderSize returns the byte length of the TES4 record at the start of buf, so a
// loader can read just the header. buf needs at least RecordHeaderSize bytes.
func PluginHeaderSize(buf []byte) (int, error) {
	h, err := espformat.DecodeRecordHeader(buf, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotPlugin, err)
	}
	if h.Type != espformat.TagPluginHeader {
		return 0, fmt.Errorf("%w: first record is %s", ErrNotPlugin, h.Type)
	}
	return espformat.RecordHeaderSize + int(h.DataSize), nil
}

// ReadPluginHeader parses the TES4 record at the start of buf. Masters are returned in
// declaration order, which defines the file-local index of every form id in the file.
func ReadPluginHeader(buf []byte) (*PluginHeader, error) {
	size, err := PluginHeaderSize(buf)
	if err != nil {
		return nil, err
	}
	if size > len(buf) {
		return nil, fmt.Errorf("%w: TES4 declares %d bytes, buffer has %d", ErrRecordSize, size, len(buf))
	}
	h, _ := espformat.DecodeRecordHeader(buf, 0)
	subs, err := Extract(buf[espformat.RecordHeaderSize:size])
	if err != nil {
		return nil, fmt.Errorf("reading TES4 subrecords: %w", err)
	}

	out := &PluginHeader{Flags: h.Flags}
	for _, sub := range subs {
		switch sub.Tag {
		case "HEDR":
			stream := kaitai.NewStream(bytes.NewReader(sub.Data))
			if out.Version, err = stream.ReadF4le(); err != nil {
				return nil, fmt.Errorf("reading HEDR version: %w", err)
			}
			if out.NumRecords, err = stream.ReadU4le(); err != nil {
				return nil, fmt.Errorf("reading HEDR record count: %w", err)
			}
			if out.NextObjectID, err = stream.ReadU4le(); err != nil {
				return nil, fmt.Errorf("reading HEDR next object id: %w", err)
			}
		case "CNAM":
			out.Author = headerString(sub.Data)
		case "SNAM":
			out.Description = headerString(sub.Data)
		case espformat.TagMaster:
			out.Masters = append(out.Masters, headerString(sub.Data))
		}
	}
	return out, nil
}

// headerString decodes a NUL-terminated Windows-1252 string.
func headerString(b []byte) string {
	s, err := kaitai.BytesToStr(kaitai.BytesTerminate(b, 0, false), charmap.Windows1252.NewDecoder())
	if err != nil {
		return string(kaitai.BytesTerminate(b, 0, false))
	}
	return s
}
