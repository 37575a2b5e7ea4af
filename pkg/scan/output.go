package scan

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/twinfer/espscan/pkg/record"
)

// RecordJSON is the wire shape of one record. Byte fields are base64 encoded.
type RecordJSON struct {
	Meta          RecordMetaJSON              `json:"meta"`
	Data          map[string][][]byte         `json:"data"`
	Header        []byte                      `json:"header"`
	DecodedData   map[string]any              `json:"decodedData,omitempty"`
	DecodedErrors map[string]record.ErrorInfo `json:"decodedErrors,omitempty"`
}

type RecordMetaJSON struct {
	Type       string `json:"type"`
	FormID     string `json:"formId"`
	SourceFile string `json:"sourceFile"`
	StackOrder int    `json:"stackOrder"`
}

// NewRecordJSON converts rec to its wire shape.
func NewRecordJSON(rec *record.ParsedRecord) RecordJSON {
	data := make(map[string][][]byte, len(rec.Data))
	for tag, chunks := range rec.Data {
		data[string(tag)] = chunks
	}
	out := RecordJSON{
		Meta: RecordMetaJSON{
			Type:       string(rec.Meta.Type),
			FormID:     rec.Meta.FormID,
			SourceFile: rec.Meta.SourceFile,
			StackOrder: rec.Meta.StackOrder,
		},
		Data:   data,
		Header: rec.RawHeader,
	}
	if rec.DecodedData != nil {
		out.DecodedData = rec.DecodedData
		out.DecodedErrors = rec.DecodedErrors
	}
	return out
}

// MarshalRecord encodes one record as JSON.
func MarshalRecord(rec *record.ParsedRecord) ([]byte, error) {
	return json.Marshal(NewRecordJSON(rec))
}

// WriteRecords writes records to w as JSON lines.
func WriteRecords(w io.Writer, recs []*record.ParsedRecord) error {
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(NewRecordJSON(rec)); err != nil {
			return err
		}
	}
	return nil
}
