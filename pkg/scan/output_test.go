package scan

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twinfer/espscan/pkg/fieldschema"
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/testutil"
)

func TestMarshalRecord(t *testing.T) {
	sub := record.Subrecord{Tag: "EDID", Data: testutil.ZString("Sword")}
	rec := record.New(record.Meta{Type: "WEAP", FormID: "0x00000800", SourceFile: "Base.esm", StackOrder: 1}, []byte{1, 2, 3}, []record.Subrecord{sub})

	raw, err := MarshalRecord(rec)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, map[string]any{"type": "WEAP", "formId": "0x00000800", "sourceFile": "Base.esm", "stackOrder": float64(1)}, got["meta"])
	assert.Equal(t, []any{base64.StdEncoding.EncodeToString(sub.Data)}, got["data"].(map[string]any)["EDID"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), got["header"])
	assert.NotContains(t, got, "decodedData")

	decoded := rec.WithDecoded(
		map[string]any{"EDID": "Sword", "CNAM": fieldschema.FormIDRef("0x00000900")},
		map[string]record.ErrorInfo{"DATA": {Message: "read past end of range", FieldPath: "DATA.weight"}},
	)
	raw, err = MarshalRecord(decoded)
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, map[string]any{"EDID": "Sword", "CNAM": "0x00000900"}, got["decodedData"])
	assert.Equal(t, "DATA.weight", got["decodedErrors"].(map[string]any)["DATA"].(map[string]any)["fieldPath"])
}

func TestWriteRecords(t *testing.T) {
	recs := []*record.ParsedRecord{
		record.New(record.Meta{Type: "WEAP", FormID: "0x00000001"}, nil, nil),
		record.New(record.Meta{Type: "ARMO", FormID: "0x00000002"}, nil, nil),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, recs))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var second RecordJSON
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "ARMO", second.Meta.Type)
	assert.Equal(t, "0x00000002", second.Meta.FormID)
}
