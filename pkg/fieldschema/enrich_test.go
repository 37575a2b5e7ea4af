package fieldschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twinfer/espscan/internal/cel"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/pkg/walker"
	"github.com/twinfer/espscan/testutil"
)

func mustExtract(t *testing.T, payload []byte) []record.Subrecord {
	t.Helper()
	subs, err := walker.Extract(payload)
	require.NoError(t, err)
	return subs
}

func TestDecodeRecord_EmptyPayload(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	rec := record.New(record.Meta{Type: "WEAP", FormID: "0x00000800"}, nil, nil)

	out := DecodeRecord(reg, rec, Options{})
	assert.NotNil(t, out.DecodedData)
	assert.Empty(t, out.DecodedData)
	assert.Empty(t, out.DecodedErrors)
}

func TestDecodeRecord_Weapon(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("IronSword")),
		testutil.Subrecord("VMAD", []byte{1, 2, 3}),
		testutil.Subrecord("FULL", testutil.ZString("Iron Sword")),
		testutil.Subrecord("KSIZ", testutil.U32(2)),
		testutil.Subrecord("KWDA", testutil.Concat(testutil.U32(0x1E711), testutil.U32(0x01000800))),
		testutil.Subrecord("DATA", testutil.Concat(testutil.U32(25), testutil.F32(9), testutil.U16(7))),
		testutil.Subrecord("XYZW", []byte{1}),
	)
	rec := record.New(record.Meta{Type: "WEAP"}, nil, mustExtract(t, payload))
	out := DecodeRecord(reg, rec, Options{})

	assert.Empty(t, out.DecodedErrors)
	assert.Empty(t, testutil.DiffValues(map[string]any{
		"EDID": "IronSword",
		"FULL": "Iron Sword",
		"KSIZ": 2,
		"KWDA": []any{FormIDRef("0x0001e711"), FormIDRef("0x01000800")},
		"DATA": map[string]any{"value": 25, "weight": float32(9), "damage": 7},
	}, out.DecodedData))

	assert.Nil(t, rec.DecodedData, "source record is not modified")
	assert.Equal(t, rec.Data, out.Data)
}

func TestDecodeRecord_LocalizedNames(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	payload := testutil.Subrecord("FULL", testutil.U32(42))
	rec := record.New(record.Meta{Type: "ARMO"}, nil, mustExtract(t, payload))

	out := DecodeRecord(reg, rec, Options{Localized: true})
	assert.Equal(t, uint32(42), out.DecodedData["FULL"])
}

func TestDecodeRecord_RepeatedTags(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	payload := testutil.Concat(
		testutil.Subrecord("LNAM", testutil.U32(1)),
		testutil.Subrecord("LNAM", testutil.U32(2)),
		testutil.Subrecord("LNAM", []byte{3}),
	)
	rec := record.New(record.Meta{Type: "FLST"}, nil, mustExtract(t, payload))
	out := DecodeRecord(reg, rec, Options{})

	assert.Equal(t, []any{FormIDRef("0x00000001"), FormIDRef("0x00000002"), nil}, out.DecodedData["LNAM"])
	require.Contains(t, out.DecodedErrors, "LNAM")
	assert.Equal(t, "LNAM[2]", out.DecodedErrors["LNAM"].FieldPath)
	assert.NotEmpty(t, out.DecodedErrors["LNAM"].ContextBytes)
}

func TestDecodeRecord_PartialErrors(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("Broken")),
		testutil.Subrecord("DATA", testutil.Concat(testutil.U32(10), []byte{1})),
	)
	rec := record.New(record.Meta{Type: "ARMO"}, nil, mustExtract(t, payload))
	out := DecodeRecord(reg, rec, Options{})

	assert.Equal(t, "Broken", out.DecodedData["EDID"])
	assert.Equal(t, map[string]any{"value": int32(10)}, out.DecodedData["DATA"])
	require.Contains(t, out.DecodedErrors, "DATA")
	assert.Equal(t, "DATA.weight", out.DecodedErrors["DATA"].FieldPath)
}

func TestDecodeRecord_SpellEffects(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	pool, err := cel.NewProgramPool()
	require.NoError(t, err)

	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("Flames")),
		effect(0x00012E49, 8, ctda(0x48, 0, 0)),
		effect(0x00012E4A, 2),
	)
	rec := record.New(record.Meta{Type: espformat.Tag("SPEL")}, nil, mustExtract(t, payload))
	out := DecodeRecord(reg, rec, Options{Programs: pool})

	assert.Empty(t, out.DecodedErrors)
	effects := out.DecodedData["EFID"].([]any)
	require.Len(t, effects, 2)
	first := effects[0].(map[string]any)
	assert.Equal(t, FormIDRef("0x00012e49"), first["effect"])
	assert.Empty(t, testutil.DiffValues(map[string]any{"magnitude": float32(8), "area": 0, "duration": 30}, first["item"]))
	assert.Len(t, first["conditions"], 1)
	assert.NotContains(t, effects[1], "conditions")
}

func TestDecodeRecord_Idempotent(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("Glob")),
		testutil.Subrecord("FNAM", []byte{0x66}),
		testutil.Subrecord("FLTV", testutil.F32(0.5)),
	)
	rec := record.New(record.Meta{Type: "GLOB"}, nil, mustExtract(t, payload))
	a := DecodeRecord(reg, rec, Options{})
	b := DecodeRecord(reg, rec, Options{})
	assert.Equal(t, a.DecodedData, b.DecodedData)
	assert.Equal(t, "float", a.DecodedData["FNAM"])
}
