package fieldschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twinfer/espscan/internal/cel"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/testutil"
)

func ctda(function uint16, comparison float32, runOn uint32) []byte {
	return testutil.Subrecord("CTDA", testutil.Concat(
		[]byte{0x00, 0, 0, 0},
		testutil.F32(comparison),
		testutil.U16(function), testutil.U16(0),
		testutil.U32(0), testutil.U32(0),
		testutil.U32(runOn),
		testutil.U32(0),
		testutil.U32(0xFFFFFFFF),
	))
}

func effect(id uint32, magnitude float32, conditions ...[]byte) []byte {
	parts := [][]byte{
		testutil.Subrecord("EFID", testutil.U32(id)),
		testutil.Subrecord("EFIT", testutil.Concat(testutil.F32(magnitude), testutil.U32(0), testutil.U32(30))),
	}
	return testutil.Concat(append(parts, conditions...)...)
}

func simpleGroup(t *testing.T, terminator espformat.Tag) *RepeatingGroup {
	t.Helper()
	g, err := NewRepeatingGroup([]Member{
		{Tag: "EFID", Field: Field{Name: "effect", Schema: FormID{}}},
		{Tag: "EFIT", Field: Field{Name: "magnitude", Schema: F32}},
		{Tag: "CTDA", Field: Field{Name: "functions", Schema: &Struct{Fields: []Field{{Schema: Number{Width: 8}}, {Name: "fn", Schema: U16}}}}, Repeat: true},
	}, terminator, "", nil)
	require.NoError(t, err)
	return g
}

func TestDecode_RepeatingGroupBytes(t *testing.T) {
	buf := testutil.Concat(
		effect(0x100, 25, ctda(1, 1, 0), ctda(2, 1, 0)),
		effect(0x101, 10),
	)
	v, errs := Decode(simpleGroup(t, ""), buf, 0, len(buf), Options{})
	assert.Empty(t, errs)
	assert.Empty(t, testutil.DiffValues([]any{
		map[string]any{"effect": FormIDRef("0x00000100"), "magnitude": float32(25), "functions": []any{map[string]any{"fn": 1}, map[string]any{"fn": 2}}},
		map[string]any{"effect": FormIDRef("0x00000101"), "magnitude": float32(10)},
	}, v))
}

func TestDecode_RepeatingGroupStopsAtTerminator(t *testing.T) {
	buf := testutil.Concat(
		effect(0x100, 1),
		testutil.Subrecord("PRKF", nil),
		effect(0x200, 2),
	)
	g := simpleGroup(t, "PRKF")
	d := &decoder{}
	subs := record.New(record.Meta{}, nil, mustExtract(t, buf)).Subrecords()
	out, n := d.group(g, "EFID", subs)
	assert.Empty(t, d.errs)
	assert.Equal(t, 2, n, "terminator is not consumed")
	require.Len(t, out, 1)
}

func TestDecode_RepeatingGroupStopsAtForeignTag(t *testing.T) {
	buf := testutil.Concat(effect(0x100, 1), testutil.Subrecord("EDID", testutil.ZString("x")))
	d := &decoder{}
	subs := record.New(record.Meta{}, nil, mustExtract(t, buf)).Subrecords()
	out, n := d.group(simpleGroup(t, ""), "EFID", subs)
	assert.Equal(t, 2, n)
	assert.Len(t, out, 1)
}

func TestDecode_RepeatingGroupMemberError(t *testing.T) {
	buf := testutil.Concat(
		testutil.Subrecord("EFID", []byte{1, 2}),
		testutil.Subrecord("EFIT", testutil.F32(3)),
	)
	v, errs := Decode(simpleGroup(t, ""), buf, 0, len(buf), Options{})
	require.Len(t, errs, 1)
	assert.Equal(t, "[0].effect", errs[0].Path)
	assert.Equal(t, []any{map[string]any{"magnitude": float32(3)}}, v)
}

func TestDecode_RepeatingGroupBadFraming(t *testing.T) {
	buf := testutil.Concat(testutil.Subrecord("EFID", testutil.U32(5)), []byte{'E', 'F'})
	v, errs := Decode(simpleGroup(t, ""), buf, 0, len(buf), Options{})
	require.Len(t, errs, 1)
	assert.Equal(t, []any{map[string]any{"effect": FormIDRef("0x00000005")}}, v)
}

func TestRepeatingGroup_Selector(t *testing.T) {
	types := map[string]Schema{
		"wide":   U32,
		"narrow": U8,
	}
	g, err := NewRepeatingGroup([]Member{
		{Tag: "KIND", Field: Field{Name: "kind", Schema: U8}},
		{Tag: "DATA", Field: Field{Name: "data", Schema: Opaque{}}},
	}, "", "tag == 'DATA' ? (instance.kind == 1 ? 'wide' : 'narrow') : ''", types)
	require.NoError(t, err)

	buf := testutil.Concat(
		testutil.Subrecord("KIND", []byte{1}),
		testutil.Subrecord("DATA", testutil.U32(70000)),
		testutil.Subrecord("KIND", []byte{0}),
		testutil.Subrecord("DATA", []byte{7}),
		testutil.Subrecord("KIND", []byte{2}),
	)
	v, errs := Decode(g, buf, 0, len(buf), Options{})
	assert.Empty(t, errs)
	assert.Equal(t, []any{
		map[string]any{"kind": uint8(1), "data": uint32(70000)},
		map[string]any{"kind": uint8(0), "data": uint8(7)},
		map[string]any{"kind": uint8(2)},
	}, v)
}

func TestRepeatingGroup_SelectorUnknownType(t *testing.T) {
	g, err := NewRepeatingGroup([]Member{{Tag: "DATA", Field: Field{Name: "data", Schema: U8}}}, "", "'missing'", nil)
	require.NoError(t, err)
	_, errs := Decode(g, testutil.Subrecord("DATA", []byte{1}), 0, 7, Options{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "unknown type")
}

func TestDefaultRegistry_PerkEntries(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	pool, err := cel.NewProgramPool()
	require.NoError(t, err)

	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("Armsman")),
		testutil.Subrecord("DATA", []byte{0, 1, 2, 1, 0}),
		testutil.Subrecord("PRKE", []byte{1, 0, 0}),
		testutil.Subrecord("DATA", testutil.U32(0x0001F4)),
		testutil.Subrecord("PRKF", nil),
		testutil.Subrecord("PRKE", []byte{2, 0, 1}),
		testutil.Subrecord("DATA", []byte{0x1E, 0x02, 0x01}),
		testutil.Subrecord("PRKC", []byte{0}),
		ctda(0x1C1, 1, 0),
		testutil.Subrecord("EPFT", []byte{1}),
		testutil.Subrecord("EPFD", testutil.F32(1.2)),
		testutil.Subrecord("PRKF", nil),
	)
	rec := record.New(record.Meta{Type: "PERK"}, nil, mustExtract(t, payload))
	out := DecodeRecord(reg, rec, Options{Programs: pool})

	assert.Empty(t, out.DecodedErrors)
	assert.Equal(t, "Armsman", out.DecodedData["EDID"])
	assert.Empty(t, testutil.DiffValues(map[string]any{"flags": 0, "levelReq": 1, "numPRKE": 2}, out.DecodedData["DATA"]))

	entries, ok := out.DecodedData["PRKE"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Empty(t, testutil.DiffValues(map[string]any{
		"header": map[string]any{"kind": "ability", "rank": 0, "priority": 0},
		"data":   map[string]any{"spell": FormIDRef("0x000001f4")},
	}, entries[0]))

	second := entries[1].(map[string]any)
	assert.Equal(t, "float", second["paramType"])
	assert.Equal(t, float32(1.2), second["param"])
	assert.Equal(t, []any{int8(0)}, second["runOn"])
	conditions := second["conditions"].([]any)
	require.Len(t, conditions, 1)
	cond := conditions[0].(map[string]any)
	assert.Equal(t, uint16(0x1C1), cond["function"])
	assert.Equal(t, "subject", cond["runOn"])
	assert.Equal(t, map[string]any{"compare": int64(0), "useGlobal": false, "or": false}, cond["operator"])
}
