package walker

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/testutil"
)

func TestExtract_Sequential(t *testing.T) {
	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("IronSword")),
		testutil.Subrecord("KWDA", testutil.Concat(testutil.U32(1), testutil.U32(2))),
		testutil.Subrecord("KWDA", testutil.U32(3)),
	)
	subs, err := Extract(payload)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, espformat.Tag("EDID"), subs[0].Tag)
	assert.Equal(t, testutil.ZString("IronSword"), subs[0].Data)
	assert.Equal(t, 0, subs[0].Offset)
	assert.Equal(t, espformat.Tag("KWDA"), subs[2].Tag)
	assert.Equal(t, 16+6+8, subs[2].Offset)
}

func TestExtract_EmptyPayload(t *testing.T) {
	subs, err := Extract(nil)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestExtract_ShorterThanHeader(t *testing.T) {
	subs, err := Extract([]byte{'E', 'D', 'I', 'D', 0})
	require.Error(t, err)
	assert.Empty(t, subs)

	var rerr *ResyncError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 0, rerr.Offset)
}

func TestExtract_KeepsPartialOnOverrun(t *testing.T) {
	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("Ok")),
		[]byte("DATA"), testutil.U16(100), []byte{1, 2, 3},
	)
	subs, err := Extract(payload)
	require.Error(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, espformat.Tag("EDID"), subs[0].Tag)

	var rerr *ResyncError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 9, rerr.Offset)
	assert.Contains(t, rerr.Error(), "declares 100 bytes")
}

func TestExtract_BadTagStops(t *testing.T) {
	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("Ok")),
		testutil.Subrecord("da!a", []byte{1}),
		testutil.Subrecord("FULL", testutil.ZString("Never")),
	)
	subs, err := Extract(payload)
	require.Error(t, err)
	assert.Len(t, subs, 1)
	assert.Contains(t, err.Error(), "invalid subrecord tag")
}

func TestExtract_ExtendedSize(t *testing.T) {
	big := bytes.Repeat([]byte{0xAB}, 70000)
	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("Land")),
		testutil.ExtendedSubrecord("VHGT", big),
		testutil.Subrecord("DATA", []byte{7}),
	)
	subs, err := Extract(payload)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, espformat.Tag("VHGT"), subs[1].Tag)
	assert.Len(t, subs[1].Data, 70000)
	assert.Equal(t, []byte{7}, subs[2].Data)
}

func TestExtract_CompactExtendedSize(t *testing.T) {
	// XXXX followed directly by the u32 size, without the u16 size field.
	payload := testutil.Concat(
		[]byte("XXXX"), testutil.U32(3),
		[]byte("DATA"), testutil.U16(0), []byte{1, 2, 3},
	)
	subs, err := Extract(payload)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, []byte{1, 2, 3}, subs[0].Data)
}

func TestExtract_CompactExtendedSizeLowBitsLookLikeHeader(t *testing.T) {
	// 0x00010004 puts a 4 where the u16 size of the usual layout would sit.
	big := bytes.Repeat([]byte{0xCD}, 0x00010004)
	payload := testutil.Concat(
		[]byte("XXXX"), testutil.U32(0x00010004),
		[]byte("DATA"), testutil.U16(0), big,
		testutil.Subrecord("EDID", testutil.ZString("After")),
	)
	subs, err := Extract(payload)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, espformat.Tag("DATA"), subs[0].Tag)
	assert.Len(t, subs[0].Data, 0x00010004)
	assert.Equal(t, espformat.Tag("EDID"), subs[1].Tag)
}

func TestExtract_DanglingExtendedSize(t *testing.T) {
	payload := testutil.Concat([]byte("XXXX"), testutil.U16(4), testutil.U32(10))
	_, err := Extract(payload)
	var rerr *ResyncError
	require.True(t, errors.As(err, &rerr))
	assert.Contains(t, rerr.Reason, "not followed")
}

func TestExtract_SubrecordsNeverExceedPayload(t *testing.T) {
	payload := testutil.Concat(
		testutil.Subrecord("EDID", testutil.ZString("A")),
		testutil.Subrecord("DATA", []byte{1, 2, 3, 4}),
	)
	for cut := 0; cut <= len(payload); cut++ {
		subs, _ := Extract(payload[:cut])
		for _, s := range subs {
			assert.LessOrEqual(t, s.Offset+espformat.SubrecordHeaderSize+len(s.Data), cut)
		}
	}
}
