package espformat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twinfer/espscan/testutil"
)

func TestDecodeRecordHeader(t *testing.T) {
	buf := testutil.Record("WEAP", 0x01000ABC, FlagCompressed|FlagMaster, testutil.Subrecord("EDID", testutil.ZString("Iron")))

	h, err := DecodeRecordHeader(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, Tag("WEAP"), h.Type)
	assert.Equal(t, uint32(11), h.DataSize)
	assert.Equal(t, uint32(0x01000ABC), h.FormID)
	assert.Equal(t, uint16(44), h.Version)
	assert.True(t, h.Compressed())
}

func TestDecodeRecordHeader_AtOffset(t *testing.T) {
	buf := testutil.Concat([]byte{0xFF, 0xFF}, testutil.Record("KYWD", 0x42, 0))
	h, err := DecodeRecordHeader(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, Tag("KYWD"), h.Type)
	assert.Equal(t, uint32(0x42), h.FormID)
}

func TestDecodeRecordHeader_ShortBuffer(t *testing.T) {
	_, err := DecodeRecordHeader(make([]byte, 23), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortBuffer))

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "record", perr.Header)

	_, err = DecodeRecordHeader(make([]byte, 30), 10)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = DecodeRecordHeader(make([]byte, 30), -1)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeRecordHeader_BadTag(t *testing.T) {
	buf := testutil.Record("WEAP", 1, 0)
	buf[1] = 0x01
	_, err := DecodeRecordHeader(buf, 0)
	assert.ErrorIs(t, err, ErrBadTag)
}

func TestDecodeRecordHeader_HugeSizeIsNotAnError(t *testing.T) {
	buf := testutil.RecordPayload("WEAP", 1, 0, nil)
	copy(buf[4:8], testutil.U32(0xFFFFFFFF))
	h, err := DecodeRecordHeader(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), h.DataSize)
}

func TestDecodeGroupHeader(t *testing.T) {
	buf := testutil.Group("WEAP", 0, testutil.Record("WEAP", 1, 0))
	h, err := DecodeGroupHeader(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(buf)), h.Size)
	assert.Equal(t, Tag("WEAP"), h.LabelTag())
	assert.Equal(t, GroupTop, h.GroupType)
	assert.Equal(t, "top", h.GroupType.String())

	t.Run("wrong tag", func(t *testing.T) {
		rec := testutil.Record("WEAP", 1, 0)
		_, err := DecodeGroupHeader(rec, 0)
		assert.ErrorIs(t, err, ErrBadTag)
	})
}

func TestDecodeSubrecordHeader(t *testing.T) {
	buf := testutil.Subrecord("EDID", []byte("Test"))
	h, err := DecodeSubrecordHeader(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, Tag("EDID"), h.Type)
	assert.Equal(t, uint16(4), h.Size)

	_, err = DecodeSubrecordHeader(buf[:5], 0)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestGroupTypeString(t *testing.T) {
	assert.Equal(t, "cell_temporary_children", GroupCellTemporaryChildren.String())
	assert.False(t, GroupType(10).Valid())
	assert.Equal(t, "group_type(10)", GroupType(10).String())
}

func TestTags(t *testing.T) {
	assert.True(t, IsSubrecordTag("EDID"))
	assert.True(t, IsSubrecordTag("NAM0"))
	assert.False(t, IsSubrecordTag("edid"))
	assert.False(t, IsSubrecordTag("ED D"))
	assert.False(t, IsSubrecordTag("EDI"))
	assert.True(t, IsPrintable([]byte("NPC_")))
	assert.False(t, IsPrintable([]byte{0, 'A', 'B', 'C'}))

	tag, err := PeekTag([]byte("GRUPxxxx"), 0)
	require.NoError(t, err)
	assert.Equal(t, TagGroup, tag)
	_, err = PeekTag([]byte("GR"), 0)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestFormIDText(t *testing.T) {
	assert.Equal(t, "0x00000001", FormatFormID(1))
	assert.Equal(t, "0x0100abcd", FormatFormID(0x0100ABCD))

	for _, in := range []string{"0x0100abcd", "0X0100ABCD", "0100abcd", " 0x0100AbCd "} {
		v, err := ParseFormID(in)
		require.NoError(t, err, in)
		assert.Equal(t, uint32(0x0100ABCD), v, in)
	}
	for _, in := range []string{"", "0x", "0x1234567890", "zzzz", "0x-1"} {
		_, err := ParseFormID(in)
		assert.ErrorIs(t, err, ErrBadFormID, in)
	}

	idx, local := SplitFormID(0x02ABCDEF)
	assert.Equal(t, uint8(2), idx)
	assert.Equal(t, uint32(0xABCDEF), local)
}
