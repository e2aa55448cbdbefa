package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandFraming(t *testing.T) {
	var buf bytes.Buffer

	cmd := &Command{
		Type:    CmdUpdate,
		Table:   7,
		Key:     "42",
		Payload: []byte{1, 2, 3},
	}
	require.NoError(t, WriteCommand(&buf, cmd))
	require.NoError(t, WriteCommand(&buf, &Command{Type: CmdLogin, Args: []string{"admin", "secret", "abc"}}))

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	login, err := ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdLogin, login.Type)
	assert.Equal(t, []string{"admin", "secret", "abc"}, login.Args)
	assert.Equal(t, TableID(0), login.Table)
}

func TestResponseCarriesInvalidateList(t *testing.T) {
	cases := []*Response{
		{Type: RespOK, Invalidate: []TableID{3, 4}, Origin: "conn-1"},
		{Type: RespError, Error: "no such table"},
		{Type: RespInt, Int: -12},
		{Type: RespRows, Rows: [][]byte{{0x01}, {}, []byte("row")}, Invalidate: []TableID{9}},
		{Type: RespInvalidate, Invalidate: []TableID{1, 2, 3}, Origin: "other"},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteResponse(&buf, want))

		got, err := ReadResponse(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Error, got.Error)
		assert.Equal(t, want.Int, got.Int)
		assert.Equal(t, want.Invalidate, got.Invalidate)
		assert.Equal(t, want.Origin, got.Origin)
		assert.Len(t, got.Rows, len(want.Rows))
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)

	_, err := ReadResponse(bytes.NewReader(header))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestDeserializeTruncated(t *testing.T) {
	data, err := (&Command{Type: CmdGetObject, Table: 2, Key: "abcdef"}).Serialize()
	require.NoError(t, err)

	_, err = DeserializeCommand(data[:len(data)-3])
	require.Error(t, err)

	_, err = DeserializeResponse([]byte{byte(RespRows), 0xff, 0xff, 0xff, 0x0f})
	require.Error(t, err)

	_, err = DeserializeResponse(nil)
	require.Error(t, err)
}

func TestParseTableList(t *testing.T) {
	ids, err := ParseTableList(" 1, 4 ,7,")
	require.NoError(t, err)
	assert.Equal(t, []TableID{1, 4, 7}, ids)
	assert.Equal(t, "1,4,7", FormatTableList(ids))

	_, err = ParseTableList("1,x")
	require.Error(t, err)

	_, err = ParseTableList("0")
	require.Error(t, err)
}

type sample struct {
	name    string
	note    *string
	count   int64
	active  bool
	created time.Time
}

func (s *sample) EncodeRow(w *Writer) {
	w.WriteString(s.name)
	w.WriteNullString(s.note)
	w.WriteInt(s.count)
	w.WriteBool(s.active)
	w.WriteTime(s.created)
}

func (s *sample) DecodeRow(r *Reader) error {
	s.name = r.ReadString()
	s.note = r.ReadNullString()
	s.count = r.ReadInt()
	s.active = r.ReadBool()
	s.created = r.ReadTime()
	return r.Err()
}

func TestStreamableFields(t *testing.T) {
	note := "primary"
	in := &sample{
		name:    "AOINDUSTRIES",
		note:    &note,
		count:   -3,
		active:  true,
		created: time.Date(2001, 3, 4, 5, 6, 7, 0, time.UTC),
	}

	out := &sample{}
	require.NoError(t, Decode(Encode(in), out))
	assert.Equal(t, in, out)

	empty := &sample{}
	decoded := &sample{}
	require.NoError(t, Decode(Encode(empty), decoded))
	assert.Nil(t, decoded.note)
	assert.True(t, decoded.created.IsZero())
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	data := append(Encode(&sample{name: "x"}), 0x00)
	err := Decode(data, &sample{})
	require.Error(t, err)
}

func TestReaderStickyError(t *testing.T) {
	r := NewReader([]byte{0x05, 'a'})
	assert.Equal(t, "", r.ReadString())
	assert.Equal(t, int64(0), r.ReadInt())
	require.Error(t, r.Err())
	assert.True(t, errors.Is(r.Err(), ErrTruncated))
}

func TestCommandTypeNames(t *testing.T) {
	assert.Equal(t, "get_table", CmdGetTable.String())
	assert.True(t, CmdRemove.Mutating())
	assert.False(t, CmdGetObject.Mutating())
	assert.Contains(t, CommandType(200).String(), "unknown")
}
