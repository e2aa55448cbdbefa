package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrTruncated is returned by Reader when the data ends inside a field.
var ErrTruncated = errors.New("data truncated")

// Streamable is implemented by every row type that crosses the wire.
// EncodeRow and DecodeRow must read and write the same fields in the same order.
type Streamable interface {
	EncodeRow(w *Writer)
	DecodeRow(r *Reader) error
}

// Writer appends typed fields to a byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded data.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteUint appends an unsigned varint.
func (w *Writer) WriteUint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteInt appends a signed varint.
func (w *Writer) WriteInt(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

// WriteBool appends a single byte, 1 for true.
func (w *Writer) WriteBool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteString appends a length-prefixed string.
func (w *Writer) WriteString(s string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteNullString appends a presence flag followed by the string when present.
func (w *Writer) WriteNullString(s *string) {
	w.WriteBool(s != nil)
	if s != nil {
		w.WriteString(*s)
	}
}

// WriteBytes appends a length-prefixed byte slice.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteTime appends t as unix milliseconds. The zero time is written as
// math.MinInt64 so it survives the round trip.
func (w *Writer) WriteTime(t time.Time) {
	if t.IsZero() {
		w.WriteInt(math.MinInt64)
		return
	}
	w.WriteInt(t.UnixMilli())
}

// Reader decodes typed fields. The first error is kept and every later read
// returns a zero value, so decoders can read all fields and check Err once.
type Reader struct {
	err  error
	data []byte
	off  int
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first decoding error.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// ReadUint reads an unsigned varint.
func (r *Reader) ReadUint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		r.fail(fmt.Errorf("invalid uvarint at offset %d: %w", r.off, ErrTruncated))
		return 0
	}
	r.off += n
	return v
}

// ReadInt reads a signed varint.
func (r *Reader) ReadInt() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.data[r.off:])
	if n <= 0 {
		r.fail(fmt.Errorf("invalid varint at offset %d: %w", r.off, ErrTruncated))
		return 0
	}
	r.off += n
	return v
}

// ReadBool reads a single-byte boolean.
func (r *Reader) ReadBool() bool {
	if r.err != nil {
		return false
	}
	if r.off >= len(r.data) {
		r.fail(fmt.Errorf("bool at offset %d: %w", r.off, ErrTruncated))
		return false
	}
	b := r.data[r.off]
	r.off++
	return b != 0
}

// ReadBytes reads a length-prefixed byte slice. The result aliases the
// underlying buffer.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadUint()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.Remaining()) {
		r.fail(fmt.Errorf("field of %d bytes at offset %d: %w", n, r.off, ErrTruncated))
		return nil
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() string {
	return string(r.ReadBytes())
}

// ReadNullString reads a value written by WriteNullString.
func (r *Reader) ReadNullString() *string {
	if !r.ReadBool() {
		return nil
	}
	s := r.ReadString()
	if r.err != nil {
		return nil
	}
	return &s
}

// ReadTime reads a value written by WriteTime, in UTC.
func (r *Reader) ReadTime() time.Time {
	ms := r.ReadInt()
	if r.err != nil || ms == math.MinInt64 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (r *Reader) readTableID() TableID {
	v := r.ReadUint()
	if v > math.MaxUint16 {
		r.fail(fmt.Errorf("table id %d out of range", v))
		return 0
	}
	return TableID(v)
}

// Encode is a convenience for encoding a single row.
func Encode(s Streamable) []byte {
	w := NewWriter()
	s.EncodeRow(w)
	return w.Bytes()
}

// Decode decodes data into s and rejects trailing bytes.
func Decode(data []byte, s Streamable) error {
	r := NewReader(data)
	if err := s.DecodeRow(r); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after row", r.Remaining())
	}
	return nil
}
