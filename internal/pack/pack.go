// Package pack implements the tagged binary encode/decode format used on
// the protocol wire (see internal/protocol). Every field is written with
// either an implicit positional tag (the common case: each call advances
// the tag by one from the previous) or an explicit tag id, followed by a
// one-byte type marker and a type-appropriate value encoding. Reading is
// strictly sequential; a reader that does not recognize a tag can still
// skip its value because the type marker alone determines its length.
//
// The codec's only contract to callers: writes are deterministic for
// identical input, and any valid write round-trips through read
// byte-for-byte.
package pack

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type is the one-byte value-kind marker that precedes every field's
// payload.
type Type byte

const (
	TypeEnd    Type = 0 // sentinel: closes an array, or end of top-level frame
	TypeUInt   Type = 1 // unsigned varint
	TypeInt    Type = 2 // signed, zigzag-encoded varint
	TypeBool   Type = 3 // one byte, 0 or 1
	TypeString Type = 4 // varint length prefix + UTF-8 bytes
	TypeBinary Type = 5 // varint length prefix + raw bytes
	TypeArray  Type = 6 // nested frame, terminated by a TypeEnd field
)

// Writer builds a pack-encoded byte sequence. The zero value is ready to
// use.
type Writer struct {
	buf    []byte
	nextID uint64
}

// NewWriter returns a Writer with an empty buffer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the encoded frame built so far.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) writeHeader(id uint64, t Type) {
	delta := id - w.nextID
	w.buf = binary.AppendUvarint(w.buf, delta)
	w.buf = append(w.buf, byte(t))
	w.nextID = id + 1
}

// WriteUInt writes an unsigned integer at the next positional tag.
func (w *Writer) WriteUInt(v uint64) { w.WriteUIntID(w.nextID, v) }

// WriteUIntID writes an unsigned integer at an explicit tag id.
func (w *Writer) WriteUIntID(id uint64, v uint64) {
	w.writeHeader(id, TypeUInt)
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteInt writes a signed integer at the next positional tag.
func (w *Writer) WriteInt(v int64) { w.WriteIntID(w.nextID, v) }

// WriteIntID writes a signed integer at an explicit tag id.
func (w *Writer) WriteIntID(id uint64, v int64) {
	w.writeHeader(id, TypeInt)
	w.buf = binary.AppendVarint(w.buf, v)
}

// WriteBool writes a boolean at the next positional tag.
func (w *Writer) WriteBool(v bool) { w.WriteBoolID(w.nextID, v) }

// WriteBoolID writes a boolean at an explicit tag id.
func (w *Writer) WriteBoolID(id uint64, v bool) {
	w.writeHeader(id, TypeBool)
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// WriteString writes a length-prefixed string at the next positional tag.
func (w *Writer) WriteString(v string) { w.WriteStringID(w.nextID, v) }

// WriteStringID writes a length-prefixed string at an explicit tag id.
func (w *Writer) WriteStringID(id uint64, v string) {
	w.writeHeader(id, TypeString)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteBinary writes a length-prefixed byte blob at the next positional tag.
func (w *Writer) WriteBinary(v []byte) { w.WriteBinaryID(w.nextID, v) }

// WriteBinaryID writes a length-prefixed byte blob at an explicit tag id.
func (w *Writer) WriteBinaryID(id uint64, v []byte) {
	w.writeHeader(id, TypeBinary)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(v)))
	w.buf = append(w.buf, v...)
}

// BeginArray opens a nested frame at the next positional tag. Fields
// written after it belong to the nested frame; call EndArray when done.
func (w *Writer) BeginArray() { w.BeginArrayID(w.nextID) }

// BeginArrayID opens a nested frame at an explicit tag id.
func (w *Writer) BeginArrayID(id uint64) {
	w.writeHeader(id, TypeArray)
	w.nextID = 0
}

// EndArray closes the most recently opened array.
func (w *Writer) EndArray() {
	w.buf = binary.AppendUvarint(w.buf, 0)
	w.buf = append(w.buf, byte(TypeEnd))
}

// End closes the top-level frame. Callers that only write a fixed known
// sequence of fields may omit it; readers stop at EOF either way.
func (w *Writer) End() { w.EndArray() }

// Field is one decoded (tag, type) header, returned by Reader.Next. The
// payload is read separately with the Read method for its type, or Skip.
type Field struct {
	ID   uint64
	Type Type
}

// Reader sequentially decodes a pack-encoded byte sequence.
type Reader struct {
	buf    []byte
	off    int
	nextID uint64
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader { return &Reader{buf: data} }

func (r *Reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.off += n
	return v, nil
}

func (r *Reader) varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.off += n
	return v, nil
}

// Next decodes the next field header. It returns io.EOF when the buffer is
// exhausted (top-level frames with no trailing End marker rely on this).
func (r *Reader) Next() (Field, error) {
	if r.off >= len(r.buf) {
		return Field{}, io.EOF
	}
	delta, err := r.uvarint()
	if err != nil {
		return Field{}, err
	}
	if r.off >= len(r.buf) {
		return Field{}, io.ErrUnexpectedEOF
	}
	t := Type(r.buf[r.off])
	r.off++
	id := r.nextID + delta
	r.nextID = id + 1
	return Field{ID: id, Type: t}, nil
}

// ReadUInt reads the payload of a field previously returned as TypeUInt.
func (r *Reader) ReadUInt() (uint64, error) { return r.uvarint() }

// ReadInt reads the payload of a field previously returned as TypeInt.
func (r *Reader) ReadInt() (int64, error) { return r.varint() }

// ReadBool reads the payload of a field previously returned as TypeBool.
func (r *Reader) ReadBool() (bool, error) {
	if r.off >= len(r.buf) {
		return false, io.ErrUnexpectedEOF
	}
	v := r.buf[r.off] != 0
	r.off++
	return v, nil
}

// ReadString reads the payload of a field previously returned as TypeString.
func (r *Reader) ReadString() (string, error) {
	b, err := r.readLenPrefixed()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBinary reads the payload of a field previously returned as TypeBinary.
func (r *Reader) ReadBinary() ([]byte, error) {
	return r.readLenPrefixed()
}

func (r *Reader) readLenPrefixed() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.off)+n > uint64(len(r.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// BeginArray enters a nested frame previously returned as TypeArray, and
// resets positional-tag tracking for the nested scope as the writer does.
func (r *Reader) BeginArray() error {
	r.nextID = 0
	return nil
}

// SkipArray consumes fields until the matching TypeEnd, recursing through
// any nested arrays so it always lands exactly past the close marker.
func (r *Reader) SkipArray() error {
	for {
		f, err := r.Next()
		if err != nil {
			return err
		}
		if f.Type == TypeEnd {
			return nil
		}
		if err := r.Skip(f.Type); err != nil {
			return err
		}
	}
}

// Skip discards the payload of a field of the given type without
// interpreting it, used by readers that encounter an unrecognized tag.
func (r *Reader) Skip(t Type) error {
	switch t {
	case TypeEnd:
		return nil
	case TypeUInt:
		_, err := r.uvarint()
		return err
	case TypeInt:
		_, err := r.varint()
		return err
	case TypeBool:
		_, err := r.ReadBool()
		return err
	case TypeString, TypeBinary:
		_, err := r.readLenPrefixed()
		return err
	case TypeArray:
		return r.SkipArray()
	default:
		return fmt.Errorf("pack: unknown type marker %d", t)
	}
}

// Remaining reports whether unread bytes remain in the frame.
func (r *Reader) Remaining() bool { return r.off < len(r.buf) }
